// Package trace implements the citation tracing engine. Given an
// artifact and a text fragment claimed to come from it, the engine
// walks the explicit reference graph backwards, asking the generation
// service at each step whether a predecessor supports the claim, and
// produces a provenance tree with supporting spans highlighted.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/action"
	"github.com/Kocoro-lab/Meridian/internal/artifact"
	"github.com/Kocoro-lab/Meridian/internal/highlight"
	"github.com/Kocoro-lab/Meridian/internal/llm"
	"github.com/Kocoro-lab/Meridian/internal/metrics"
	"github.com/Kocoro-lab/Meridian/internal/textmatch"
)

// Status is the overall outcome of a trace walk.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

const defaultMaxRetries = 3

// HighlightedContent is an artifact's display content with matched
// spans wrapped in highlight delimiters. Exactly one field is set,
// depending on the artifact kind.
type HighlightedContent struct {
	Text string               `json:"text,omitempty"`
	Hits []artifact.SearchHit `json:"hits,omitempty"`
}

// Node is one vertex of the provenance tree.
//
// SupportSpans nil (as opposed to empty) means the node lacks support.
// Children carries the same distinction: an empty slice is a leaf with
// no predecessors left to check, nil means the walk stopped here
// because nothing justified continuing.
type Node struct {
	ArtifactID   string              `json:"artifact_id"`
	SupportSpans []string            `json:"support_spans"`
	Highlighted  *HighlightedContent `json:"highlighted_content"`
	Children     []*Node             `json:"children"`
}

// Result is the outcome of one trace request.
type Result struct {
	Status Status `json:"status"`
	Tree   *Node  `json:"trace_result_tree"`
}

// Engine drives the recursive trace.
type Engine struct {
	client     llm.Client
	store      *artifact.Store
	logger     *zap.Logger
	maxRetries int
}

// NewEngine builds a trace engine over a session's artifact store.
func NewEngine(client llm.Client, store *artifact.Store, logger *zap.Logger) *Engine {
	return &Engine{
		client:     client,
		store:      store,
		logger:     logger,
		maxRetries: defaultMaxRetries,
	}
}

const extractionSystemPrompt = `You are a Root Content Extraction Agent. Your task is to extract the specific content from a source artifact that corresponds to a traced content snippet.

Given:
1. A content snippet that needs to be traced
2. The original source artifact content (the raw markdown content of the artifact)

Your job is to:
1. Carefully read both the traced content and the source artifact content
2. Identify which part(s) of the source artifact content correspond to the traced content
3. Extract the exact matching content from the source (must be findable as a verbatim substring)
4. The extracted content should be as close as possible to the traced content, but must match the exact text in the source

Important notes:
- The traced content is guaranteed to come from this source artifact
- For tables/lists, extract only the relevant parts if the traced content is partial
- If multiple non-contiguous parts match, extract them as separate items
- The extracted content must be continuous text snippets from the source

CRITICAL FORMAT REQUIREMENT:
When calling the tool, you MUST return extracted_content_list as a native JSON array, NOT as a stringified JSON string.

CORRECT format:
{"extracted_content_list": ["text1", "text2"], "reasoning": "..."}

WRONG format (DO NOT DO THIS):
{"extracted_content_list": "[\"text1\", \"text2\"]", "reasoning": "..."}

The extracted_content_list value should be an array [...], not a string "...".`

const supportSystemPrompt = `You are a Support Finding Agent. Your task is to analyze whether a predecessor artifact contains content that supports or provides evidence for a given claim/statement.

Given:
1. A claim/statement that needs to be traced (the content we want to find support for)
2. The content of a predecessor artifact (potential source of support)

Your job is to:
1. Carefully read the predecessor artifact content
2. Determine if any part of it supports, provides evidence for, or is the source of the given claim
3. If yes, extract the specific supporting content from the predecessor artifact
4. If no, indicate that no supporting content was found

Important notes:
- For tables/lists, extract only the relevant parts if the traced content is partial
- If multiple non-contiguous parts match, extract them as separate items
- The extracted content must be continuous text snippets from the source
- Be thorough but precise and concise - only extract content that genuinely supports the claim.

CRITICAL FORMAT REQUIREMENT:
When calling the tool, you MUST return support_content_list as a native JSON array, NOT as a stringified JSON string.

CORRECT format:
{"has_support": true, "support_content_list": ["content 1", "content 2"], "reasoning": "..."}

WRONG format (DO NOT DO THIS):
{"has_support": true, "support_content_list": "[\"content 1\", \"content 2\"]", "reasoning": "..."}

The support_content_list value should be an array [...], not a string "...".`

func extractionSchema() action.Schema {
	return action.Schema{
		Name:        "report_extraction_result",
		Description: "Report the extracted content from the source artifact that corresponds to the traced content snippet. Call this function after identifying the matching content in the source artifact.",
		Properties: map[string]action.ParamSpec{
			"reasoning": {
				Type:        "string",
				Description: "Brief explanation of how you matched the traced content to the source content.",
			},
			"extracted_content_list": {
				Type:        "array",
				Description: "The specific content from the source artifact that corresponds to the traced content. Each item must be a continuous text snippet that exactly matches text in the source. IMPORTANT: If the traced content maps to multiple non-contiguous parts in the source, extract them as separate array items.",
				Items:       "string",
			},
		},
		Required: []string{"reasoning", "extracted_content_list"},
	}
}

func supportSchema() action.Schema {
	return action.Schema{
		Name:        "report_support_finding_result",
		Description: "Report the result of searching for supporting content in the predecessor artifact. Call this function after analyzing whether the predecessor artifact contains content that supports the given claim.",
		Properties: map[string]action.ParamSpec{
			"reasoning": {
				Type:        "string",
				Description: "Brief explanation of why the content does or does not support the claim.",
			},
			"has_support": {
				Type:        "boolean",
				Description: "True if the predecessor artifact contains content that supports the claim, False otherwise.",
			},
			"support_content_list": {
				Type:        "array",
				Description: "The specific content from the predecessor artifact that supports the claim. Each item must be a continuous text snippet that exactly matches the original text. IMPORTANT: If multiple non-contiguous parts support the claim, extract them as separate array items. Set to empty array if has_support is False.",
				Items:       "string",
			},
		},
		Required: []string{"reasoning", "has_support", "support_content_list"},
	}
}

// Trace walks the provenance of fragment starting at artifactID.
func (e *Engine) Trace(ctx context.Context, artifactID, fragment string) (*Result, error) {
	e.logger.Info("Starting citation trace",
		zap.String("artifact_id", artifactID),
		zap.Int("fragment_len", len(fragment)),
	)

	spans, err := e.extractRootSpans(ctx, artifactID, fragment)
	if err != nil {
		metrics.TraceRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(spans) == 0 {
		spans = []string{fragment}
	}

	root, err := e.buildNode(artifactID, spans)
	if err != nil {
		metrics.TraceRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	supported, depth, err := e.traceNode(ctx, root, strings.Join(spans, "\n\n"))
	if err != nil {
		metrics.TraceRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	status := StatusSuccess
	if !supported {
		status = StatusFailed
	}
	metrics.TraceRequests.WithLabelValues(strings.ToLower(string(status))).Inc()
	metrics.TraceDepth.Observe(float64(depth))

	e.logger.Info("Citation trace completed",
		zap.String("artifact_id", artifactID),
		zap.String("status", string(status)),
		zap.Int("depth", depth),
	)
	return &Result{Status: status, Tree: root}, nil
}

// traceNode recursively checks the explicit predecessors of node for
// support of content. It reports whether the whole subtree is supported
// and the deepest level reached, counting node itself as 1.
func (e *Engine) traceNode(ctx context.Context, node *Node, content string) (bool, int, error) {
	refs, err := e.store.ExplicitRefs(node.ArtifactID)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read explicit refs of %s: %w", node.ArtifactID, err)
	}

	if len(refs) == 0 {
		node.Children = []*Node{}
		return true, 1, nil
	}

	supported := true
	maxChildDepth := 0
	var children []*Node
	for _, refID := range refs {
		hasSupport, spans, err := e.findSupport(ctx, content, refID)
		if err != nil {
			return false, 0, err
		}
		if !hasSupport || len(spans) == 0 {
			continue
		}

		child, err := e.buildNode(refID, spans)
		if err != nil {
			return false, 0, err
		}
		childSupported, childDepth, err := e.traceNode(ctx, child, strings.Join(spans, "\n\n"))
		if err != nil {
			return false, 0, err
		}
		supported = supported && childSupported
		if childDepth > maxChildDepth {
			maxChildDepth = childDepth
		}
		children = append(children, child)
	}

	if len(children) == 0 {
		// Predecessors exist but none supports the claim. One null
		// child per predecessor marks where the walk stopped.
		for _, refID := range refs {
			children = append(children, &Node{ArtifactID: refID})
		}
		node.Children = children
		return false, 1, nil
	}

	node.Children = children
	return supported, maxChildDepth + 1, nil
}

// buildNode assembles a tree node for the artifact with the given
// supporting spans highlighted in its display content.
func (e *Engine) buildNode(artifactID string, spans []string) (*Node, error) {
	a, err := e.store.Get(artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", artifactID, err)
	}

	hl := &HighlightedContent{}
	if a.Kind == artifact.KindSearchResults {
		hits := make([]artifact.SearchHit, len(a.Hits))
		copy(hits, a.Hits)
		for i := range hits {
			hits[i].Snippet = highlightString(hits[i].Snippet, spans)
		}
		hl.Hits = hits
	} else {
		hl.Text = highlightString(a.DisplayContent(), spans)
	}

	return &Node{
		ArtifactID:   artifactID,
		SupportSpans: spans,
		Highlighted:  hl,
	}, nil
}

// highlightString locates each span in text, merges the matched ranges,
// and wraps them in highlight delimiters.
func highlightString(text string, spans []string) string {
	var ranges []highlight.Span
	for _, span := range spans {
		matched := textmatch.Locate(span, text)
		if matched == "" {
			continue
		}
		if start := strings.Index(text, matched); start >= 0 {
			ranges = append(ranges, highlight.Span{Start: start, End: start + len(matched)})
		}
	}
	return highlight.Apply(text, ranges)
}

// extractRootSpans asks the generation service which substrings of the
// root artifact correspond to the traced fragment.
func (e *Engine) extractRootSpans(ctx context.Context, artifactID, fragment string) ([]string, error) {
	a, err := e.store.Get(artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", artifactID, err)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: extractionSystemPrompt},
		{Role: llm.RoleUser, Content: "## Traced Content Snippet\n" + fragment},
		{Role: llm.RoleUser, Content: "## Source Artifact Content\n" + a.Content()},
	}

	args, err := e.forcedCall(ctx, messages, extractionSchema(), "extracted_content_list")
	if err != nil {
		return nil, err
	}
	spans, err := EnsureStringList(args["extracted_content_list"], "extracted_content_list")
	if err != nil {
		// forcedCall already validated the field; this is unreachable
		// short of a logic error.
		return nil, err
	}
	return spans, nil
}

// findSupport asks the generation service whether predecessor refID
// supports the claim.
func (e *Engine) findSupport(ctx context.Context, claim, refID string) (bool, []string, error) {
	a, err := e.store.Get(refID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to read artifact %s: %w", refID, err)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: supportSystemPrompt},
		{Role: llm.RoleUser, Content: "## Claim/Statement to Trace\n" + claim},
		{Role: llm.RoleUser, Content: "## Predecessor Artifact Content\n" + a.Content()},
	}

	args, err := e.forcedCall(ctx, messages, supportSchema(), "support_content_list")
	if err != nil {
		return false, nil, err
	}

	hasSupport, _ := args["has_support"].(bool)
	spans, err := EnsureStringList(args["support_content_list"], "support_content_list")
	if err != nil {
		return false, nil, err
	}

	e.logger.Debug("Support check",
		zap.String("artifact_id", refID),
		zap.Bool("has_support", hasSupport),
		zap.Int("spans", len(spans)),
	)
	return hasSupport, spans, nil
}

// forcedCall drives one forced tool call with up to maxRetries
// attempts, feeding corrective messages back on every malformation:
// missing tool call, wrong tool name, invalid argument JSON, or a
// list field that survives no repair strategy.
func (e *Engine) forcedCall(ctx context.Context, messages []llm.Message, schema action.Schema, listField string) (map[string]interface{}, error) {
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		resp, err := e.client.Complete(ctx, llm.Request{
			Messages:  messages,
			Tools:     []action.Schema{schema},
			ForceTool: schema.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("generation call failed during trace: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			e.logger.Warn("No tool call in trace response",
				zap.Int("attempt", attempt+1),
			)
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
				llm.Message{Role: llm.RoleUser, Content: "ERROR: No tool call in response. Please call the tool."},
			)
			continue
		}

		tc := resp.ToolCalls[0]
		if tc.Name != schema.Name {
			e.logger.Warn("Wrong tool in trace response",
				zap.String("got", tc.Name),
				zap.Int("attempt", attempt+1),
			)
			messages = appendToolError(messages, tc, fmt.Sprintf("ERROR: Wrong tool: %s", tc.Name))
			continue
		}

		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			e.logger.Warn("Invalid JSON in trace tool arguments",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
			)
			messages = appendToolError(messages, tc, fmt.Sprintf("ERROR: Invalid JSON in arguments: %v", err))
			continue
		}

		if listField != "" {
			repaired, err := EnsureStringList(args[listField], listField)
			if err != nil {
				e.logger.Warn("Unrecoverable list field in trace tool arguments",
					zap.String("field", listField),
					zap.Int("attempt", attempt+1),
				)
				messages = appendToolError(messages, tc,
					fmt.Sprintf("ERROR: %v. Return %s as JSON array, not string.", err, listField))
				continue
			}
			if repaired != nil {
				coerced := make([]interface{}, len(repaired))
				for i, s := range repaired {
					coerced[i] = s
				}
				args[listField] = coerced
			}
		}

		return args, nil
	}
	return nil, fmt.Errorf("%s failed after %d attempts", schema.Name, e.maxRetries)
}

// appendToolError echoes the failed call and a corrective tool result
// into the conversation so the next attempt can self-correct.
func appendToolError(messages []llm.Message, tc llm.ToolCall, errMsg string) []llm.Message {
	return append(messages,
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{tc}},
		llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: errMsg},
	)
}
