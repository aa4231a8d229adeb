package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/artifact"
	"github.com/Kocoro-lab/Meridian/internal/llm"
)

// scriptedClient returns canned responses in order.
type scriptedClient struct {
	responses []*llm.Response
	requests  []llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("scripted client exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func toolResponse(t *testing.T, name string, args map[string]interface{}) *llm.Response {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: name, Arguments: string(raw)}}}
}

func extractionResponse(t *testing.T, spans ...string) *llm.Response {
	return toolResponse(t, "report_extraction_result", map[string]interface{}{
		"reasoning":              "matched",
		"extracted_content_list": spans,
	})
}

func supportResponse(t *testing.T, has bool, spans ...string) *llm.Response {
	return toolResponse(t, "report_support_finding_result", map[string]interface{}{
		"reasoning":            "checked",
		"has_support":          has,
		"support_content_list": spans,
	})
}

// chainStore builds note "3" citing webpage "2" citing requirement "1".
func chainStore(t *testing.T) *artifact.Store {
	t.Helper()
	store := artifact.NewStore()

	id1, err := store.Create(&artifact.Artifact{
		Kind:            artifact.KindUserRequirement,
		UserRequirement: "Find the beta launch date.",
	})
	require.NoError(t, err)
	require.NoError(t, store.Complete(id1, nil))

	id2, err := store.Create(&artifact.Artifact{
		Kind:         artifact.KindWebpage,
		URL:          "https://example.com/press",
		Markdown:     "The beta launched on March 3 after a long delay.",
		ExplicitRefs: []string{id1},
	})
	require.NoError(t, err)
	require.NoError(t, store.Complete(id2, nil))

	id3, err := store.Create(&artifact.Artifact{
		Kind:         artifact.KindNote,
		NoteMarkdown: "Summary: the beta launched on March 3.",
		ExplicitRefs: []string{id2},
	})
	require.NoError(t, err)
	require.NoError(t, store.Complete(id3, nil))

	return store
}

func TestTraceDepthThreeSuccess(t *testing.T) {
	store := chainStore(t)
	client := &scriptedClient{responses: []*llm.Response{
		extractionResponse(t, "the beta launched on March 3"),
		supportResponse(t, true, "The beta launched on March 3"),
		supportResponse(t, true, "Find the beta launch date."),
	}}
	eng := NewEngine(client, store, zap.NewNop())

	res, err := eng.Trace(context.Background(), "3", "the beta launched on March 3")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	// Depth 3: note -> webpage -> requirement, no null-children nodes.
	root := res.Tree
	assert.Equal(t, "3", root.ArtifactID)
	assert.Equal(t, []string{"the beta launched on March 3"}, root.SupportSpans)
	assert.Contains(t, root.Highlighted.Text, "<highlight>the beta launched on March 3</highlight>")
	require.Len(t, root.Children, 1)

	mid := root.Children[0]
	assert.Equal(t, "2", mid.ArtifactID)
	assert.Contains(t, mid.Highlighted.Text, "<highlight>The beta launched on March 3</highlight>")
	require.Len(t, mid.Children, 1)

	leaf := mid.Children[0]
	assert.Equal(t, "1", leaf.ArtifactID)
	assert.NotNil(t, leaf.Children)
	assert.Empty(t, leaf.Children)
}

func TestTraceNoSupportMarksFailed(t *testing.T) {
	store := chainStore(t)
	client := &scriptedClient{responses: []*llm.Response{
		extractionResponse(t, "the beta launched on March 3"),
		supportResponse(t, true, "The beta launched on March 3"),
		supportResponse(t, false),
	}}
	eng := NewEngine(client, store, zap.NewNop())

	res, err := eng.Trace(context.Background(), "3", "the beta launched on March 3")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	mid := res.Tree.Children[0]
	require.Len(t, mid.Children, 1)

	// The unsupported predecessor shows up as a null child: nil spans,
	// nil highlighted content, nil children.
	null := mid.Children[0]
	assert.Equal(t, "1", null.ArtifactID)
	assert.Nil(t, null.SupportSpans)
	assert.Nil(t, null.Highlighted)
	assert.Nil(t, null.Children)
}

func TestTraceNullChildSerializesAsNull(t *testing.T) {
	null := &Node{ArtifactID: "1"}
	raw, err := json.Marshal(null)
	require.NoError(t, err)
	assert.JSONEq(t, `{"artifact_id":"1","support_spans":null,"highlighted_content":null,"children":null}`, string(raw))

	leaf := &Node{ArtifactID: "1", SupportSpans: []string{"s"}, Highlighted: &HighlightedContent{Text: "s"}, Children: []*Node{}}
	raw, err = json.Marshal(leaf)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"children":[]`)
}

func TestTraceEmptyExtractionDefaultsToFragment(t *testing.T) {
	store := artifact.NewStore()
	id, err := store.Create(&artifact.Artifact{Kind: artifact.KindNote, NoteMarkdown: "only content here"})
	require.NoError(t, err)
	require.NoError(t, store.Complete(id, nil))

	client := &scriptedClient{responses: []*llm.Response{
		extractionResponse(t),
	}}
	eng := NewEngine(client, store, zap.NewNop())

	res, err := eng.Trace(context.Background(), id, "only content")
	require.NoError(t, err)
	assert.Equal(t, []string{"only content"}, res.Tree.SupportSpans)
}

func TestTraceRetriesOnMalformedResponse(t *testing.T) {
	store := chainStore(t)
	client := &scriptedClient{responses: []*llm.Response{
		// Attempt 1: no tool call at all.
		{Content: "I think the answer is..."},
		// Attempt 2: stringified list, recovered by the repair ladder.
		toolResponse(t, "report_extraction_result", map[string]interface{}{
			"reasoning":              "matched",
			"extracted_content_list": `["the beta launched on March 3"]`,
		}),
		supportResponse(t, true, "The beta launched on March 3"),
		supportResponse(t, true, "Find the beta launch date."),
	}}
	eng := NewEngine(client, store, zap.NewNop())

	res, err := eng.Trace(context.Background(), "3", "the beta launched on March 3")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	// The retry carried corrective feedback back to the service.
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "ERROR: No tool call in response")
}

func TestTraceExhaustsRetries(t *testing.T) {
	store := chainStore(t)
	client := &scriptedClient{responses: []*llm.Response{
		{Content: "no"},
		{Content: "still no"},
		{Content: "never"},
	}}
	eng := NewEngine(client, store, zap.NewNop())

	_, err := eng.Trace(context.Background(), "3", "fragment")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestTraceWrongToolNameFeedback(t *testing.T) {
	store := chainStore(t)
	client := &scriptedClient{responses: []*llm.Response{
		toolResponse(t, "some_other_tool", map[string]interface{}{}),
		extractionResponse(t, "the beta launched on March 3"),
		supportResponse(t, true, "The beta launched on March 3"),
		supportResponse(t, true, "Find the beta launch date."),
	}}
	eng := NewEngine(client, store, zap.NewNop())

	res, err := eng.Trace(context.Background(), "3", "the beta launched on March 3")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Contains(t, last.Content, "Wrong tool: some_other_tool")
}

func TestTraceSearchResultsHighlightsSnippets(t *testing.T) {
	store := artifact.NewStore()
	id1, err := store.Create(&artifact.Artifact{
		Kind:  artifact.KindSearchResults,
		Query: "launch date",
		Hits: []artifact.SearchHit{
			{Title: "Press", URL: "https://example.com", Snippet: "beta launched on March 3"},
			{Title: "Other", URL: "https://other.com", Snippet: "unrelated"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, store.Complete(id1, nil))

	id2, err := store.Create(&artifact.Artifact{
		Kind:         artifact.KindNote,
		NoteMarkdown: "The beta launched on March 3.",
		ExplicitRefs: []string{id1},
	})
	require.NoError(t, err)
	require.NoError(t, store.Complete(id2, nil))

	client := &scriptedClient{responses: []*llm.Response{
		extractionResponse(t, "beta launched on March 3"),
		supportResponse(t, true, "beta launched on March 3"),
	}}
	eng := NewEngine(client, store, zap.NewNop())

	res, err := eng.Trace(context.Background(), id2, "beta launched on March 3")
	require.NoError(t, err)

	child := res.Tree.Children[0]
	require.NotNil(t, child.Highlighted)
	require.Len(t, child.Highlighted.Hits, 2)
	assert.Equal(t, "<highlight>beta launched on March 3</highlight>", child.Highlighted.Hits[0].Snippet)
	assert.Equal(t, "unrelated", child.Highlighted.Hits[1].Snippet)
}
