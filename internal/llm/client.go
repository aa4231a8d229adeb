// Package llm is the client for the structured-output generation service.
// The service accepts an ordered message list plus declared action schemas
// and answers with either plain text or one or more requested actions.
// Argument payloads come back as raw JSON; parsing them is the caller's
// concern, and malformed payloads are a validation failure, not a client
// error.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/action"
	"github.com/Kocoro-lab/Meridian/internal/metrics"
)

// Message roles on the generation wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the outbound conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is one requested action. Arguments is the raw JSON payload as
// the service produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request carries one generation call.
type Request struct {
	Messages []Message
	Tools    []action.Schema
	// ForceTool names the single action the service must call, or "" for
	// free choice.
	ForceTool string
}

// Response is the service's answer: free text, requested actions, or both.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is the generation-service interface the engines depend on.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
	logger  *zap.Logger
}

// Config holds the HTTP client knobs.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewHTTPClient builds a client with a caller-side timeout so a stalled
// generation call can never hold a session hostage.
func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		hc:      &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Wire types for the chat completions protocol.

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  wireParameters `json:"parameters"`
}

type wireParameters struct {
	Type       string                  `json:"type"`
	Properties map[string]wireProperty `json:"properties"`
	Required   []string                `json:"required"`
}

type wireProperty struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Items       map[string]any `json:"items,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireRequest struct {
	Model      string        `json:"model"`
	Messages   []wireMessage `json:"messages"`
	Tools      []wireTool    `json:"tools,omitempty"`
	ToolChoice any           `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs one generation call.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.complete(ctx, req)
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerationRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.GenerationRequests.WithLabelValues("ok").Inc()
	return resp, nil
}

func (c *HTTPClient) complete(ctx context.Context, req Request) (*Response, error) {
	body := wireRequest{
		Model:    c.model,
		Messages: make([]wireMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, s := range req.Tools {
		body.Tools = append(body.Tools, toWireTool(s))
	}
	if req.ForceTool != "" {
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ForceTool},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation call: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read generation response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		c.logger.Warn("Generation service returned non-2xx",
			zap.Int("status", httpResp.StatusCode),
			zap.Int("body_bytes", len(raw)),
		)
		return nil, fmt.Errorf("generation call: HTTP %d", httpResp.StatusCode)
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}
	if wr.Error != nil {
		return nil, fmt.Errorf("generation service error: %s", wr.Error.Message)
	}
	if len(wr.Choices) == 0 {
		return nil, fmt.Errorf("generation response has no choices")
	}

	msg := wr.Choices[0].Message
	out := &Response{Content: msg.Content}
	for _, wtc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        wtc.ID,
			Name:      wtc.Function.Name,
			Arguments: wtc.Function.Arguments,
		})
	}
	return out, nil
}

func toWireTool(s action.Schema) wireTool {
	params := wireParameters{
		Type:       "object",
		Properties: make(map[string]wireProperty, len(s.Properties)),
		Required:   s.Required,
	}
	if params.Required == nil {
		params.Required = []string{}
	}
	for name, spec := range s.Properties {
		p := wireProperty{Type: spec.Type, Description: spec.Description}
		if spec.Items != "" {
			p.Items = map[string]any{"type": spec.Items}
		}
		params.Properties[name] = p
	}
	return wireTool{Type: "function", Function: wireFunction{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  params,
	}}
}
