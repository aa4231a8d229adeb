package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/action"
	"github.com/Kocoro-lab/Meridian/internal/artifact"
	"github.com/Kocoro-lab/Meridian/internal/llm"
	"github.com/Kocoro-lab/Meridian/internal/metrics"
	"github.com/Kocoro-lab/Meridian/internal/policy"
	"github.com/Kocoro-lab/Meridian/internal/search"
	"github.com/Kocoro-lab/Meridian/internal/session"
)

const defaultPollInterval = 100 * time.Millisecond

// Reference is an artifact the user has pinned to a request, optionally
// narrowed to a selected excerpt.
type Reference struct {
	ArtifactID      string `json:"artifact_id"`
	SelectedContent string `json:"selected_content,omitempty"`
}

// Config bundles the tunables of an Engine. Zero values fall back to
// defaults.
type Config struct {
	// PollInterval is how often a running action checks the interrupt
	// flag.
	PollInterval time.Duration
	// Limits caps consecutive acquisitions and synthesis calls.
	Limits policy.Limits
	// Prompts overrides the built-in system and note prompts.
	Prompts *Prompts
	// Notify is invoked after every observable state change. May be nil.
	Notify func()
}

// Engine drives the generation loop of one session: it assembles the
// model view, dispatches the model's action calls through validation
// and policy, and keeps the session state consistent across
// interrupts.
type Engine struct {
	state    *session.State
	client   llm.Client
	search   search.Provider
	fetcher  search.Fetcher
	registry *action.Registry
	enforcer *policy.Enforcer
	prompts  Prompts

	pollInterval time.Duration
	notify       func()
	logger       *zap.Logger
}

// New wires an engine over an existing session state.
func New(state *session.State, client llm.Client, provider search.Provider, fetcher search.Fetcher, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	prompts := DefaultPrompts()
	if cfg.Prompts != nil {
		prompts = *cfg.Prompts
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	e := &Engine{
		state:        state,
		client:       client,
		search:       provider,
		fetcher:      fetcher,
		enforcer:     policy.NewEnforcer(cfg.Limits),
		prompts:      prompts,
		pollInterval: poll,
		notify:       cfg.Notify,
		logger:       logger.With(zap.String("session_id", state.ID)),
	}
	e.registry = e.buildRegistry()
	return e
}

func (e *Engine) notifyObservers() {
	if e.notify != nil {
		e.notify()
	}
}

// Run processes one user request to completion: it opens the turn
// loop, repeats ExecuteTurn until the model finishes or is
// interrupted, and leaves the session in a resumable state either way.
func (e *Engine) Run(ctx context.Context, userMessage string, refs []Reference) error {
	e.state.Flags.ClearInterrupt()
	e.state.Flags.ResetFinal()
	e.state.Flags.SetRunning(true)
	e.notifyObservers()

	e.state.AddChat(session.ChatMessage{
		Kind:    session.ChatProgressSummary,
		Content: "Start",
		Status:  session.ChatInProgress,
	})

	if err := e.prepareUserMessage(userMessage, refs); err != nil {
		e.state.Flags.SetRunning(false)
		e.notifyObservers()
		return err
	}

	for {
		finished, err := e.ExecuteTurn(ctx)
		if err != nil {
			metrics.TurnsExecuted.WithLabelValues("error").Inc()
			e.state.Flags.SetRunning(false)
			e.notifyObservers()
			return err
		}
		if finished {
			outcome := "finished"
			if e.state.Flags.Interrupted() {
				outcome = "interrupted"
			}
			metrics.TurnsExecuted.WithLabelValues(outcome).Inc()
			break
		}
		metrics.TurnsExecuted.WithLabelValues("continue").Inc()
	}

	e.state.Flags.SetRunning(false)
	e.notifyObservers()
	return nil
}

// prepareUserMessage appends the user entry to history and records the
// request as a completed user_requirement artifact so later notes can
// cite it.
func (e *Engine) prepareUserMessage(userMessage string, refs []Reference) error {
	content := userMessage
	if len(refs) > 0 {
		var b strings.Builder
		b.WriteString(userMessage)
		b.WriteString("\n\n## User has selected the following artifacts as reference:\n")
		for _, ref := range refs {
			fmt.Fprintf(&b, "- Artifact ID: %s", ref.ArtifactID)
			if ref.SelectedContent != "" {
				fmt.Fprintf(&b, ", selected content: %s", ref.SelectedContent)
			}
			b.WriteString("\n")
		}
		content = b.String()
	}

	e.state.AppendEntry(session.Entry{
		Kind:    session.EntryUser,
		Content: content,
	})

	refIDs := make([]string, 0, len(refs))
	for _, ref := range refs {
		refIDs = append(refIDs, ref.ArtifactID)
	}
	id, err := e.state.Artifacts.Create(&artifact.Artifact{
		Kind:         artifact.KindUserRequirement,
		Title:        userMessage,
		ExplicitRefs: refIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to record user requirement: %w", err)
	}
	if err := e.state.Artifacts.Complete(id, func(a *artifact.Artifact) {
		a.UserRequirement = content
	}); err != nil {
		return err
	}

	e.state.AddChat(session.ChatMessage{
		Kind:       session.ChatUser,
		Content:    userMessage,
		Status:     session.ChatCompleted,
		ArtifactID: id,
	})
	e.notifyObservers()
	return nil
}

// ExecuteTurn runs one generation round trip. It returns true when the
// session is done with the current user request, either because the
// model called finish_turn, produced no action calls, or the user
// interrupted.
func (e *Engine) ExecuteTurn(ctx context.Context) (bool, error) {
	if e.state.Flags.Interrupted() {
		e.cleanupInterrupted()
		return true, nil
	}

	e.state.EnsureSystemEntry(e.prompts.System)

	resp, err := e.client.Complete(ctx, llm.Request{
		Messages: e.generationView(),
		Tools:    e.registry.Schemas(),
	})
	if err != nil {
		return false, fmt.Errorf("generation request failed: %w", err)
	}

	assistantContent := resp.Content
	// finish_turn carries the user-facing wrap-up in its argument, not
	// in the assistant text. Surface it as the assistant message.
	for _, tc := range resp.ToolCalls {
		if tc.Name != ActionFinishTurn {
			continue
		}
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err == nil {
			if summary, ok := args["final_summary"].(string); ok && summary != "" {
				assistantContent = summary
			}
		}
	}

	e.state.AppendEntry(session.Entry{
		Kind:      session.EntryAssistant,
		Content:   assistantContent,
		ToolCalls: resp.ToolCalls,
	})
	if assistantContent != "" {
		e.state.AddChat(session.ChatMessage{
			Kind:    session.ChatAssistant,
			Content: assistantContent,
			Status:  session.ChatCompleted,
		})
	}
	e.notifyObservers()

	if len(resp.ToolCalls) == 0 {
		return true, nil
	}

	for _, tc := range resp.ToolCalls {
		e.executeAction(ctx, tc)
		if e.state.Flags.Interrupted() {
			break
		}
	}

	if e.state.Flags.Interrupted() {
		e.cleanupInterrupted()
		return true, nil
	}
	return e.state.Flags.FinalReady(), nil
}

// executeAction runs a single action call through the full pipeline:
// argument parsing, schema validation, policy check, monitored
// execution, and the dual-content history append.
func (e *Engine) executeAction(ctx context.Context, tc llm.ToolCall) {
	appendResult := func(res action.Result, summary bool) {
		compact := res.Compact
		if compact == "" {
			compact = res.Full
		}
		e.state.AppendEntry(session.Entry{
			Kind:       session.EntryActionResult,
			Content:    res.Full,
			Compact:    compact,
			ToolCallID: tc.ID,
			ActionName: tc.Name,
			Summary:    summary,
		})
		e.notifyObservers()
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		appendResult(action.ErrorResult(fmt.Sprintf("Failed to parse tool arguments: %v", err)), false)
		return
	}

	def, ok := e.registry.Get(tc.Name)
	if !ok {
		appendResult(action.ErrorResult(fmt.Sprintf("Unknown tool: %s", tc.Name)), false)
		return
	}

	if err := def.Schema.Validate(args); err != nil {
		appendResult(action.ErrorResult(err.Error()), false)
		return
	}

	summary, _ := args["is_progress_summary_note"].(bool)

	if err := e.enforcer.Check(&e.state.Counters, def.Class, summary); err != nil {
		metrics.PolicyRejections.WithLabelValues(policyRule(def.Class)).Inc()
		metrics.ActionExecutions.WithLabelValues(tc.Name, "rejected").Inc()
		e.logger.Info("Action rejected by workflow policy",
			zap.String("action", tc.Name),
			zap.Error(err),
		)
		appendResult(action.ErrorResult(err.Error()), false)
		return
	}

	start := time.Now()
	res, err := e.monitorAction(ctx, def, args)
	metrics.ActionDuration.WithLabelValues(tc.Name).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		res = action.ErrorResult(err.Error())
		e.logger.Error("Action execution failed",
			zap.String("action", tc.Name),
			zap.Error(err),
		)
	} else if res.Interrupted {
		status = "interrupted"
	}

	appendResult(res, summary)
	metrics.ActionExecutions.WithLabelValues(tc.Name, status).Inc()

	if !res.Interrupted {
		e.enforcer.Record(&e.state.Counters, def.Class, summary)
	}
}

func policyRule(class action.Class) string {
	if class == action.ClassSynthesis {
		return "synthesis_summary"
	}
	return "raw_acquisition"
}

// monitorAction executes the handler in a goroutine and polls the
// interrupt flag. On interrupt the handler's context is cancelled and
// its completion is awaited before the interrupt result replaces its
// own.
func (e *Engine) monitorAction(ctx context.Context, def action.Definition, args map[string]interface{}) (action.Result, error) {
	actionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res action.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := def.Handler(actionCtx, args)
		done <- outcome{res: res, err: err}
	}()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-done:
			return out.res, out.err
		case <-ticker.C:
			if !e.state.Flags.Interrupted() {
				continue
			}
			cancel()
			<-done
			msg := "Interrupted by user during execution"
			return action.Result{Full: msg, Compact: msg, Interrupted: true}, nil
		}
	}
}

// cleanupInterrupted rolls the session back to a consistent resting
// point after a user interrupt: in-flight chat entries are cancelled,
// half-built artifacts removed, and the interruption is recorded as a
// progress summary.
func (e *Engine) cleanupInterrupted() {
	e.state.CancelInProgressChat()
	removed := e.state.Artifacts.RemoveInProgress()
	if len(removed) > 0 {
		e.logger.Info("Removed in-progress artifacts after interrupt",
			zap.Strings("artifact_ids", removed),
		)
	}
	e.state.CloseLastProgressSummary(session.ChatCompleted)
	e.state.AddChat(session.ChatMessage{
		Kind:    session.ChatProgressSummary,
		Content: "Interrupted",
		Status:  session.ChatCancelled,
	})
	metrics.Interrupts.Inc()
	e.notifyObservers()
}
