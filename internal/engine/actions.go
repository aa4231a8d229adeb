package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/action"
	"github.com/Kocoro-lab/Meridian/internal/artifact"
	"github.com/Kocoro-lab/Meridian/internal/llm"
	"github.com/Kocoro-lab/Meridian/internal/session"
)

// Action names on the generation wire.
const (
	ActionSearchWeb     = "search_web"
	ActionScrapeWebpage = "scrape_webpage"
	ActionCreateNote    = "create_note"
	ActionFinishTurn    = "finish_turn"
)

// buildRegistry declares the four research actions and binds their
// handlers over the engine. Schema and handler stay co-located so they
// cannot drift apart.
func (e *Engine) buildRegistry() *action.Registry {
	r := action.NewRegistry()

	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(r.Register(action.Definition{
		Class:   action.ClassRawAcquisition,
		Handler: e.searchWebAction,
		Schema: action.Schema{
			Name:        ActionSearchWeb,
			Description: "Search the web for a query. The ranked results (title, URL, snippet) are saved as a search-results artifact.",
			Properties: map[string]action.ParamSpec{
				"search_term": {
					Type:        "string",
					Description: "The search term to use for the web search.",
				},
			},
			Required: []string{"search_term"},
		},
	}))

	must(r.Register(action.Definition{
		Class:   action.ClassRawAcquisition,
		Handler: e.scrapeWebpageAction,
		Schema: action.Schema{
			Name:        ActionScrapeWebpage,
			Description: "Fetch a webpage by URL and save its readable content as a webpage artifact.",
			Properties: map[string]action.ParamSpec{
				"webpage_url": {
					Type:        "string",
					Description: "The URL of the webpage to fetch.",
				},
			},
			Required: []string{"webpage_url"},
		},
	}))

	must(r.Register(action.Definition{
		Class:   action.ClassSynthesis,
		Handler: e.createNoteAction,
		Schema: action.Schema{
			Name:        ActionCreateNote,
			Description: "Synthesize a note from one or more existing artifacts. The note is saved as a new artifact citing its inputs.",
			Properties: map[string]action.ParamSpec{
				"input_artifact_ids": {
					Type:        "array",
					Description: "IDs of the artifacts the note will be based on.",
					Items:       "string",
				},
				"title_for_note": {
					Type:        "string",
					Description: "Title of the note.",
				},
				"instruction_for_agent": {
					Type:        "string",
					Description: "Instruction describing what the note should contain.",
				},
				"is_final_note": {
					Type:        "boolean",
					Description: "Whether this note is the final answer to the user's requirement.",
				},
				"is_progress_summary_note": {
					Type:        "boolean",
					Description: "Whether this note is a progress summary of the work so far.",
				},
				"concise_progress_summary": {
					Type:        "string",
					Description: "A very concise one sentence progress summary of what you have done since the last progress summary note (or since the start of the research). Only used if is_progress_summary_note is true.",
				},
			},
			Required: []string{
				"input_artifact_ids",
				"title_for_note",
				"instruction_for_agent",
				"is_final_note",
				"is_progress_summary_note",
			},
		},
	}))

	must(r.Register(action.Definition{
		Class:   action.ClassControl,
		Handler: e.finishTurnAction,
		Schema: action.Schema{
			Name:        ActionFinishTurn,
			Description: "End the interaction once the final note exists. Call this only after the research requirement is satisfied.",
			Properties: map[string]action.ParamSpec{
				"final_summary": {
					Type:        "string",
					Description: "The final summary of what you have done since the latest user request.",
				},
			},
			Required: []string{"final_summary"},
		},
	}))

	return r
}

func (e *Engine) searchWebAction(ctx context.Context, args map[string]interface{}) (action.Result, error) {
	term, _ := args["search_term"].(string)

	chatIdx := e.state.AddChat(session.ChatMessage{
		Kind:   session.ChatActionProgress,
		Label:  "Search Web: ",
		Detail: term,
		Status: session.ChatInProgress,
	})
	id, err := e.state.Artifacts.Create(&artifact.Artifact{
		Kind:  artifact.KindSearchResults,
		Title: term,
		Query: term,
	})
	if err != nil {
		return action.Result{}, fmt.Errorf("failed to create search artifact: %w", err)
	}
	e.notifyObservers()

	hits, err := e.search.Search(ctx, term)
	if err != nil {
		e.discardInProgress(chatIdx, "Search Web: ", term)
		return action.Result{}, fmt.Errorf("web search failed: %w", err)
	}

	if err := e.state.Artifacts.Complete(id, func(a *artifact.Artifact) {
		a.Hits = hits
	}); err != nil {
		return action.Result{}, err
	}
	e.state.UpdateChat(chatIdx, session.ChatMessage{
		Kind:       session.ChatActionProgress,
		Label:      "Search Web: ",
		Detail:     term,
		Status:     session.ChatCompleted,
		ArtifactID: id,
	})
	e.notifyObservers()

	e.logger.Info("Web search completed",
		zap.String("artifact_id", id),
		zap.Int("hits", len(hits)),
	)
	return e.acquisitionResult(id, "Search results"), nil
}

func (e *Engine) scrapeWebpageAction(ctx context.Context, args map[string]interface{}) (action.Result, error) {
	url, _ := args["webpage_url"].(string)

	chatIdx := e.state.AddChat(session.ChatMessage{
		Kind:   session.ChatActionProgress,
		Label:  "Scrape Webpage: ",
		Detail: url,
		Status: session.ChatInProgress,
	})
	id, err := e.state.Artifacts.Create(&artifact.Artifact{
		Kind: artifact.KindWebpage,
		URL:  url,
	})
	if err != nil {
		return action.Result{}, fmt.Errorf("failed to create webpage artifact: %w", err)
	}
	e.notifyObservers()

	title, content, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		e.discardInProgress(chatIdx, "Scrape Webpage: ", url)
		return action.Result{}, fmt.Errorf("webpage fetch failed: %w", err)
	}

	if err := e.state.Artifacts.Complete(id, func(a *artifact.Artifact) {
		a.Title = title
		a.Markdown = content
	}); err != nil {
		return action.Result{}, err
	}
	e.state.UpdateChat(chatIdx, session.ChatMessage{
		Kind:       session.ChatActionProgress,
		Label:      "Scrape Webpage: ",
		Detail:     url,
		Status:     session.ChatCompleted,
		ArtifactID: id,
	})
	e.notifyObservers()

	e.logger.Info("Webpage scraped",
		zap.String("artifact_id", id),
		zap.String("url", url),
	)
	return e.acquisitionResult(id, "Webpage"), nil
}

// acquisitionResult renders the dual-content result for a raw
// acquisition action: the full body stays visible until the next
// synthesis hides it behind the compact pointer.
func (e *Engine) acquisitionResult(id, what string) action.Result {
	a, err := e.state.Artifacts.Get(id)
	if err != nil {
		return action.ErrorResult(err.Error())
	}
	return action.Result{
		Full: fmt.Sprintf("%s saved in artifact with ID: %s. The full result is shown below (which will be hidden once you call the create_note action).\n%s",
			what, id, a.Content()),
		Compact: fmt.Sprintf("%s saved in artifact with ID: %s. The full result has been hidden (you can set it to be an input artifact of another create_note call to revisit its content).",
			what, id),
	}
}

func (e *Engine) createNoteAction(ctx context.Context, args map[string]interface{}) (action.Result, error) {
	title, _ := args["title_for_note"].(string)
	instruction, _ := args["instruction_for_agent"].(string)
	isFinal, _ := args["is_final_note"].(bool)
	isSummary, _ := args["is_progress_summary_note"].(bool)
	conciseSummary, _ := args["concise_progress_summary"].(string)
	inputIDs := stringList(args["input_artifact_ids"])

	chatIdx := e.state.AddChat(session.ChatMessage{
		Kind:   session.ChatActionProgress,
		Label:  "Create Note: ",
		Detail: title,
		Status: session.ChatInProgress,
	})

	id, err := e.state.Artifacts.Create(&artifact.Artifact{
		Kind:         artifact.KindNote,
		Title:        title,
		ExplicitRefs: inputIDs,
	})
	if err != nil {
		var refsErr *artifact.UnknownRefsError
		if errors.As(err, &refsErr) {
			// Referential integrity failure: report it to the loop and
			// roll back every in-progress leftover.
			e.logger.Warn("Note rejected for invalid artifact refs",
				zap.Strings("invalid_ids", refsErr.IDs),
			)
			e.cleanupInterrupted()
			return action.ErrorResult(refsErr.Error()), nil
		}
		return action.Result{}, fmt.Errorf("failed to create note artifact: %w", err)
	}
	e.notifyObservers()

	contents := make(map[string]string, len(inputIDs))
	for _, inputID := range inputIDs {
		a, err := e.state.Artifacts.Get(inputID)
		if err != nil {
			e.discardInProgress(chatIdx, "Create Note: ", title)
			return action.Result{}, fmt.Errorf("failed to read input artifact %s: %w", inputID, err)
		}
		contents[inputID] = a.Content()
	}

	prompt := renderNotePrompt(e.prompts.NoteCreation, contents, title, instruction)
	resp, err := e.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		e.discardInProgress(chatIdx, "Create Note: ", title)
		return action.Result{}, fmt.Errorf("note synthesis failed: %w", err)
	}
	noteContent := parseMarkdownBlock(resp.Content)

	if err := e.state.Artifacts.Complete(id, func(a *artifact.Artifact) {
		a.NoteMarkdown = noteContent
		a.Summary = isSummary
		a.Final = isFinal
	}); err != nil {
		return action.Result{}, err
	}
	e.state.UpdateChat(chatIdx, session.ChatMessage{
		Kind:       session.ChatActionProgress,
		Label:      "Create Note: ",
		Detail:     title,
		Status:     session.ChatCompleted,
		ArtifactID: id,
	})

	if isFinal {
		e.state.Flags.SetFinalArtifact(id)
	}
	if isSummary && conciseSummary != "" {
		e.state.CloseLastProgressSummary(session.ChatCompleted)
		e.state.AddChat(session.ChatMessage{
			Kind:    session.ChatProgressSummary,
			Content: conciseSummary,
			Status:  session.ChatInProgress,
		})
	}
	e.notifyObservers()

	e.logger.Info("Note created",
		zap.String("artifact_id", id),
		zap.Bool("final", isFinal),
		zap.Bool("summary", isSummary),
	)

	a, err := e.state.Artifacts.Get(id)
	if err != nil {
		return action.Result{}, err
	}
	return action.Result{
		Full: fmt.Sprintf("Note saved in artifact with ID: %s. The full result is shown below (which will be hidden once you call the create_note action with is_progress_summary_note parameter set to true).\n%s",
			id, a.Content()),
		Compact: fmt.Sprintf("Note saved in artifact with ID: %s. The full result has been hidden (you can set it to be an input artifact of another create_note call to revisit its content).",
			id),
		Summary: isSummary,
	}, nil
}

func (e *Engine) finishTurnAction(ctx context.Context, args map[string]interface{}) (action.Result, error) {
	e.state.Flags.MarkFinalReady()
	// Drop the running flag right away so observers see the terminal
	// state before the loop unwinds.
	e.state.Flags.SetRunning(false)

	e.state.CloseLastProgressSummary(session.ChatCompleted)
	e.state.AddChat(session.ChatMessage{
		Kind:    session.ChatProgressSummary,
		Content: "Finished",
		Status:  session.ChatCompleted,
	})
	e.notifyObservers()

	e.logger.Info("Turn finished",
		zap.String("final_artifact_id", e.state.Flags.FinalArtifactID()),
	)

	msg := "Successfully finished this turn. Wait for the next user request."
	return action.Result{Full: msg, Compact: msg}, nil
}

// discardInProgress rolls back a failed action's half-built artifact and
// marks its chat entry cancelled, so the error result does not leave an
// in-progress record lingering across further turns.
func (e *Engine) discardInProgress(chatIdx int, label, detail string) {
	e.state.Artifacts.RemoveInProgress()
	e.state.UpdateChat(chatIdx, session.ChatMessage{
		Kind:   session.ChatActionProgress,
		Label:  label,
		Detail: detail,
		Status: session.ChatCancelled,
	})
	e.notifyObservers()
}

// stringList converts a decoded JSON array into a string slice, skipping
// non-string elements.
func stringList(value interface{}) []string {
	raw, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
