package engine

import (
	"github.com/Kocoro-lab/Meridian/internal/action"
	"github.com/Kocoro-lab/Meridian/internal/llm"
	"github.com/Kocoro-lab/Meridian/internal/session"
)

// generationView renders the history for the outbound generation call,
// compacting superseded action results. Two independent cursors decide
// full versus compact:
//   - raw acquisition results are compact iff they precede the most
//     recent synthesis result;
//   - synthesis results are compact iff they precede the most recent
//     summary synthesis result;
//   - everything else is always full.
//
// The view is built at read time only; the persisted history keeps both
// renderings of every result.
func (e *Engine) generationView() []llm.Message {
	history := e.state.History

	lastSynthesis := -1
	lastSummary := -1
	for i, entry := range history {
		if entry.Kind != session.EntryActionResult {
			continue
		}
		if def, ok := e.registry.Get(entry.ActionName); ok && def.Class == action.ClassSynthesis {
			lastSynthesis = i
			if entry.Summary {
				lastSummary = i
			}
		}
	}

	messages := make([]llm.Message, 0, len(history))
	for i, entry := range history {
		switch entry.Kind {
		case session.EntrySystem:
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: entry.Content})
		case session.EntryUser:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: entry.Content})
		case session.EntryAssistant:
			messages = append(messages, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   entry.Content,
				ToolCalls: entry.ToolCalls,
			})
		case session.EntryActionResult:
			content := entry.Content
			if def, ok := e.registry.Get(entry.ActionName); ok {
				switch def.Class {
				case action.ClassRawAcquisition:
					if lastSynthesis != -1 && i < lastSynthesis {
						content = entry.Compact
					}
				case action.ClassSynthesis:
					if lastSummary != -1 && i < lastSummary {
						content = entry.Compact
					}
				}
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Name:       entry.ActionName,
				ToolCallID: entry.ToolCallID,
				Content:    content,
			})
		}
	}
	return messages
}
