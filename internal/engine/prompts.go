package engine

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompts holds the instruction templates the turn engine feeds the
// generation service.
type Prompts struct {
	// System is inserted once at the head of every session history.
	System string `yaml:"system_prompt_latest"`
	// NoteCreation is the synthesis instruction; it receives the input
	// artifacts block, the note title, and the synthesis instruction.
	NoteCreation string `yaml:"note_prompt_latest"`
}

const defaultSystemPrompt = `You are an autonomous research agent. Your job is to satisfy the user's research requirement by collecting information from the web and synthesizing it into well-organized notes.

You work with artifacts: every search, every fetched webpage, and every note you create is saved as an artifact with an ID. Later actions can reference earlier artifacts by ID.

Available actions:
- search_web: search the web for a query. Results are saved as a search-results artifact.
- scrape_webpage: fetch a webpage by URL and save its readable content as a webpage artifact.
- create_note: synthesize a note from one or more existing artifacts (pass their IDs). Set is_progress_summary_note=true to produce a progress summary note, and is_final_note=true when the note is the final answer to the user's requirement.
- finish_turn: end the interaction once the final note exists, with a short summary of what you did.

Workflow rules:
- Collect raw information first, then consolidate it into notes. You cannot keep collecting indefinitely without synthesizing.
- Periodically create a progress summary note so the work so far stays available in compact form.
- When the research requirement is satisfied, create the final note (is_final_note=true) and then call finish_turn.

Be precise. Never invent information that is not in your artifacts.`

const defaultNotePrompt = `## Instruction
You are a helpful assistant that creates a note based on the "Input Artifacts", the "Title for the Note", and the "Instruction for Creating the Note".
The note can only be based on the information in the "Input Artifacts". It can only be excerpt, reorganization, synthesis, or reasonable interpretation of that information. You must not create any new information or make up anything that is not in the "Input Artifacts".
- Cite the corresponding input artifacts in format like <artifactId>(id of the corresponding input artifact)</artifactId>.
- You can only cite with that format. Do not say "based on the information in Artifact 3" because the reader will not know what "Artifact 3" is.
- Unless necessary, keep the note concise. Use tables and lists to organize it if needed.
- If you cannot find any information in the "Input Artifacts" that satisfies the instruction, honestly report this and give a concise reason.
- If the information in the "Input Artifacts" is not sufficiently reliable (e.g. unreliable sources, garbled scraped text), honestly report this and give a concise reason.

## Inputs
### Input Artifacts
%s

### Title for the Note
%s

### Instruction for Creating the Note
%s

## Output Format (You must wrap your output in ` + "```markdown and ```" + ` and not output anything else)
` + "```markdown\n(content of the note)\n```"

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() Prompts {
	return Prompts{System: defaultSystemPrompt, NoteCreation: defaultNotePrompt}
}

// LoadPrompts reads prompt overrides from a YAML file. Missing keys keep
// their defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read prompts file: %w", err)
	}
	var loaded Prompts
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return p, fmt.Errorf("failed to parse prompts file: %w", err)
	}
	if loaded.System != "" {
		p.System = loaded.System
	}
	if loaded.NoteCreation != "" {
		p.NoteCreation = loaded.NoteCreation
	}
	return p, nil
}

// renderNotePrompt formats the synthesis instruction over the input
// artifact contents, ordered by id for a stable prompt.
func renderNotePrompt(template string, contents map[string]string, title, instruction string) string {
	ids := make([]string, 0, len(contents))
	for id := range contents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "****** Content of Artifact with ID %s: ******\n%s\n\n", id, contents[id])
	}
	return fmt.Sprintf(template, b.String(), title, instruction)
}

// parseMarkdownBlock extracts the fenced markdown payload from a
// synthesis response. Responses without a fence are returned trimmed.
func parseMarkdownBlock(response string) string {
	const startTag = "```markdown"
	const endTag = "```"

	start := strings.Index(response, startTag)
	if start < 0 {
		return strings.TrimSpace(response)
	}
	start += len(startTag)
	end := strings.LastIndex(response, endTag)
	if end <= start {
		return strings.TrimSpace(response[start:])
	}
	return strings.TrimSpace(response[start:end])
}
