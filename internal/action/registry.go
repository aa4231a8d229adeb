package action

import (
	"context"
	"fmt"
)

// Class partitions actions for workflow policy purposes.
type Class int

const (
	// ClassRawAcquisition actions pull raw external data into the session
	// (web search, page fetch) and are capped between syntheses.
	ClassRawAcquisition Class = iota
	// ClassSynthesis actions condense existing artifacts into notes.
	ClassSynthesis
	// ClassControl actions steer the loop itself (finish).
	ClassControl
)

// Result is the dual-content output of one action execution. Full is shown
// while the result is the most recent of its kind; Compact replaces all
// older results of that kind in the generation view. Produced once, never
// mutated.
type Result struct {
	Full        string
	Compact     string
	Summary     bool
	Interrupted bool
}

// ErrorResult builds a result whose full and compact renderings are the
// same error text. Used for every non-fatal failure surfaced to the
// generation loop.
func ErrorResult(msg string) Result {
	return Result{Full: msg, Compact: msg}
}

// Handler executes one action. The context is cancelled when the operator
// interrupts the session; handlers must observe it to unwind promptly.
// Returned errors are fatal dispatch faults; non-fatal failures are
// encoded in the Result instead.
type Handler func(ctx context.Context, args map[string]interface{}) (Result, error)

// Definition binds a schema to its handler and policy class.
type Definition struct {
	Schema  Schema
	Class   Class
	Handler Handler
}

// Registry is the fixed name-to-definition mapping for one engine. It is
// built once at construction and read-only afterwards.
type Registry struct {
	order  []string
	byName map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Definition)}
}

// Register adds a definition. Duplicate names are a programming error.
func (r *Registry) Register(def Definition) error {
	if def.Schema.Name == "" {
		return fmt.Errorf("register action: empty name")
	}
	if _, ok := r.byName[def.Schema.Name]; ok {
		return fmt.Errorf("register action: duplicate name %q", def.Schema.Name)
	}
	r.byName[def.Schema.Name] = def
	r.order = append(r.order, def.Schema.Name)
	return nil
}

// Get looks up a definition by action name.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.byName[name]
	return def, ok
}

// Schemas returns all declared schemas in registration order, for the
// outbound generation request.
func (r *Registry) Schemas() []Schema {
	out := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Schema)
	}
	return out
}
