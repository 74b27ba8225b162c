package agent

import (
	"context"
	"encoding/json"
)

// Tool is one callable exposed to the model. Execute returns the tool
// result fed back into the conversation plus a short human-readable summary
// for the progress channel.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the arguments.
	Parameters json.RawMessage
	Execute    func(ctx context.Context, args json.RawMessage) (result string, summary string, err error)
}

// Toolbox is the closed set of tools for one run.
type Toolbox map[string]Tool

// Names returns the tool names in no particular order.
func (t Toolbox) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	return names
}
