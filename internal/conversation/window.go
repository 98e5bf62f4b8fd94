package conversation

import (
	"strings"

	"github.com/cloud-shuttle/parley/pkg/types"
)

// Window assembles the prompt sent to the model from a session's turns
type Window struct {
	MaxHistory int
}

// Build returns the leading system turn, then augment, then the newest
// MaxHistory non-system turns in chronological order. turns is not modified.
func (w Window) Build(turns []types.Turn, augment ...types.Turn) []types.Turn {
	var system *types.Turn
	rest := turns
	if len(turns) > 0 && turns[0].IsSystem() {
		system = &turns[0]
		rest = turns[1:]
	}

	history := make([]types.Turn, 0, len(rest))
	for _, t := range rest {
		if !t.IsSystem() {
			history = append(history, t)
		}
	}

	limit := w.MaxHistory
	if limit < 0 {
		limit = 0
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}

	out := make([]types.Turn, 0, 1+len(augment)+len(history))
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, augment...)
	out = append(out, history...)
	return out
}

// RetrievalTurn wraps retrieved passages into an ephemeral system turn.
// It returns false when there is nothing to add.
func RetrievalTurn(passages []types.Passage) (types.Turn, bool) {
	if len(passages) == 0 {
		return types.Turn{}, false
	}

	var sb strings.Builder
	sb.WriteString("Additional context information:\n")
	for i, p := range passages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p.Text)
	}
	sb.WriteString("\n\nPlease use this information to help answer the user's question if relevant.")

	return types.NewTurn(types.RoleSystem, sb.String()), true
}
