package conversation

import (
	"strings"
	"testing"

	"github.com/cloud-shuttle/parley/pkg/types"
)

func turnsOf(specs ...string) []types.Turn {
	out := make([]types.Turn, len(specs))
	for i, s := range specs {
		role, content, _ := strings.Cut(s, ":")
		out[i] = types.NewTurn(types.Role(role), content)
	}
	return out
}

func describe(turns []types.Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = string(t.Role) + ":" + t.Content
	}
	return strings.Join(parts, " ")
}

func TestWindow_Build(t *testing.T) {
	tests := []struct {
		name       string
		maxHistory int
		turns      []types.Turn
		augment    []types.Turn
		want       string
	}{
		{
			name:       "keeps newest turns after system",
			maxHistory: 2,
			turns:      turnsOf("system:sys", "user:hi", "assistant:hello", "user:bye", "assistant:goodbye", "user:ok"),
			want:       "system:sys assistant:goodbye user:ok",
		},
		{
			name:       "everything fits",
			maxHistory: 10,
			turns:      turnsOf("system:sys", "user:hi", "assistant:hello"),
			want:       "system:sys user:hi assistant:hello",
		},
		{
			name:       "zero history sends system only",
			maxHistory: 0,
			turns:      turnsOf("system:sys", "user:hi", "assistant:hello"),
			want:       "system:sys",
		},
		{
			name:       "no system turn",
			maxHistory: 1,
			turns:      turnsOf("user:hi", "assistant:hello"),
			want:       "assistant:hello",
		},
		{
			name:       "augmentation goes after system",
			maxHistory: 1,
			turns:      turnsOf("system:sys", "user:hi", "assistant:hello", "user:q"),
			augment:    turnsOf("system:ctx"),
			want:       "system:sys system:ctx user:q",
		},
		{
			name:       "empty session",
			maxHistory: 5,
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Window{MaxHistory: tt.maxHistory}
			if got := describe(w.Build(tt.turns, tt.augment...)); got != tt.want {
				t.Errorf("Build() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWindow_BuildDoesNotMutate(t *testing.T) {
	turns := turnsOf("system:sys", "user:a", "assistant:b", "user:c")
	before := describe(turns)

	out := Window{MaxHistory: 1}.Build(turns, turnsOf("system:ctx")...)
	out[0].Content = "changed"

	if describe(turns) != before {
		t.Errorf("Build mutated its input: %s", describe(turns))
	}
}

func TestRetrievalTurn(t *testing.T) {
	if _, ok := RetrievalTurn(nil); ok {
		t.Error("expected no turn for empty passages")
	}

	turn, ok := RetrievalTurn([]types.Passage{{Text: "first"}, {Text: "second"}})
	if !ok {
		t.Fatal("expected a turn")
	}
	if !turn.IsSystem() {
		t.Errorf("role = %s, want system", turn.Role)
	}
	if !strings.Contains(turn.Content, "first\n\nsecond") {
		t.Errorf("content = %q", turn.Content)
	}
}
