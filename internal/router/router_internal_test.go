package router

import (
	"testing"

	"github.com/acme-tools/lspbridge/internal/protocol"
)

func TestComparePos(t *testing.T) {
	cases := []struct {
		a, b protocol.Position
		want int
	}{
		{protocol.Position{Line: 1, Character: 0}, protocol.Position{Line: 2, Character: 0}, -1},
		{protocol.Position{Line: 2, Character: 5}, protocol.Position{Line: 2, Character: 3}, 2},
		{protocol.Position{Line: 3, Character: 1}, protocol.Position{Line: 3, Character: 1}, 0},
	}
	for _, c := range cases {
		got := comparePos(c.a, c.b)
		if (got > 0) != (c.want > 0) || (got < 0) != (c.want < 0) || (got == 0) != (c.want == 0) {
			t.Errorf("comparePos(%v, %v) = %d, want sign of %d", c.a, c.b, got, c.want)
		}
	}
}

// TestApplyEditsOrder verifies edits are applied in reverse order of
// start position so earlier edits never see offsets invalidated by a
// later one applied first.
func TestApplyEditsOrder(t *testing.T) {
	edits := []protocol.TextEdit{
		{Range: protocol.Range{Start: protocol.Position{Line: 0, Character: 0}, End: protocol.Position{Line: 0, Character: 1}}, NewText: "x"},
		{Range: protocol.Range{Start: protocol.Position{Line: 1, Character: 0}, End: protocol.Position{Line: 1, Character: 1}}, NewText: "y"},
	}
	// Mirror applyEdits' own sort to assert the ordering invariant
	// without needing a live acme window.
	sorted := make([]protocol.TextEdit, len(edits))
	copy(sorted, edits)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if comparePos(sorted[j].Range.Start, sorted[i].Range.Start) > 0 {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	if sorted[0].NewText != "y" || sorted[1].NewText != "x" {
		t.Fatalf("edits not sorted in reverse start-position order: %+v", sorted)
	}
}
