package target

import (
	"testing"

	"github.com/golang/geo/r3"
)

func TestNewRejectsBadGeometry(t *testing.T) {
	if _, err := New(2, 10, 0.01, 1); err == nil {
		t.Error("expected error for 2 columns")
	}
	if _, err := New(19, 10, 0, 1); err == nil {
		t.Error("expected error for zero spacing")
	}
}

func TestPatternIsDeterministic(t *testing.T) {
	a := MustNew(19, 10, 0.254/18, 71)
	b := MustNew(19, 10, 0.254/18, 71)
	c := MustNew(19, 10, 0.254/18, 72)

	same, differ := true, false
	for _, gc := range a.Coords() {
		if a.Value(gc) != b.Value(gc) {
			same = false
		}
		if a.Value(gc) != c.Value(gc) {
			differ = true
		}
	}
	if !same {
		t.Error("same seed produced different patterns")
	}
	if !differ {
		t.Error("different seeds produced identical patterns")
	}
}

func TestPatternHasBothClasses(t *testing.T) {
	g := MustNew(19, 10, 0.254/18, 71)
	counts := [2]int{}
	for _, gc := range g.Coords() {
		counts[g.Value(gc)]++
	}
	if counts[0] < g.Size()/4 || counts[1] < g.Size()/4 {
		t.Errorf("unbalanced pattern: %v", counts)
	}
}

func TestCodeIndex(t *testing.T) {
	g := MustNew(19, 10, 0.254/18, 71)

	total := 0
	for row := 1; row < g.Rows()-1; row++ {
		for col := 1; col < g.Cols()-1; col++ {
			c := GridCoord{Col: col, Row: row}
			code, ok := g.CodeAt(c)
			if !ok {
				t.Fatalf("interior cell %v has no code", c)
			}
			found := false
			for _, hit := range g.Lookup(code) {
				if hit == c {
					found = true
				}
			}
			if !found {
				t.Errorf("Lookup(%09b) missing %v", code, c)
			}
			total++
		}
	}
	indexed := 0
	for _, list := range g.index {
		indexed += len(list)
	}
	if indexed != total {
		t.Errorf("index holds %d entries, want %d", indexed, total)
	}

	if _, ok := g.CodeAt(GridCoord{Col: 0, Row: 3}); ok {
		t.Error("border cell should have no complete window")
	}
}

func TestCodeBitOrder(t *testing.T) {
	g := MustNew(5, 5, 1, 3)
	c := GridCoord{Col: 2, Row: 2}
	code, _ := g.CodeAt(c)
	for i, off := range WindowOffsets {
		want := g.Value(GridCoord{Col: c.Col + off.Col, Row: c.Row + off.Row})
		if got := int(code>>uint(i)) & 1; got != want {
			t.Errorf("bit %d = %d, want %d", i, got, want)
		}
	}
}

func TestGeometry(t *testing.T) {
	g := MustNew(19, 10, 0.254/18, 71)
	if g.Size() != 190 {
		t.Errorf("Size = %d", g.Size())
	}
	if w := g.Width(); w < 0.2539 || w > 0.2541 {
		t.Errorf("Width = %v, want 0.254", w)
	}

	p := g.Point3D(GridCoord{Col: 18, Row: 9})
	if !g.ContainsPoint(p) {
		t.Errorf("corner %v should be inside the extent", p)
	}
	outside := []r3.Vector{
		{X: -0.01, Y: 0, Z: 0},
		{X: 0, Y: g.Height() + 0.01, Z: 0},
		{X: 0.1, Y: 0.05, Z: 0.02},
	}
	for _, o := range outside {
		if g.ContainsPoint(o) {
			t.Errorf("%v should be outside the extent", o)
		}
	}
	if g.Value(GridCoord{Col: -1, Row: 0}) != -1 {
		t.Error("out-of-grid value should be -1")
	}
}
