package overlay

import (
	"encoding/json"
	"image/color"
	"testing"

	"github.com/dj-oyu/posture-guard/pkg/types"
)

type recordingSurface struct {
	w, h      int
	fitW      int
	fitH      int
	fits      int
	clears    int
	presents  int
	lines     []color.Color
	circles   []color.Color
	lastLineX float64
}

func (s *recordingSurface) Fit() bool {
	s.fits++
	if s.fitW == 0 || s.fitH == 0 {
		return false
	}
	s.w, s.h = s.fitW, s.fitH
	return true
}
func (s *recordingSurface) Size() (int, int) { return s.w, s.h }
func (s *recordingSurface) Clear()           { s.clears++ }
func (s *recordingSurface) StrokeLine(x0, y0, x1, y1, width float64, c color.Color) {
	s.lines = append(s.lines, c)
	s.lastLineX = x1
}
func (s *recordingSurface) FillCircle(cx, cy, r float64, c color.Color) {
	s.circles = append(s.circles, c)
}
func (s *recordingSurface) Present() { s.presents++ }

func landmarks(n int) []types.Landmark {
	out := make([]types.Landmark, n)
	for i := range out {
		out[i] = types.Landmark{X: float64(i) / float64(n), Y: 0.5, Visibility: 1}
	}
	return out
}

func TestRenderCountsValidConnections(t *testing.T) {
	s := &recordingSurface{w: 640, h: 480}
	conns := []types.Connection{{0, 1}, {1, 2}, {2, 9}, {-1, 0}, {3, 4}}

	stats := NewRenderer().Render(s, landmarks(5), conns, types.VerdictGood)

	if stats.Lines != 3 {
		t.Fatalf("Lines = %d, want 3 (invalid indices skipped)", stats.Lines)
	}
	if stats.Markers != 5 {
		t.Fatalf("Markers = %d, want 5", stats.Markers)
	}
	if len(s.lines) != 3 || len(s.circles) != 5 {
		t.Fatalf("surface saw %d lines, %d circles", len(s.lines), len(s.circles))
	}
	if s.clears != 1 || s.presents != 1 {
		t.Fatalf("clears=%d presents=%d, want 1/1", s.clears, s.presents)
	}
	if s.lastLineX != 4.0/5.0*640 {
		t.Fatalf("last line end x = %v, want scaled to surface width", s.lastLineX)
	}
}

func TestRenderSkipsMalformedWirePairs(t *testing.T) {
	var conns []types.Connection
	if err := json.Unmarshal([]byte(`[[5],[1,2,3],null]`), &conns); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	s := &recordingSurface{w: 640, h: 480}
	stats := NewRenderer().Render(s, landmarks(6), conns, types.VerdictBad)
	if stats.Lines != 1 || len(s.lines) != 1 {
		t.Fatalf("Lines = %d (surface %d), want 1", stats.Lines, len(s.lines))
	}
	if s.lastLineX != 2.0/6.0*640 {
		t.Fatalf("drawn edge ends at x = %v, want landmark 2", s.lastLineX)
	}
}

func TestRenderDefaultConnections(t *testing.T) {
	s := &recordingSurface{w: 100, h: 100}
	stats := NewRenderer().Render(s, landmarks(33), nil, types.VerdictGood)
	if stats.Lines != len(DefaultConnections) || stats.Lines != 18 {
		t.Fatalf("Lines = %d, want 18", stats.Lines)
	}
	if stats.Markers != 33 {
		t.Fatalf("Markers = %d", stats.Markers)
	}
}

func TestRenderPalette(t *testing.T) {
	tests := []struct {
		verdict types.Verdict
		want    Palette
	}{
		{types.VerdictBad, WarningPalette},
		{types.VerdictGood, NominalPalette},
		{types.VerdictUnknown, NominalPalette},
	}
	for _, tt := range tests {
		s := &recordingSurface{w: 10, h: 10}
		NewRenderer().Render(s, landmarks(2), []types.Connection{{0, 1}}, tt.verdict)
		if s.lines[0] != tt.want.Stroke || s.circles[0] != tt.want.Fill {
			t.Errorf("%s: stroke %v fill %v", tt.verdict, s.lines[0], s.circles[0])
		}
	}
}

func TestRenderRefitsUnsizedSurface(t *testing.T) {
	s := &recordingSurface{fitW: 320, fitH: 240}
	stats := NewRenderer().Render(s, landmarks(2), []types.Connection{{0, 1}}, types.VerdictGood)
	if s.fits != 1 {
		t.Fatalf("fits = %d, want 1", s.fits)
	}
	if stats.Lines != 1 {
		t.Fatalf("Lines = %d", stats.Lines)
	}
}

func TestRenderUnsizableDrawsNothing(t *testing.T) {
	s := &recordingSurface{}
	stats := NewRenderer().Render(s, landmarks(2), nil, types.VerdictGood)
	if stats != (Stats{}) || len(s.circles) != 0 {
		t.Fatalf("stats = %+v circles = %d", stats, len(s.circles))
	}
}

func TestRenderNoLandmarks(t *testing.T) {
	s := &recordingSurface{w: 10, h: 10}
	if stats := NewRenderer().Render(s, nil, nil, types.VerdictBad); stats != (Stats{}) {
		t.Fatalf("stats = %+v", stats)
	}
	if s.clears != 0 {
		t.Fatal("render without landmarks touched the surface")
	}
}

func TestCanvasDrawsAndPresents(t *testing.T) {
	w, h := 0, 0
	c := NewCanvas(func() (int, int) { return w, h })

	if c.Fit() {
		t.Fatal("Fit succeeded with unknown dimensions")
	}
	w, h = 64, 48
	if !c.Fit() {
		t.Fatal("Fit failed with known dimensions")
	}
	if gw, gh := c.Size(); gw != 64 || gh != 48 {
		t.Fatalf("Size = %dx%d", gw, gh)
	}

	c.StrokeLine(0, 24, 64, 24, 3, color.NRGBA{R: 255, A: 255})
	if c.Snapshot() != nil {
		t.Fatal("drawing visible before Present")
	}
	c.Present()

	snap := c.Snapshot()
	if snap == nil {
		t.Fatal("no snapshot after Present")
	}
	if r, _, _, a := snap.At(32, 24).RGBA(); r == 0 || a == 0 {
		t.Fatalf("pixel on the line not painted: r=%d a=%d", r, a)
	}
	if _, _, _, a := snap.At(32, 5).RGBA(); a != 0 {
		t.Fatalf("pixel off the line painted: a=%d", a)
	}

	c.FillCircle(10, 10, 3.5, color.NRGBA{G: 255, A: 255})
	Erase(c)
	if _, _, _, a := c.Snapshot().At(32, 24).RGBA(); a != 0 {
		t.Fatal("Erase left pixels behind")
	}

	c.Release()
	if c.Snapshot() != nil {
		t.Fatal("snapshot survived Release")
	}
	if gw, gh := c.Size(); gw != 0 || gh != 0 {
		t.Fatal("size survived Release")
	}
}
