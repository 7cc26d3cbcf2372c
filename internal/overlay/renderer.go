// Package overlay draws the pose skeleton returned by the analysis service
// on top of the live camera picture.
package overlay

import (
	"image/color"

	"github.com/dj-oyu/posture-guard/pkg/types"
)

// Surface is a drawable layer sized to the camera's native resolution.
type Surface interface {
	// Fit resizes the surface to the source dimensions. It reports false
	// while those dimensions are unknown.
	Fit() bool
	Size() (w, h int)
	Clear()
	StrokeLine(x0, y0, x1, y1, width float64, c color.Color)
	FillCircle(cx, cy, r float64, c color.Color)
	// Present publishes the current drawing to readers.
	Present()
}

// DefaultConnections is the fallback topology used when the service does
// not send one: arms, shoulder girdle and trunk, legs, feet, and a
// simplified neck from the nose to both shoulders.
var DefaultConnections = []types.Connection{
	{11, 13}, {13, 15}, {12, 14}, {14, 16},
	{11, 12}, {11, 23}, {12, 24}, {23, 24},
	{23, 25}, {25, 27}, {24, 26}, {26, 28},
	{27, 29}, {29, 31}, {28, 30}, {30, 32},
	{0, 11}, {0, 12},
}

// Palette is the stroke and fill pair used for one verdict.
type Palette struct {
	Stroke color.NRGBA
	Fill   color.NRGBA
}

var (
	// WarningPalette is used for a bad verdict.
	WarningPalette = Palette{
		Stroke: color.NRGBA{R: 255, G: 80, B: 80, A: 242},
		Fill:   color.NRGBA{R: 0xFF, G: 0xA5, B: 0x00, A: 0xFF},
	}
	// NominalPalette is used for every other verdict.
	NominalPalette = Palette{
		Stroke: color.NRGBA{R: 0, G: 200, B: 255, A: 230},
		Fill:   color.NRGBA{R: 0x00, G: 0xFF, B: 0x7F, A: 0xFF},
	}
)

// PaletteFor selects the palette for verdict.
func PaletteFor(verdict types.Verdict) Palette {
	if verdict == types.VerdictBad {
		return WarningPalette
	}
	return NominalPalette
}

const (
	LineWidth    = 3.0
	MarkerRadius = 3.5
)

// Stats counts what one Render call drew.
type Stats struct {
	Lines   int
	Markers int
}

// Renderer draws skeletons. It keeps no state between calls.
type Renderer struct {
	LineWidth    float64
	MarkerRadius float64
}

// NewRenderer returns a renderer with the default stroke geometry.
func NewRenderer() *Renderer {
	return &Renderer{LineWidth: LineWidth, MarkerRadius: MarkerRadius}
}

// Render clears s and draws every valid connection followed by every
// landmark. Coordinates are normalized to 0..1 and scaled to the surface.
// A connection that references a missing landmark is skipped. An empty
// connection list falls back to DefaultConnections.
func (r *Renderer) Render(s Surface, landmarks []types.Landmark, connections []types.Connection, verdict types.Verdict) Stats {
	var stats Stats
	if s == nil || len(landmarks) == 0 {
		return stats
	}

	w, h := s.Size()
	if w == 0 || h == 0 {
		s.Fit()
		w, h = s.Size()
	}

	s.Clear()
	if w == 0 || h == 0 {
		s.Present()
		return stats
	}
	W, H := float64(w), float64(h)

	edges := connections
	if len(edges) == 0 {
		edges = DefaultConnections
	}
	p := PaletteFor(verdict)

	for _, e := range edges {
		a, b := e[0], e[1]
		if a < 0 || b < 0 || a >= len(landmarks) || b >= len(landmarks) {
			continue
		}
		pa, pb := landmarks[a], landmarks[b]
		s.StrokeLine(pa.X*W, pa.Y*H, pb.X*W, pb.Y*H, r.LineWidth, p.Stroke)
		stats.Lines++
	}

	for _, lm := range landmarks {
		s.FillCircle(lm.X*W, lm.Y*H, r.MarkerRadius, p.Fill)
		stats.Markers++
	}

	s.Present()
	return stats
}

// Erase clears s and publishes the empty drawing.
func Erase(s Surface) {
	if s == nil {
		return
	}
	s.Clear()
	s.Present()
}
