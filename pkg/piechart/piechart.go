package piechart

// Package piechart turns class counts into a pie chart of the class distribution.
// Render computes the geometry and labels of the chart, and Rasterize draws it.

import (
	"fmt"
	"math"
	"strconv"

	"github.com/cyclopcam/classpie/pkg/tally"
)

// Point in units of the pie radius, relative to the pie centre, with +Y up
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Slice struct {
	Category    tally.Category `json:"-"`
	Name        string         `json:"name"`
	Count       int            `json:"count"`
	Percent     float64        `json:"percent"`
	StartAngle  float64        `json:"startAngle"` // Degrees, counter clockwise from +X
	EndAngle    float64        `json:"endAngle"`   // Degrees. EndAngle >= StartAngle
	Explode     float64        `json:"explode"`    // Offset of the wedge away from the centre, as a fraction of the radius
	Color       string         `json:"color"`      // eg "#ff9999"
	Label       string         `json:"label"`      // Percentage text, or empty
	LabelPos    Point          `json:"labelPos"`
	LabelPushed bool           `json:"labelPushed"` // Label was moved outside of the pie because the slice is tiny
}

// MidAngle is the bisector of the wedge, in degrees
func (s *Slice) MidAngle() float64 {
	return (s.StartAngle + s.EndAngle) / 2
}

// Figure is a rendered pie chart, one slice per category, in declaration order.
// The legend shows every slice, including the empty ones.
type Figure struct {
	Title       string  `json:"title"`
	LegendTitle string  `json:"legendTitle"`
	Slices      []Slice `json:"slices"`
	Empty       bool    `json:"empty"` // All counts are zero
	style       *Style
}

// Labels returns the label of every slice, in declaration order
func (f *Figure) Labels() []string {
	labels := make([]string, len(f.Slices))
	for i := range f.Slices {
		labels[i] = f.Slices[i].Label
	}
	return labels
}

// Style holds the fixed visual parameters of the chart
type Style struct {
	Title              string
	LegendTitle        string
	EmptyCaption       string
	Colors             [tally.NumCategories]string
	Explode            [tally.NumCategories]float64
	StartAngle         float64 // Degrees
	LabelDistance      float64 // Distance of percentage labels from the centre, as a fraction of the radius
	SmallLabel         float64 // Labels below this percentage are pushed out to SmallLabelDistance
	SmallLabelDistance float64
	EdgeColor          string
	Shadow             bool
	TitleSize          float64 // Points
	LabelSize          float64 // Points
	LegendSize         float64 // Points
}

// DefaultStyle is the look of the chart that the UI shows
var DefaultStyle = Style{
	Title:        "Class Distribution in Predictions",
	LegendTitle:  "Classes",
	EmptyCaption: "no detections",
	Colors: [tally.NumCategories]string{
		"#ff9999", "#66b3ff", "#99ff99", "#ffcc99", "#c2c2f0", "#ffb3e6", "#c4e17f", "#c5c3c6",
	},
	// Only the first slice is exploded, regardless of its value
	Explode:            [tally.NumCategories]float64{0.1},
	StartAngle:         90,
	LabelDistance:      0.6,
	SmallLabel:         1.0,
	SmallLabelDistance: 1.4,
	EdgeColor:          "#000000",
	Shadow:             true,
	TitleSize:          14,
	LabelSize:          12,
	LegendSize:         10,
}

// Render builds the chart for counts using DefaultStyle
func Render(counts tally.ClassCounts) (*Figure, error) {
	return DefaultStyle.Render(counts)
}

// Render builds the chart for counts.
// Negative counts are a *tally.ContractViolation. If all counts are zero, the figure is
// still produced, but every slice is empty and there are no labels.
func (s *Style) Render(counts tally.ClassCounts) (*Figure, error) {
	if err := counts.Validate(); err != nil {
		return nil, err
	}
	fig := &Figure{
		Title:       s.Title,
		LegendTitle: s.LegendTitle,
		Slices:      make([]Slice, tally.NumCategories),
		style:       s,
	}
	total := counts.Total()
	fig.Empty = total == 0

	angle := s.StartAngle
	for i, cat := range tally.Categories {
		count := counts.Get(cat)
		slice := Slice{
			Category:   cat,
			Name:       cat.String(),
			Count:      count,
			StartAngle: angle,
			Explode:    s.Explode[i],
			Color:      s.Colors[i],
		}
		if total > 0 {
			slice.Percent = 100 * float64(count) / float64(total)
			angle += 360 * float64(count) / float64(total)
		}
		slice.EndAngle = angle
		slice.Label = percentLabel(slice.Percent)

		dist := s.LabelDistance
		if slice.Label != "" && labelValue(slice.Label) < s.SmallLabel {
			dist = s.SmallLabelDistance
			slice.LabelPushed = true
		}
		slice.LabelPos = polar(slice.Explode+dist, slice.MidAngle())
		fig.Slices[i] = slice
	}
	return fig, nil
}

func percentLabel(pct float64) string {
	if pct > 0 {
		return fmt.Sprintf("%.1f%%", pct)
	}
	return ""
}

// The threshold for pushing a label out is applied to the printed value, so that
// "1.0%" (eg 0.997) stays inside the pie.
func labelValue(label string) float64 {
	v, err := strconv.ParseFloat(label[:len(label)-1], 64)
	if err != nil {
		return math.Inf(1)
	}
	return v
}

func polar(r, degrees float64) Point {
	rad := degrees * math.Pi / 180
	return Point{
		X: r * math.Cos(rad),
		Y: r * math.Sin(rad),
	}
}
