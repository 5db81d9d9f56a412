package piechart

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
)

// DefaultWidth and DefaultHeight match the figure size that the UI was designed around
const DefaultWidth = 800
const DefaultHeight = 600

// Size of the figure that the point sizes in Style refer to
const referenceHeight = 480

var ErrInvalidSize = errors.New("Invalid chart size")

var fontsOnce sync.Once
var fontRegular, fontBold *truetype.Font
var fontErr error

func loadFonts() error {
	fontsOnce.Do(func() {
		if fontRegular, fontErr = truetype.Parse(goregular.TTF); fontErr != nil {
			return
		}
		fontBold, fontErr = truetype.Parse(gobold.TTF)
	})
	return fontErr
}

// Convert a point size into a pixel size, for an image of the given height.
// At referenceHeight, this is the 100 dpi that matplotlib figures default to.
func fontFace(f *truetype.Font, points float64, imgHeight int) font.Face {
	px := points * 100 / 72 * float64(imgHeight) / referenceHeight
	return truetype.NewFace(f, &truetype.Options{Size: px, DPI: 72, Hinting: font.HintingFull})
}

// Rasterize draws the figure into an image of the given size
func Rasterize(fig *Figure, width, height int) (image.Image, error) {
	dc, err := draw(fig, width, height)
	if err != nil {
		return nil, err
	}
	return dc.Image(), nil
}

// EncodePNG draws the figure and writes it out as a PNG
func EncodePNG(w io.Writer, fig *Figure, width, height int) error {
	img, err := Rasterize(fig, width, height)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

func draw(fig *Figure, width, height int) (*gg.Context, error) {
	if width <= 0 || height <= 0 || width > 8192 || height > 8192 {
		return nil, fmt.Errorf("%w: %v x %v", ErrInvalidSize, width, height)
	}
	if err := loadFonts(); err != nil {
		return nil, err
	}
	style := fig.style
	if style == nil {
		style = &DefaultStyle
	}

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	titleFace := fontFace(fontBold, style.TitleSize, height)
	labelFace := fontFace(fontBold, style.LabelSize, height)
	legendFace := fontFace(fontRegular, style.LegendSize, height)
	legendTitleFace := fontFace(fontBold, style.LegendSize, height)

	// Title
	dc.SetFontFace(titleFace)
	_, titleH := dc.MeasureString(fig.Title)
	margin := float64(height) * 0.03
	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(fig.Title, float64(width)/2, margin+titleH/2, 0.5, 0.5)
	top := margin*2 + titleH

	// Legend size determines how much room is left for the pie
	dc.SetFontFace(legendFace)
	rowH := 0.0
	legendW := 0.0
	for _, s := range fig.Slices {
		w, h := dc.MeasureString(s.Name)
		legendW = math.Max(legendW, w)
		rowH = math.Max(rowH, h)
	}
	rowH *= 1.8
	swatch := rowH * 0.6
	dc.SetFontFace(legendTitleFace)
	legendTitleW, _ := dc.MeasureString(fig.LegendTitle)
	pad := rowH * 0.4
	legendW = math.Max(legendW+swatch+pad, legendTitleW) + pad*2
	legendH := rowH*float64(len(fig.Slices)+1) + pad*2

	pieW := float64(width) - legendW - margin*3
	pieH := float64(height) - top - margin
	if pieW <= 0 || pieH <= 0 {
		return nil, fmt.Errorf("%w: %v x %v is too small for the legend", ErrInvalidSize, width, height)
	}
	cx := margin + pieW/2
	cy := top + pieH/2
	// Leave room for exploded wedges and pushed labels
	maxReach := 1.0
	for _, s := range fig.Slices {
		maxReach = math.Max(maxReach, 1+s.Explode)
		if s.LabelPushed {
			maxReach = math.Max(maxReach, math.Hypot(s.LabelPos.X, s.LabelPos.Y)+0.1)
		}
	}
	radius := math.Min(pieW, pieH) / 2 / maxReach

	if fig.Empty {
		drawEmpty(dc, style, cx, cy, radius, labelFace)
	} else {
		drawPie(dc, fig, style, cx, cy, radius, labelFace)
	}

	drawLegend(dc, fig, margin*2+pieW, cy-legendH/2, legendW, legendH, rowH, swatch, pad, legendFace, legendTitleFace)
	return dc, nil
}

// Convert a point on the pie (radius units, +Y up) to pixels
func toPixels(cx, cy, radius float64, p Point) (float64, float64) {
	return cx + p.X*radius, cy - p.Y*radius
}

func wedgePath(dc *gg.Context, cx, cy, radius float64, s *Slice) {
	off := polar(s.Explode, s.MidAngle())
	x, y := toPixels(cx, cy, radius, off)
	// gg has +Y down, so angles run the other way
	a1 := gg.Radians(-s.EndAngle)
	a2 := gg.Radians(-s.StartAngle)
	dc.NewSubPath()
	dc.MoveTo(x, y)
	dc.DrawArc(x, y, radius, a1, a2)
	dc.ClosePath()
}

func drawPie(dc *gg.Context, fig *Figure, style *Style, cx, cy, radius float64, labelFace font.Face) {
	visible := []*Slice{}
	for i := range fig.Slices {
		if fig.Slices[i].EndAngle > fig.Slices[i].StartAngle {
			visible = append(visible, &fig.Slices[i])
		}
	}

	if style.Shadow {
		shadow := radius * 0.02
		for _, s := range visible {
			wedgePath(dc, cx-shadow, cy+shadow, radius, s)
		}
		dc.SetRGBA(0, 0, 0, 0.3)
		dc.Fill()
	}

	for _, s := range visible {
		wedgePath(dc, cx, cy, radius, s)
		dc.SetHexColor(s.Color)
		dc.FillPreserve()
		dc.SetHexColor(style.EdgeColor)
		dc.SetLineWidth(math.Max(1, radius/200))
		dc.Stroke()
	}

	dc.SetFontFace(labelFace)
	for _, s := range visible {
		if s.Label == "" {
			continue
		}
		x, y := toPixels(cx, cy, radius, s.LabelPos)
		if s.LabelPushed {
			// White text is invisible outside the pie
			dc.SetRGB(0.2, 0.2, 0.2)
		} else {
			dc.SetRGB(1, 1, 1)
		}
		dc.DrawStringAnchored(s.Label, x, y, 0.5, 0.5)
	}
}

func drawEmpty(dc *gg.Context, style *Style, cx, cy, radius float64, labelFace font.Face) {
	dc.DrawCircle(cx, cy, radius)
	dc.SetRGB(0.6, 0.6, 0.6)
	dc.SetLineWidth(math.Max(1, radius/100))
	dc.SetDash(radius/20, radius/40)
	dc.Stroke()
	dc.SetDash()
	dc.SetFontFace(labelFace)
	dc.SetRGB(0.4, 0.4, 0.4)
	dc.DrawStringAnchored(style.EmptyCaption, cx, cy, 0.5, 0.5)
}

func drawLegend(dc *gg.Context, fig *Figure, x, y, w, h, rowH, swatch, pad float64, face, titleFace font.Face) {
	dc.DrawRoundedRectangle(x, y, w, h, pad/2)
	dc.SetRGBA(1, 1, 1, 0.8)
	dc.FillPreserve()
	dc.SetRGB(0.8, 0.8, 0.8)
	dc.SetLineWidth(1)
	dc.Stroke()

	dc.SetRGB(0, 0, 0)
	dc.SetFontFace(titleFace)
	dc.DrawStringAnchored(fig.LegendTitle, x+w/2, y+pad+rowH/2, 0.5, 0.5)

	dc.SetFontFace(face)
	for i, s := range fig.Slices {
		rowY := y + pad + rowH*float64(i+1)
		dc.DrawRectangle(x+pad, rowY+(rowH-swatch)/2, swatch, swatch)
		dc.SetHexColor(s.Color)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(s.Name, x+pad*2+swatch, rowY+rowH/2, 0, 0.5)
	}
}
