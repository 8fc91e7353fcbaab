// Package overlay burns detection boxes and labels into frames.
package overlay

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/bdougie/visionbot/internal/models"
)

const (
	thickness   = 2
	labelOffset = 10 // baseline distance above the box
)

// Green is the box and label color
var Green = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// Draw renders the detection's rectangle and label onto frame.
// Nothing is written outside frame.Bounds().
func Draw(frame *image.RGBA, d models.Detection) {
	bounds := frame.Bounds()
	box := image.Rect(d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2).Intersect(bounds)
	if box.Empty() {
		return
	}

	src := image.NewUniform(Green)
	edges := []image.Rectangle{
		image.Rect(box.Min.X, box.Min.Y, box.Max.X, box.Min.Y+thickness), // top
		image.Rect(box.Min.X, box.Max.Y-thickness, box.Max.X, box.Max.Y), // bottom
		image.Rect(box.Min.X, box.Min.Y, box.Min.X+thickness, box.Max.Y), // left
		image.Rect(box.Max.X-thickness, box.Min.Y, box.Max.X, box.Max.Y), // right
	}
	for _, edge := range edges {
		draw.Draw(frame, edge.Intersect(box), src, image.Point{}, draw.Src)
	}

	drawLabel(frame, d.Label(), box.Min, src)
}

func drawLabel(frame *image.RGBA, label string, corner image.Point, src image.Image) {
	face := basicfont.Face7x13
	bounds := frame.Bounds()

	drawer := &font.Drawer{
		Dst:  frame,
		Src:  src,
		Face: face,
	}
	width := drawer.MeasureString(label).Ceil()
	ascent := face.Metrics().Ascent.Ceil()
	descent := face.Metrics().Descent.Ceil()

	x := corner.X
	if x+width > bounds.Max.X {
		x = bounds.Max.X - width
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	y := corner.Y - labelOffset
	if y-ascent < bounds.Min.Y {
		y = bounds.Min.Y + ascent
	}
	if y+descent > bounds.Max.Y {
		y = bounds.Max.Y - descent
	}

	drawer.Dot = fixed.P(x, y)
	drawer.DrawString(label)
}
