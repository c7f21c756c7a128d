package capture

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"github.com/ayusman/markerpose/internal/calib"
	"github.com/ayusman/markerpose/internal/pose"
)

var (
	colorOutline  = color.RGBA{0, 200, 0, 0}
	colorSelected = color.RGBA{255, 220, 0, 0}
	colorAxisX    = color.RGBA{255, 0, 0, 0}
	colorAxisY    = color.RGBA{0, 255, 0, 0}
	colorAxisZ    = color.RGBA{0, 0, 255, 0}
	colorText     = color.RGBA{255, 255, 255, 0}
)

// NoSelection marks that no marker is driving the render transform.
const NoSelection = -1

// Overlay draws detected markers and their pose axes onto camera frames.
type Overlay struct {
	Intrinsics *calib.Intrinsics
	// AxisLength is in marker units; zero disables the axes.
	AxisLength float64
}

// Draw outlines every marker, labels it with its id and draws its X, Y and Z
// axes in red, green and blue. The marker whose id equals selected is
// outlined in yellow. status is written in the top-left corner.
func (o Overlay) Draw(img *gocv.Mat, markers []pose.Estimate, selected int, status string) {
	for _, m := range markers {
		outline := colorOutline
		if m.MarkerID() == selected {
			outline = colorSelected
		}
		corners := m.Corners()
		for i := range corners {
			gocv.Line(img, toPoint(corners[i]), toPoint(corners[(i+1)%4]), outline, 2)
		}
		gocv.PutText(img, fmt.Sprintf("id=%d", m.MarkerID()), toPoint(corners[0]).Add(image.Pt(0, -6)),
			gocv.FontHersheySimplex, 0.5, outline, 1)

		o.drawAxes(img, m)
	}

	if status != "" {
		gocv.PutText(img, status, image.Pt(10, 24), gocv.FontHersheySimplex, 0.7, colorText, 2)
	}
}

func (o Overlay) drawAxes(img *gocv.Mat, m pose.Estimate) {
	if o.Intrinsics == nil || o.AxisLength <= 0 {
		return
	}

	origin, ok := o.Intrinsics.ProjectMarkerPoint(m, [3]float64{})
	if !ok {
		return
	}

	l := o.AxisLength
	axes := []struct {
		tip [3]float64
		c   color.RGBA
	}{
		{[3]float64{l, 0, 0}, colorAxisX},
		{[3]float64{0, l, 0}, colorAxisY},
		{[3]float64{0, 0, l}, colorAxisZ},
	}
	for _, axis := range axes {
		tip, ok := o.Intrinsics.ProjectMarkerPoint(m, axis.tip)
		if !ok {
			continue
		}
		gocv.Line(img, toPoint(origin), toPoint(tip), axis.c, 2)
	}
	gocv.Circle(img, toPoint(origin), 3, colorText, -1)
}

func toPoint(p pose.Point2D) image.Point {
	return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
}
