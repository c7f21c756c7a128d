package main

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/ayusman/markerpose/internal/convert"
	"github.com/ayusman/markerpose/internal/store"
)

// Report holds the converted translation of one marker over a session.
type Report struct {
	MarkerID int
	Target   string
	// X, Y and Z share frame numbers in their X coordinate.
	X, Y, Z  plotter.XYs
	Rejected int
}

// Build converts every sample of markerID. A negative markerID selects the
// marker with the most samples, lowest id on ties.
func Build(samples []store.PoseSample, conv *convert.Converter, markerID int) *Report {
	if markerID < 0 {
		markerID = mostSeen(samples)
	}
	rep := &Report{MarkerID: markerID, Target: conv.Config().Target.Name}

	for _, s := range samples {
		if s.MarkerID != markerID {
			continue
		}
		t, err := conv.Convert(s.Estimate())
		if err != nil {
			rep.Rejected++
			continue
		}
		frame := float64(s.Seq)
		rep.X = append(rep.X, plotter.XY{X: frame, Y: t.At(0, 3)})
		rep.Y = append(rep.Y, plotter.XY{X: frame, Y: t.At(1, 3)})
		rep.Z = append(rep.Z, plotter.XY{X: frame, Y: t.At(2, 3)})
	}
	return rep
}

func mostSeen(samples []store.PoseSample) int {
	counts := make(map[int]int)
	best, bestN := -1, 0
	for _, s := range samples {
		counts[s.MarkerID]++
	}
	for id, n := range counts {
		if n > bestN || (n == bestN && id < best) {
			best, bestN = id, n
		}
	}
	return best
}

// Plot lays out the three translation components against frame number.
func (r *Report) Plot() (*plot.Plot, error) {
	if len(r.X) == 0 {
		return nil, errors.New("no samples to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Marker %d - %s translation", r.MarkerID, r.Target)
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Translation (render units)"

	series := []struct {
		name string
		pts  plotter.XYs
		c    color.Color
	}{
		{"x", r.X, color.RGBA{R: 220, A: 255}},
		{"y", r.Y, color.RGBA{G: 160, A: 255}},
		{"z", r.Z, color.RGBA{B: 220, A: 255}},
	}
	for _, s := range series {
		line, err := plotter.NewLine(s.pts)
		if err != nil {
			return nil, err
		}
		line.Color = s.c
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Add(plotter.NewGrid())

	return p, nil
}

// Save writes the plot. The format follows the file extension.
func (r *Report) Save(path string) error {
	p, err := r.Plot()
	if err != nil {
		return err
	}
	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}
