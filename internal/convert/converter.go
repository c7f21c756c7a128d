// Package convert maps marker pose estimates from the vision convention into
// renderer-ready 4x4 transforms.
//
// The intermediate form is a row-major gonum matrix that multiplies column
// vectors. Conversion embeds R and the scaled t into that form, left-multiplies
// the axis correction diag(sx, sy, sz, 1), and finally lays the result out for
// the target: transposed for row-vector engines, flattened by column for
// column-major storage.
package convert

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ayusman/markerpose/internal/pose"
)

// DefaultTolerance bounds the deviation of R^T*R from I and of det(R) from 1.
const DefaultTolerance = 1e-4

// Config holds the converter's setup-time parameters.
type Config struct {
	// Scale rescales translation from detector units into scene units.
	Scale float64
	// Source is the handedness of the vision convention (OpenCV: right).
	Source Handedness
	Target Target
	// Tolerance for the orthonormality check. Zero selects DefaultTolerance.
	Tolerance float64
}

// DefaultConfig converts millimetre poses into centimetre OpenGL transforms.
func DefaultConfig() Config {
	return Config{
		Scale:     0.1,
		Source:    RightHanded,
		Target:    OpenGL(),
		Tolerance: DefaultTolerance,
	}
}

// Validate reports the first invalid setting as a *ConfigurationError.
func (cfg Config) Validate() error {
	if math.IsNaN(cfg.Scale) || math.IsInf(cfg.Scale, 0) || cfg.Scale <= 0 {
		return &ConfigurationError{Field: "scale", Reason: fmt.Sprintf("must be positive and finite, got %v", cfg.Scale)}
	}
	if math.IsNaN(cfg.Tolerance) || cfg.Tolerance < 0 {
		return &ConfigurationError{Field: "tolerance", Reason: fmt.Sprintf("must not be negative, got %v", cfg.Tolerance)}
	}
	if cfg.Source != RightHanded && cfg.Source != LeftHanded {
		return &ConfigurationError{Field: "source", Reason: fmt.Sprintf("unknown handedness %d", int(cfg.Source))}
	}
	return cfg.Target.validate(cfg.Source)
}

// Converter converts pose estimates into transforms. It holds no per-frame
// state and is safe for concurrent use.
type Converter struct {
	cfg        Config
	correction *mat.DiagDense
}

// NewConverter validates cfg and builds a Converter.
func NewConverter(cfg Config) (*Converter, error) {
	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := cfg.Target.AxisSigns
	return &Converter{
		cfg:        cfg,
		correction: mat.NewDiagDense(4, []float64{s[0], s[1], s[2], 1}),
	}, nil
}

// Config returns the converter's configuration.
func (c *Converter) Config() Config { return c.cfg }

// Layout returns the layout of emitted transforms.
func (c *Converter) Layout() Layout { return c.cfg.Target.Layout }

// Convert maps one pose estimate into a transform in the target convention.
// A rotation that is not orthonormal within tolerance yields a *ConversionError.
func (c *Converter) Convert(p pose.Estimate) (Transform, error) {
	r := p.RotationMatrix()
	if reason := checkRotation(r, c.cfg.Tolerance); reason != "" {
		return Transform{}, &ConversionError{MarkerID: p.MarkerID(), Reason: reason}
	}
	t := p.Translation()
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Transform{}, &ConversionError{MarkerID: p.MarkerID(), Reason: fmt.Sprintf("non-finite translation %v", t)}
		}
	}

	m := embed(r, t, c.cfg.Scale)
	corrected := c.correctAxes(m)
	return Emit(corrected, c.cfg.Target.Layout, c.cfg.Target.Handedness), nil
}

// Invert undoes Convert: it reads M back out of the target layout, removes the
// axis correction (its own inverse) and divides out the scale.
func (c *Converter) Invert(markerID int, t Transform) (pose.Estimate, error) {
	if t.Layout() != c.cfg.Target.Layout {
		return pose.Estimate{}, fmt.Errorf("transform layout %v does not match target layout %v", t.Layout(), c.cfg.Target.Layout)
	}
	m := c.correctAxes(t.Matrix())

	var rot [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i*3+j] = m.At(i, j)
		}
	}
	trans := [3]float64{
		m.At(0, 3) / c.cfg.Scale,
		m.At(1, 3) / c.cfg.Scale,
		m.At(2, 3) / c.cfg.Scale,
	}
	return pose.New(markerID, rot, trans, [4]pose.Point2D{}), nil
}

// embed builds [R | scale*t; 0 0 0 1] for column vectors.
func embed(r mat.Matrix, t [3]float64, scale float64) *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, r.At(i, j))
		}
		m.Set(i, 3, t[i]*scale)
	}
	m.Set(3, 3, 1)
	return m
}

// correctAxes left-multiplies the axis correction. Left is the correct side
// because the intermediate matrix multiplies column vectors: the flip applies
// to points after they are in camera space.
func (c *Converter) correctAxes(m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(c.correction, m)
	return &out
}

// checkRotation returns a non-empty reason when r is not a proper rotation.
func checkRotation(r *mat.Dense, tol float64) string {
	for _, v := range r.RawMatrix().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "rotation has non-finite elements"
		}
	}

	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	var dev float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			dev = math.Max(dev, math.Abs(rtr.At(i, j)-want))
		}
	}
	if dev > tol {
		return fmt.Sprintf("rotation is not orthonormal (max |R^T R - I| = %.3g, tolerance %.3g)", dev, tol)
	}

	if det := mat.Det(r); math.Abs(det-1) > tol {
		return fmt.Sprintf("rotation determinant %.6g, want 1", det)
	}
	return ""
}
