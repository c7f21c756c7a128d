package convert

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/mat"
)

// Transform is a 4x4 homogeneous matrix emitted for a renderer.
//
// The values are held in the renderer's layout. At and Matrix always read the
// column-vector matrix M (v' = M*v), whatever the layout.
type Transform struct {
	data       [16]float64
	layout     Layout
	handedness Handedness
}

// Emit lays out the column-vector matrix m for the given renderer layout.
// m must be 4x4.
func Emit(m mat.Matrix, layout Layout, handedness Handedness) Transform {
	rows, cols := m.Dims()
	if rows != 4 || cols != 4 {
		panic(mat.ErrShape)
	}
	t := Transform{layout: layout, handedness: handedness}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			t.data[layout.index(r, c)] = m.At(r, c)
		}
	}
	return t
}

// EmitMat4 is Emit for an mgl64 matrix, which already uses column vectors.
func EmitMat4(m mgl64.Mat4, layout Layout, handedness Handedness) Transform {
	t := Transform{layout: layout, handedness: handedness}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			t.data[layout.index(r, c)] = m.At(r, c)
		}
	}
	return t
}

// Identity returns the identity transform in the given layout.
func Identity(layout Layout, handedness Handedness) Transform {
	return EmitMat4(mgl64.Ident4(), layout, handedness)
}

// Layout returns how the values are laid out.
func (t Transform) Layout() Layout { return t.layout }

// Handedness returns the handedness of the space the transform maps into.
func (t Transform) Handedness() Handedness { return t.handedness }

// Elements returns the 16 values in storage order, ready for upload.
func (t Transform) Elements() [16]float64 { return t.data }

// Float32 returns the values in storage order as float32.
func (t Transform) Float32() [16]float32 {
	var out [16]float32
	for i, v := range t.data {
		out[i] = float32(v)
	}
	return out
}

// At returns M(row, col) of the column-vector matrix.
func (t Transform) At(row, col int) float64 {
	return t.data[t.layout.index(row, col)]
}

// Matrix returns a fresh copy of M.
func (t Transform) Matrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, t.At(r, c))
		}
	}
	return m
}

// Mat4 returns M as an mgl64 matrix.
func (t Transform) Mat4() mgl64.Mat4 {
	var m mgl64.Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, t.At(r, c))
		}
	}
	return m
}

// GL returns M in OpenGL layout regardless of the target layout.
func (t Transform) GL() mgl32.Mat4 {
	var m mgl32.Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, float32(t.At(r, c)))
		}
	}
	return m
}

// Rotation returns the upper-left 3x3 block of M.
func (t Transform) Rotation() *mat.Dense {
	r := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.Set(i, j, t.At(i, j))
		}
	}
	return r
}

// Translation returns the right-hand column of M.
func (t Transform) Translation() [3]float64 {
	return [3]float64{t.At(0, 3), t.At(1, 3), t.At(2, 3)}
}
