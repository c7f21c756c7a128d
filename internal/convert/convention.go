package convert

import (
	"fmt"
	"strings"
)

// Handedness of a coordinate system.
type Handedness int

const (
	// RightHanded is the OpenCV and OpenGL convention.
	RightHanded Handedness = iota
	// LeftHanded is the Direct3D convention.
	LeftHanded
)

func (h Handedness) String() string {
	switch h {
	case RightHanded:
		return "right"
	case LeftHanded:
		return "left"
	}
	return fmt.Sprintf("Handedness(%d)", int(h))
}

// ParseHandedness parses "right" or "left".
func ParseHandedness(s string) (Handedness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "right", "right-handed", "rh":
		return RightHanded, nil
	case "left", "left-handed", "lh":
		return LeftHanded, nil
	}
	return 0, &ConfigurationError{Field: "handedness", Reason: fmt.Sprintf("unknown handedness %q", s)}
}

// Storage is the memory order of the 16 matrix values handed to the renderer.
type Storage int

const (
	// RowMajor stores rows contiguously. This is also the intermediate layout.
	RowMajor Storage = iota
	// ColumnMajor stores columns contiguously (OpenGL, mgl32.Mat4).
	ColumnMajor
)

func (s Storage) String() string {
	switch s {
	case RowMajor:
		return "row"
	case ColumnMajor:
		return "column"
	}
	return fmt.Sprintf("Storage(%d)", int(s))
}

// ParseStorage parses "row" or "column".
func ParseStorage(s string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "row", "row-major", "row_major":
		return RowMajor, nil
	case "column", "col", "column-major", "column_major":
		return ColumnMajor, nil
	}
	return 0, &ConfigurationError{Field: "storage", Reason: fmt.Sprintf("unknown storage order %q", s)}
}

// Vectors is the side on which the renderer multiplies vectors.
type Vectors int

const (
	// ColumnVectors means v' = M*v. The intermediate form always uses this.
	ColumnVectors Vectors = iota
	// RowVectors means v' = v*M, so the engine matrix is the transpose of M.
	RowVectors
)

func (v Vectors) String() string {
	switch v {
	case ColumnVectors:
		return "column"
	case RowVectors:
		return "row"
	}
	return fmt.Sprintf("Vectors(%d)", int(v))
}

// ParseVectors parses "column" or "row".
func ParseVectors(s string) (Vectors, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "column", "col", "column-vector", "column_vector":
		return ColumnVectors, nil
	case "row", "row-vector", "row_vector":
		return RowVectors, nil
	}
	return 0, &ConfigurationError{Field: "vectors", Reason: fmt.Sprintf("unknown vector convention %q", s)}
}

// Layout describes how a 4x4 transform is laid out for a renderer.
type Layout struct {
	Storage Storage `json:"storage"`
	Vectors Vectors `json:"vectors"`
}

// index returns the position of M(row, col) in the emitted values, where M is
// the column-vector matrix. Row vectors transpose M; column-major storage
// transposes the flattening. Two transposes cancel out, which is why GL and
// D3D upload identical bytes for the same M.
func (l Layout) index(row, col int) int {
	if l.Vectors == RowVectors {
		row, col = col, row
	}
	if l.Storage == ColumnMajor {
		return col*4 + row
	}
	return row*4 + col
}

func (l Layout) validate() error {
	if l.Storage != RowMajor && l.Storage != ColumnMajor {
		return &ConfigurationError{Field: "storage", Reason: fmt.Sprintf("unknown storage order %d", int(l.Storage))}
	}
	if l.Vectors != ColumnVectors && l.Vectors != RowVectors {
		return &ConfigurationError{Field: "vectors", Reason: fmt.Sprintf("unknown vector convention %d", int(l.Vectors))}
	}
	return nil
}

// Target describes the rendering engine's coordinate convention.
type Target struct {
	Name       string
	Handedness Handedness
	// AxisSigns flips the camera axes whose direction differs between the
	// vision convention and the target: +1 keeps an axis, -1 flips it.
	AxisSigns [3]float64
	Layout    Layout
}

// OpenGL is right-handed with +Y up and the camera looking down -Z, so Y and Z
// flip. Matrices are column-major and multiply column vectors.
func OpenGL() Target {
	return Target{
		Name:       "opengl",
		Handedness: RightHanded,
		AxisSigns:  [3]float64{1, -1, -1},
		Layout:     Layout{Storage: ColumnMajor, Vectors: ColumnVectors},
	}
}

// Direct3D is left-handed with +Y up and +Z forward, so only Y flips.
// Matrices are row-major and multiply row vectors.
func Direct3D() Target {
	return Target{
		Name:       "direct3d",
		Handedness: LeftHanded,
		AxisSigns:  [3]float64{1, -1, 1},
		Layout:     Layout{Storage: RowMajor, Vectors: RowVectors},
	}
}

// ParseTarget returns the preset with the given name.
func ParseTarget(name string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "opengl", "gl":
		return OpenGL(), nil
	case "direct3d", "d3d", "directx":
		return Direct3D(), nil
	}
	return Target{}, &ConfigurationError{Field: "target", Reason: fmt.Sprintf("unknown target %q", name)}
}

// validate checks the axis signs against the declared handedness.
// An odd number of flipped axes changes handedness; an even number keeps it.
func (t Target) validate(source Handedness) error {
	if t.Handedness != RightHanded && t.Handedness != LeftHanded {
		return &ConfigurationError{Field: "handedness", Reason: fmt.Sprintf("unknown handedness %d", int(t.Handedness))}
	}

	product := 1.0
	for i, s := range t.AxisSigns {
		if s != 1 && s != -1 {
			return &ConfigurationError{
				Field:  "axis_signs",
				Reason: fmt.Sprintf("axis %d sign must be +1 or -1, got %v", i, s),
			}
		}
		product *= s
	}

	flips := product < 0
	if flips != (source != t.Handedness) {
		return &ConfigurationError{
			Field: "axis_signs",
			Reason: fmt.Sprintf("signs %v map a %s-handed source to a %s-handed space, target declares %s-handed",
				t.AxisSigns, source, flipHandedness(source, flips), t.Handedness),
		}
	}

	return t.Layout.validate()
}

func flipHandedness(h Handedness, flip bool) Handedness {
	if !flip {
		return h
	}
	if h == RightHanded {
		return LeftHanded
	}
	return RightHanded
}
