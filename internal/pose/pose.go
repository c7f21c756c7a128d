// Package pose defines the per-marker pose estimate produced by the detector.
//
// Estimates use the OpenCV camera convention: right-handed, +X right, +Y down,
// +Z forward. The rotation maps marker-local points into camera space,
// p_cam = R*p_marker + t, with column vectors.
package pose

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point2D is a pixel coordinate in the captured frame.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Estimate is a rotation and translation for one detected marker in one frame.
// All fields are values; accessors hand out copies so an Estimate cannot be
// modified after construction.
type Estimate struct {
	markerID    int
	rotation    [9]float64 // row-major 3x3
	translation [3]float64
	corners     [4]Point2D
}

// New creates an Estimate from a row-major 3x3 rotation and a translation.
func New(markerID int, rotation [9]float64, translation [3]float64, corners [4]Point2D) Estimate {
	return Estimate{
		markerID:    markerID,
		rotation:    rotation,
		translation: translation,
		corners:     corners,
	}
}

// FromAxisAngle creates an Estimate from a Rodrigues rotation vector, the
// form in which the aruco pose estimator reports rotations.
func FromAxisAngle(markerID int, rvec, tvec [3]float64, corners [4]Point2D) Estimate {
	return New(markerID, Rodrigues(rvec), tvec, corners)
}

// FromDense creates an Estimate from a 3x3 gonum matrix.
// It panics if r is not 3x3, mirroring gonum's dimension checks.
func FromDense(markerID int, r mat.Matrix, translation [3]float64) Estimate {
	rows, cols := r.Dims()
	if rows != 3 || cols != 3 {
		panic(mat.ErrShape)
	}
	var rot [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i*3+j] = r.At(i, j)
		}
	}
	return New(markerID, rot, translation, [4]Point2D{})
}

// MarkerID returns the detector-assigned marker id.
func (e Estimate) MarkerID() int { return e.markerID }

// Rotation returns the row-major rotation values.
func (e Estimate) Rotation() [9]float64 { return e.rotation }

// Translation returns the translation in detector units.
func (e Estimate) Translation() [3]float64 { return e.translation }

// Corners returns the marker corner pixels in detector order.
func (e Estimate) Corners() [4]Point2D { return e.corners }

// RotationMatrix returns a fresh 3x3 copy of the rotation.
func (e Estimate) RotationMatrix() *mat.Dense {
	data := e.rotation
	return mat.NewDense(3, 3, data[:])
}

// Distance returns the Euclidean distance from the camera to the marker origin.
func (e Estimate) Distance() float64 {
	t := e.translation
	return math.Sqrt(t[0]*t[0] + t[1]*t[1] + t[2]*t[2])
}

// AxisAngle returns the Rodrigues vector for the rotation.
func (e Estimate) AxisAngle() [3]float64 {
	return InverseRodrigues(e.rotation)
}

// Rodrigues converts an axis-angle vector into a row-major rotation matrix
// using R = I + sin(theta)*K + (1-cos(theta))*K^2.
func Rodrigues(rvec [3]float64) [9]float64 {
	theta := math.Sqrt(rvec[0]*rvec[0] + rvec[1]*rvec[1] + rvec[2]*rvec[2])
	if theta < 1e-12 {
		return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
	kx, ky, kz := rvec[0]/theta, rvec[1]/theta, rvec[2]/theta

	k := mat.NewDense(3, 3, []float64{
		0, -kz, ky,
		kz, 0, -kx,
		-ky, kx, 0,
	})
	var k2 mat.Dense
	k2.Mul(k, k)

	r := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	var sinK mat.Dense
	sinK.Scale(math.Sin(theta), k)
	r.Add(r, &sinK)
	k2.Scale(1-math.Cos(theta), &k2)
	r.Add(r, &k2)

	var out [9]float64
	copy(out[:], r.RawMatrix().Data)
	return out
}

// InverseRodrigues converts a row-major rotation matrix into an axis-angle vector.
func InverseRodrigues(r [9]float64) [3]float64 {
	trace := r[0] + r[4] + r[8]
	cosTheta := math.Max(-1, math.Min(1, (trace-1)/2))
	theta := math.Acos(cosTheta)
	sinTheta := math.Sin(theta)

	switch {
	case theta < 1e-12:
		return [3]float64{}
	case sinTheta > 1e-6:
		f := theta / (2 * sinTheta)
		return [3]float64{
			(r[7] - r[5]) * f,
			(r[2] - r[6]) * f,
			(r[3] - r[1]) * f,
		}
	}

	// theta close to pi: recover the axis from the symmetric part.
	x := math.Sqrt(math.Max(0, (r[0]+1)/2))
	y := math.Sqrt(math.Max(0, (r[4]+1)/2))
	z := math.Sqrt(math.Max(0, (r[8]+1)/2))
	switch {
	case x >= y && x >= z:
		y = (r[1] + r[3]) / (4 * x)
		z = (r[2] + r[6]) / (4 * x)
	case y >= z:
		x = (r[1] + r[3]) / (4 * y)
		z = (r[5] + r[7]) / (4 * y)
	default:
		x = (r[2] + r[6]) / (4 * z)
		y = (r[5] + r[7]) / (4 * z)
	}
	return [3]float64{x * theta, y * theta, z * theta}
}
