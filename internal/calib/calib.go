// Package calib loads pinhole camera intrinsics and projects camera-space
// points into the image.
package calib

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/ayusman/markerpose/internal/pose"
)

// distortValues is the number of coefficients in OpenCV's rational model.
const distortValues = 8

// Intrinsics is a calibrated pinhole camera with Brown-Conrady distortion.
type Intrinsics struct {
	Width, Height int
	camera        *mat.Dense
	dist          [distortValues]float64
}

// New builds intrinsics from a 3x3 camera matrix and up to eight distortion
// coefficients (k1, k2, p1, p2, k3, k4, k5, k6).
func New(width, height int, camera mat.Matrix, dist []float64) (*Intrinsics, error) {
	r, c := camera.Dims()
	if r != 3 || c != 3 {
		return nil, fmt.Errorf("camera matrix is %dx%d, want 3x3", r, c)
	}
	if camera.At(0, 0) <= 0 || camera.At(1, 1) <= 0 {
		return nil, fmt.Errorf("focal lengths must be positive")
	}
	if len(dist) > distortValues {
		return nil, fmt.Errorf("%d distortion coefficients, at most %d supported", len(dist), distortValues)
	}
	in := &Intrinsics{Width: width, Height: height, camera: mat.DenseCopyOf(camera)}
	copy(in.dist[:], dist)
	return in, nil
}

// Nominal returns distortion-free intrinsics for a camera with the given
// horizontal field of view in degrees, principal point at the image centre.
func Nominal(width, height int, fovDegrees float64) *Intrinsics {
	f := float64(width) / 2 / math.Tan(fovDegrees*math.Pi/360)
	k := mat.NewDense(3, 3, []float64{
		f, 0, float64(width) / 2,
		0, f, float64(height) / 2,
		0, 0, 1,
	})
	return &Intrinsics{Width: width, Height: height, camera: k}
}

// CameraMatrix returns a copy of K.
func (in *Intrinsics) CameraMatrix() *mat.Dense { return mat.DenseCopyOf(in.camera) }

// Distortion returns the eight distortion coefficients, zero padded.
func (in *Intrinsics) Distortion() [distortValues]float64 { return in.dist }

// Project maps a camera-space point to a distorted pixel. ok is false for
// points at or behind the camera plane.
func (in *Intrinsics) Project(p [3]float64) (px pose.Point2D, ok bool) {
	if p[2] <= 0 {
		return pose.Point2D{}, false
	}

	var h mat.VecDense
	h.MulVec(in.camera, mat.NewVecDense(3, p[:]))
	u, v := h.AtVec(0)/h.AtVec(2), h.AtVec(1)/h.AtVec(2)

	x, y := in.distort(u, v)
	return pose.Point2D{X: x, Y: y}, true
}

// ProjectMarkerPoint maps a point in the marker's own frame to a pixel.
func (in *Intrinsics) ProjectMarkerPoint(e pose.Estimate, p [3]float64) (pose.Point2D, bool) {
	r := e.RotationMatrix()
	t := e.Translation()

	var cam mat.VecDense
	cam.MulVec(r, mat.NewVecDense(3, p[:]))
	cam.AddVec(&cam, mat.NewVecDense(3, t[:]))
	return in.Project([3]float64{cam.AtVec(0), cam.AtVec(1), cam.AtVec(2)})
}

func (in *Intrinsics) distort(u, v float64) (float64, float64) {
	fx, fy := in.camera.At(0, 0), in.camera.At(1, 1)
	cx, cy := in.camera.At(0, 2), in.camera.At(1, 2)
	k1, k2, p1, p2, k3, k4, k5, k6 := in.dist[0], in.dist[1], in.dist[2], in.dist[3], in.dist[4], in.dist[5], in.dist[6], in.dist[7]

	xu := (u - cx) / fx
	yu := (v - cy) / fy

	r2 := xu*xu + yu*yu
	r4 := r2 * r2
	r6 := r4 * r2
	radial := (1 + k1*r2 + k2*r4 + k3*r6) / (1 + k4*r2 + k5*r4 + k6*r6)
	x := xu*radial + 2*p1*xu*yu + p2*(r2+2*xu*xu)
	y := yu*radial + 2*p2*xu*yu + p1*(r2+2*yu*yu)

	return x*fx + cx, y*fy + cy
}

type openCVMatrix struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data"`
}

type openCVFile struct {
	ImageWidth  int           `yaml:"image_width"`
	ImageHeight int           `yaml:"image_height"`
	Camera      *openCVMatrix `yaml:"camera_matrix"`
	Distortion  *openCVMatrix `yaml:"distortion_coefficients"`
}

// LoadOpenCV reads an OpenCV FileStorage YAML calibration file.
func LoadOpenCV(path string) (*Intrinsics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration: %w", err)
	}
	in, err := ParseOpenCV(data)
	if err != nil {
		return nil, fmt.Errorf("parse calibration %s: %w", path, err)
	}
	return in, nil
}

// ParseOpenCV parses OpenCV FileStorage YAML. The "%YAML:1.0" header and
// "!!opencv-matrix" tags that OpenCV writes are accepted.
func ParseOpenCV(data []byte) (*Intrinsics, error) {
	if bytes.HasPrefix(data, []byte("%YAML")) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		} else {
			data = nil
		}
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	clearTags(&root)

	var f openCVFile
	if err := root.Decode(&f); err != nil {
		return nil, err
	}
	if f.Camera == nil {
		return nil, fmt.Errorf("missing camera_matrix")
	}
	if f.Camera.Rows != 3 || f.Camera.Cols != 3 || len(f.Camera.Data) != 9 {
		return nil, fmt.Errorf("camera_matrix must be 3x3 with 9 values")
	}

	var dist []float64
	if f.Distortion != nil {
		if len(f.Distortion.Data) != f.Distortion.Rows*f.Distortion.Cols {
			return nil, fmt.Errorf("distortion_coefficients has %d values, want %d",
				len(f.Distortion.Data), f.Distortion.Rows*f.Distortion.Cols)
		}
		dist = f.Distortion.Data
	}

	return New(f.ImageWidth, f.ImageHeight, mat.NewDense(3, 3, f.Camera.Data), dist)
}

func clearTags(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Tag = ""
	}
	for _, c := range n.Content {
		clearTags(c)
	}
}
