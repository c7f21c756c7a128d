package detector

import (
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/markerpose/internal/pose"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu         sync.Mutex
	detections []Detection
	script     [][]Detection
	err        error
	calls      int
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetDetections sets the markers returned by every Detect call once any
// scripted frames are used up.
func (m *MockDetector) SetDetections(detections []Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = detections
}

// Script queues per-frame results. Each Detect call consumes one entry.
func (m *MockDetector) Script(frames ...[]Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, frames...)
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of Detect calls so far.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Detect returns the pre-configured markers or error.
func (m *MockDetector) Detect(frame *gocv.Mat) ([]Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		return next, nil
	}
	return m.detections, nil
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}

// FacingMarker returns a marker squarely facing the camera at the given
// distance, its corners drawn around the image point (cx, cy).
func FacingMarker(id int, distance, cx, cy float64) Detection {
	const half = 40.0
	return Detection{
		ID: id,
		Corners: [4]pose.Point2D{
			{X: cx - half, Y: cy - half},
			{X: cx + half, Y: cy - half},
			{X: cx + half, Y: cy + half},
			{X: cx - half, Y: cy + half},
		},
		// A half turn about X points the marker's Z axis at the camera.
		RVec: [3]float64{math.Pi, 0, 0},
		TVec: [3]float64{0, 0, distance},
	}
}

// MarkerAt returns a marker with an arbitrary pose, centred in a 640x480 frame.
func MarkerAt(id int, rvec, tvec [3]float64) Detection {
	d := FacingMarker(id, tvec[2], 320, 240)
	d.RVec = rvec
	d.TVec = tvec
	return d
}
