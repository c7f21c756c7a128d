package detector

import (
	"errors"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/markerpose/internal/pose"
)

var (
	// ErrServiceNotFound is returned when the aruco helper script cannot be located.
	ErrServiceNotFound = errors.New("aruco_service.py not found")
	// ErrResponseTimeout is returned when the helper does not answer a frame in time.
	ErrResponseTimeout = errors.New("aruco service did not answer in time")
)

// Detector defines the interface for fiducial marker detection implementations.
type Detector interface {
	// Detect analyzes a video frame and returns the markers found in it,
	// in detector order. Returns an empty slice if no markers are visible.
	Detect(frame *gocv.Mat) ([]Detection, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Detection is one marker as reported by the pose estimator: corner pixels
// and a Rodrigues rotation vector plus translation in marker-length units.
type Detection struct {
	ID      int             `json:"id"`
	Corners [4]pose.Point2D `json:"corners"`
	RVec    [3]float64      `json:"rvec"`
	TVec    [3]float64      `json:"tvec"`
}

// ToEstimate converts the detection into a pose estimate.
func (d Detection) ToEstimate() pose.Estimate {
	return pose.FromAxisAngle(d.ID, d.RVec, d.TVec, d.Corners)
}

// Config holds configuration options for marker detection.
type Config struct {
	// Dictionary is the OpenCV predefined dictionary name.
	Dictionary string

	// MarkerLength is the printed side length of a marker. Translations are
	// reported in the same unit (millimetres by default).
	MarkerLength float64

	// CalibrationPath is the OpenCV camera calibration file.
	CalibrationPath string

	// ParamsPath is an optional OpenCV detector parameters file.
	ParamsPath string

	// CornerRefinement enables sub-pixel corner refinement.
	CornerRefinement bool

	// IdleTimeout stops the helper process after this long without frames.
	IdleTimeout time.Duration

	// ResponseTimeout bounds one frame exchange. A helper that misses it is
	// killed and restarted on the next frame. Zero waits forever.
	ResponseTimeout time.Duration

	// StartupTimeout is added to the first exchange after the helper starts,
	// while it is still importing OpenCV.
	StartupTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Dictionary:       "DICT_ARUCO_ORIGINAL",
		MarkerLength:     75,
		CalibrationPath:  "camera.yml",
		ParamsPath:       "detector_params.yml",
		CornerRefinement: true,
		IdleTimeout:      30 * time.Second,
		ResponseTimeout:  500 * time.Millisecond,
		StartupTimeout:   10 * time.Second,
	}
}
