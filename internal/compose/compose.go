// Package compose turns per-marker transforms into the single scene transform
// handed to the renderer each frame.
//
// The scene transform is Marker * Scale * Translate * Rotate in column-vector
// form. When no marker is visible the last transform is held for a bounded
// number of frames before falling back to identity.
package compose

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/ayusman/markerpose/internal/convert"
)

// Selection chooses one marker when several are visible in the same frame.
type Selection int

const (
	// LowestID picks the marker with the smallest id.
	LowestID Selection = iota
	// LastReported picks the last marker in detector order.
	LastReported
	// Nearest picks the marker closest to the camera; ties go to the lowest id.
	Nearest
)

func (s Selection) String() string {
	switch s {
	case LowestID:
		return "lowest_id"
	case LastReported:
		return "last_reported"
	case Nearest:
		return "nearest"
	}
	return fmt.Sprintf("Selection(%d)", int(s))
}

// ParseSelection parses a selection policy name. The empty string is LowestID.
func ParseSelection(s string) (Selection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lowest_id", "lowest":
		return LowestID, nil
	case "last_reported", "last":
		return LastReported, nil
	case "nearest":
		return Nearest, nil
	}
	return 0, &convert.ConfigurationError{Field: "selection", Reason: fmt.Sprintf("unknown selection policy %q", s)}
}

// State is the tracking state reported with each frame.
type State int

const (
	Lost State = iota
	Tracking
)

func (s State) String() string {
	if s == Tracking {
		return "tracking"
	}
	return "lost"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "lost":
		*s = Lost
	case "tracking":
		*s = Tracking
	default:
		return fmt.Errorf("unknown tracking state %q", b)
	}
	return nil
}

// Transition is the state change, if any, that happened on a frame.
type Transition int

const (
	NoTransition Transition = iota
	Acquired
	LostTracking
)

func (t Transition) String() string {
	switch t {
	case Acquired:
		return "acquired"
	case LostTracking:
		return "lost"
	}
	return "none"
}

func (t Transition) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Transition) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none", "":
		*t = NoTransition
	case "acquired":
		*t = Acquired
	case "lost":
		*t = LostTracking
	default:
		return fmt.Errorf("unknown transition %q", b)
	}
	return nil
}

// Placement positions content relative to the marker origin, in marker units.
type Placement struct {
	Scale     [3]float64 `json:"scale"`
	Translate [3]float64 `json:"translate"`
	// Rotate holds X, Y, Z angles in degrees, applied in that order.
	Rotate [3]float64 `json:"rotate"`
}

// DefaultPlacement scales content by 4 and lifts it one unit off the marker.
func DefaultPlacement() Placement {
	return Placement{
		Scale:     [3]float64{4, 4, 4},
		Translate: [3]float64{0, 0, 1},
	}
}

// Validate rejects non-positive or non-finite scale and non-finite offsets.
func (p Placement) Validate() error {
	for i, s := range p.Scale {
		if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
			return &convert.ConfigurationError{Field: "placement.scale", Reason: fmt.Sprintf("component %d must be positive, got %v", i, s)}
		}
	}
	for i := 0; i < 3; i++ {
		if !finite(p.Translate[i]) {
			return &convert.ConfigurationError{Field: "placement.translate", Reason: fmt.Sprintf("component %d is not finite", i)}
		}
		if !finite(p.Rotate[i]) {
			return &convert.ConfigurationError{Field: "placement.rotate", Reason: fmt.Sprintf("component %d is not finite", i)}
		}
	}
	return nil
}

// Matrix returns S * T * Rx * Ry * Rz.
func (p Placement) Matrix() mgl64.Mat4 {
	s := mgl64.Scale3D(p.Scale[0], p.Scale[1], p.Scale[2])
	t := mgl64.Translate3D(p.Translate[0], p.Translate[1], p.Translate[2])
	r := mgl64.HomogRotate3DX(mgl64.DegToRad(p.Rotate[0])).
		Mul4(mgl64.HomogRotate3DY(mgl64.DegToRad(p.Rotate[1]))).
		Mul4(mgl64.HomogRotate3DZ(mgl64.DegToRad(p.Rotate[2])))
	return s.Mul4(t).Mul4(r)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Config configures a Composer.
type Config struct {
	// HoldFrames is how many consecutive empty frames keep the last transform.
	HoldFrames int
	Selection  Selection
	Placement  Placement
	// Layout and Handedness describe the identity emitted while lost. They
	// must match the converter's target.
	Layout     convert.Layout
	Handedness convert.Handedness
}

// DefaultConfig holds for 5 frames and selects the lowest id.
func DefaultConfig() Config {
	gl := convert.OpenGL()
	return Config{
		HoldFrames: 5,
		Selection:  LowestID,
		Placement:  DefaultPlacement(),
		Layout:     gl.Layout,
		Handedness: gl.Handedness,
	}
}

// Marker is one converted marker in a frame.
type Marker struct {
	ID        int
	Transform convert.Transform
	// Distance from the camera in detector units, used by Nearest.
	Distance float64
}

// MarkerTransform is a marker's transform with the placement applied.
type MarkerTransform struct {
	ID        int
	Transform convert.Transform
}

// Frame is the composer's output for one tick.
type Frame struct {
	Seq   uint64
	State State
	// MarkerID is the selected marker, or -1 when none.
	MarkerID int
	// Held is true when the transform is re-emitted from an earlier frame.
	Held       bool
	Visible    bool
	Transition Transition
	Transform  convert.Transform
	// Markers holds every marker seen this frame, composed, sorted by id.
	Markers  []MarkerTransform
	Rejected int
}

// Composer applies the selection policy, placement and hold window. Update is
// meant to be called from a single goroutine; the placement may be changed
// from any goroutine.
type Composer struct {
	cfg Config

	mu        sync.RWMutex
	placement Placement

	seq   uint64
	state State
	last  Marker
	empty int
}

// Validate reports the first invalid setting as a *convert.ConfigurationError.
func (cfg Config) Validate() error {
	if cfg.HoldFrames < 0 {
		return &convert.ConfigurationError{Field: "hold_frames", Reason: fmt.Sprintf("must not be negative, got %d", cfg.HoldFrames)}
	}
	switch cfg.Selection {
	case LowestID, LastReported, Nearest:
	default:
		return &convert.ConfigurationError{Field: "selection", Reason: fmt.Sprintf("unknown selection policy %d", int(cfg.Selection))}
	}
	return cfg.Placement.Validate()
}

// New validates cfg and returns a Composer in the Lost state.
func New(cfg Config) (*Composer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Composer{cfg: cfg, placement: cfg.Placement, state: Lost}, nil
}

// Convention returns the layout and handedness of the identity transform
// emitted while lost.
func (c *Composer) Convention() (convert.Layout, convert.Handedness) {
	return c.cfg.Layout, c.cfg.Handedness
}

// Placement returns the current placement.
func (c *Composer) Placement() Placement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.placement
}

// SetPlacement replaces the placement from the next frame on.
func (c *Composer) SetPlacement(p Placement) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.placement = p
	c.mu.Unlock()
	return nil
}

// Nudge moves the content by the given offset in marker units.
func (c *Composer) Nudge(dx, dy, dz float64) Placement {
	c.mu.Lock()
	defer c.mu.Unlock()
	if finite(dx) && finite(dy) && finite(dz) {
		c.placement.Translate[0] += dx
		c.placement.Translate[1] += dy
		c.placement.Translate[2] += dz
	}
	return c.placement
}

// Reset returns to the Lost state without reporting a transition.
func (c *Composer) Reset() {
	c.state = Lost
	c.empty = 0
	c.last = Marker{}
}

// Update consumes the markers converted for one frame and returns the frame.
// markers is in detector order and is not modified.
func (c *Composer) Update(markers []Marker) Frame {
	c.seq++
	placement := c.Placement().Matrix()

	f := Frame{Seq: c.seq, MarkerID: -1}
	if len(markers) > 0 {
		f.Markers = make([]MarkerTransform, len(markers))
		for i, m := range markers {
			f.Markers[i] = MarkerTransform{ID: m.ID, Transform: apply(m.Transform, placement)}
		}
		sort.SliceStable(f.Markers, func(i, j int) bool { return f.Markers[i].ID < f.Markers[j].ID })

		sel := c.selectMarker(markers)
		if c.state == Lost {
			f.Transition = Acquired
		}
		c.state = Tracking
		c.last = sel
		c.empty = 0

		f.State = Tracking
		f.MarkerID = sel.ID
		f.Visible = true
		f.Transform = apply(sel.Transform, placement)
		return f
	}

	c.empty++
	if c.state == Tracking && c.empty <= c.cfg.HoldFrames {
		f.State = Tracking
		f.MarkerID = c.last.ID
		f.Held = true
		f.Visible = true
		f.Transform = apply(c.last.Transform, placement)
		return f
	}

	if c.state == Tracking {
		f.Transition = LostTracking
	}
	c.state = Lost
	c.last = Marker{}
	f.State = Lost
	f.Transform = convert.Identity(c.cfg.Layout, c.cfg.Handedness)
	return f
}

func (c *Composer) selectMarker(markers []Marker) Marker {
	switch c.cfg.Selection {
	case LastReported:
		return markers[len(markers)-1]
	case Nearest:
		best := markers[0]
		for _, m := range markers[1:] {
			if m.Distance < best.Distance || (m.Distance == best.Distance && m.ID < best.ID) {
				best = m
			}
		}
		return best
	default:
		best := markers[0]
		for _, m := range markers[1:] {
			if m.ID < best.ID {
				best = m
			}
		}
		return best
	}
}

// apply composes the marker transform with the placement in the marker's
// own layout.
func apply(marker convert.Transform, placement mgl64.Mat4) convert.Transform {
	return convert.EmitMat4(marker.Mat4().Mul4(placement), marker.Layout(), marker.Handedness())
}
