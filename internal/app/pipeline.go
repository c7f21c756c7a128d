package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/markerpose/internal/capture"
	"github.com/ayusman/markerpose/internal/compose"
	"github.com/ayusman/markerpose/internal/convert"
	"github.com/ayusman/markerpose/internal/detector"
	"github.com/ayusman/markerpose/internal/monitoring"
	"github.com/ayusman/markerpose/internal/plugin"
	"github.com/ayusman/markerpose/internal/pose"
	"github.com/ayusman/markerpose/internal/store"
)

// Update is what the loop publishes for each processed frame.
type Update struct {
	Frame compose.Frame
	// Poses are the accepted camera-space estimates in detector order.
	Poses []pose.Estimate
	// JPEG is the annotated camera frame, nil if encoding failed.
	JPEG []byte
	At   time.Time
}

// runPipeline ticks at the configured interval until stop is closed. Each
// tick reads one frame and runs it through ProcessFrame. Ticks that arrive
// while a frame is still being processed are dropped by the ticker.
func (a *App) runPipeline(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !a.IsEnabled() {
				continue
			}

			frame, err := a.config.Camera.ReadFrame()
			if errors.Is(err, capture.ErrEndOfStream) {
				monitoring.Logf("Capture source exhausted, tracking loop idle")
				return
			}
			if err != nil {
				// Still compose the tick so the hold window runs out.
				monitoring.Logf("Error reading frame: %v", err)
				frame = nil
			}

			_, _, err = a.processTick(frame)
			if frame != nil {
				frame.Close()
			}
			if err != nil {
				monitoring.Logf("Error processing frame: %v", err)
			}
		}
	}
}

// ProcessFrame runs one frame through detection, conversion and composition,
// draws the overlay onto frame, and publishes the result. A nil frame is
// composed as a tick without detections.
//
// Markers whose pose cannot be converted are dropped from the frame and
// counted in Frame.Rejected. A detector error is returned after the frame has
// been composed as if no marker were visible, so the hold window still runs
// out while the detector is failing.
func (a *App) ProcessFrame(frame *gocv.Mat) (Update, error) {
	a.procMu.Lock()
	defer a.procMu.Unlock()
	return a.processFrame(frame)
}

// processTick is ProcessFrame for the loop. Tracking is re-checked under
// procMu so a tick racing SetEnabled(false) cannot compose after the reset.
func (a *App) processTick(frame *gocv.Mat) (Update, bool, error) {
	a.procMu.Lock()
	defer a.procMu.Unlock()
	if !a.IsEnabled() {
		return Update{}, false, nil
	}
	u, err := a.processFrame(frame)
	return u, true, err
}

func (a *App) processFrame(frame *gocv.Mat) (Update, error) {
	var (
		detections []detector.Detection
		detectErr  error
	)
	if frame != nil {
		detections, detectErr = a.config.Detector.Detect(frame)
		if detectErr != nil {
			detections = nil
			detectErr = fmt.Errorf("detect: %w", detectErr)
		}
	}

	var (
		poses    = make([]pose.Estimate, 0, len(detections))
		markers  = make([]compose.Marker, 0, len(detections))
		rejected int
	)
	for _, d := range detections {
		e := d.ToEstimate()
		t, err := a.config.Converter.Convert(e)
		if err != nil {
			var ce *convert.ConversionError
			if !errors.As(err, &ce) {
				return Update{}, err
			}
			rejected++
			monitoring.Logf("Rejected marker %d: %s", ce.MarkerID, ce.Reason)
			continue
		}
		poses = append(poses, e)
		markers = append(markers, compose.Marker{ID: e.MarkerID(), Transform: t, Distance: e.Distance()})
	}

	f := a.config.Composer.Update(markers)
	f.Rejected = rejected

	u := Update{Frame: f, Poses: poses, At: time.Now()}

	if frame != nil {
		if a.config.Overlay != nil {
			selected := capture.NoSelection
			if f.Visible && !f.Held {
				selected = f.MarkerID
			}
			a.config.Overlay.Draw(frame, poses, selected, statusLine(f))
		}
		if jpeg, err := encodeJPEG(frame); err != nil {
			monitoring.Logf("Error encoding frame: %v", err)
		} else {
			u.JPEG = jpeg
		}
	}

	if a.config.Record && a.config.Store != nil && len(poses) > 0 {
		if err := a.config.Store.Samples().Record(a.sessionID, f.Seq, poses); err != nil {
			monitoring.Logf("Error recording poses: %v", err)
		}
	}

	a.dispatchTransition(f)
	a.publish(u, detectErr != nil)

	return u, detectErr
}

// dispatchTransition logs a state change and starts the matching hooks.
func (a *App) dispatchTransition(f compose.Frame) {
	a.mu.Lock()
	markerID := a.lastSeen
	if f.State == compose.Tracking {
		a.lastSeen = f.MarkerID
		markerID = f.MarkerID
	}
	a.mu.Unlock()

	var event string
	switch f.Transition {
	case compose.Acquired:
		event = store.EventAcquired
	case compose.LostTracking:
		event = store.EventLost
	default:
		return
	}
	monitoring.Logf("Marker %d %s at frame %d", markerID, event, f.Seq)

	if a.config.Store == nil || a.config.Plugins == nil {
		return
	}

	hooks, err := a.config.Store.Hooks().Matching(event, markerID)
	if err != nil {
		monitoring.Logf("Error loading hooks for %s: %v", event, err)
		return
	}
	for _, h := range hooks {
		a.hooks.Add(1)
		go a.runHook(context.Background(), h, plugin.Request{
			Action:   h.ActionName,
			Event:    event,
			MarkerID: markerID,
			Seq:      f.Seq,
			Config:   h.Config,
		})
	}
}

func (a *App) publish(u Update, detectFailed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.Frames++
	a.stats.Rejected += uint64(u.Frame.Rejected)
	if detectFailed {
		a.stats.DetectErrors++
	}
	a.last = &u

	for ch := range a.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func statusLine(f compose.Frame) string {
	switch {
	case f.State == compose.Lost:
		return "LOST"
	case f.Held:
		return fmt.Sprintf("TRACKING id=%d (held)", f.MarkerID)
	default:
		return fmt.Sprintf("TRACKING id=%d", f.MarkerID)
	}
}

func encodeJPEG(frame *gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return bytes.Clone(buf.GetBytes()), nil
}
