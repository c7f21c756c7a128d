// Package app runs the tracking loop: capture, detect, convert, compose, and
// publish the render transform once per tick.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/markerpose/internal/capture"
	"github.com/ayusman/markerpose/internal/compose"
	"github.com/ayusman/markerpose/internal/convert"
	"github.com/ayusman/markerpose/internal/detector"
	"github.com/ayusman/markerpose/internal/monitoring"
	"github.com/ayusman/markerpose/internal/plugin"
	"github.com/ayusman/markerpose/internal/store"
)

// DefaultInterval is the render loop tick, about 30 frames per second.
const DefaultInterval = 33 * time.Millisecond

// settingTracking persists the tracking toggle across restarts.
const settingTracking = "tracking_enabled"

// subscriberBuffer is how many updates a slow subscriber may fall behind
// before frames are dropped for it.
const subscriberBuffer = 2

// Config holds the collaborators of an App. Store, Plugins and Overlay are
// optional.
type Config struct {
	Store     *store.Store
	Camera    capture.Camera
	Detector  detector.Detector
	Converter *convert.Converter
	Composer  *compose.Composer
	Overlay   *capture.Overlay
	Plugins   *plugin.Manager
	Executor  *plugin.Executor

	// Record stores every accepted pose in the pose_samples table.
	Record   bool
	Interval time.Duration
}

// Stats counts what the loop has done since Start.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Rejected     uint64 `json:"rejected"`
	DetectErrors uint64 `json:"detect_errors"`
	HookRuns     uint64 `json:"hook_runs"`
	HookFailures uint64 `json:"hook_failures"`
}

// App is the tracking application.
type App struct {
	config    Config
	sessionID string

	mu       sync.RWMutex
	enabled  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	last     *Update
	stats    Stats
	subs     map[chan Update]struct{}
	lastSeen int

	// procMu serialises ProcessFrame with composer resets.
	procMu sync.Mutex
	hooks  sync.WaitGroup
}

// New validates the required collaborators and returns a stopped App.
// Tracking starts enabled unless the store says otherwise.
func New(config Config) (*App, error) {
	switch {
	case config.Camera == nil:
		return nil, errors.New("app: camera is required")
	case config.Detector == nil:
		return nil, errors.New("app: detector is required")
	case config.Converter == nil:
		return nil, errors.New("app: converter is required")
	case config.Composer == nil:
		return nil, errors.New("app: composer is required")
	}
	if err := checkConvention(config.Converter, config.Composer); err != nil {
		return nil, err
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Plugins != nil && config.Executor == nil {
		config.Executor = plugin.NewExecutor(5 * time.Second)
	}

	a := &App{
		config:    config,
		sessionID: uuid.NewString(),
		enabled:   true,
		subs:      make(map[chan Update]struct{}),
		lastSeen:  capture.NoSelection,
	}

	if config.Store != nil {
		if v, err := config.Store.Setting(settingTracking); err == nil {
			if b, err := strconv.ParseBool(v); err == nil {
				a.enabled = b
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("app: read tracking setting: %w", err)
		}

		if err := a.loadActivePlacement(); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// checkConvention makes sure lost frames are emitted in the same layout and
// handedness as tracked ones.
func checkConvention(conv *convert.Converter, comp *compose.Composer) error {
	target := conv.Config().Target
	layout, handedness := comp.Convention()
	if layout != target.Layout {
		return &convert.ConfigurationError{
			Field:  "composer.layout",
			Reason: fmt.Sprintf("%s/%s does not match %s target %s/%s", layout.Storage, layout.Vectors, target.Name, target.Layout.Storage, target.Layout.Vectors),
		}
	}
	if handedness != target.Handedness {
		return &convert.ConfigurationError{
			Field:  "composer.handedness",
			Reason: fmt.Sprintf("%s does not match %s target %s", handedness, target.Name, target.Handedness),
		}
	}
	return nil
}

func (a *App) loadActivePlacement() error {
	p, err := a.config.Store.Placements().Active()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("app: load active placement: %w", err)
	}
	if err := a.config.Composer.SetPlacement(p.Value); err != nil {
		return fmt.Errorf("app: active placement %q: %w", p.Name, err)
	}
	monitoring.Logf("Using placement %q", p.Name)
	return nil
}

// SessionID identifies the pose samples recorded by this run.
func (a *App) SessionID() string { return a.sessionID }

// SetEnabled turns tracking on or off. Turning it off resets the composer so
// the next enabled frame reports a fresh acquisition. A loop tick still in
// flight finishes before the reset; later ticks are skipped until re-enabled.
func (a *App) SetEnabled(enabled bool) error {
	a.mu.Lock()
	changed := a.enabled != enabled
	a.enabled = enabled
	a.mu.Unlock()

	if changed && !enabled {
		a.procMu.Lock()
		a.config.Composer.Reset()
		a.procMu.Unlock()
	}

	if a.config.Store != nil {
		if err := a.config.Store.SetSetting(settingTracking, strconv.FormatBool(enabled)); err != nil {
			return fmt.Errorf("persist tracking setting: %w", err)
		}
	}
	return nil
}

// IsEnabled returns whether tracking is currently enabled.
func (a *App) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// IsRunning reports whether the loop is running.
func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stopCh != nil
}

// Placement returns the composer's current placement.
func (a *App) Placement() compose.Placement {
	return a.config.Composer.Placement()
}

// SetPlacement replaces the placement from the next frame on.
func (a *App) SetPlacement(p compose.Placement) error {
	return a.config.Composer.SetPlacement(p)
}

// Nudge moves the content by the given offset.
func (a *App) Nudge(dx, dy, dz float64) compose.Placement {
	return a.config.Composer.Nudge(dx, dy, dz)
}

// ActivatePlacement marks a stored placement active and applies it.
func (a *App) ActivatePlacement(id string) (*store.Placement, error) {
	if a.config.Store == nil {
		return nil, errors.New("no store configured")
	}
	p, err := a.config.Store.Placements().GetByID(id)
	if err != nil {
		return nil, err
	}
	if err := a.config.Composer.SetPlacement(p.Value); err != nil {
		return nil, err
	}
	if err := a.config.Store.Placements().Activate(id); err != nil {
		return nil, err
	}
	p.Active = true
	return p, nil
}

// Layout returns the storage layout of published transforms.
func (a *App) Layout() convert.Layout { return a.config.Converter.Layout() }

// Target returns the renderer convention transforms are emitted in.
func (a *App) Target() convert.Target { return a.config.Converter.Config().Target }

// Stats returns a snapshot of the loop counters.
func (a *App) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// Last returns the most recent update, or false before the first frame.
func (a *App) Last() (Update, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return Update{}, false
	}
	return *a.last, true
}

// Subscribe returns a channel receiving every published update and a cancel
// func that unregisters and closes it. Updates are dropped for subscribers
// that fall behind.
func (a *App) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)

	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, ch)
			a.mu.Unlock()
			close(ch)
		})
	}
}

// DiscoverPlugins rescans the plugin directory.
func (a *App) DiscoverPlugins() error {
	if a.config.Plugins == nil {
		return nil
	}
	return a.config.Plugins.Discover()
}

// PluginManager returns the plugin manager, or nil.
func (a *App) PluginManager() *plugin.Manager {
	return a.config.Plugins
}

// Start opens the camera and begins the loop.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopCh != nil {
		return nil
	}

	if err := a.config.Camera.Open(); err != nil {
		return err
	}

	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.runPipeline(a.stopCh, a.doneCh)

	monitoring.Logf("Tracking loop started (session %s, every %v)", a.sessionID, a.config.Interval)
	return nil
}

// Stop halts the loop, waits for running hooks and releases the camera and
// detector.
func (a *App) Stop() {
	a.mu.Lock()
	stopCh, doneCh := a.stopCh, a.doneCh
	a.stopCh, a.doneCh = nil, nil
	a.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
	a.hooks.Wait()

	if err := a.config.Camera.Close(); err != nil {
		monitoring.Logf("Error closing camera: %v", err)
	}
	if err := a.config.Detector.Close(); err != nil {
		monitoring.Logf("Error closing detector: %v", err)
	}

	monitoring.Logf("Tracking loop stopped")
}

// runHook runs one plugin action for a tracking transition.
func (a *App) runHook(ctx context.Context, h *store.Hook, req plugin.Request) {
	defer a.hooks.Done()

	p, err := a.config.Plugins.Get(h.PluginName)
	if err != nil {
		a.hookFailed(h, err)
		return
	}
	if !p.Supports(h.ActionName) {
		a.hookFailed(h, fmt.Errorf("plugin %s does not support action %s", h.PluginName, h.ActionName))
		return
	}

	resp, err := a.config.Executor.Execute(ctx, p, &req)
	if err != nil {
		a.hookFailed(h, err)
		return
	}
	if !resp.Success {
		a.hookFailed(h, errors.New(resp.Error))
		return
	}

	a.mu.Lock()
	a.stats.HookRuns++
	a.mu.Unlock()
}

func (a *App) hookFailed(h *store.Hook, err error) {
	monitoring.Logf("Hook %s (%s/%s) failed: %v", h.ID, h.PluginName, h.ActionName, err)
	a.mu.Lock()
	a.stats.HookRuns++
	a.stats.HookFailures++
	a.mu.Unlock()
}
