package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ayusman/markerpose/internal/app"
	"github.com/ayusman/markerpose/internal/calib"
	"github.com/ayusman/markerpose/internal/capture"
	"github.com/ayusman/markerpose/internal/compose"
	"github.com/ayusman/markerpose/internal/config"
	"github.com/ayusman/markerpose/internal/convert"
	"github.com/ayusman/markerpose/internal/detector"
	"github.com/ayusman/markerpose/internal/plugin"
	"github.com/ayusman/markerpose/internal/server"
	"github.com/ayusman/markerpose/internal/store"
	"github.com/ayusman/markerpose/internal/tray"
)

// nominalFOV is the horizontal field of view assumed when no calibration
// file is found. Only the overlay uses it.
const nominalFOV = 60

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the JSON configuration file")
	addr := flag.String("addr", "", "listen address, overrides server.addr")
	video := flag.String("video", "", "read frames from a video file instead of the camera")
	loop := flag.Bool("loop", false, "rewind the video file when it ends")
	staticDir := flag.String("static", "", "directory of static files to serve, defaults to ./web if present")
	useTray := flag.Bool("tray", false, "show a system tray menu")
	mock := flag.Bool("mock-detector", false, "use a detector that never reports markers")
	flag.Parse()

	fmt.Println("markerpose - marker pose to render transform")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	convCfg, err := cfg.ConverterConfig()
	if err != nil {
		log.Fatalf("Invalid conversion settings: %v", err)
	}
	conv, err := convert.NewConverter(convCfg)
	if err != nil {
		log.Fatalf("Invalid conversion settings: %v", err)
	}
	compCfg, err := cfg.ComposerConfig()
	if err != nil {
		log.Fatalf("Invalid composer settings: %v", err)
	}
	comp, err := compose.New(compCfg)
	if err != nil {
		log.Fatalf("Invalid composer settings: %v", err)
	}
	log.Printf("Emitting %s transforms (%s, %s)", convCfg.Target.Name, convCfg.Target.Layout.Storage, convCfg.Target.Handedness)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	var cam capture.Camera
	if *video != "" {
		cam = capture.NewVideoFile(*video, *loop)
	} else {
		cam = capture.NewCamera(cfg.Camera.DeviceID)
	}
	cam.SetFPS(cfg.Camera.FPS)

	det := newDetector(cfg, *mock)

	var overlay *capture.Overlay
	if cfg.Camera.Overlay {
		overlay = &capture.Overlay{
			Intrinsics: loadIntrinsics(cfg.Detector.Calibration),
			AxisLength: cfg.Detector.MarkerLength / 2,
		}
	}

	plugins := plugin.NewManager(cfg.Hooks.PluginsDir)
	if err := plugins.Discover(); err != nil {
		log.Printf("Plugin discovery failed: %v", err)
	}

	interval := app.DefaultInterval
	if cfg.Camera.FPS > 0 {
		interval = time.Second / time.Duration(cfg.Camera.FPS)
	}

	application, err := app.New(app.Config{
		Store:     st,
		Camera:    cam,
		Detector:  det,
		Converter: conv,
		Composer:  comp,
		Overlay:   overlay,
		Plugins:   plugins,
		Executor:  plugin.NewExecutor(cfg.HookTimeout()),
		Record:    cfg.Store.Record,
		Interval:  interval,
	})
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}
	if err := application.Start(); err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}

	webDir := *staticDir
	if webDir == "" {
		webDir = findWebDir()
	}
	if webDir != "" {
		fmt.Printf("Serving static files from: %s\n", webDir)
	}

	srv := server.New(server.Config{
		StaticDir: webDir,
		Store:     st,
		App:       application,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		fmt.Printf("Starting server on %s\n", cfg.Server.Addr)
		if err := srv.ListenAndServe(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server failed: %v", err)
			stop()
		}
	}()

	if *useTray {
		// The tray event loop owns the main goroutine until quit.
		runTray(ctx, stop, application, cfg.Server.Addr)
		stop()
	}

	<-ctx.Done()
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	application.Stop()
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == config.DefaultConfigPath && errors.Is(err, os.ErrNotExist) {
		log.Printf("No config at %s, using defaults", path)
		return config.Default(), nil
	}
	return nil, err
}

func newDetector(cfg *config.Config, mock bool) detector.Detector {
	if mock {
		log.Printf("Using mock detector")
		return detector.NewMockDetector()
	}
	det, err := detector.NewArucoDetector(cfg.DetectorConfig())
	if err != nil {
		log.Printf("ArUco detector unavailable (%v), using mock detector", err)
		return detector.NewMockDetector()
	}
	return det
}

func loadIntrinsics(path string) *calib.Intrinsics {
	in, err := calib.LoadOpenCV(path)
	if err == nil {
		return in
	}
	log.Printf("Calibration %s not loaded (%v), overlay uses nominal intrinsics", path, err)
	return calib.Nominal(capture.DefaultWidth, capture.DefaultHeight, nominalFOV)
}

// runTray shows the tray menu and mirrors the tracking state into it.
func runTray(ctx context.Context, quit func(), a *app.App, addr string) {
	t := tray.New(a.IsEnabled())
	t.OnToggle(func(enabled bool) {
		if err := a.SetEnabled(enabled); err != nil {
			log.Printf("Failed to toggle tracking: %v", err)
		}
	})
	t.OnResetPlacement(func() {
		if err := a.SetPlacement(compose.DefaultPlacement()); err != nil {
			log.Printf("Failed to reset placement: %v", err)
		}
	})
	t.OnSettings(func() {
		fmt.Printf("Settings: http://%s/\n", addr)
	})
	t.OnQuit(quit)

	updates, cancel := a.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				t.Quit()
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				t.SetEnabled(a.IsEnabled())
				t.SetState(u.Frame.State, u.Frame.MarkerID)
			}
		}
	}()

	t.Run()
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.markerpose/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".markerpose", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
