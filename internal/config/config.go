// Package config loads the markerpose JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ayusman/markerpose/internal/compose"
	"github.com/ayusman/markerpose/internal/convert"
	"github.com/ayusman/markerpose/internal/detector"
)

// DefaultConfigPath is where the service looks for its configuration.
const DefaultConfigPath = "config/markerpose.json"

// Config is the root configuration. Fields omitted from the JSON file keep
// the values from Default.
type Config struct {
	Camera     CameraConfig     `json:"camera"`
	Detector   DetectorConfig   `json:"detector"`
	Conversion ConversionConfig `json:"conversion"`
	Composer   ComposerConfig   `json:"composer"`
	Server     ServerConfig     `json:"server"`
	Store      StoreConfig      `json:"store"`
	Hooks      HooksConfig      `json:"hooks"`
}

type CameraConfig struct {
	DeviceID int  `json:"device_id"`
	FPS      int  `json:"fps"`
	Overlay  bool `json:"overlay"`
}

type DetectorConfig struct {
	Dictionary       string  `json:"dictionary"`
	MarkerLength     float64 `json:"marker_length"`
	Calibration      string  `json:"calibration"`
	Params           string  `json:"params"`
	CornerRefinement bool    `json:"corner_refinement"`
	IdleTimeout      string  `json:"idle_timeout"` // duration string like "30s"
	ResponseTimeout  string  `json:"response_timeout"`
	StartupTimeout   string  `json:"startup_timeout"`
}

// ConversionConfig selects a target preset and optionally overrides parts of it.
type ConversionConfig struct {
	Target     string      `json:"target"`
	Scale      float64     `json:"scale"`
	Source     string      `json:"source_handedness"`
	Handedness string      `json:"target_handedness,omitempty"`
	AxisSigns  *[3]float64 `json:"axis_signs,omitempty"`
	Storage    string      `json:"storage,omitempty"`
	Vectors    string      `json:"vectors,omitempty"`
	Tolerance  float64     `json:"tolerance"`
}

type ComposerConfig struct {
	HoldFrames int               `json:"hold_frames"`
	Selection  string            `json:"selection"`
	Placement  compose.Placement `json:"placement"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type StoreConfig struct {
	Path string `json:"path"`
	// Record stores every accepted pose estimate for later reports.
	Record bool `json:"record"`
}

type HooksConfig struct {
	PluginsDir string `json:"plugins_dir"`
	Timeout    string `json:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	det := detector.DefaultConfig()
	return &Config{
		Camera: CameraConfig{DeviceID: 0, FPS: 30, Overlay: true},
		Detector: DetectorConfig{
			Dictionary:       det.Dictionary,
			MarkerLength:     det.MarkerLength,
			Calibration:      det.CalibrationPath,
			Params:           det.ParamsPath,
			CornerRefinement: det.CornerRefinement,
			IdleTimeout:      det.IdleTimeout.String(),
			ResponseTimeout:  det.ResponseTimeout.String(),
			StartupTimeout:   det.StartupTimeout.String(),
		},
		Conversion: ConversionConfig{
			Target:    "opengl",
			Scale:     0.1,
			Source:    "right",
			Tolerance: convert.DefaultTolerance,
		},
		Composer: ComposerConfig{
			HoldFrames: 5,
			Selection:  "lowest_id",
			Placement:  compose.DefaultPlacement(),
		},
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
		Store:  StoreConfig{Path: defaultDataPath("markerpose.db")},
		Hooks: HooksConfig{
			PluginsDir: defaultDataPath("plugins"),
			Timeout:    "5s",
		},
	}
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".markerpose", name)
}

// Load reads a JSON config file over the defaults and validates it.
// The file must have a .json extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks every section. Conversion and composer problems are
// returned as *convert.ConfigurationError.
func (c *Config) Validate() error {
	if c.Camera.FPS <= 0 || c.Camera.FPS > 240 {
		return fmt.Errorf("camera.fps must be between 1 and 240, got %d", c.Camera.FPS)
	}
	if c.Detector.MarkerLength <= 0 {
		return fmt.Errorf("detector.marker_length must be positive, got %v", c.Detector.MarkerLength)
	}
	for name, v := range map[string]string{
		"detector.idle_timeout":     c.Detector.IdleTimeout,
		"detector.response_timeout": c.Detector.ResponseTimeout,
		"detector.startup_timeout":  c.Detector.StartupTimeout,
		"hooks.timeout":             c.Hooks.Timeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, v, err)
		}
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}

	conv, err := c.ConverterConfig()
	if err != nil {
		return err
	}
	if err := conv.Validate(); err != nil {
		return err
	}

	comp, err := c.ComposerConfig()
	if err != nil {
		return err
	}
	return comp.Validate()
}

// Target resolves the conversion target preset and applies any overrides.
func (c *Config) Target() (convert.Target, error) {
	t, err := convert.ParseTarget(c.Conversion.Target)
	if err != nil {
		return convert.Target{}, err
	}
	if c.Conversion.Handedness != "" {
		if t.Handedness, err = convert.ParseHandedness(c.Conversion.Handedness); err != nil {
			return convert.Target{}, err
		}
	}
	if c.Conversion.AxisSigns != nil {
		t.AxisSigns = *c.Conversion.AxisSigns
	}
	if c.Conversion.Storage != "" {
		if t.Layout.Storage, err = convert.ParseStorage(c.Conversion.Storage); err != nil {
			return convert.Target{}, err
		}
	}
	if c.Conversion.Vectors != "" {
		if t.Layout.Vectors, err = convert.ParseVectors(c.Conversion.Vectors); err != nil {
			return convert.Target{}, err
		}
	}
	return t, nil
}

// ConverterConfig builds the space converter configuration.
func (c *Config) ConverterConfig() (convert.Config, error) {
	target, err := c.Target()
	if err != nil {
		return convert.Config{}, err
	}
	source := convert.RightHanded
	if c.Conversion.Source != "" {
		if source, err = convert.ParseHandedness(c.Conversion.Source); err != nil {
			return convert.Config{}, err
		}
	}
	return convert.Config{
		Scale:     c.Conversion.Scale,
		Source:    source,
		Target:    target,
		Tolerance: c.Conversion.Tolerance,
	}, nil
}

// ComposerConfig builds the composer configuration. Its identity layout
// follows the conversion target.
func (c *Config) ComposerConfig() (compose.Config, error) {
	sel, err := compose.ParseSelection(c.Composer.Selection)
	if err != nil {
		return compose.Config{}, err
	}
	target, err := c.Target()
	if err != nil {
		return compose.Config{}, err
	}
	return compose.Config{
		HoldFrames: c.Composer.HoldFrames,
		Selection:  sel,
		Placement:  c.Composer.Placement,
		Layout:     target.Layout,
		Handedness: target.Handedness,
	}, nil
}

// DetectorConfig builds the detector configuration.
func (c *Config) DetectorConfig() detector.Config {
	idle, _ := time.ParseDuration(c.Detector.IdleTimeout)
	response, _ := time.ParseDuration(c.Detector.ResponseTimeout)
	startup, _ := time.ParseDuration(c.Detector.StartupTimeout)
	return detector.Config{
		Dictionary:       c.Detector.Dictionary,
		MarkerLength:     c.Detector.MarkerLength,
		CalibrationPath:  c.Detector.Calibration,
		ParamsPath:       c.Detector.Params,
		CornerRefinement: c.Detector.CornerRefinement,
		IdleTimeout:      idle,
		ResponseTimeout:  response,
		StartupTimeout:   startup,
	}
}

// HookTimeout returns the plugin execution timeout.
func (c *Config) HookTimeout() time.Duration {
	d, err := time.ParseDuration(c.Hooks.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
