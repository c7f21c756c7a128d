// Package main provides a plugin that plays an audible cue on tracking
// transitions. It uses afplay on macOS and paplay or aplay on Linux, and
// falls back to the terminal bell elsewhere.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// Request represents the input from the plugin executor.
type Request struct {
	Action   string          `json:"action"`
	Event    string          `json:"event"`
	MarkerID int             `json:"marker_id"`
	Seq      uint64          `json:"seq"`
	Config   json.RawMessage `json:"config"`
	Params   json.RawMessage `json:"params"`
}

// Response represents the output to the plugin executor.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// soundConfig is the per-hook configuration stored with the hook row.
type soundConfig struct {
	File   string   `json:"file"`
	Volume *float64 `json:"volume"`
}

// defaultCues maps tracking events to system sounds.
var defaultCues = map[string]map[string]string{
	"darwin": {
		"acquired": "/System/Library/Sounds/Glass.aiff",
		"lost":     "/System/Library/Sounds/Basso.aiff",
	},
	"linux": {
		"acquired": "/usr/share/sounds/freedesktop/stereo/device-added.oga",
		"lost":     "/usr/share/sounds/freedesktop/stereo/device-removed.oga",
	},
}

var errNoPlayer = errors.New("no audio player available")

func main() {
	var req Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeErrorResponse(fmt.Sprintf("failed to decode request: %v", err))
		return
	}

	var cfg soundConfig
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeErrorResponse(fmt.Sprintf("invalid config: %v", err))
			return
		}
	}
	if cfg.Volume != nil && (*cfg.Volume < 0 || *cfg.Volume > 1) {
		writeErrorResponse("volume must be between 0 and 1")
		return
	}

	var (
		played string
		err    error
	)
	switch req.Action {
	case "play":
		played, err = play(req.Event, cfg)
	case "beep":
		played, err = "bell", bell()
	default:
		writeErrorResponse(fmt.Sprintf("unknown action: %s", req.Action))
		return
	}
	if err != nil {
		writeErrorResponse(fmt.Sprintf("action %s failed: %v", req.Action, err))
		return
	}

	data, _ := json.Marshal(map[string]any{
		"played":    played,
		"event":     req.Event,
		"marker_id": req.MarkerID,
	})
	writeSuccessResponse(data)
}

// play resolves the cue for event and runs the platform player on it.
func play(event string, cfg soundConfig) (string, error) {
	file := cfg.File
	if file == "" {
		file = defaultCues[runtime.GOOS][event]
	}
	if file == "" {
		return "bell", bell()
	}
	if _, err := os.Stat(file); err != nil {
		return "", fmt.Errorf("sound file: %w", err)
	}

	cmd, err := playerCommand(file, cfg.Volume)
	if err != nil {
		return "bell", bell()
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: %s", err, string(out))
	}
	return file, nil
}

func playerCommand(file string, volume *float64) (*exec.Cmd, error) {
	switch runtime.GOOS {
	case "darwin":
		args := []string{file}
		if volume != nil {
			args = append([]string{"-v", strconv.FormatFloat(*volume, 'f', 2, 64)}, args...)
		}
		return exec.Command("afplay", args...), nil
	case "linux":
		if path, err := exec.LookPath("paplay"); err == nil {
			args := []string{file}
			if volume != nil {
				// paplay volume is linear in [0, 65536].
				args = append([]string{"--volume", strconv.Itoa(int(*volume * 65536))}, args...)
			}
			return exec.Command(path, args...), nil
		}
		if path, err := exec.LookPath("aplay"); err == nil {
			return exec.Command(path, "-q", file), nil
		}
	}
	return nil, errNoPlayer
}

// bell writes the terminal bell to stderr so stdout stays valid JSON.
func bell() error {
	_, err := os.Stderr.Write([]byte("\a"))
	return err
}

func writeErrorResponse(errMsg string) {
	json.NewEncoder(os.Stdout).Encode(Response{Success: false, Error: errMsg})
}

func writeSuccessResponse(data json.RawMessage) {
	json.NewEncoder(os.Stdout).Encode(Response{Success: true, Data: data})
}
