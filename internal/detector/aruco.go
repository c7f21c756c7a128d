package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/markerpose/internal/monitoring"
)

const serviceScript = "aruco_service.py"

// ArucoDetector implements Detector using an OpenCV aruco subprocess.
//
// Frames are sent as a 4-byte big-endian length followed by JPEG bytes; the
// service answers each frame with one JSON line.
type ArucoDetector struct {
	config    Config
	script    string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	fresh     bool
	lastUsed  time.Time
	idleTimer *time.Timer
}

// NewArucoDetector creates a new aruco detector.
// The Python process is started lazily on first detection.
func NewArucoDetector(config Config) (*ArucoDetector, error) {
	if config.MarkerLength <= 0 {
		return nil, fmt.Errorf("marker length must be positive, got %v", config.MarkerLength)
	}
	scriptPath := findServiceScript()
	if scriptPath == "" {
		return nil, ErrServiceNotFound
	}

	return &ArucoDetector{
		config: config,
		script: scriptPath,
	}, nil
}

// Detect analyzes a frame and returns detected markers.
func (d *ArucoDetector) Detect(frame *gocv.Mat) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return nil, err
	}

	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	timeout := d.config.ResponseTimeout
	if timeout > 0 && d.fresh {
		timeout += d.config.StartupTimeout
	}
	d.fresh = false

	detections, err := exchange(d.stdin, d.stdout, buf.GetBytes(), timeout)
	if err != nil {
		// The pipe is no longer in sync; restart on the next frame.
		if errors.Is(err, ErrResponseTimeout) && d.cmd.Process != nil {
			monitoring.Logf("aruco service hung for %v, killing pid %d", timeout, d.cmd.Process.Pid)
			d.cmd.Process.Kill()
		}
		d.shutdown()
		return nil, err
	}

	d.lastUsed = time.Now()
	d.resetIdleTimer()

	return detections, nil
}

// Close shuts down the Python process.
func (d *ArucoDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown()
}

type exchangeResult struct {
	detections []Detection
	err        error
}

// exchange sends one frame and waits up to timeout for the answer. On
// ErrResponseTimeout the pipe is out of sync and the caller must close it,
// which also releases the pending read.
func exchange(w io.Writer, r *bufio.Reader, data []byte, timeout time.Duration) ([]Detection, error) {
	if timeout <= 0 {
		return roundTrip(w, r, data)
	}

	done := make(chan exchangeResult, 1)
	go func() {
		detections, err := roundTrip(w, r, data)
		done <- exchangeResult{detections, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.detections, res.err
	case <-timer.C:
		return nil, ErrResponseTimeout
	}
}

// roundTrip writes one length-prefixed frame and reads one JSON response line.
func roundTrip(w io.Writer, r *bufio.Reader, data []byte) ([]Detection, error) {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := w.Write(length); err != nil {
		return nil, fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("write data: %w", err)
	}

	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var response struct {
		Markers []Detection `json:"markers"`
		Error   string      `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("aruco service: %s", response.Error)
	}

	if response.Markers == nil {
		return []Detection{}, nil
	}
	return response.Markers, nil
}

func (d *ArucoDetector) args() []string {
	args := []string{
		d.script,
		"--dictionary", d.config.Dictionary,
		"--marker-length", strconv.FormatFloat(d.config.MarkerLength, 'g', -1, 64),
		"--calibration", d.config.CalibrationPath,
	}
	if d.config.ParamsPath != "" {
		if _, err := os.Stat(d.config.ParamsPath); err == nil {
			args = append(args, "--params", d.config.ParamsPath)
		}
	}
	if d.config.CornerRefinement {
		args = append(args, "--refine")
	}
	return args
}

func (d *ArucoDetector) ensureStarted() error {
	if d.started {
		return nil
	}

	// Use virtual environment Python if available
	pythonPath := findVenvPython()
	if pythonPath == "" {
		pythonPath = "python3"
	}

	d.cmd = exec.Command(pythonPath, d.args()...)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start aruco service: %w", err)
	}
	monitoring.Logf("aruco service started (pid %d, dictionary %s)", d.cmd.Process.Pid, d.config.Dictionary)

	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.started = true
	d.fresh = true
	d.lastUsed = time.Now()

	return nil
}

func (d *ArucoDetector) shutdown() error {
	if !d.started {
		return nil
	}

	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	return err
}

func (d *ArucoDetector) resetIdleTimer() {
	if d.config.IdleTimeout <= 0 {
		return
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.config.IdleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if time.Since(d.lastUsed) >= d.config.IdleTimeout {
			monitoring.Logf("aruco service idle, stopping")
			d.shutdown()
		}
	})
}

func findServiceScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		filepath.Join("scripts", serviceScript),
		filepath.Join("..", "scripts", serviceScript),
		filepath.Join("..", "..", "scripts", serviceScript),
		filepath.Join(execDir, "scripts", serviceScript),
		filepath.Join(os.Getenv("HOME"), ".markerpose", "scripts", serviceScript),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		"../../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".markerpose/venv/bin/python"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}
