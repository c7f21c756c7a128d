package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gocv.io/x/gocv"

	"github.com/ayusman/markerpose/internal/app"
	"github.com/ayusman/markerpose/internal/capture"
	"github.com/ayusman/markerpose/internal/compose"
	"github.com/ayusman/markerpose/internal/convert"
	"github.com/ayusman/markerpose/internal/detector"
	"github.com/ayusman/markerpose/internal/plugin"
	"github.com/ayusman/markerpose/internal/server"
	"github.com/ayusman/markerpose/internal/store"
	"github.com/ayusman/markerpose/testdata"
)

type rig struct {
	app      *app.App
	detector *detector.MockDetector
	store    *store.Store
	server   *httptest.Server
	log      string
}

// newRig wires the app and server around a mock detector and a recorder
// plugin that appends every request it receives to rig.log.
func newRig(t *testing.T, target convert.Target) *rig {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}

	tmpDir := t.TempDir()
	s, err := store.New(filepath.Join(tmpDir, "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logPath := filepath.Join(tmpDir, "hooks.log")
	pluginDir := filepath.Join(tmpDir, "plugins", "recorder")
	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"name":"recorder","version":"1.0.0","executable":"run.sh","actions":["log"]}`
	if err := os.WriteFile(filepath.Join(pluginDir, "plugin.json"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\ncat >> " + logPath + "\necho >> " + logPath + "\necho '{\"success\":true}'\n"
	if err := os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	convCfg := convert.DefaultConfig()
	convCfg.Target = target
	conv, err := convert.NewConverter(convCfg)
	if err != nil {
		t.Fatalf("NewConverter() error = %v", err)
	}

	compCfg := compose.DefaultConfig()
	compCfg.Layout = target.Layout
	compCfg.Handedness = target.Handedness
	comp, err := compose.New(compCfg)
	if err != nil {
		t.Fatalf("compose.New() error = %v", err)
	}

	frames := capture.BlankFrames(1)
	t.Cleanup(func() { frames[0].Close() })

	plugins := plugin.NewManager(filepath.Join(tmpDir, "plugins"))
	if err := plugins.Discover(); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	det := detector.NewMockDetector()
	a, err := app.New(app.Config{
		Store:     s,
		Camera:    capture.NewMockCamera(frames, true),
		Detector:  det,
		Converter: conv,
		Composer:  comp,
		Plugins:   plugins,
		Record:    true,
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}

	ts := httptest.NewServer(server.New(server.Config{Store: s, App: a}))
	t.Cleanup(ts.Close)

	return &rig{app: a, detector: det, store: s, server: ts, log: logPath}
}

// replay feeds every frame of the named sequence through the app.
func (r *rig) replay(t *testing.T, name string) []compose.Frame {
	t.Helper()

	seq, err := testdata.LoadSequence(name)
	if err != nil {
		t.Fatal(err)
	}
	r.detector.Script(seq.Frames...)

	img := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer img.Close()

	out := make([]compose.Frame, 0, seq.Len())
	for range seq.Frames {
		u, err := r.app.ProcessFrame(&img)
		if err != nil {
			t.Fatalf("ProcessFrame() error = %v", err)
		}
		out = append(out, u.Frame)
	}
	return out
}

func (r *rig) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := r.server.Client().Post(r.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	return resp
}

func TestE2E_ReacquireWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}
	r := newRig(t, convert.OpenGL())

	var placementID string
	t.Run("CreateAndActivatePlacement", func(t *testing.T) {
		resp := r.post(t, "/api/placements", `{"name":"unit","scale":[1,1,1],"translate":[0,0,0]}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
		}
		var created struct {
			ID string `json:"id"`
		}
		json.NewDecoder(resp.Body).Decode(&created)
		placementID = created.ID

		act := r.post(t, "/api/placements/"+placementID+"/activate", "")
		act.Body.Close()
		if act.StatusCode != http.StatusOK {
			t.Fatalf("activate status = %d", act.StatusCode)
		}
		if got := r.app.Placement(); got.Scale != [3]float64{1, 1, 1} {
			t.Errorf("placement not applied, got %+v", got)
		}
	})

	t.Run("BindLostHook", func(t *testing.T) {
		resp := r.post(t, "/api/hooks", `{"event":"lost","marker_id":7,"plugin_name":"recorder","action_name":"log"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
		}
	})

	frames := r.replay(t, "reacquire")

	t.Run("Transitions", func(t *testing.T) {
		type step struct {
			Seq        uint64
			Transition compose.Transition
		}
		var got []step
		for _, f := range frames {
			if f.Transition != compose.NoTransition {
				got = append(got, step{f.Seq, f.Transition})
			}
		}
		want := []step{{1, compose.Acquired}, {10, compose.LostTracking}, {13, compose.Acquired}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("transitions mismatch (-want +got):\n%s", diff)
		}

		for _, f := range frames[4:9] {
			if !f.Held || f.MarkerID != 7 {
				t.Errorf("frame %d: expected marker 7 held, got %+v", f.Seq, f)
			}
		}
	})

	t.Run("UnitPlacementKeepsMarkerTransform", func(t *testing.T) {
		// Marker 7 at (0,0,500) facing the camera, scale 0.1, OpenGL axes.
		want := [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, -50, 1}
		if diff := cmp.Diff(want, frames[0].Transform.Elements(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
			t.Errorf("transform mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("StatusReportsStats", func(t *testing.T) {
		resp, err := r.server.Client().Get(r.server.URL + "/api/status")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var status struct {
			Seq   uint64 `json:"seq"`
			State string `json:"state"`
			Stats struct {
				Frames uint64 `json:"frames"`
			} `json:"stats"`
		}
		json.NewDecoder(resp.Body).Decode(&status)
		if status.Seq != 15 || status.State != "tracking" || status.Stats.Frames != 15 {
			t.Errorf("unexpected status %+v", status)
		}
	})

	t.Run("SessionRecorded", func(t *testing.T) {
		samples, err := r.store.Samples().BySession(r.app.SessionID())
		if err != nil {
			t.Fatal(err)
		}
		// 4 frames before the gap and 3 after.
		if len(samples) != 7 {
			t.Errorf("expected 7 samples, got %d", len(samples))
		}
	})

	t.Run("LostHookRan", func(t *testing.T) {
		r.app.Stop()

		data, err := os.ReadFile(r.log)
		if err != nil {
			t.Fatalf("hook log missing: %v", err)
		}
		var reqs []plugin.Request
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var req plugin.Request
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				t.Fatalf("bad request line %q: %v", line, err)
			}
			reqs = append(reqs, req)
		}
		if len(reqs) != 1 {
			t.Fatalf("expected 1 hook request, got %d", len(reqs))
		}
		if reqs[0].Event != store.EventLost || reqs[0].MarkerID != 7 || reqs[0].Seq != 10 {
			t.Errorf("unexpected hook request %+v", reqs[0])
		}
		if st := r.app.Stats(); st.HookRuns != 1 || st.HookFailures != 0 {
			t.Errorf("unexpected hook stats %+v", st)
		}
	})
}

func TestE2E_Handover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}
	r := newRig(t, convert.OpenGL())
	frames := r.replay(t, "handover")

	var ids []int
	for _, f := range frames {
		ids = append(ids, f.MarkerID)
		if f.Seq > 1 && f.Transition != compose.NoTransition {
			t.Errorf("frame %d: unexpected transition %v", f.Seq, f.Transition)
		}
	}
	want := []int{3, 3, 3, 9, 9, 9, 9}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("selected markers mismatch (-want +got):\n%s", diff)
	}
	if n := len(frames[0].Markers); n != 2 {
		t.Errorf("expected both markers reported, got %d", n)
	}
}

func TestE2E_Direct3DRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	seq, err := testdata.LoadSequence("tilted")
	if err != nil {
		t.Fatal(err)
	}

	cfg := convert.DefaultConfig()
	cfg.Target = convert.Direct3D()
	conv, err := convert.NewConverter(cfg)
	if err != nil {
		t.Fatal(err)
	}

	approx := cmpopts.EquateApprox(0, 1e-6)
	for i, frame := range seq.Frames {
		for _, d := range frame {
			est := d.ToEstimate()
			tr, err := conv.Convert(est)
			if err != nil {
				t.Fatalf("frame %d: Convert() error = %v", i, err)
			}
			if tr.Layout().Storage != convert.RowMajor {
				t.Fatalf("expected row-major output, got %v", tr.Layout())
			}
			back, err := conv.Invert(d.ID, tr)
			if err != nil {
				t.Fatalf("frame %d: Invert() error = %v", i, err)
			}
			if diff := cmp.Diff(est.Translation(), back.Translation(), approx); diff != "" {
				t.Errorf("frame %d translation mismatch (-want +got):\n%s", i, diff)
			}
			if diff := cmp.Diff(est.Rotation(), back.Rotation(), approx); diff != "" {
				t.Errorf("frame %d rotation mismatch (-want +got):\n%s", i, diff)
			}
		}
	}
}
