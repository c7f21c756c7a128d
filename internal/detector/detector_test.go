package detector

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

const epsilon = 1e-9

func TestDetection_ToEstimate(t *testing.T) {
	t.Run("facing marker points its Z axis at the camera", func(t *testing.T) {
		d := FacingMarker(7, 500, 320, 240)
		est := d.ToEstimate()

		if est.MarkerID() != 7 {
			t.Errorf("expected marker id 7, got %d", est.MarkerID())
		}
		if est.Translation() != d.TVec {
			t.Errorf("expected translation %v, got %v", d.TVec, est.Translation())
		}
		if est.Corners() != d.Corners {
			t.Errorf("expected corners to be preserved")
		}

		want := [9]float64{1, 0, 0, 0, -1, 0, 0, 0, -1}
		got := est.Rotation()
		for i := range want {
			if math.Abs(got[i]-want[i]) > epsilon {
				t.Errorf("rotation[%d]: expected %f, got %f", i, want[i], got[i])
			}
		}
	})

	t.Run("distance", func(t *testing.T) {
		d := MarkerAt(1, [3]float64{}, [3]float64{30, 40, 0})
		if got := d.ToEstimate().Distance(); math.Abs(got-50) > epsilon {
			t.Errorf("expected distance 50, got %f", got)
		}
	})
}

func TestMockDetector(t *testing.T) {
	frame := gocv.NewMat()
	defer frame.Close()

	t.Run("returns configured detections", func(t *testing.T) {
		m := NewMockDetector()
		m.SetDetections([]Detection{FacingMarker(1, 100, 0, 0), FacingMarker(2, 200, 0, 0)})

		got, err := m.Detect(&frame)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 detections, got %d", len(got))
		}
		if got[0].ID != 1 || got[1].ID != 2 {
			t.Errorf("expected detector order to be preserved, got %d, %d", got[0].ID, got[1].ID)
		}
	})

	t.Run("returns configured error", func(t *testing.T) {
		m := NewMockDetector()
		want := errors.New("boom")
		m.SetError(want)

		if _, err := m.Detect(&frame); !errors.Is(err, want) {
			t.Errorf("expected %v, got %v", want, err)
		}
	})

	t.Run("scripted frames are consumed in order", func(t *testing.T) {
		m := NewMockDetector()
		m.SetDetections([]Detection{FacingMarker(9, 100, 0, 0)})
		m.Script(
			[]Detection{FacingMarker(1, 100, 0, 0)},
			nil,
		)

		wantIDs := [][]int{{1}, {}, {9}, {9}}
		for i, want := range wantIDs {
			got, err := m.Detect(&frame)
			if err != nil {
				t.Fatalf("call %d: unexpected error: %v", i, err)
			}
			if len(got) != len(want) {
				t.Fatalf("call %d: expected %d detections, got %d", i, len(want), len(got))
			}
			for j := range want {
				if got[j].ID != want[j] {
					t.Errorf("call %d: expected id %d, got %d", i, want[j], got[j].ID)
				}
			}
		}
		if m.Calls() != 4 {
			t.Errorf("expected 4 calls, got %d", m.Calls())
		}
	})

	t.Run("close is a no-op", func(t *testing.T) {
		if err := NewMockDetector().Close(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestExchange(t *testing.T) {
	t.Run("frames are length prefixed", func(t *testing.T) {
		var sent bytes.Buffer
		resp := bufio.NewReader(strings.NewReader(`{"markers":[{"id":3,"corners":[{"x":1,"y":2},{"x":3,"y":2},{"x":3,"y":4},{"x":1,"y":4}],"rvec":[0.1,0.2,0.3],"tvec":[10,20,300]}]}` + "\n"))

		got, err := exchange(&sent, resp, []byte("jpeg"), time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		raw := sent.Bytes()
		if n := binary.BigEndian.Uint32(raw[:4]); n != 4 {
			t.Errorf("expected length prefix 4, got %d", n)
		}
		if string(raw[4:]) != "jpeg" {
			t.Errorf("expected payload after prefix, got %q", raw[4:])
		}

		if len(got) != 1 {
			t.Fatalf("expected 1 detection, got %d", len(got))
		}
		d := got[0]
		if d.ID != 3 || d.TVec != [3]float64{10, 20, 300} || d.RVec != [3]float64{0.1, 0.2, 0.3} {
			t.Errorf("unexpected detection %+v", d)
		}
		if d.Corners[2].X != 3 || d.Corners[2].Y != 4 {
			t.Errorf("unexpected corner %+v", d.Corners[2])
		}
	})

	t.Run("no markers yields an empty slice", func(t *testing.T) {
		got, err := exchange(io.Discard, bufio.NewReader(strings.NewReader("{\"markers\":null}\n")), nil, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("expected empty non-nil slice, got %#v", got)
		}
	})

	t.Run("service error", func(t *testing.T) {
		_, err := exchange(io.Discard, bufio.NewReader(strings.NewReader("{\"error\":\"bad frame\"}\n")), nil, 0)
		if err == nil || !strings.Contains(err.Error(), "bad frame") {
			t.Errorf("expected service error, got %v", err)
		}
	})

	t.Run("malformed response", func(t *testing.T) {
		_, err := exchange(io.Discard, bufio.NewReader(strings.NewReader("not json\n")), nil, 0)
		if err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("closed pipe", func(t *testing.T) {
		_, err := exchange(io.Discard, bufio.NewReader(strings.NewReader("")), nil, 0)
		if err == nil {
			t.Error("expected read error")
		}
	})
}

func TestExchange_Timeout(t *testing.T) {
	t.Run("silent service times out", func(t *testing.T) {
		pr, pw := io.Pipe()
		t.Cleanup(func() { pw.Close() })

		start := time.Now()
		_, err := exchange(io.Discard, bufio.NewReader(pr), []byte("jpeg"), 50*time.Millisecond)
		if !errors.Is(err, ErrResponseTimeout) {
			t.Fatalf("expected ErrResponseTimeout, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("exchange blocked for %v", elapsed)
		}
	})

	t.Run("blocked write times out", func(t *testing.T) {
		pr, pw := io.Pipe()
		t.Cleanup(func() { pr.Close() })

		_, err := exchange(pw, bufio.NewReader(strings.NewReader("{}\n")), []byte("jpeg"), 50*time.Millisecond)
		if !errors.Is(err, ErrResponseTimeout) {
			t.Fatalf("expected ErrResponseTimeout, got %v", err)
		}
	})

	t.Run("answer within the deadline", func(t *testing.T) {
		pr, pw := io.Pipe()
		go func() {
			time.Sleep(10 * time.Millisecond)
			pw.Write([]byte(`{"markers":[{"id":4}]}` + "\n"))
		}()
		t.Cleanup(func() { pw.Close() })

		got, err := exchange(io.Discard, bufio.NewReader(pr), nil, time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].ID != 4 {
			t.Errorf("unexpected detections %+v", got)
		}
	})
}

func TestNewArucoDetector(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarkerLength = 0
	if _, err := NewArucoDetector(cfg); err == nil {
		t.Error("expected error for zero marker length")
	}
}
