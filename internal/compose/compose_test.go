package compose

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/markerpose/internal/convert"
	"github.com/ayusman/markerpose/internal/pose"
)

func testConfig(hold int, sel Selection) Config {
	cfg := DefaultConfig()
	cfg.HoldFrames = hold
	cfg.Selection = sel
	return cfg
}

func marker(t *testing.T, id int, tz float64) Marker {
	t.Helper()
	c, err := convert.NewConverter(convert.Config{Scale: 1, Target: convert.OpenGL()})
	require.NoError(t, err)
	p := pose.FromAxisAngle(id, [3]float64{0.1 * float64(id), 0, 0}, [3]float64{float64(id), 0, tz}, [4]pose.Point2D{})
	tr, err := c.Convert(p)
	require.NoError(t, err)
	return Marker{ID: id, Transform: tr, Distance: p.Distance()}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"negative hold", func(c *Config) { c.HoldFrames = -1 }, "hold_frames"},
		{"unknown selection", func(c *Config) { c.Selection = Selection(9) }, "selection"},
		{"zero scale", func(c *Config) { c.Placement.Scale[1] = 0 }, "placement.scale"},
		{"negative scale", func(c *Config) { c.Placement.Scale[2] = -4 }, "placement.scale"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			c, err := New(cfg)
			assert.Nil(t, c)
			var cfgErr *convert.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestParseSelection(t *testing.T) {
	tests := map[string]Selection{
		"":              LowestID,
		"lowest_id":     LowestID,
		"LAST_REPORTED": LastReported,
		"nearest":       Nearest,
	}
	for in, want := range tests {
		got, err := ParseSelection(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSelection("random")
	var cfgErr *convert.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestHoldWindow(t *testing.T) {
	for _, hold := range []int{0, 1, 5} {
		c, err := New(testConfig(hold, LowestID))
		require.NoError(t, err)

		m := marker(t, 3, 200)
		f := c.Update([]Marker{m})
		assert.Equal(t, Tracking, f.State)
		assert.Equal(t, Acquired, f.Transition)
		tracked := f.Transform

		for i := 1; i <= hold; i++ {
			f = c.Update(nil)
			assert.Equal(t, Tracking, f.State, "hold %d frame %d", hold, i)
			assert.True(t, f.Held)
			assert.True(t, f.Visible)
			assert.Equal(t, 3, f.MarkerID)
			assert.Equal(t, NoTransition, f.Transition)
			assert.Equal(t, tracked, f.Transform)
		}

		f = c.Update(nil)
		assert.Equal(t, Lost, f.State, "hold %d frame %d", hold, hold+1)
		assert.Equal(t, LostTracking, f.Transition)
		assert.False(t, f.Visible)
		assert.False(t, f.Held)
		assert.Equal(t, -1, f.MarkerID)
		assert.Equal(t, mgl64.Ident4(), f.Transform.Mat4())

		f = c.Update(nil)
		assert.Equal(t, Lost, f.State)
		assert.Equal(t, NoTransition, f.Transition)
	}
}

func TestStateMachine(t *testing.T) {
	c, err := New(testConfig(2, LowestID))
	require.NoError(t, err)

	f := c.Update(nil)
	assert.Equal(t, Lost, f.State, "initial state")
	assert.Equal(t, NoTransition, f.Transition)
	assert.Equal(t, uint64(1), f.Seq)

	m := marker(t, 1, 100)
	f = c.Update([]Marker{m})
	assert.Equal(t, Acquired, f.Transition)

	// A marker during the hold window resets the count without a transition.
	c.Update(nil)
	f = c.Update([]Marker{m})
	assert.Equal(t, NoTransition, f.Transition)
	assert.False(t, f.Held)

	c.Update(nil)
	c.Update(nil)
	f = c.Update(nil)
	assert.Equal(t, LostTracking, f.Transition)

	f = c.Update([]Marker{m})
	assert.Equal(t, Acquired, f.Transition)
	assert.Equal(t, uint64(8), f.Seq)
}

func TestSelection(t *testing.T) {
	near7 := marker(t, 7, 100)
	far2 := marker(t, 2, 900)
	mid5 := marker(t, 5, 400)
	input := []Marker{near7, far2, mid5}

	tests := []struct {
		sel  Selection
		want int
	}{
		{LowestID, 2},
		{LastReported, 5},
		{Nearest, 7},
	}

	for _, tt := range tests {
		t.Run(tt.sel.String(), func(t *testing.T) {
			var first Frame
			for run := 0; run < 10; run++ {
				c, err := New(testConfig(0, tt.sel))
				require.NoError(t, err)
				f := c.Update(input)
				assert.Equal(t, tt.want, f.MarkerID)
				if run == 0 {
					first = f
					continue
				}
				assert.Equal(t, first, f, "run %d differs", run)
			}
		})
	}

	t.Run("nearest ties go to the lowest id", func(t *testing.T) {
		c, err := New(testConfig(0, Nearest))
		require.NoError(t, err)
		a := Marker{ID: 9, Transform: near7.Transform, Distance: 10}
		b := Marker{ID: 4, Transform: far2.Transform, Distance: 10}
		assert.Equal(t, 4, c.Update([]Marker{a, b}).MarkerID)
	})

	t.Run("markers are sorted by id", func(t *testing.T) {
		c, err := New(testConfig(0, LowestID))
		require.NoError(t, err)
		f := c.Update(input)
		require.Len(t, f.Markers, 3)
		assert.Equal(t, []int{2, 5, 7}, []int{f.Markers[0].ID, f.Markers[1].ID, f.Markers[2].ID})
		assert.Equal(t, f.Transform, f.Markers[0].Transform)
	})
}

func TestComposition(t *testing.T) {
	cfg := testConfig(0, LowestID)
	cfg.Placement = Placement{
		Scale:     [3]float64{2, 2, 2},
		Translate: [3]float64{0, 0, 1},
		Rotate:    [3]float64{0, 0, 90},
	}
	c, err := New(cfg)
	require.NoError(t, err)

	m := marker(t, 4, 300)
	f := c.Update([]Marker{m})

	want := m.Transform.Mat4().
		Mul4(mgl64.Scale3D(2, 2, 2)).
		Mul4(mgl64.Translate3D(0, 0, 1)).
		Mul4(mgl64.HomogRotate3DZ(mgl64.DegToRad(90)))
	assert.True(t, want.ApproxEqualThreshold(f.Transform.Mat4(), 1e-9))
	assert.Equal(t, m.Transform.Layout(), f.Transform.Layout())

	// The marker-local origin lands on the marker origin lifted by the scaled offset.
	origin := f.Transform.Mat4().Mul4x1(mgl64.Vec4{0, 0, 0, 1})
	lifted := m.Transform.Mat4().Mul4x1(mgl64.Vec4{0, 0, 2, 1})
	assert.True(t, origin.ApproxEqualThreshold(lifted, 1e-9))
}

func TestPlacementUpdates(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultPlacement(), c.Placement())

	p := c.Nudge(10, 0, -10)
	assert.Equal(t, [3]float64{10, 0, -9}, p.Translate)
	assert.Equal(t, p, c.Placement())

	var cfgErr *convert.ConfigurationError
	err = c.SetPlacement(Placement{Scale: [3]float64{1, 0, 1}})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, p, c.Placement(), "rejected placement must not apply")

	next := Placement{Scale: [3]float64{1, 1, 1}}
	require.NoError(t, c.SetPlacement(next))
	assert.Equal(t, next, c.Placement())

	m := marker(t, 1, 50)
	f := c.Update([]Marker{m})
	assert.True(t, m.Transform.Mat4().ApproxEqualThreshold(f.Transform.Mat4(), 1e-12))
}

func TestReset(t *testing.T) {
	c, err := New(testConfig(10, LowestID))
	require.NoError(t, err)
	c.Update([]Marker{marker(t, 1, 50)})
	c.Reset()

	f := c.Update(nil)
	assert.Equal(t, Lost, f.State)
	assert.Equal(t, NoTransition, f.Transition)
}

func TestStateText(t *testing.T) {
	for _, s := range []State{Lost, Tracking} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	for _, tr := range []Transition{NoTransition, Acquired, LostTracking} {
		b, err := tr.MarshalText()
		require.NoError(t, err)
		var got Transition
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, tr, got)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("searching")))
	var tr Transition
	assert.Error(t, tr.UnmarshalText([]byte("blink")))
}
