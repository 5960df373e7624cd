package navigation

import (
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-collector/pkg/command"
	"github.com/teslashibe/go-collector/pkg/perception"
)

// boxAt builds a w x h detection centered on (cx, cy).
func boxAt(label string, cx, cy, w, h int) perception.Detection {
	return perception.Detection{
		Label:      label,
		Confidence: 0.9,
		Box:        image.Rect(cx-w/2, cy-h/2, cx+w/2, cy+h/2),
	}
}

func frame(dets ...perception.Detection) perception.Observation {
	return perception.Observation{FrameWidth: 640, FrameHeight: 480, Detections: dets}
}

func TestSelectTarget_Empty(t *testing.T) {
	_, ok := SelectTarget(frame())
	assert.False(t, ok)

	m := NewMapper(DefaultConfig())
	_, ok, cmd := m.Decide(frame())
	assert.False(t, ok)
	assert.Equal(t, command.Stop, cmd)
}

func TestSelectTarget_IgnoresZeroArea(t *testing.T) {
	flat := perception.Detection{Label: "flat", Box: image.Rect(10, 10, 10, 40)}
	_, ok := SelectTarget(frame(flat))
	assert.False(t, ok)

	real := boxAt("can", 100, 100, 20, 20)
	got, ok := SelectTarget(frame(flat, real))
	require.True(t, ok)
	assert.Equal(t, "can", got.Label)
}

func TestSelectTarget_PrefersLargerAndLower(t *testing.T) {
	// A: area 2000 at (500,100); B: area 1000 at (500,440).
	a := boxAt("A", 500, 100, 50, 40)
	b := boxAt("B", 500, 440, 50, 20)
	require.Equal(t, 2000.0, a.Area())
	require.Equal(t, 1000.0, b.Area())

	got, ok := SelectTarget(frame(a, b))
	require.True(t, ok)
	if diff := cmp.Diff(a, got); diff != "" {
		t.Errorf("selected target mismatch (-want +got):\n%s", diff)
	}

	m := NewMapper(DefaultConfig())
	_, _, cmd := m.Decide(frame(a, b))
	assert.Equal(t, command.Right, cmd)

	// Same order reversed picks the same object.
	got, _ = SelectTarget(frame(b, a))
	assert.Equal(t, "A", got.Label)
}

func TestSelectTarget_SizeOutweighsVerticalWeighting(t *testing.T) {
	// A is twice B's area. Weighting either towards the bottom edge,
	// area*(1+cy/H), or towards the top, area*(1+(H-cy)/H), picks A.
	a := boxAt("A", 500, 100, 50, 40)
	b := boxAt("B", 500, 440, 50, 20)
	const h = 480.0

	topWeighted := func(d perception.Detection) float64 {
		_, cy := d.Center()
		return d.Area() * (1 + (h-cy)/h)
	}
	assert.InDelta(t, 3583, topWeighted(a), 1)
	assert.InDelta(t, 1083, topWeighted(b), 1)
	assert.Greater(t, topWeighted(a), topWeighted(b))

	assert.InDelta(t, 2416.7, Priority(a, h), 0.1)
	assert.InDelta(t, 1916.7, Priority(b, h), 0.1)
	assert.Greater(t, Priority(a, h), Priority(b, h))

	got, ok := SelectTarget(frame(a, b))
	require.True(t, ok)
	assert.Equal(t, "A", got.Label)
}

func TestSelectTarget_TieKeepsFirst(t *testing.T) {
	first := boxAt("first", 200, 200, 30, 30)
	second := boxAt("second", 400, 200, 30, 30)

	for i := 0; i < 10; i++ {
		got, ok := SelectTarget(frame(first, second))
		require.True(t, ok)
		assert.Equal(t, "first", got.Label)
	}

	got, _ := SelectTarget(frame(second, first))
	assert.Equal(t, "second", got.Label)
}

func TestPriority_Monotonic(t *testing.T) {
	const h = 480

	prev := 0.0
	for size := 10; size <= 100; size += 10 {
		p := Priority(boxAt("x", 320, 240, size, size), h)
		assert.Greater(t, p, prev, "priority should grow with area (size=%d)", size)
		prev = p
	}

	prev = 0.0
	for cy := 20; cy < h; cy += 20 {
		p := Priority(boxAt("x", 320, cy, 20, 20), h)
		assert.Greater(t, p, prev, "priority should grow toward the bottom (cy=%d)", cy)
		prev = p
	}
}

func TestPriority_Degenerate(t *testing.T) {
	assert.Zero(t, Priority(perception.Detection{}, 480))
	assert.Zero(t, Priority(boxAt("x", 10, 10, 4, 4), 0))
}

func TestMapPosition_Scenarios(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name   string
		cx, cy float64
		want   command.Command
	}{
		{name: "proximity band collects", cx: 320, cy: 400, want: command.Collect},
		{name: "collect preempts steering", cx: 10, cy: 470, want: command.Collect},
		{name: "far left", cx: 100, cy: 200, want: command.Left},
		{name: "far right", cx: 500, cy: 100, want: command.Right},
		{name: "centered", cx: 320, cy: 200, want: command.Forward},
		{name: "left dead-zone edge", cx: 270, cy: 200, want: command.Forward},
		{name: "right dead-zone edge", cx: 370, cy: 200, want: command.Forward},
		{name: "just left of dead-zone", cx: 269.5, cy: 200, want: command.Left},
		{name: "just right of dead-zone", cx: 370.5, cy: 200, want: command.Right},
		{name: "band edge is not collect", cx: 320, cy: 380, want: command.Forward},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MapPosition(cfg, tc.cx, tc.cy, 640, 480))
		})
	}
}

func TestMapPosition_Total(t *testing.T) {
	cfg := DefaultConfig()
	counts := map[command.Command]int{}

	for cy := 0; cy < 480; cy++ {
		for cx := 0; cx < 640; cx++ {
			got := MapPosition(cfg, float64(cx), float64(cy), 640, 480)
			require.True(t, got.Valid())
			require.NotEqual(t, command.Stop, got, "a visible target never maps to STOP")

			var want command.Command
			switch {
			case cy > 380:
				want = command.Collect
			case cx < 270:
				want = command.Left
			case cx > 370:
				want = command.Right
			default:
				want = command.Forward
			}
			require.Equal(t, want, got, "cx=%d cy=%d", cx, cy)
			counts[got]++
		}
	}

	assert.Len(t, counts, 4)
}

func TestMapper_Map(t *testing.T) {
	m := NewMapper(DefaultConfig())

	assert.Equal(t, command.Stop, m.Map(perception.Detection{}, false, 640, 480))
	assert.Equal(t, command.Collect, m.Map(boxAt("x", 320, 400, 20, 20), true, 640, 480))
	assert.Equal(t, command.Left, m.Map(boxAt("x", 100, 200, 20, 20), true, 640, 480))
}

func TestMapper_SetTolerances(t *testing.T) {
	m := NewMapper(DefaultConfig())
	target := boxAt("x", 250, 200, 10, 10)

	assert.Equal(t, command.Left, m.Map(target, true, 640, 480))

	require.NoError(t, m.SetTolerances(100, 100))
	assert.Equal(t, command.Forward, m.Map(target, true, 640, 480))
	assert.Equal(t, 100.0, m.Config().ToleranceX)

	// A zero dead-zone is applied, not ignored.
	require.NoError(t, m.SetTolerances(0, 100))
	assert.Equal(t, 0.0, m.Config().ToleranceX)
	assert.Equal(t, command.Right, m.Map(boxAt("x", 321, 200, 2, 2), true, 640, 480))
	assert.Equal(t, command.Forward, m.Map(boxAt("x", 320, 200, 2, 2), true, 640, 480))

	assert.Error(t, m.SetTolerances(-1, 100))
	assert.Equal(t, 0.0, m.Config().ToleranceX, "rejected update leaves the config alone")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{ToleranceX: -1}.Validate())
	assert.Error(t, Config{ToleranceY: -1}.Validate())
}

func TestSmoother_Disabled(t *testing.T) {
	s := NewSmoother(1)
	assert.False(t, s.Enabled())
	for _, c := range []command.Command{command.Left, command.Right, command.Stop} {
		assert.Equal(t, c, s.Push(c))
	}
	assert.Zero(t, s.Len())
}

func TestSmoother_MajorityVote(t *testing.T) {
	s := NewSmoother(3)

	assert.Equal(t, command.Left, s.Push(command.Left))
	// Tie between LEFT and RIGHT goes to the most recent.
	assert.Equal(t, command.Right, s.Push(command.Right))
	assert.Equal(t, command.Left, s.Push(command.Left))
	// Window now RIGHT, LEFT, FORWARD: all tied, newest wins.
	assert.Equal(t, command.Forward, s.Push(command.Forward))
	assert.Equal(t, command.Forward, s.Push(command.Forward))
	assert.Equal(t, 3, s.Len())

	s.Reset()
	assert.Zero(t, s.Len())
}
