package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

func TestSetReplacesNearbyPointAndSorts(t *testing.T) {
	m := Map{}
	m.Set(ParamVolume, 1000, 0.5)
	m.Set(ParamVolume, 0, 0.0)
	m.Set(ParamVolume, 1005, 0.8)

	require.Len(t, m[ParamVolume], 2)
	assert.Equal(t, Point{0, 0}, m[ParamVolume][0])
	assert.Equal(t, Point{1005, 0.8}, m[ParamVolume][1])
	assert.True(t, m.Automated(ParamVolume))
	assert.False(t, m.Has(ParamPan))
}

func TestRemove(t *testing.T) {
	m := Map{}
	m.Set(ParamPan, 100, -1)
	assert.False(t, m.Remove(ParamPan, 500))
	assert.True(t, m.Remove(ParamPan, 95))
	assert.False(t, m.Has(ParamPan))
	assert.NotContains(t, m.Keys(), ParamPan)
}

func TestValueAtHoldsEnds(t *testing.T) {
	c := Curve{{500, 0.2}, {1500, 1.0}, {2500, 0.6}}

	tests := []struct {
		ms   float64
		want float64
	}{
		{-100, 0.2},
		{0, 0.2},
		{500, 0.2},
		{1000, 0.6},
		{1500, 1.0},
		{2000, 0.8},
		{2500, 0.6},
		{9000, 0.6},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, c.ValueAt(tt.ms, -1), 1e-9, "ms=%v", tt.ms)
	}
	assert.Equal(t, 0.75, Curve(nil).ValueAt(10, 0.75))
}

func TestRenderMatchesValueAt(t *testing.T) {
	c := Curve{{100, 0}, {300, 1}, {400, 0.5}}
	const sr = 1000
	env := Render(c, 600, sr, 0, 9)

	require.Len(t, env, 600)
	for i := 0; i < 600; i += 7 {
		assert.InDelta(t, c.ValueAt(float64(i), 9), env[i], 1e-9, "frame %d", i)
	}
	assert.Equal(t, 0.0, env[0], "held before the first point")
	assert.Equal(t, 0.5, env[599], "held after the last point")
}

func TestRenderOffset(t *testing.T) {
	c := Curve{{0, 0}, {1000, 1}}
	env := Render(c, 10, 1000, 500, 0)
	assert.InDelta(t, 0.5, env[0], 1e-9)
	assert.InDelta(t, 0.509, env[9], 1e-9)
}

func TestRenderEmptyUsesDefault(t *testing.T) {
	env := Render(nil, 5, 44100, 0, 0.3)
	assert.Equal(t, []float64{0.3, 0.3, 0.3, 0.3, 0.3}, env)
	assert.Empty(t, Render(Curve{{0, 1}}, 0, 44100, 0, 1))
}

func TestNormalizeCollapsesDuplicates(t *testing.T) {
	m := Map{ParamVolume: {{500, 1}, {0, 0}, {500, 0.5}}}
	m.Normalize()
	assert.Equal(t, Curve{{0, 0}, {500, 0.5}}, m[ParamVolume])
}

func TestCloneIsDeep(t *testing.T) {
	m := Map{}
	m.Set(ParamVolume, 0, 1)
	c := m.Clone()
	c.Set(ParamVolume, 0, 0.1)
	assert.Equal(t, 1.0, m.ValueAt(ParamVolume, 0, 0))
}

func TestSidechainCurveDipsUnderLoudSection(t *testing.T) {
	const sr = 1000
	src := audio.NewBuffer(1, 2000, sr)
	for i := 1000; i < 2000; i++ {
		src.Data[0][i] = 0.8
	}

	c := SidechainCurve(src, 4, 0.6)
	require.Len(t, c, 8)
	assert.Equal(t, 1.0, c[0].Value)
	assert.InDelta(t, 0.4, c[7].Value, 1e-9)
	assert.Equal(t, 1750.0, c[7].TimeMs)

	flat := SidechainCurve(audio.NewBuffer(1, 100, sr), 4, 0.6)
	for _, p := range flat {
		assert.Equal(t, 1.0, p.Value)
	}
}
