package effect

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cfg() Config { return Config{SampleRate: 48000, Channels: 2, MaxFrameCount: 512} }

func TestChain_DisabledEffectsAreSkipped(t *testing.T) {
	g := NewGainTrim(0.0)
	g.SetEnabled(false)
	chain, err := NewChain(cfg(), g)
	require.NoError(t, err)

	buf := []float32{0.5, -0.5, 0.25, -0.25}
	chain.Process(buf, 2)
	assert.Equal(t, []float32{0.5, -0.5, 0.25, -0.25}, buf)
}

func TestChain_EnabledEffectsRunInOrder(t *testing.T) {
	double := NewGainTrim(2.0)
	half := NewGainTrim(0.5)
	chain, err := NewChain(cfg(), double, half)
	require.NoError(t, err)

	buf := []float32{0.1, 0.1}
	chain.Process(buf, 1)
	// double then half nets back to the original value.
	assert.InDelta(t, 0.1, buf[0], 1e-6)
}

func TestLimiter_NeverExceedsThreshold(t *testing.T) {
	l := NewLimiter(0.8, 0.05)
	chain, err := NewChain(cfg(), l)
	require.NoError(t, err)

	buf := make([]float32, 256)
	for i := range buf {
		buf[i] = 1.5
	}
	chain.Process(buf, 128)
	for _, s := range buf {
		assert.LessOrEqual(t, math.Abs(float64(s)), 0.8+1e-6)
	}
}

func TestLimiter_PassesSignalBelowThresholdUnchanged(t *testing.T) {
	l := NewLimiter(0.8, 0.05)
	require.NoError(t, l.Initialize(cfg()))
	buf := []float32{0.1, -0.1, 0.2}
	l.Process(buf, 1)
	assert.InDelta(t, 0.1, buf[0], 1e-6)
}

func TestOverdrive_MixZeroIsBypass(t *testing.T) {
	o := NewOverdrive(4.0)
	o.mix = 0
	require.NoError(t, o.Initialize(cfg()))
	buf := []float32{0.9, -0.9}
	o.Process(buf, 1)
	assert.InDelta(t, 0.9, buf[0], 1e-6)
	assert.InDelta(t, -0.9, buf[1], 1e-6)
}

func TestChain_WithAppendedAndRemoved_LeavesReceiverUnmodified(t *testing.T) {
	base, err := NewChain(cfg())
	require.NoError(t, err)
	g := NewGainTrim(1.0)

	appended, err := base.WithAppended(cfg(), g)
	require.NoError(t, err)

	assert.Empty(t, base.Stages())
	assert.Len(t, appended.Stages(), 1)

	removed := appended.WithRemoved(func(p Processor) bool { return p == Processor(g) })
	assert.Empty(t, removed.Stages())
	assert.Len(t, appended.Stages(), 1)
}

func TestVSTHostStub_DisabledByDefaultAndNoOp(t *testing.T) {
	v := NewVSTHostStub("example-plugin")
	assert.False(t, v.Enabled())
	buf := []float32{1, 2, 3}
	v.Process(buf, 1)
	assert.Equal(t, []float32{1, 2, 3}, buf)
}

func TestNilChain_ProcessIsNoOp(t *testing.T) {
	var c *Chain
	buf := []float32{1, 2}
	assert.NotPanics(t, func() { c.Process(buf, 1) })
	assert.Equal(t, []float32{1, 2}, buf)
}
