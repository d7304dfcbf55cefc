package track

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolyphaseResampler_RejectsInvalidFormats(t *testing.T) {
	_, err := NewPolyphaseResampler(0, 2, 48000, 2)
	assert.Error(t, err)
	_, err = NewPolyphaseResampler(44100, 0, 48000, 2)
	assert.Error(t, err)
}

func TestPolyphaseResampler_RateConversionLengthAndContinuity(t *testing.T) {
	r, err := NewPolyphaseResampler(44100, 1, 48000, 1)
	require.NoError(t, err)

	// Feed a 440 Hz tone in chunks; total output length must track the
	// rate ratio and chunk boundaries must not glitch.
	const chunks = 20
	const chunkFrames = 1024
	var total int
	var prev float32
	phase := 0.0
	step := 2 * math.Pi * 440 / 44100
	for c := 0; c < chunks; c++ {
		in := make([]float32, chunkFrames)
		for i := range in {
			in[i] = float32(0.5 * math.Sin(phase))
			phase += step
		}
		out, err := r.Process(in)
		require.NoError(t, err)
		total += len(out)
		// A 440 Hz tone at 48kHz moves at most ~0.03 per sample; a jump
		// an order of magnitude larger would be a boundary glitch.
		if c > 0 && len(out) > 0 {
			assert.Less(t, math.Abs(float64(out[0]-prev)), 0.3)
		}
		if len(out) > 0 {
			prev = out[len(out)-1]
		}
	}

	expected := float64(chunks*chunkFrames) * 48000 / 44100
	assert.InDelta(t, expected, float64(total), float64(chunkFrames))
}

func TestPolyphaseResampler_MonoToStereoDuplicates(t *testing.T) {
	r, err := NewPolyphaseResampler(48000, 1, 48000, 2)
	require.NoError(t, err)

	in := make([]float32, 256)
	for i := range in {
		in[i] = float32(i) / 256
	}
	out, err := r.Process(in)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	require.Zero(t, len(out)%2)
	for i := 0; i < len(out); i += 2 {
		assert.Equal(t, out[i], out[i+1], "stereo channels should duplicate the mono source")
	}
}

func TestPolyphaseResampler_StereoToMonoAverages(t *testing.T) {
	r, err := NewPolyphaseResampler(48000, 2, 48000, 1)
	require.NoError(t, err)

	// Left = 1, right = 0 everywhere: the mono mix must settle at 0.5.
	in := make([]float32, 512*2)
	for i := 0; i < len(in); i += 2 {
		in[i] = 1
	}
	out, err := r.Process(in)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	// Skip the filter's warm-up region before asserting.
	for _, v := range out[64:] {
		assert.InDelta(t, 0.5, v, 0.05)
	}
}

func TestPolyphaseResampler_ResetClearsHistory(t *testing.T) {
	r, err := NewPolyphaseResampler(44100, 1, 48000, 1)
	require.NoError(t, err)

	in := make([]float32, 512)
	for i := range in {
		in[i] = 1
	}
	_, err = r.Process(in)
	require.NoError(t, err)

	r.Reset()
	for c := range r.history {
		for _, v := range r.history[c] {
			assert.Zero(t, v)
		}
	}
	assert.Zero(t, r.frac)
}
