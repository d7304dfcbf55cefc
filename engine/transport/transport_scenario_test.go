package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/engine/engine/mixer"
	"github.com/driftline/engine/engine/track"
)

// pumpFill drives mx.Fill in buffer-sized steps until totalFrames have
// been produced, simulating the audio backend's callback cadence.
func pumpFill(t *testing.T, mx *mixer.Mixer, bufferFrames, totalFrames int) {
	t.Helper()
	buf := make([]float32, bufferFrames*2)
	produced := 0
	deadline := time.Now().Add(10 * time.Second)
	for produced < totalFrames {
		n := bufferFrames
		if totalFrames-produced < n {
			n = totalFrames - produced
		}
		mx.Fill(buf, n)
		produced += n
		if time.Now().After(deadline) {
			t.Fatalf("pumpFill exceeded deadline after %d/%d frames", produced, totalFrames)
		}
	}
}

// TestScenario_TwoTracksFiveSeconds: two 48kHz stereo sources, each
// 10.000s; play for 5.000s; the clock must land on 5.000s worth of frames
// and stop/reset cleanly.
func TestScenario_TwoTracksFiveSeconds(t *testing.T) {
	mx := mixer.New(mixer.Config{SampleRate: 48000, Channels: 2, MaxFrameCount: 1024})
	c := New(Config{
		EngineSampleRate:   48000,
		EngineChannels:     2,
		RingCapacityFrames: 32768,
		PreRollThreshold:   20 * time.Millisecond,
		DriftTolerance:     10 * time.Millisecond,
	}, mx, &fakeFactory{rate: 48000, channels: 2, totalFrames: 48000 * 10})

	_, err := c.AddTrack("a.wav", "track-a")
	require.NoError(t, err)
	_, err = c.AddTrack("b.wav", "track-b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Play(ctx, 0, time.Second))

	pumpFill(t, mx, 512, 48000*5)

	assert.InDelta(t, 48000*5, float64(mx.Clock().CurrentSamplePosition()), 512,
		"clock should be within one callback of 5.000s worth of frames")

	c.Stop()
	assert.Zero(t, mx.Clock().CurrentSamplePosition())
}

// TestScenario_SeekThenEOF: one 10s source; play, at t=2.000 seek to
// 7.500, continue to EOF; the clock jumps to 7.5s and the source drains
// into Ended.
func TestScenario_SeekThenEOF(t *testing.T) {
	mx := mixer.New(mixer.Config{SampleRate: 48000, Channels: 2, MaxFrameCount: 1024})
	c := New(Config{
		EngineSampleRate:   48000,
		EngineChannels:     2,
		RingCapacityFrames: 32768,
		PreRollThreshold:   20 * time.Millisecond,
		DriftTolerance:     10 * time.Millisecond,
	}, mx, &fakeFactory{rate: 48000, channels: 2, totalFrames: 48000 * 10})

	id, err := c.AddTrack("a.wav", "track-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Play(ctx, 0, time.Second))

	pumpFill(t, mx, 512, 48000*2)

	c.Seek(7.5)
	assert.InDelta(t, 7.5, mx.Clock().CurrentTimestamp(), 1.0/48000)

	// Allow the decode thread to catch up to the new position before
	// resuming the pump toward EOF.
	time.Sleep(50 * time.Millisecond)
	pumpFill(t, mx, 512, 48000*2) // 7.5s -> 9.5s

	// Keep pumping past 10s until the source drains and ends.
	buf := make([]float32, 512*2)
	require.Eventually(t, func() bool {
		mx.Fill(buf, 512)
		return c.Track(id).State() == track.Ended
	}, 5*time.Second, time.Millisecond)
}
