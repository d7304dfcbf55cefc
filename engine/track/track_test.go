package track

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/engine/engine/clock"
)

// fakeDecoder produces a constant-valued signal for totalFrames frames,
// then reports EOF. A configurable per-chunk delay simulates slow decode
// for starvation tests.
type fakeDecoder struct {
	mu          sync.Mutex
	rate        int
	channels    int
	totalFrames int
	pos         int
	chunkDelay  time.Duration
	decodeCalls int
}

func (d *fakeDecoder) Decode(dst []float32, frameCount int) (int, bool, error) {
	if delay := d.delay(); delay > 0 {
		time.Sleep(delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decodeCalls++
	remaining := d.totalFrames - d.pos
	if remaining <= 0 {
		return 0, true, nil
	}
	n := frameCount
	if n > remaining {
		n = remaining
	}
	for i := 0; i < n*d.channels; i++ {
		dst[i] = 0.5
	}
	d.pos += n
	return n, d.pos >= d.totalFrames, nil
}

func (d *fakeDecoder) delay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chunkDelay
}

func (d *fakeDecoder) setDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunkDelay = delay
}

func (d *fakeDecoder) SampleRate() int { return d.rate }
func (d *fakeDecoder) Channels() int   { return d.channels }
func (d *fakeDecoder) DurationSeconds() float64 {
	return float64(d.totalFrames) / float64(d.rate)
}
func (d *fakeDecoder) Seek(seconds float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pos = int(seconds * float64(d.rate))
	return nil
}
func (d *fakeDecoder) Close() error { return nil }

// fakeSink records pushed dropout events.
type fakeSink struct {
	mu     sync.Mutex
	events []DropoutEvent
}

func (s *fakeSink) Push(ev DropoutEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestTrack(t *testing.T, decoder Decoder, sink DropoutSink) *TrackSource {
	t.Helper()
	src, err := New(Config{
		ID:                 uuid.New(),
		Name:               "test-track",
		EngineSampleRate:   decoder.SampleRate(),
		EngineChannels:     decoder.Channels(),
		RingCapacityFrames: 4096,
		PreRollThreshold:   20 * time.Millisecond,
		DriftTolerance:     10 * time.Millisecond,
		Sink:               sink,
	}, decoder, nil)
	require.NoError(t, err)
	return src
}

func TestNew_RejectsNilDecoder(t *testing.T) {
	_, err := New(Config{EngineSampleRate: 48000, EngineChannels: 2}, nil, nil)
	assert.Error(t, err)
}

func TestNew_RejectsFormatMismatchWithoutResampler(t *testing.T) {
	d := &fakeDecoder{rate: 44100, channels: 2, totalFrames: 1000}
	_, err := New(Config{EngineSampleRate: 48000, EngineChannels: 2}, d, nil)
	assert.Error(t, err)
}

func TestTrack_StateStartsIdle(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000}
	src := newTestTrack(t, d, nil)
	assert.Equal(t, Idle, src.State())
}

func TestTrack_PlayTransitionsToBufferingThenPlaying(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000}
	src := newTestTrack(t, d, nil)
	require.NoError(t, src.Play())

	require.Eventually(t, func() bool {
		return src.State() == Playing
	}, time.Second, time.Millisecond)

	src.Stop()
}

func TestTrack_PreRollReadyOnceThresholdBuffered(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000}
	src := newTestTrack(t, d, nil)
	assert.False(t, src.IsPreRollReady())

	require.NoError(t, src.Play())
	require.Eventually(t, func() bool {
		return src.IsPreRollReady()
	}, time.Second, time.Millisecond)

	src.Stop()
}

func TestTrack_PauseResumeDoesNotDiscardRing(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000}
	src := newTestTrack(t, d, nil)
	require.NoError(t, src.Play())

	require.Eventually(t, func() bool {
		return src.IsPreRollReady()
	}, time.Second, time.Millisecond)

	before := src.ring.AvailableRead()
	src.Pause()
	assert.Equal(t, Paused, src.State())
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, src.ring.AvailableRead(), before)

	src.Resume()
	assert.Equal(t, Playing, src.State())
	src.Stop()
}

func TestTrack_StopResetsCounters(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000}
	src := newTestTrack(t, d, nil)
	require.NoError(t, src.Play())
	require.Eventually(t, func() bool {
		return src.IsPreRollReady()
	}, time.Second, time.Millisecond)

	src.Stop()
	assert.Equal(t, Idle, src.State())
	assert.Zero(t, src.deliveredFrames.Load())
	assert.Zero(t, src.ring.AvailableRead())
}

func TestTrack_SeekResetsDeliveredFramesAndSeeksDecoder(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000 * 10}
	src := newTestTrack(t, d, nil)
	require.NoError(t, src.Play())
	require.Eventually(t, func() bool {
		return src.IsPreRollReady()
	}, time.Second, time.Millisecond)

	src.Seek(5.0)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.pos >= int(5.0*float64(d.rate))
	}, time.Second, time.Millisecond)

	src.Stop()
}

func TestTrack_GainMuteSoloAccessors(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000}
	src := newTestTrack(t, d, nil)

	assert.Equal(t, 1.0, src.Gain())
	src.SetGain(0.5)
	assert.Equal(t, 0.5, src.Gain())

	assert.False(t, src.Muted())
	src.SetMute(true)
	assert.True(t, src.Muted())

	assert.False(t, src.Solo())
	src.SetSolo(true)
	assert.True(t, src.Solo())
}

func TestTrack_SetTempoNonSmoothBumpsGeneration(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000 * 10}
	src := newTestTrack(t, d, nil)
	require.NoError(t, src.Play())
	require.Eventually(t, func() bool {
		return src.IsPreRollReady()
	}, time.Second, time.Millisecond)

	genBefore := src.generation.Load()
	src.SetTempo(1.1, false)
	assert.Greater(t, src.generation.Load(), genBefore)

	src.Stop()
}

func TestTrack_SetTempoSmoothDoesNotBumpGeneration(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000}
	src := newTestTrack(t, d, nil)

	genBefore := src.generation.Load()
	src.SetTempo(1.05, true)
	assert.Equal(t, genBefore, src.generation.Load())
}

func TestTrack_ReadPadsShortfallWithSilence(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000}
	src := newTestTrack(t, d, nil)
	// Force Playing with an empty ring: Read must still return frameCount
	// frames (silence-padded) and report the full shortfall.
	src.state.Store(int32(Playing))
	dst := make([]float32, 256*2)
	written, shortfall := src.Read(dst, 256)
	assert.Equal(t, 256, written)
	assert.Equal(t, 256, shortfall)
	for _, v := range dst {
		assert.Zero(t, v)
	}
}

func TestTrack_ReadBeforePlayIsSilentWithoutShortfall(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000}
	src := newTestTrack(t, d, nil)
	dst := make([]float32, 256*2)
	written, shortfall := src.Read(dst, 256)
	assert.Equal(t, 256, written)
	assert.Zero(t, shortfall, "a track that never started is not underrunning")
	for _, v := range dst {
		assert.Zero(t, v)
	}
}

func TestTrack_DecodeErrorFaultsTrackAndPushesDropout(t *testing.T) {
	sink := &fakeSink{}
	faulty := &faultingDecoder{fakeDecoder: fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000}}
	src := newTestTrack(t, faulty, sink)
	require.NoError(t, src.Play())

	require.Eventually(t, func() bool {
		return src.State() == Faulted
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, sink.count())
	src.Stop()
}

// faultingDecoder always fails to decode, to exercise the fault path.
type faultingDecoder struct {
	fakeDecoder
}

func (d *faultingDecoder) Decode(dst []float32, frameCount int) (int, bool, error) {
	return 0, false, errSimulatedDecode
}

var errSimulatedDecode = errors.New("simulated decode failure")

// TestTrack_StarvationThenCatchUp stalls the decoder long enough to
// starve the ring, producing underrun shortfall on Read, then lets it
// recover at full speed; the track must resynchronize with the clock by
// discarding the stale samples the stalled decoder produced.
func TestTrack_StarvationThenCatchUp(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000 * 60, chunkDelay: 30 * time.Millisecond}
	sink := &fakeSink{}
	src := newTestTrack(t, d, sink)

	c := clock.New(48000, clock.Realtime)
	src.AttachToClock(c)
	require.NoError(t, src.Play())

	// Pull at callback cadence while the decoder is stalled: once the track
	// reaches Playing the ring starves and Read reports shortfall.
	dst := make([]float32, 256*2)
	sawShortfall := false
	for i := 0; i < 100; i++ {
		written, shortfall := src.Read(dst, 256)
		assert.Equal(t, 256, written, "Read always reports the full frame count even on shortfall")
		if shortfall > 0 {
			sawShortfall = true
		}
		c.Advance(256)
		time.Sleep(2 * time.Millisecond)
	}
	assert.True(t, sawShortfall, "a stalled decoder must eventually starve the ring")

	// Un-stall the decoder and keep the callback cadence going: the track
	// must discard the stale backlog and settle back inside tolerance with
	// no further shortfall.
	d.setDelay(0)
	tol := src.driftToleranceFrames()
	require.Eventually(t, func() bool {
		written, shortfall := src.Read(dst, 256)
		c.Advance(256)
		if written != 256 || shortfall != 0 {
			return false
		}
		lag := c.CurrentSamplePosition() - src.seekOriginFrame.Load() - src.deliveredFrames.Load()
		return lag <= tol && lag >= -tol
	}, 5*time.Second, 5*time.Millisecond)

	src.Stop()
}

func TestTrack_AttachToClockBindsDriftCorrection(t *testing.T) {
	d := &fakeDecoder{rate: 48000, channels: 2, totalFrames: 48000 * 10}
	src := newTestTrack(t, d, nil)
	c := clock.New(48000, clock.Realtime)
	src.AttachToClock(c)

	require.NoError(t, src.Play())
	require.Eventually(t, func() bool {
		return src.IsPreRollReady()
	}, time.Second, time.Millisecond)

	dst := make([]float32, 256*2)
	for i := 0; i < 10; i++ {
		src.Read(dst, 256)
		c.Advance(256)
	}
	src.Stop()
}
