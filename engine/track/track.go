// Package track implements the per-track decode/read state machine bound
// to the master clock. Each TrackSource runs one decode goroutine that
// resamples and transforms decoded PCM into a lock-free ring; the audio
// callback consumes the ring through Read, correcting drift against the
// clock as it goes.
package track

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/driftline/engine/engine/clock"
	"github.com/driftline/engine/engine/pool"
	"github.com/driftline/engine/engine/ringbuf"
)

// State is one node of the track's lifecycle state machine.
type State int32

const (
	Idle State = iota
	Buffering
	Playing
	Paused
	Ended
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Buffering:
		return "buffering"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Ended:
		return "ended"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// DropoutReason classifies why a DropoutEvent was raised.
type DropoutReason int

const (
	Underrun DropoutReason = iota
	DecodeError
	FormatMismatch
)

func (r DropoutReason) String() string {
	switch r {
	case Underrun:
		return "underrun"
	case DecodeError:
		return "decode_error"
	case FormatMismatch:
		return "format_mismatch"
	default:
		return "unknown"
	}
}

// DropoutEvent is pushed onto a bounded MPSC queue and drained off the
// audio thread.
type DropoutEvent struct {
	TrackID          uuid.UUID
	TrackName        string
	TimestampSeconds float64
	MissedFrames     int
	Reason           DropoutReason
}

// DropoutSink accepts dropout events without blocking. It is called from
// the audio thread (underruns) and the decode thread (decode errors) and
// must never block the caller.
type DropoutSink interface {
	Push(ev DropoutEvent) bool
}

// Decoder is the external collaborator that turns a file into interleaved
// float32 PCM at its own native rate/channel count.
type Decoder interface {
	// Decode fills dst with up to frameCount frames (dst has length
	// frameCount*Channels()) and reports how many frames were actually
	// produced plus whether the stream has ended.
	Decode(dst []float32, frameCount int) (framesDecoded int, eof bool, err error)
	SampleRate() int
	Channels() int
	DurationSeconds() float64
	Seek(seconds float64) error
	Close() error
}

// Resampler converts interleaved float32 from one rate/channel layout to
// another. PolyphaseResampler is the concrete implementation.
type Resampler interface {
	Process(in []float32) ([]float32, error)
}

// TempoPitchTransform is the external time-stretcher collaborator. A nil
// transform behaves as identity: parameters are recorded but no
// stretching occurs.
type TempoPitchTransform interface {
	SetParams(tempoMultiplier, pitchSemitones float64)
	Process(in []float32) ([]float32, error)
}

// Config configures a new TrackSource. Sink, Transform and Logger may be
// nil; zero RingCapacityFrames, DecodeChunkFrames, PreRollThreshold and
// DriftTolerance fall back to New's defaults.
type Config struct {
	ID                 uuid.UUID
	Name               string
	EngineSampleRate   int
	EngineChannels     int
	RingCapacityFrames int
	PreRollThreshold   time.Duration
	DriftTolerance     time.Duration
	DecodeChunkFrames  int
	Sink               DropoutSink
	Transform          TempoPitchTransform
	Logger             *log.Logger
}

// TrackSource is one decoded stream bound to the master clock.
type TrackSource struct {
	id     uuid.UUID
	name   string
	rate   int
	chans  int
	chunk  int
	logger *log.Logger

	decoder   Decoder
	resampler Resampler
	transform TempoPitchTransform
	decoderMu sync.Mutex // exclusive decoder access: decode thread vs Close

	ring *ringbuf.Buffer
	pool *pool.FloatPool
	sink DropoutSink

	clockRef atomic.Pointer[clock.Clock]

	state           atomic.Int32
	gainBits        atomic.Uint64
	muted           atomic.Bool
	solo            atomic.Bool
	tempoBits       atomic.Uint64
	pitchBits       atomic.Uint64
	generation      atomic.Uint64
	seekGeneration  atomic.Uint64
	pendingSeekSecs atomic.Uint64 // math.Float64bits of requested seek target

	preRollFrames int
	toleranceSecs float64

	// deliveredFrames counts content frames actually consumed from the
	// ring since the last seek. Padded silence is not counted, so the
	// difference against the clock's progress since seekOriginFrame is
	// exactly how far the content lags the timeline.
	deliveredFrames atomic.Int64
	seekOriginFrame atomic.Int64
	writtenFrames   atomic.Int64
	eofObserved     atomic.Bool

	// driftStreak counts consecutive reads whose lag exceeded tolerance;
	// correction starts on the second, so a one-callback blip never
	// triggers a discard.
	driftStreak atomic.Int64

	loopRunning atomic.Bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New constructs a TrackSource in the Idle state. decoder and, when the
// decoder's native rate/channels differ from the engine's, resampler must
// be non-nil.
func New(cfg Config, decoder Decoder, resampler Resampler) (*TrackSource, error) {
	if decoder == nil {
		return nil, fmt.Errorf("track: decoder is required")
	}
	if decoder.SampleRate() != cfg.EngineSampleRate || decoder.Channels() != cfg.EngineChannels {
		if resampler == nil {
			return nil, fmt.Errorf("track: format mismatch (decoder %dHz/%dch vs engine %dHz/%dch) requires a resampler",
				decoder.SampleRate(), decoder.Channels(), cfg.EngineSampleRate, cfg.EngineChannels)
		}
	}
	if cfg.RingCapacityFrames <= 0 {
		cfg.RingCapacityFrames = 8192
	}
	if cfg.DecodeChunkFrames <= 0 {
		cfg.DecodeChunkFrames = 1024
	}
	if cfg.PreRollThreshold <= 0 {
		cfg.PreRollThreshold = 200 * time.Millisecond
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = 10 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	t := &TrackSource{
		id:            cfg.ID,
		name:          cfg.Name,
		rate:          cfg.EngineSampleRate,
		chans:         cfg.EngineChannels,
		chunk:         cfg.DecodeChunkFrames,
		logger:        logger.With("track", cfg.Name, "track_id", cfg.ID),
		decoder:       decoder,
		resampler:     resampler,
		transform:     cfg.Transform,
		ring:          ringbuf.New(cfg.RingCapacityFrames * cfg.EngineChannels),
		pool:          pool.NewFloatPool(),
		sink:          cfg.Sink,
		preRollFrames: int(cfg.PreRollThreshold.Seconds() * float64(cfg.EngineSampleRate)),
		toleranceSecs: cfg.DriftTolerance.Seconds(),
	}
	t.gainBits.Store(floatBits(1.0))
	t.tempoBits.Store(floatBits(1.0))
	t.state.Store(int32(Idle))
	return t, nil
}

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

func (t *TrackSource) ID() uuid.UUID { return t.id }
func (t *TrackSource) Name() string  { return t.name }
func (t *TrackSource) State() State  { return State(t.state.Load()) }

// AttachToClock binds the track's notion of "where it should be" to the
// master clock. The clock is not owned by the track.
func (t *TrackSource) AttachToClock(c *clock.Clock) {
	t.clockRef.Store(c)
}

func (t *TrackSource) Gain() float64     { return floatFromBits(t.gainBits.Load()) }
func (t *TrackSource) SetGain(g float64) { t.gainBits.Store(floatBits(g)) }
func (t *TrackSource) Muted() bool       { return t.muted.Load() }
func (t *TrackSource) SetMute(m bool)    { t.muted.Store(m) }
func (t *TrackSource) Solo() bool        { return t.solo.Load() }
func (t *TrackSource) SetSolo(s bool)    { t.solo.Store(s) }

// SetTempo updates the tempo multiplier. When smooth is false the
// generation counter is bumped and the decode thread discards in-flight
// ring contents; smooth updates never touch the ring.
func (t *TrackSource) SetTempo(multiplier float64, smooth bool) {
	t.tempoBits.Store(floatBits(multiplier))
	if t.transform != nil {
		t.transform.SetParams(multiplier, floatFromBits(t.pitchBits.Load()))
	}
	if !smooth {
		t.generation.Add(1)
	}
}

// SetPitch updates the pitch transform in semitones, with the same
// smooth/non-smooth contract as SetTempo.
func (t *TrackSource) SetPitch(semitones float64, smooth bool) {
	t.pitchBits.Store(floatBits(semitones))
	if t.transform != nil {
		t.transform.SetParams(floatFromBits(t.tempoBits.Load()), semitones)
	}
	if !smooth {
		t.generation.Add(1)
	}
}

// Play transitions into Buffering and starts the decode thread if it is
// not already running. A paused track resumes in place.
func (t *TrackSource) Play() error {
	switch t.State() {
	case Playing, Buffering:
		return nil
	case Paused:
		t.state.Store(int32(Playing))
		return nil
	case Faulted:
		return fmt.Errorf("track: cannot play, track %s is faulted", t.name)
	}
	t.state.Store(int32(Buffering))
	if t.loopRunning.CompareAndSwap(false, true) {
		t.stopCh = make(chan struct{})
		t.wg.Add(1)
		go t.decodeLoop(t.stopCh)
	}
	return nil
}

// Pause idles the decode thread without discarding ring contents.
func (t *TrackSource) Pause() {
	if t.State() == Playing || t.State() == Buffering {
		t.state.Store(int32(Paused))
	}
}

// Resume transitions back from Paused to Playing.
func (t *TrackSource) Resume() {
	if t.State() == Paused {
		t.state.Store(int32(Playing))
	}
}

// Stop transitions to Idle, releases pending buffers, and joins the
// decode thread.
func (t *TrackSource) Stop() {
	if t.stopCh != nil {
		select {
		case <-t.stopCh:
		default:
			close(t.stopCh)
		}
	}
	t.wg.Wait()
	t.state.Store(int32(Idle))
	t.ring.Clear()
	t.deliveredFrames.Store(0)
	t.seekOriginFrame.Store(0)
	t.writtenFrames.Store(0)
	t.driftStreak.Store(0)
	t.eofObserved.Store(false)
}

// Close stops the track and releases the decoder. The track must not be
// used afterward.
func (t *TrackSource) Close() error {
	t.Stop()
	t.decoderMu.Lock()
	defer t.decoderMu.Unlock()
	return t.decoder.Close()
}

// Seek requests the decode thread clear the ring and restart decode at
// seconds. It is safe to call from any thread; the decode thread picks up
// the new target between decoded chunks.
func (t *TrackSource) Seek(seconds float64) {
	t.pendingSeekSecs.Store(floatBits(seconds))
	t.seekGeneration.Add(1)
	if t.State() == Ended || t.State() == Faulted {
		t.state.Store(int32(Buffering))
	}
}

// IsPreRollReady reports whether the track has buffered enough audio to
// start playback: either the pre-roll threshold of samples is in the ring
// or EOF has been observed.
func (t *TrackSource) IsPreRollReady() bool {
	if t.eofObserved.Load() {
		return true
	}
	return t.ring.AvailableRead()/t.chans >= t.preRollFrames
}

func (t *TrackSource) driftToleranceFrames() int64 {
	return int64(t.toleranceSecs * float64(t.rate))
}

// DurationSeconds reports the source's play length at the current tempo
// multiplier. Halving the tempo doubles the audible duration.
func (t *TrackSource) DurationSeconds() float64 {
	d := t.decoder.DurationSeconds()
	tempo := floatFromBits(t.tempoBits.Load())
	if tempo <= 0 {
		return d
	}
	return d / tempo
}

// FailPreRoll marks a track that missed the pre-roll deadline as Faulted
// and emits the corresponding dropout event.
func (t *TrackSource) FailPreRoll() {
	t.fault(Underrun)
}

// Read is called from the mixer's audio callback. It never allocates,
// locks, or blocks. It always writes frameCount frames (shortfall is
// padded with silence) and returns the shortfall so the caller can emit
// an Underrun dropout event. Tracks that are not Playing produce silence
// with no shortfall, as does the final drain after EOF.
func (t *TrackSource) Read(dst []float32, frameCount int) (framesWritten int, shortfall int) {
	need := frameCount * t.chans
	if len(dst) < need {
		need = len(dst)
		frameCount = need / t.chans
	}

	if t.State() != Playing {
		zero(dst[:need])
		return frameCount, 0
	}

	if c := t.clockRef.Load(); c != nil {
		if t.correctDrift(c, frameCount) {
			// Ahead of the timeline: hold content back and let the clock
			// catch up.
			zero(dst[:need])
			return frameCount, 0
		}
	}

	gotElems := t.ring.Read(dst[:need])
	gotFrames := gotElems / t.chans
	if gotElems < need {
		zero(dst[gotElems:need])
	}
	t.deliveredFrames.Add(int64(gotFrames))

	if t.eofObserved.Load() && t.ring.AvailableRead() == 0 {
		t.state.Store(int32(Ended))
		return frameCount, 0
	}

	return frameCount, frameCount - gotFrames
}

// correctDrift compares content frames consumed since the last seek with
// the clock's progress since the same point. If the content lags beyond
// tolerance for two consecutive reads, stale samples are discarded from
// the ring, bounded per callback so a transient stall never causes one
// large audible jump. If the content is ahead beyond tolerance (the clock
// was pulled back under it), the read withholds output instead.
func (t *TrackSource) correctDrift(c *clock.Clock, frameCount int) (withhold bool) {
	ideal := c.CurrentSamplePosition() - t.seekOriginFrame.Load()
	lag := ideal - t.deliveredFrames.Load()
	tol := t.driftToleranceFrames()

	switch {
	case lag > tol:
		if t.driftStreak.Add(1) < 2 {
			return false
		}
		n := lag
		if limit := int64(frameCount) * 4; n > limit {
			n = limit
		}
		discarded := int64(t.ring.Discard(int(n)*t.chans) / t.chans)
		if discarded > 0 {
			t.deliveredFrames.Add(discarded)
			t.logger.Debug("drift correction", "discarded_frames", discarded, "lag_frames", lag)
		}
		return false
	case lag < -tol:
		t.driftStreak.Store(0)
		return true
	default:
		t.driftStreak.Store(0)
		return false
	}
}

// decodeLoop is the single decode thread for this track. It resamples,
// applies the tempo/pitch transform, and pushes into the ring; it never
// allocates in steady state (scratch buffers are rented from pool). It
// stays alive across EOF so a later seek can rewind and resume.
func (t *TrackSource) decodeLoop(stop <-chan struct{}) {
	defer t.wg.Done()
	defer t.loopRunning.Store(false)

	lastGeneration := t.generation.Load()
	lastSeekGen := t.seekGeneration.Load()
	lastStats := time.Now()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if sg := t.seekGeneration.Load(); sg != lastSeekGen {
			lastSeekGen = sg
			if !t.performSeek(floatFromBits(t.pendingSeekSecs.Load())) {
				return
			}
		}

		if t.State() == Paused || t.eofObserved.Load() {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		if g := t.generation.Load(); g != lastGeneration {
			lastGeneration = g
			// Non-smooth parameter change: drop in-flight ring contents so
			// the transform never straddles old and new parameters.
			t.ring.Clear()
		}

		buf := t.pool.Get(t.chunk * t.decoder.Channels())
		t.decoderMu.Lock()
		framesDecoded, eof, err := t.decoder.Decode(buf.Samples, t.chunk)
		t.decoderMu.Unlock()
		if err != nil {
			t.pool.Put(buf)
			t.fault(DecodeError)
			return
		}

		samples := buf.Samples[:framesDecoded*t.decoder.Channels()]
		var out []float32
		if t.resampler != nil {
			var rerr error
			out, rerr = t.resampler.Process(samples)
			if rerr != nil {
				t.pool.Put(buf)
				t.fault(DecodeError)
				return
			}
		} else {
			out = samples
		}

		if t.transform != nil && len(out) > 0 {
			transformed, terr := t.transform.Process(out)
			if terr == nil {
				out = transformed
			}
		}

		if len(out) > 0 {
			if !t.writePacedIntoRing(out, stop, lastSeekGen, lastGeneration) {
				// Stopped, or a seek or non-smooth change arrived while the
				// ring was full: the rest of this chunk is stale.
				t.pool.Put(buf)
				continue
			}
			t.writtenFrames.Add(int64(len(out) / t.chans))
		}
		t.pool.Put(buf)

		if eof {
			t.eofObserved.Store(true)
		}

		if t.State() == Buffering && t.IsPreRollReady() {
			t.state.Store(int32(Playing))
		}

		if time.Since(lastStats) >= 5*time.Second {
			lastStats = time.Now()
			t.logger.Debug("decode stats",
				"written_frames", t.writtenFrames.Load(),
				"ring_frames", t.ring.AvailableRead()/t.chans,
				"state", t.State().String())
		}
	}
}

// writePacedIntoRing blocks (via a short polling backoff, never tighter
// than 1ms) until out has been fully written, stop fires, or the seek or
// parameter generation moves past seekGen/paramGen. It reports whether out
// was fully written. There is no mutex anywhere near the ring, so a poll
// over its lock-free occupancy is the wait primitive when it is full.
func (t *TrackSource) writePacedIntoRing(out []float32, stop <-chan struct{}, seekGen, paramGen uint64) bool {
	for len(out) > 0 {
		select {
		case <-stop:
			return false
		default:
		}
		if t.seekGeneration.Load() != seekGen || t.generation.Load() != paramGen {
			return false
		}
		n := t.ring.Write(out)
		out = out[n:]
		if len(out) > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return true
}

func (t *TrackSource) performSeek(seconds float64) bool {
	t.decoderMu.Lock()
	err := t.decoder.Seek(seconds)
	t.decoderMu.Unlock()
	if err != nil {
		t.fault(DecodeError)
		return false
	}
	t.ring.Clear()
	if rs, ok := t.resampler.(interface{ Reset() }); ok {
		rs.Reset()
	}
	t.deliveredFrames.Store(0)
	t.writtenFrames.Store(0)
	t.driftStreak.Store(0)
	t.eofObserved.Store(false)
	if c := t.clockRef.Load(); c != nil {
		t.seekOriginFrame.Store(c.CurrentSamplePosition())
	} else {
		t.seekOriginFrame.Store(0)
	}
	t.state.Store(int32(Buffering))
	return true
}

func (t *TrackSource) fault(reason DropoutReason) {
	t.state.Store(int32(Faulted))
	if t.sink != nil {
		var ts float64
		if c := t.clockRef.Load(); c != nil {
			ts = c.CurrentTimestamp()
		}
		t.sink.Push(DropoutEvent{
			TrackID:          t.id,
			TrackName:        t.name,
			TimestampSeconds: ts,
			Reason:           reason,
		})
	}
	t.logger.Warn("track faulted", "reason", reason.String())
}

func zero(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
