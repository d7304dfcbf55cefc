// Package mixer implements the real-time audio callback driver: it
// combines the attached track sources, applies per-track gain/solo/mute
// policy, runs the master effect chain, advances the master clock, and
// reports dropouts.
package mixer

import (
	"sync/atomic"

	"code.hybscloud.com/lfq"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/driftline/engine/engine/clock"
	"github.com/driftline/engine/engine/effect"
	"github.com/driftline/engine/engine/track"
)

// Source is the subset of track.TrackSource the mixer needs in order to
// pull audio and apply gain policy. Kept as an interface (rather than a
// direct *track.TrackSource dependency) so fill can be tested against
// fakes without a real decode thread.
type Source interface {
	ID() uuid.UUID
	Read(dst []float32, frameCount int) (framesWritten int, shortfall int)
	Gain() float64
	Muted() bool
	Solo() bool
	State() track.State
	Name() string
}

// plan is the immutable snapshot swapped atomically by the control plane.
// A new plan is built off the audio thread and installed with one atomic
// store; the mixer's audio-thread code only ever loads it.
type plan struct {
	sources      []Source
	effects      *effect.Chain
	masterVolume float64
}

// Mixer owns the master clock, the attached-source set, the master effect
// chain, and the master gain.
type Mixer struct {
	clock  *clock.Clock
	cfg    effect.Config
	logger *log.Logger

	currentPlan atomic.Pointer[plan]

	scratch []float32 // per-source scratch, reused across fills

	dropouts lfq.Queue[track.DropoutEvent]
}

// Config configures a new Mixer.
type Config struct {
	SampleRate    int
	Channels      int
	MaxFrameCount int
	Logger        *log.Logger
}

// New constructs a Mixer with zero attached sources, zero effects, and unity
// master volume.
func New(cfg Config) *Mixer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxElems := cfg.MaxFrameCount * cfg.Channels
	if maxElems <= 0 {
		maxElems = 4096
	}
	m := &Mixer{
		clock:  clock.New(cfg.SampleRate, clock.Realtime),
		cfg:    effect.Config{SampleRate: cfg.SampleRate, Channels: cfg.Channels, MaxFrameCount: cfg.MaxFrameCount},
		logger: logger.With("component", "mixer"),

		scratch:  make([]float32, maxElems),
		dropouts: lfq.NewMPSC[track.DropoutEvent](256),
	}
	m.currentPlan.Store(&plan{masterVolume: 1.0})
	return m
}

// Clock returns the mixer-owned master clock. Tracks hold a non-owning
// handle to it.
func (m *Mixer) Clock() *clock.Clock { return m.clock }

// Push implements track.DropoutSink, used by attached sources to report
// decode-thread dropouts (fault events) without blocking.
func (m *Mixer) Push(ev track.DropoutEvent) bool {
	err := m.dropouts.Enqueue(&ev)
	return err == nil
}

// DrainDropouts pops up to len(dst) pending dropout events into dst and
// returns how many were copied. Intended for the dedicated non-audio
// drain thread.
func (m *Mixer) DrainDropouts(dst []track.DropoutEvent) int {
	n := 0
	for n < len(dst) {
		ev, err := m.dropouts.Dequeue()
		if err != nil {
			break
		}
		dst[n] = ev
		n++
	}
	return n
}

// Attach adds source to the mixer's plan via swap-in, safe against a
// concurrent Fill.
func (m *Mixer) Attach(src Source) {
	for {
		old := m.currentPlan.Load()
		next := &plan{
			sources:      append(append([]Source(nil), old.sources...), src),
			effects:      old.effects,
			masterVolume: old.masterVolume,
		}
		if m.currentPlan.CompareAndSwap(old, next) {
			m.logger.Info("source attached", "track", src.Name())
			return
		}
	}
}

// Detach removes the source with the given id from the plan.
func (m *Mixer) Detach(id uuid.UUID) {
	for {
		old := m.currentPlan.Load()
		next := &plan{
			sources:      make([]Source, 0, len(old.sources)),
			effects:      old.effects,
			masterVolume: old.masterVolume,
		}
		for _, s := range old.sources {
			if s.ID() != id {
				next.sources = append(next.sources, s)
			}
		}
		if m.currentPlan.CompareAndSwap(old, next) {
			m.logger.Info("source detached", "track_id", id)
			return
		}
	}
}

// AddMasterEffect appends effect to the master chain via swap-in.
func (m *Mixer) AddMasterEffect(e effect.Processor) error {
	for {
		old := m.currentPlan.Load()
		newChain, err := old.effects.WithAppended(m.cfg, e)
		if err != nil {
			return err
		}
		next := &plan{sources: old.sources, effects: newChain, masterVolume: old.masterVolume}
		if m.currentPlan.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// RemoveMasterEffect removes the first effect for which match returns true.
func (m *Mixer) RemoveMasterEffect(match func(effect.Processor) bool) {
	for {
		old := m.currentPlan.Load()
		newChain := old.effects.WithRemoved(match)
		next := &plan{sources: old.sources, effects: newChain, masterVolume: old.masterVolume}
		if m.currentPlan.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetMasterVolume installs a new linear master gain, readable atomically
// from the audio thread.
func (m *Mixer) SetMasterVolume(linear float64) {
	for {
		old := m.currentPlan.Load()
		next := &plan{sources: old.sources, effects: old.effects, masterVolume: linear}
		if m.currentPlan.CompareAndSwap(old, next) {
			return
		}
	}
}

// MasterVolume returns the currently installed master gain.
func (m *Mixer) MasterVolume() float64 {
	return m.currentPlan.Load().masterVolume
}

// SourceCount returns the number of currently attached sources.
func (m *Mixer) SourceCount() int {
	return len(m.currentPlan.Load().sources)
}

// Fill is the mixer's audio callback. It must not allocate, lock, or
// perform I/O: every buffer it touches is either the caller's output or
// the mixer's own pre-sized scratch. output has length
// frameCount*Channels. A frameCount above the MaxFrameCount given to New
// does allocate: the scratch is replaced by a larger one on that call.
func (m *Mixer) Fill(output []float32, frameCount int) int {
	need := frameCount * m.cfg.Channels
	if need > len(output) {
		need = len(output)
		frameCount = need / m.cfg.Channels
	}

	p := m.currentPlan.Load()

	if len(p.sources) == 0 {
		zero(output[:need])
		m.clock.Advance(frameCount)
		return frameCount
	}

	zero(output[:need])

	anySolo := false
	for _, s := range p.sources {
		if s.Solo() {
			anySolo = true
			break
		}
	}

	scratch := m.scratch
	if len(scratch) < need {
		scratch = make([]float32, need)
		m.scratch = scratch
	}

	masterVol := float32(p.masterVolume)

	for _, s := range p.sources {
		// Every source is read even when its effective gain is zero so a
		// muted or backgrounded track keeps consuming at timeline pace.
		_, shortfall := s.Read(scratch[:need], frameCount)
		if g := m.effectiveGain(s, anySolo) * masterVol; g != 0 {
			for i := 0; i < need; i++ {
				output[i] += scratch[i] * g
			}
		}
		if shortfall > 0 && s.State() != track.Ended {
			m.Push(track.DropoutEvent{
				TrackID:          s.ID(),
				TrackName:        s.Name(),
				TimestampSeconds: m.clock.CurrentTimestamp(),
				MissedFrames:     shortfall,
				Reason:           track.Underrun,
			})
		}
	}

	p.effects.Process(output[:need], frameCount)

	// Clock update is publication-ordered after the output is finalized.
	m.clock.Advance(frameCount)

	return frameCount
}

// effectiveGain applies the solo/mute policy: when any source is soloed,
// non-soloed sources get gain 0 regardless of their own mute state;
// otherwise muted sources get 0 and the rest their current gain.
func (m *Mixer) effectiveGain(s Source, anySolo bool) float32 {
	if anySolo && !s.Solo() {
		return 0
	}
	if !anySolo && s.Muted() {
		return 0
	}
	return float32(s.Gain())
}

func zero(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
