// Package transport implements the play/pause/stop/seek transport
// controller: it owns the track-set lifecycle and coordinates playback
// state across the mixer and every attached track source.
package transport

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/driftline/engine/engine/mixer"
	"github.com/driftline/engine/engine/track"
)

// TempoBand is the min-max percent band SetTempo clamps its multiplier to.
type TempoBand struct {
	MinPercent float64
	MaxPercent float64
}

// DefaultTempoBand is the band used when the config leaves it unset.
var DefaultTempoBand = TempoBand{MinPercent: 80, MaxPercent: 120}

// DecoderFactory loads a file at path into a ready Decoder, resampler and
// tempo/pitch transform, returning everything track.New needs. File-format
// decoding lives outside the engine; this is the seam the controller
// consumes.
type DecoderFactory interface {
	Open(path string) (track.Decoder, track.Resampler, track.TempoPitchTransform, error)
}

// Config configures a new Controller.
type Config struct {
	EngineSampleRate   int
	EngineChannels     int
	RingCapacityFrames int
	PreRollThreshold   time.Duration
	DriftTolerance     time.Duration
	TempoBand          TempoBand
	Logger             *log.Logger
}

// entry bundles a TrackSource with the bookkeeping needed for pre-roll
// and lifecycle reporting.
type entry struct {
	source   *track.TrackSource
	name     string
	path     string
	attached bool
}

// Controller owns the track set lifecycle: tracks are created by AddTrack
// but are not attached to the mixer until Play.
type Controller struct {
	cfg     Config
	mx      *mixer.Mixer
	logger  *log.Logger
	factory DecoderFactory

	mu      sync.Mutex
	tracks  map[uuid.UUID]*entry
	order   []uuid.UUID
	playing atomic.Bool

	tempoMultiplier atomic.Uint64 // math.Float64bits
}

// New constructs a Controller bound to mx.
func New(cfg Config, mx *mixer.Mixer, factory DecoderFactory) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.TempoBand == (TempoBand{}) {
		cfg.TempoBand = DefaultTempoBand
	}
	c := &Controller{
		cfg:     cfg,
		mx:      mx,
		logger:  logger.With("component", "transport"),
		factory: factory,
		tracks:  make(map[uuid.UUID]*entry),
	}
	c.tempoMultiplier.Store(math.Float64bits(1.0))
	return c
}

// AddTrack loads path via the external decoder factory and creates a
// track source, without attaching it to the mixer. A format the engine
// cannot consume is rejected synchronously here.
func (c *Controller) AddTrack(path, name string) (uuid.UUID, error) {
	decoder, resampler, xform, err := c.factory.Open(path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("transport: open %s: %w", path, err)
	}

	if resampler == nil && (decoder.SampleRate() != c.cfg.EngineSampleRate || decoder.Channels() != c.cfg.EngineChannels) {
		resampler, err = track.NewPolyphaseResampler(decoder.SampleRate(), decoder.Channels(), c.cfg.EngineSampleRate, c.cfg.EngineChannels)
		if err != nil {
			decoder.Close()
			return uuid.Nil, fmt.Errorf("transport: add track %s: %w", name, err)
		}
	}

	id := uuid.New()
	src, err := track.New(track.Config{
		ID:                 id,
		Name:               name,
		EngineSampleRate:   c.cfg.EngineSampleRate,
		EngineChannels:     c.cfg.EngineChannels,
		RingCapacityFrames: c.cfg.RingCapacityFrames,
		PreRollThreshold:   c.cfg.PreRollThreshold,
		DriftTolerance:     c.cfg.DriftTolerance,
		Sink:               c.mx,
		Transform:          xform,
		Logger:             c.logger,
	}, decoder, resampler)
	if err != nil {
		decoder.Close()
		return uuid.Nil, fmt.Errorf("transport: add track %s: %w", name, err)
	}

	c.mu.Lock()
	c.tracks[id] = &entry{source: src, name: name, path: path}
	c.order = append(c.order, id)
	c.mu.Unlock()

	c.logger.Info("track added", "track_id", id, "name", name, "path", path)
	return id, nil
}

// RemoveTrack detaches the track from the mixer and disposes of it,
// including its decoder.
func (c *Controller) RemoveTrack(id uuid.UUID) {
	c.mu.Lock()
	e, ok := c.tracks[id]
	if ok {
		delete(c.tracks, id)
		for i, tid := range c.order {
			if tid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.mx.Detach(id)
	if err := e.source.Close(); err != nil {
		c.logger.Warn("decoder close failed", "track_id", id, "error", err)
	}
	c.logger.Info("track removed", "track_id", id)
}

// Play attaches all current sources, aligns the master clock to
// positionSeconds, seeks each source there, and waits for pre-roll across
// all sources (bounded by timeout). Sources still not ready at the
// timeout start Faulted. Starting the backend device itself is the
// caller's responsibility; Play guarantees every surviving source is
// ready to be pulled from once it returns.
func (c *Controller) Play(ctx context.Context, positionSeconds float64, timeout time.Duration) error {
	c.mu.Lock()
	entries := c.snapshotEntriesLocked()
	for _, e := range entries {
		e.attached = true
	}
	c.mu.Unlock()

	c.mx.Clock().Seek(positionSeconds)

	for _, e := range entries {
		e.source.AttachToClock(c.mx.Clock())
		if !e.wasAttached {
			c.mx.Attach(e.source)
		}
		if err := e.source.Play(); err != nil {
			c.logger.Warn("track play failed", "track", e.name, "error", err)
			continue
		}
		e.source.Seek(positionSeconds)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

waitLoop:
	for {
		allReady := true
		for _, e := range entries {
			if e.source.State() != track.Faulted && !e.source.IsPreRollReady() {
				allReady = false
				break
			}
		}
		if allReady {
			break waitLoop
		}
		if time.Now().After(deadline) {
			for _, e := range entries {
				if e.source.State() != track.Faulted && !e.source.IsPreRollReady() {
					c.logger.Warn("pre-roll timeout", "track", e.name)
					e.source.FailPreRoll()
				}
			}
			break waitLoop
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	c.playing.Store(true)
	c.logger.Info("playback started", "position_seconds", positionSeconds, "track_count", len(entries))
	return nil
}

// Pause puts each attached source into Paused. The backend keeps running
// and produces silence, avoiding cold-start artifacts on resume.
func (c *Controller) Pause() {
	for _, e := range c.snapshotEntries() {
		e.source.Pause()
	}
	c.playing.Store(false)
	c.logger.Info("playback paused")
}

// Resume transitions every paused source back to Playing.
func (c *Controller) Resume() {
	for _, e := range c.snapshotEntries() {
		e.source.Resume()
	}
	c.playing.Store(true)
	c.logger.Info("playback resumed")
}

// Stop detaches all sources and zeros the clock.
func (c *Controller) Stop() {
	c.mu.Lock()
	entries := c.snapshotEntriesLocked()
	for _, id := range c.order {
		c.tracks[id].attached = false
	}
	c.mu.Unlock()
	for _, e := range entries {
		e.source.Stop()
		c.mx.Detach(e.source.ID())
	}
	c.mx.Clock().Reset()
	c.playing.Store(false)
	c.logger.Info("playback stopped")
}

// Seek brakes the pump (pauses each source), seeks the clock and each
// source, then resumes.
func (c *Controller) Seek(seconds float64) {
	entries := c.snapshotEntries()

	wasPlaying := c.playing.Load()
	if wasPlaying {
		for _, e := range entries {
			e.source.Pause()
		}
	}

	c.mx.Clock().Seek(seconds)
	for _, e := range entries {
		e.source.Seek(seconds)
	}

	if wasPlaying {
		for _, e := range entries {
			e.source.Resume()
		}
	}
	c.logger.Info("seek", "position_seconds", seconds)
}

// SetTempo applies multiplier (a linear ratio, clamped here to the
// configured percent band) to every track. After a non-smooth tempo
// reset, every source is reseeked to the current clock position to
// resynchronize.
func (c *Controller) SetTempo(multiplier float64, smooth bool) error {
	if pct := multiplier * 100; pct < c.cfg.TempoBand.MinPercent {
		multiplier = c.cfg.TempoBand.MinPercent / 100
	} else if pct > c.cfg.TempoBand.MaxPercent {
		multiplier = c.cfg.TempoBand.MaxPercent / 100
	}
	c.tempoMultiplier.Store(math.Float64bits(multiplier))

	entries := c.snapshotEntries()
	for _, e := range entries {
		e.source.SetTempo(multiplier, smooth)
	}

	if !smooth {
		pos := c.mx.Clock().CurrentTimestamp()
		for _, e := range entries {
			e.source.Seek(pos)
		}
		c.logger.Info("tempo reset", "multiplier", multiplier, "position_seconds", pos)
	}
	return nil
}

// SetPitch applies semitones to every track, with the same
// smooth/non-smooth contract as SetTempo.
func (c *Controller) SetPitch(semitones float64, smooth bool) {
	for _, e := range c.snapshotEntries() {
		e.source.SetPitch(semitones, smooth)
	}
}

// Track returns the source for id, or nil if it does not exist. Used by
// per-track gain/mute/solo control.
func (c *Controller) Track(id uuid.UUID) *track.TrackSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.tracks[id]; ok {
		return e.source
	}
	return nil
}

// TrackIDs returns the current track set in insertion order.
func (c *Controller) TrackIDs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uuid.UUID(nil), c.order...)
}

// IsPlaying reports the controller's play/pause state.
func (c *Controller) IsPlaying() bool { return c.playing.Load() }

// CurrentPositionSeconds returns the master clock's current timestamp.
func (c *Controller) CurrentPositionSeconds() float64 {
	return c.mx.Clock().CurrentTimestamp()
}

// TotalDurationSeconds is the longest source duration at the current
// tempo.
func (c *Controller) TotalDurationSeconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var longest float64
	for _, e := range c.tracks {
		if d := e.source.DurationSeconds(); d > longest {
			longest = d
		}
	}
	return longest
}

// snapshotEntry pairs an entry with whether it was already attached when
// the snapshot was taken.
type snapshotEntry struct {
	*entry
	wasAttached bool
}

func (c *Controller) snapshotEntries() []snapshotEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotEntriesLocked()
}

func (c *Controller) snapshotEntriesLocked() []snapshotEntry {
	entries := make([]snapshotEntry, 0, len(c.order))
	for _, id := range c.order {
		e := c.tracks[id]
		entries = append(entries, snapshotEntry{entry: e, wasAttached: e.attached})
	}
	return entries
}
