// Package engine wires the playback and synchronization components
// (clock, mixer, transport, wire, netsync) into one process-level entry
// point.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/driftline/engine/engine/audio"
	"github.com/driftline/engine/engine/clock"
	"github.com/driftline/engine/engine/config"
	"github.com/driftline/engine/engine/effect"
	"github.com/driftline/engine/engine/mixer"
	"github.com/driftline/engine/engine/netsync"
	"github.com/driftline/engine/engine/track"
	"github.com/driftline/engine/engine/transport"
	"github.com/driftline/engine/engine/wire"
)

// Engine owns the audio backend, mixer, transport controller, and
// (depending on configured role) a sync server or sync client.
type Engine struct {
	cfg     config.Config
	logger  *log.Logger
	backend audio.Backend

	mx         *mixer.Mixer
	controller *transport.Controller

	timeProvider *netsync.TimeProvider
	syncServer   *netsync.Server
	syncClient   *netsync.Client

	dropoutCount atomic.Int64
	dropoutMu    sync.Mutex
	lastDropout  string

	drainStop chan struct{}
	drainWG   sync.WaitGroup
}

// New constructs an Engine from cfg. factory supplies file decoding,
// which lives outside the engine; backend is the platform audio output
// device, or audio.NewNullBackend() for headless/test operation.
func New(cfg config.Config, factory transport.DecoderFactory, backend audio.Backend, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "engine")

	mx := mixer.New(mixer.Config{
		SampleRate:    cfg.SampleRate,
		Channels:      cfg.Channels,
		MaxFrameCount: cfg.BufferSizeFrames,
		Logger:        logger,
	})

	controller := transport.New(transport.Config{
		EngineSampleRate:   cfg.SampleRate,
		EngineChannels:     cfg.Channels,
		RingCapacityFrames: cfg.RingCapacityFrames,
		PreRollThreshold:   cfg.PreRollThreshold,
		DriftTolerance:     cfg.DriftTolerance,
		TempoBand:          transport.TempoBand{MinPercent: cfg.TempoMinPercent, MaxPercent: cfg.TempoMaxPercent},
		Logger:             logger,
	}, mx, factory)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		backend:    backend,
		mx:         mx,
		controller: controller,
	}

	switch cfg.Role {
	case "server":
		mx.Clock().SetMode(clock.NetworkServer)
		e.timeProvider = netsync.NewTimeProvider(cfg.NTPServers, logger)
		e.syncServer = netsync.NewServer(mx.Clock(), e.timeProvider, logger)
		e.syncServer.SetStaleTimeout(cfg.PeerTimeout)
	case "client":
		mx.Clock().SetMode(clock.NetworkClient)
		cl, err := netsync.NewClient(netsync.ClientConfig{
			ServerAddr:           cfg.ServerAddr,
			ListenPort:           cfg.WirePort,
			AllowOfflinePlayback: cfg.AllowOfflinePlayback,
			PingInterval:         cfg.PingInterval,
			ServerTimeout:        cfg.PeerTimeout,
			Logger:               logger,
		}, mx.Clock())
		if err != nil {
			return nil, fmt.Errorf("engine: construct sync client: %w", err)
		}
		e.syncClient = cl
	}

	return e, nil
}

// Start initializes and starts the audio backend (wiring its fill
// callback to the mixer), the dropout drain thread, and, depending on
// role, the sync server or client. It does not start playback of any
// track; call Play once tracks are added.
func (e *Engine) Start() error {
	if err := e.backend.Initialize(audio.Config{
		SampleRate:       e.cfg.SampleRate,
		Channels:         e.cfg.Channels,
		BufferSizeFrames: e.cfg.BufferSizeFrames,
	}); err != nil {
		return fmt.Errorf("engine: initialize audio backend: %w", err)
	}
	fill := func(output []float32, frameCount int) { e.mx.Fill(output, frameCount) }
	if err := e.backend.Start(fill); err != nil {
		return fmt.Errorf("engine: start audio backend: %w", err)
	}

	e.drainStop = make(chan struct{})
	e.drainWG.Add(2)
	go e.drainDropouts()
	go e.watchDevice()

	if e.syncServer != nil {
		e.timeProvider.Resync("", nil)
		if err := e.syncServer.Start(e.cfg.WirePort, fmt.Sprintf("%s:%d", e.cfg.BroadcastAddress, e.cfg.WirePort)); err != nil {
			_ = e.backend.Stop()
			return fmt.Errorf("engine: start sync server: %w", err)
		}
	}
	if e.syncClient != nil {
		if err := e.syncClient.Start(); err != nil {
			_ = e.backend.Stop()
			return fmt.Errorf("engine: start sync client: %w", err)
		}
	}

	e.logger.Info("engine started", "sample_rate", e.cfg.SampleRate, "channels", e.cfg.Channels, "role", e.cfg.Role)
	return nil
}

// Stop halts playback, the sync layer, the dropout drain, and the audio
// backend, in that order.
func (e *Engine) Stop() error {
	e.controller.Stop()
	if e.syncClient != nil {
		e.syncClient.Stop()
	}
	if e.syncServer != nil {
		e.syncServer.Stop()
	}
	if e.drainStop != nil {
		close(e.drainStop)
		e.drainWG.Wait()
		e.drainStop = nil
	}
	err := e.backend.Stop()
	e.logger.Info("engine stopped")
	return err
}

// drainDropouts is the mixer-owned event drain thread: the audio thread
// only pushes dropout events; this goroutine pulls them off and turns
// them into counters and log lines.
func (e *Engine) drainDropouts() {
	defer e.drainWG.Done()
	events := make([]track.DropoutEvent, 32)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.drainStop:
			return
		case <-ticker.C:
			n := e.mx.DrainDropouts(events)
			for _, ev := range events[:n] {
				e.dropoutCount.Add(1)
				msg := fmt.Sprintf("%s: %s (%d frames at %.3fs)", ev.TrackName, ev.Reason, ev.MissedFrames, ev.TimestampSeconds)
				e.dropoutMu.Lock()
				e.lastDropout = msg
				e.dropoutMu.Unlock()
				e.logger.Warn("dropout", "track", ev.TrackName, "reason", ev.Reason.String(), "missed_frames", ev.MissedFrames)
			}
		}
	}
}

// watchDevice reacts to backend device-change events: playback is
// stopped and the condition surfaced, leaving the control plane free to
// reinitialize with a new device and restart.
func (e *Engine) watchDevice() {
	defer e.drainWG.Done()
	for {
		select {
		case <-e.drainStop:
			return
		case ev := <-e.backend.DeviceChanges():
			e.logger.Error("audio device lost", "reason", ev.Reason)
			e.controller.Stop()
		}
	}
}

// DropoutCount returns the total number of dropout events observed since
// the engine started.
func (e *Engine) DropoutCount() int64 { return e.dropoutCount.Load() }

// LastDropoutMessage returns a human-readable description of the most
// recent dropout, or "" when none has occurred.
func (e *Engine) LastDropoutMessage() string {
	e.dropoutMu.Lock()
	defer e.dropoutMu.Unlock()
	return e.lastDropout
}

// AddTrack, RemoveTrack, Play, Pause, Resume, StopPlayback, Seek,
// SetTempo, and SetPitch delegate straight to the transport controller;
// Engine's own job is lifecycle plus sync-layer wiring, not transport
// logic.

func (e *Engine) AddTrack(path, name string) (uuid.UUID, error) {
	return e.controller.AddTrack(path, name)
}

func (e *Engine) RemoveTrack(id uuid.UUID) {
	e.controller.RemoveTrack(id)
}

func (e *Engine) Play(ctx context.Context, positionSeconds float64, timeout time.Duration) error {
	if !e.localControlAllowed() {
		return fmt.Errorf("engine: local control rejected while not synced")
	}
	return e.controller.Play(ctx, positionSeconds, timeout)
}

func (e *Engine) Pause()  { e.controller.Pause() }
func (e *Engine) Resume() { e.controller.Resume() }

func (e *Engine) StopPlayback() { e.controller.Stop() }

func (e *Engine) Seek(seconds float64) { e.controller.Seek(seconds) }

func (e *Engine) SetTempo(multiplier float64, smooth bool) error {
	return e.controller.SetTempo(multiplier, smooth)
}

func (e *Engine) SetPitch(semitones float64, smooth bool) {
	e.controller.SetPitch(semitones, smooth)
}

// SetMasterVolume installs a new linear master gain on the mixer.
func (e *Engine) SetMasterVolume(linear float64) {
	if linear < 0 {
		linear = 0
	} else if linear > 1 {
		linear = 1
	}
	e.mx.SetMasterVolume(linear)
}

// SetTrackGain, SetTrackMute, and SetTrackSolo adjust one track's mix
// parameters. Unknown ids are ignored.
func (e *Engine) SetTrackGain(id uuid.UUID, gain float64) {
	if t := e.controller.Track(id); t != nil {
		t.SetGain(gain)
	}
}

func (e *Engine) SetTrackMute(id uuid.UUID, muted bool) {
	if t := e.controller.Track(id); t != nil {
		t.SetMute(muted)
	}
}

func (e *Engine) SetTrackSolo(id uuid.UUID, solo bool) {
	if t := e.controller.Track(id); t != nil {
		t.SetSolo(solo)
	}
}

// AddMasterEffect appends an effect to the mixer's master chain.
func (e *Engine) AddMasterEffect(p effect.Processor) error {
	return e.mx.AddMasterEffect(p)
}

// RemoveMasterEffect removes the first effect for which match returns
// true.
func (e *Engine) RemoveMasterEffect(match func(effect.Processor) bool) {
	e.mx.RemoveMasterEffect(match)
}

// IsPlaying reports the transport's play/pause state.
func (e *Engine) IsPlaying() bool { return e.controller.IsPlaying() }

// CurrentPositionSeconds returns the master clock's current timestamp.
func (e *Engine) CurrentPositionSeconds() float64 {
	return e.controller.CurrentPositionSeconds()
}

// TotalDurationSeconds is the longest track duration at the current
// tempo.
func (e *Engine) TotalDurationSeconds() float64 {
	return e.controller.TotalDurationSeconds()
}

// ConnectionState reports the sync client's connection state, or
// Disconnected when the engine is not in the client role.
func (e *Engine) ConnectionState() netsync.ClientState {
	if e.syncClient == nil {
		return netsync.Disconnected
	}
	return e.syncClient.State()
}

func (e *Engine) localControlAllowed() bool {
	if e.syncClient == nil {
		return true
	}
	return e.syncClient.LocalControlAllowed()
}

// ServeRemoteCommands drains the sync client's server-initiated command
// events (Play/Pause/Stop/Seek/Tempo) and applies them to the transport
// controller. Callers in client role should run this in its own goroutine
// for the engine's lifetime.
func (e *Engine) ServeRemoteCommands(ctx context.Context) {
	if e.syncClient == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.syncClient.Events():
			e.applyRemoteCommand(ev)
		}
	}
}

func (e *Engine) applyRemoteCommand(ev netsync.CommandEvent) {
	switch ev.Type {
	case wire.Play:
		e.controller.Resume()
	case wire.Pause:
		e.controller.Pause()
	case wire.Stop:
		e.controller.Stop()
	case wire.Seek:
		e.controller.Seek(ev.TargetPosition)
	case wire.Tempo:
		_ = e.controller.SetTempo(float64(ev.TempoValue), ev.UseSmooth)
	}
}

// Clock exposes the mixer-owned master clock (e.g. for a UI position
// readout); mutating it directly bypasses transport semantics and should
// be avoided outside tests.
func (e *Engine) Clock() *clock.Clock { return e.mx.Clock() }

// SyncServer returns the sync server, or nil when not configured for the
// server role.
func (e *Engine) SyncServer() *netsync.Server { return e.syncServer }

// SyncClient returns the sync client, or nil when not configured for the
// client role.
func (e *Engine) SyncClient() *netsync.Client { return e.syncClient }
