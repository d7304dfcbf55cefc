// Package audio defines the thin backend contract over a platform
// callback-driven output device and a concrete PortAudio implementation.
package audio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Config is the immutable audio configuration shared by every component
// once installed for an engine session.
type Config struct {
	SampleRate       int
	Channels         int
	BufferSizeFrames int
}

// FillFunc is the callback a Backend invokes from its real-time thread to
// request the next buffer of interleaved Float32 output. frameCount is the
// number of frames (not samples) requested; output has length
// frameCount*Channels.
type FillFunc func(output []float32, frameCount int)

// DeviceChangeEvent is raised when the backend detects the active device
// changed or was lost.
type DeviceChangeEvent struct {
	Reason string
}

// DeviceInfo describes one selectable output device.
type DeviceInfo struct {
	Name              string
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Backend is the contract every platform output device adapter must
// satisfy. Implementations guarantee one callback in flight at a time per
// device.
type Backend interface {
	Initialize(cfg Config) error
	Start(fill FillFunc) error
	Stop() error
	FramesPerBuffer() int
	Devices() ([]DeviceInfo, error)
	DeviceChanges() <-chan DeviceChangeEvent
}

// NullBackend drives the fill callback only when the caller pulls,
// without touching any real device. It exists for tests and headless
// operation. It never raises device events on its own; tests inject them
// with RaiseDeviceChange.
type NullBackend struct {
	mu      sync.Mutex
	cfg     Config
	running bool
	stopCh  chan struct{}
	changes chan DeviceChangeEvent
	fill    FillFunc
}

// NewNullBackend returns a backend that never touches hardware.
func NewNullBackend() *NullBackend {
	return &NullBackend{changes: make(chan DeviceChangeEvent, 1)}
}

func (b *NullBackend) Initialize(cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.BufferSizeFrames <= 0 {
		return fmt.Errorf("audio: invalid config %+v", cfg)
	}
	b.cfg = cfg
	return nil
}

// Start registers fill without calling it, so callers (tests) drive every
// pull deterministically via Pull. It does not spawn a background thread,
// unlike PortAudioBackend.
func (b *NullBackend) Start(fill FillFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("audio: backend already running")
	}
	b.fill = fill
	b.running = true
	b.stopCh = make(chan struct{})
	return nil
}

func (b *NullBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	close(b.stopCh)
	b.running = false
	return nil
}

func (b *NullBackend) FramesPerBuffer() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.BufferSizeFrames
}

// RaiseDeviceChange injects a device event, for exercising device-loss
// handling without hardware.
func (b *NullBackend) RaiseDeviceChange(reason string) {
	select {
	case b.changes <- DeviceChangeEvent{Reason: reason}:
	default:
	}
}

func (b *NullBackend) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{Name: "null", MaxOutputChannels: b.cfg.Channels, DefaultSampleRate: float64(b.cfg.SampleRate)}}, nil
}

func (b *NullBackend) DeviceChanges() <-chan DeviceChangeEvent {
	return b.changes
}

// Pull synchronously invokes the registered fill callback once, as if the
// hardware had requested frameCount frames. Tests use this to drive the
// mixer deterministically without a real clock-rate thread.
func (b *NullBackend) Pull(output []float32, frameCount int) {
	b.mu.Lock()
	fill := b.fill
	running := b.running
	b.mu.Unlock()
	if !running || fill == nil {
		return
	}
	fill(output, frameCount)
}

// PortAudioBackend adapts github.com/gordonklaus/portaudio to the Backend
// contract. One instance owns exactly one open stream.
type PortAudioBackend struct {
	mu      sync.Mutex
	cfg     Config
	stream  *portaudio.Stream
	changes chan DeviceChangeEvent

	watchStop chan struct{}
	watchWG   sync.WaitGroup
}

// deviceWatchInterval is how often the running backend re-enumerates the
// output device set looking for a change.
const deviceWatchInterval = 2 * time.Second

// NewPortAudioBackend constructs an uninitialized backend. Initialize must
// be called (which in turn calls portaudio.Initialize) before Start.
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{changes: make(chan DeviceChangeEvent, 4)}
}

func (b *PortAudioBackend) Initialize(cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.BufferSizeFrames <= 0 {
		return fmt.Errorf("audio: invalid config %+v", cfg)
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: portaudio init: %w", err)
	}
	b.cfg = cfg
	return nil
}

// Start opens and starts the default output stream, wiring its callback
// to fill. The portaudio callback signature takes only an output slice for
// an output-only stream, matching the mixer's write-only contract.
func (b *PortAudioBackend) Start(fill FillFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream != nil {
		return fmt.Errorf("audio: stream already started")
	}

	channels := b.cfg.Channels
	cb := func(out []float32) {
		fill(out, len(out)/channels)
	}

	stream, err := portaudio.OpenDefaultStream(
		0, b.cfg.Channels, float64(b.cfg.SampleRate), b.cfg.BufferSizeFrames, cb)
	if err != nil {
		return fmt.Errorf("audio: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("audio: start stream: %w", err)
	}
	b.stream = stream

	b.watchStop = make(chan struct{})
	b.watchWG.Add(1)
	go b.watchDevices(b.watchStop)
	return nil
}

// watchDevices polls the output device set and raises a DeviceChangeEvent
// when it differs from the snapshot taken at Start, or when enumeration
// itself starts failing. PortAudio has no hot-plug callback, and some
// host APIs freeze the device list at initialization, so this detects
// what the host reports; a failing stream remains the authoritative
// signal for a lost device.
func (b *PortAudioBackend) watchDevices(stop <-chan struct{}) {
	defer b.watchWG.Done()

	baseline, err := b.deviceSignature()
	if err != nil {
		baseline = ""
	}

	ticker := time.NewTicker(deviceWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sig, err := b.deviceSignature()
			if err != nil {
				b.raise(DeviceChangeEvent{Reason: fmt.Sprintf("device enumeration failed: %v", err)})
				return
			}
			if sig != baseline {
				b.raise(DeviceChangeEvent{Reason: "output device set changed"})
				baseline = sig
			}
		}
	}
}

// deviceSignature flattens the current output device set into a
// comparable string.
func (b *PortAudioBackend) deviceSignature() (string, error) {
	devices, err := b.Devices()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, d := range devices {
		fmt.Fprintf(&sb, "%s/%d/%.0f;", d.Name, d.MaxOutputChannels, d.DefaultSampleRate)
	}
	return sb.String(), nil
}

// raise publishes a device event without ever blocking the watcher.
func (b *PortAudioBackend) raise(ev DeviceChangeEvent) {
	select {
	case b.changes <- ev:
	default:
	}
}

func (b *PortAudioBackend) Stop() error {
	b.mu.Lock()
	watchStop := b.watchStop
	b.watchStop = nil
	b.mu.Unlock()
	if watchStop != nil {
		close(watchStop)
		b.watchWG.Wait()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil {
		return nil
	}
	if err := b.stream.Stop(); err != nil {
		return fmt.Errorf("audio: stop stream: %w", err)
	}
	if err := b.stream.Close(); err != nil {
		return fmt.Errorf("audio: close stream: %w", err)
	}
	b.stream = nil
	return nil
}

func (b *PortAudioBackend) FramesPerBuffer() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.BufferSizeFrames
}

// Devices enumerates output-capable devices known to portaudio.
func (b *PortAudioBackend) Devices() ([]DeviceInfo, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: enumerate devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(infos))
	for _, d := range infos {
		if d.MaxOutputChannels > 0 {
			out = append(out, DeviceInfo{
				Name:              d.Name,
				MaxOutputChannels: d.MaxOutputChannels,
				DefaultSampleRate: d.DefaultSampleRate,
			})
		}
	}
	return out, nil
}

func (b *PortAudioBackend) DeviceChanges() <-chan DeviceChangeEvent {
	return b.changes
}

// Close releases the underlying portaudio runtime. Call once the backend
// is no longer needed, after Stop.
func (b *PortAudioBackend) Close() error {
	return portaudio.Terminate()
}
