// Package clock implements the sample-accurate master timeline shared by
// every track source and the mixer.
package clock

import (
	"sync/atomic"
)

// Mode distinguishes how the clock is being driven.
type Mode int32

const (
	// Realtime is driven purely by the audio callback advancing frames.
	Realtime Mode = iota
	// Offline renders faster or slower than real time (e.g. bounce-to-file).
	Offline
	// NetworkServer additionally broadcasts its position to peers.
	NetworkServer
	// NetworkClient additionally accepts ClockSync-driven seeks.
	NetworkClient
)

func (m Mode) String() string {
	switch m {
	case Realtime:
		return "realtime"
	case Offline:
		return "offline"
	case NetworkServer:
		return "network-server"
	case NetworkClient:
		return "network-client"
	default:
		return "unknown"
	}
}

// Clock is the monotonically advancing frame counter that represents
// "now" on the shared timeline. All exported methods are safe to call
// from any goroutine; Advance is additionally safe to call from the audio
// callback (it never allocates, locks, or blocks).
type Clock struct {
	sampleRate int64

	// frames is the authoritative timeline position, in output frames; Reset
	// zeroes it and Seek sets it to the target. Advance publishes with Add; readers on any thread
	// see either the pre- or post-advance value, never a torn one.
	frames atomic.Int64

	mode atomic.Int32
}

// New creates a Clock for the given engine sample rate. sampleRate must
// match the value installed for the engine session.
func New(sampleRate int, mode Mode) *Clock {
	if sampleRate <= 0 {
		sampleRate = 1
	}
	c := &Clock{sampleRate: int64(sampleRate)}
	c.mode.Store(int32(mode))
	return c
}

// Mode returns the clock's current drive mode.
func (c *Clock) Mode() Mode {
	return Mode(c.mode.Load())
}

// SetMode changes the drive mode. Safe from any thread; never called from
// the audio callback in normal operation.
func (c *Clock) SetMode(m Mode) {
	c.mode.Store(int32(m))
}

// SampleRate returns the configured sample rate.
func (c *Clock) SampleRate() int {
	return int(c.sampleRate)
}

// Advance must be called only from the audio callback, exactly once per
// fill, with the number of frames that fill actually produced. After it
// returns, CurrentSamplePosition reflects the advance in full: a fill of
// N frames moves the position by exactly N.
func (c *Clock) Advance(frames int) {
	if frames <= 0 {
		return
	}
	c.frames.Add(int64(frames))
}

// Seek replaces the clock position atomically, converting the given
// timeline position (seconds) to a frame count. Callable from any thread.
func (c *Clock) Seek(seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	c.frames.Store(int64(seconds * float64(c.sampleRate)))
}

// SeekFrames is Seek's frame-domain equivalent, used by network clock
// discipline where the wire already carries an integer sample position.
func (c *Clock) SeekFrames(frames int64) {
	if frames < 0 {
		frames = 0
	}
	c.frames.Store(frames)
}

// Reset sets the clock to zero atomically.
func (c *Clock) Reset() {
	c.frames.Store(0)
}

// CurrentSamplePosition is lock-free and may be called from any thread,
// including the audio callback.
func (c *Clock) CurrentSamplePosition() int64 {
	return c.frames.Load()
}

// CurrentTimestamp derives seconds from the atomic frame counter. Never
// negative.
func (c *Clock) CurrentTimestamp() float64 {
	f := c.frames.Load()
	if f < 0 {
		return 0
	}
	return float64(f) / float64(c.sampleRate)
}
