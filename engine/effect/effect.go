// Package effect implements the ordered, real-time-safe DSP chain applied
// to the mixer's master output.
package effect

import "math"

// Processor is the capability set every effect in the chain must satisfy.
// Process must be real-time-safe: no allocation, no locking, no I/O.
// frameCount never exceeds the size promised to Initialize.
type Processor interface {
	Initialize(cfg Config) error
	Process(buffer []float32, frameCount int)
	Reset()
	Enabled() bool
	SetEnabled(bool)
	Mix() float64
}

// Config mirrors the audio configuration installed once per engine
// session.
type Config struct {
	SampleRate    int
	Channels      int
	MaxFrameCount int
}

// Chain is an ordered, swap-immutable list of Processors. The mixer
// treats a *Chain as immutable for the duration of one fill; a new Chain
// is built to add or remove an effect.
type Chain struct {
	stages []Processor
}

// NewChain builds a Chain from an ordered list of processors, calling
// Initialize on each exactly once.
func NewChain(cfg Config, stages ...Processor) (*Chain, error) {
	for _, s := range stages {
		if err := s.Initialize(cfg); err != nil {
			return nil, err
		}
	}
	return &Chain{stages: stages}, nil
}

// Process runs every enabled stage, in order, in place over buffer.
// Disabled stages are skipped entirely and retain their state.
func (c *Chain) Process(buffer []float32, frameCount int) {
	if c == nil {
		return
	}
	for _, s := range c.stages {
		if s.Enabled() {
			s.Process(buffer, frameCount)
		}
	}
}

// WithAppended returns a new Chain with stage appended, initialized
// against cfg. The receiver is left unmodified.
func (c *Chain) WithAppended(cfg Config, stage Processor) (*Chain, error) {
	if err := stage.Initialize(cfg); err != nil {
		return nil, err
	}
	next := make([]Processor, 0, len(c.Stages())+1)
	next = append(next, c.Stages()...)
	next = append(next, stage)
	return &Chain{stages: next}, nil
}

// WithRemoved returns a new Chain without the first stage for which match
// returns true. The receiver is left unmodified.
func (c *Chain) WithRemoved(match func(Processor) bool) *Chain {
	stages := c.Stages()
	next := make([]Processor, 0, len(stages))
	removed := false
	for _, s := range stages {
		if !removed && match(s) {
			removed = true
			continue
		}
		next = append(next, s)
	}
	return &Chain{stages: next}
}

// Stages returns the chain's processors in order. Safe to call with a nil
// receiver (returns an empty chain's stages).
func (c *Chain) Stages() []Processor {
	if c == nil {
		return nil
	}
	return c.stages
}

// baseProcessor holds the enabled/mix bookkeeping shared by every
// concrete effect below.
type baseProcessor struct {
	enabled bool
	mix     float64
}

func (b *baseProcessor) Enabled() bool     { return b.enabled }
func (b *baseProcessor) SetEnabled(e bool) { b.enabled = e }
func (b *baseProcessor) Mix() float64      { return b.mix }

// Limiter is a lookahead-free peak limiter: feed-forward gain reduction
// with a single-pole release, real-time safe and allocation-free.
// Limiters ignore Mix.
type Limiter struct {
	baseProcessor
	ThresholdLinear float64 // e.g. 0.891 ≈ -1dBFS
	ReleaseSeconds  float64

	sampleRate  int
	releaseCoef float64
	gainState   float64 // current smoothed gain reduction, 1.0 = no reduction
}

// NewLimiter returns an enabled Limiter at the given threshold/release.
func NewLimiter(thresholdLinear, releaseSeconds float64) *Limiter {
	if thresholdLinear <= 0 || thresholdLinear > 1 {
		thresholdLinear = 0.891
	}
	if releaseSeconds <= 0 {
		releaseSeconds = 0.25
	}
	return &Limiter{
		baseProcessor:   baseProcessor{enabled: true, mix: 1.0},
		ThresholdLinear: thresholdLinear,
		ReleaseSeconds:  releaseSeconds,
		gainState:       1.0,
	}
}

func (l *Limiter) Initialize(cfg Config) error {
	l.sampleRate = cfg.SampleRate
	if l.sampleRate <= 0 {
		l.sampleRate = 48000
	}
	// Single-pole release coefficient: gain moves toward target by
	// (1-releaseCoef) per sample.
	l.releaseCoef = math.Exp(-1.0 / (l.ReleaseSeconds * float64(l.sampleRate)))
	l.gainState = 1.0
	return nil
}

func (l *Limiter) Process(buffer []float32, frameCount int) {
	for i := 0; i < len(buffer); i++ {
		s := buffer[i]
		abs := float64(s)
		if abs < 0 {
			abs = -abs
		}
		target := 1.0
		if abs > l.ThresholdLinear {
			target = l.ThresholdLinear / abs
		}
		if target < l.gainState {
			l.gainState = target // instant attack
		} else {
			l.gainState = target + (l.gainState-target)*l.releaseCoef
		}
		buffer[i] = float32(float64(s) * l.gainState)
	}
}

func (l *Limiter) Reset() {
	l.gainState = 1.0
}

// GainTrim is a fixed/automatable linear gain stage.
type GainTrim struct {
	baseProcessor
	LinearGain float64
}

// NewGainTrim returns an enabled GainTrim with the given linear gain and a
// full-wet mix.
func NewGainTrim(linearGain float64) *GainTrim {
	return &GainTrim{baseProcessor: baseProcessor{enabled: true, mix: 1.0}, LinearGain: linearGain}
}

func (g *GainTrim) Initialize(Config) error { return nil }

func (g *GainTrim) Process(buffer []float32, frameCount int) {
	gain := float32(g.LinearGain)
	mix := float32(g.mix)
	for i := range buffer {
		dry := buffer[i]
		wet := dry * gain
		buffer[i] = dry + (wet-dry)*mix
	}
}

func (g *GainTrim) Reset() {}

// Overdrive is a tanh-based soft clipper with a dry/wet Mix control.
type Overdrive struct {
	baseProcessor
	Drive float64 // pre-gain applied before the tanh curve
}

// NewOverdrive returns an enabled Overdrive at the given drive amount with a
// 50% mix.
func NewOverdrive(drive float64) *Overdrive {
	if drive <= 0 {
		drive = 1.0
	}
	return &Overdrive{baseProcessor: baseProcessor{enabled: true, mix: 0.5}, Drive: drive}
}

func (o *Overdrive) Initialize(Config) error { return nil }

func (o *Overdrive) Process(buffer []float32, frameCount int) {
	mix := float32(o.mix)
	drive := o.Drive
	for i := range buffer {
		dry := buffer[i]
		wet := float32(math.Tanh(float64(dry) * drive))
		buffer[i] = dry + (wet-dry)*mix
	}
}

func (o *Overdrive) Reset() {}

// VSTHostStub stands in for an external VST plugin host. Plugin loading
// lives outside this engine; a genuine host is consumed through the same
// Processor interface.
type VSTHostStub struct {
	baseProcessor
	PluginName string
}

// NewVSTHostStub returns a disabled stub effect for the named plugin.
func NewVSTHostStub(pluginName string) *VSTHostStub {
	return &VSTHostStub{baseProcessor: baseProcessor{enabled: false, mix: 1.0}, PluginName: pluginName}
}

func (v *VSTHostStub) Initialize(Config) error { return nil }
func (v *VSTHostStub) Process([]float32, int)  {}
func (v *VSTHostStub) Reset()                  {}
