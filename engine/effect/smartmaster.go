package effect

import "math"

// SmartMaster is an adaptive mastering stage: it tracks program loudness
// with a smoothed RMS estimate and eases a makeup gain toward a target
// level, with a hard peak ceiling as the safety net. The gain moves over
// hundreds of milliseconds, so it rides the overall level without
// pumping. Process touches only scalar state and is allocation-free.
type SmartMaster struct {
	baseProcessor
	TargetRMS     float64 // e.g. 0.125 ~= -18 dBFS program loudness
	CeilingLinear float64 // absolute peak ceiling, e.g. 0.955 ~= -0.4 dBFS
	MaxBoost      float64 // upper bound on makeup gain
	MaxCut        float64 // lower bound on makeup gain

	sampleRate int
	msState    float64 // smoothed mean square of the input
	msCoef     float64
	gain       float64 // current makeup gain
	gainCoef   float64
}

// NewSmartMaster returns an enabled SmartMaster at the given RMS target.
// A non-positive target falls back to -18 dBFS.
func NewSmartMaster(targetRMS float64) *SmartMaster {
	if targetRMS <= 0 {
		targetRMS = 0.125
	}
	return &SmartMaster{
		baseProcessor: baseProcessor{enabled: true, mix: 1.0},
		TargetRMS:     targetRMS,
		CeilingLinear: 0.955,
		MaxBoost:      4.0,
		MaxCut:        0.25,
		gain:          1.0,
	}
}

func (m *SmartMaster) Initialize(cfg Config) error {
	m.sampleRate = cfg.SampleRate
	if m.sampleRate <= 0 {
		m.sampleRate = 48000
	}
	// Loudness window ~400ms, gain easing ~800ms; both single-pole.
	m.msCoef = math.Exp(-1.0 / (0.4 * float64(m.sampleRate)))
	m.gainCoef = math.Exp(-1.0 / (0.8 * float64(m.sampleRate)))
	m.msState = m.TargetRMS * m.TargetRMS
	m.gain = 1.0
	return nil
}

func (m *SmartMaster) Process(buffer []float32, frameCount int) {
	mix := float32(m.mix)
	for i := 0; i < len(buffer); i++ {
		dry := buffer[i]
		in := float64(dry)

		m.msState = m.msState*m.msCoef + in*in*(1-m.msCoef)

		target := 1.0
		if rms := math.Sqrt(m.msState); rms > 1e-6 {
			target = m.TargetRMS / rms
		}
		if target > m.MaxBoost {
			target = m.MaxBoost
		} else if target < m.MaxCut {
			target = m.MaxCut
		}
		m.gain = target + (m.gain-target)*m.gainCoef

		wet := in * m.gain
		if wet > m.CeilingLinear {
			wet = m.CeilingLinear
		} else if wet < -m.CeilingLinear {
			wet = -m.CeilingLinear
		}
		buffer[i] = dry + (float32(wet)-dry)*mix
	}
}

func (m *SmartMaster) Reset() {
	m.msState = m.TargetRMS * m.TargetRMS
	m.gain = 1.0
}
