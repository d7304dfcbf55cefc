package effect

import "math"

// eqBandCount is the number of third-octave bands, 25 Hz through 20 kHz.
const eqBandCount = 30

// eqCenterFrequencies are the ISO third-octave centers.
var eqCenterFrequencies = [eqBandCount]float64{
	25, 31.5, 40, 50, 63, 80, 100, 125, 160, 200,
	250, 315, 400, 500, 630, 800, 1000, 1250, 1600, 2000,
	2500, 3150, 4000, 5000, 6300, 8000, 10000, 12500, 16000, 20000,
}

// biquad holds one direct-form-I second-order section. Coefficients are
// computed off the audio thread; Process only reads them.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func (f *biquad) process(in float64) float64 {
	out := f.b0*in + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, in
	f.y2, f.y1 = f.y1, out
	return out
}

func (f *biquad) reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

// setPeaking loads RBJ peaking-EQ coefficients for the given center
// frequency, gain, and Q at the given sample rate.
func (f *biquad) setPeaking(sampleRate, centerHz, gainDB, q float64) {
	if centerHz >= sampleRate/2 {
		// Band above Nyquist: pass through.
		f.b0, f.b1, f.b2, f.a1, f.a2 = 1, 0, 0, 0, 0
		return
	}
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * centerHz / sampleRate
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	b0 := 1 + alpha*a
	b1 := -2 * cosW0
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosW0
	a2 := 1 - alpha/a

	f.b0 = b0 / a0
	f.b1 = b1 / a0
	f.b2 = b2 / a0
	f.a1 = a1 / a0
	f.a2 = a2 / a0
}

// GraphicEQ is a 30-band third-octave equalizer built from peaking biquad
// sections, one bank per channel. Band gains are applied on Initialize and
// SetBandGain; Process itself never computes coefficients.
type GraphicEQ struct {
	baseProcessor

	gainsDB  [eqBandCount]float64
	channels int
	rate     int
	filters  [][eqBandCount]biquad // one bank per channel
}

// NewGraphicEQ returns an enabled, flat (0 dB on every band) equalizer.
func NewGraphicEQ() *GraphicEQ {
	return &GraphicEQ{baseProcessor: baseProcessor{enabled: true, mix: 1.0}}
}

// BandCount returns the number of bands.
func (e *GraphicEQ) BandCount() int { return eqBandCount }

// BandCenterHz returns the center frequency of band i.
func (e *GraphicEQ) BandCenterHz(i int) float64 { return eqCenterFrequencies[i] }

// SetBandGain sets band i's gain in dB, clamped to ±12, and reloads that
// band's coefficients. Must be called off the audio thread.
func (e *GraphicEQ) SetBandGain(i int, gainDB float64) {
	if i < 0 || i >= eqBandCount {
		return
	}
	if gainDB > 12 {
		gainDB = 12
	} else if gainDB < -12 {
		gainDB = -12
	}
	e.gainsDB[i] = gainDB
	for ch := range e.filters {
		e.filters[ch][i].setPeaking(float64(e.rate), eqCenterFrequencies[i], gainDB, eqQ)
	}
}

// BandGain returns band i's gain in dB.
func (e *GraphicEQ) BandGain(i int) float64 {
	if i < 0 || i >= eqBandCount {
		return 0
	}
	return e.gainsDB[i]
}

// eqQ approximates third-octave bandwidth.
const eqQ = 4.318

func (e *GraphicEQ) Initialize(cfg Config) error {
	e.rate = cfg.SampleRate
	if e.rate <= 0 {
		e.rate = 48000
	}
	e.channels = cfg.Channels
	if e.channels <= 0 {
		e.channels = 2
	}
	e.filters = make([][eqBandCount]biquad, e.channels)
	for i := 0; i < eqBandCount; i++ {
		e.SetBandGain(i, e.gainsDB[i])
	}
	return nil
}

func (e *GraphicEQ) Process(buffer []float32, frameCount int) {
	mix := float32(e.mix)
	for i := 0; i < len(buffer); i++ {
		ch := i % e.channels
		dry := buffer[i]
		sample := float64(dry)
		bank := &e.filters[ch]
		for b := 0; b < eqBandCount; b++ {
			sample = bank[b].process(sample)
		}
		wet := float32(sample)
		buffer[i] = dry + (wet-dry)*mix
	}
}

func (e *GraphicEQ) Reset() {
	for ch := range e.filters {
		for b := range e.filters[ch] {
			e.filters[ch][b].reset()
		}
	}
}
