package main

import (
	"math"

	"github.com/driftline/engine/engine/track"
)

// demoToneFactory stands in for a real file-decoding backend. It turns
// every added track path into a continuous sine tone so enginectl can
// exercise the engine end-to-end without a concrete audio codec.
type demoToneFactory struct {
	sampleRate int
	channels   int
}

func (f demoToneFactory) Open(path string) (track.Decoder, track.Resampler, track.TempoPitchTransform, error) {
	return &demoToneDecoder{sampleRate: f.sampleRate, channels: f.channels, freqHz: 220}, nil, nil, nil
}

// demoToneDecoder never reaches EOF; it generates indefinitely so manual
// testing with enginectl can play/pause/seek without a real media file.
type demoToneDecoder struct {
	sampleRate int
	channels   int
	freqHz     float64
	phase      float64
}

func (d *demoToneDecoder) Decode(dst []float32, frameCount int) (int, bool, error) {
	step := 2 * math.Pi * d.freqHz / float64(d.sampleRate)
	for i := 0; i < frameCount; i++ {
		v := float32(0.2 * math.Sin(d.phase))
		for c := 0; c < d.channels; c++ {
			dst[i*d.channels+c] = v
		}
		d.phase += step
		if d.phase > 2*math.Pi {
			d.phase -= 2 * math.Pi
		}
	}
	return frameCount, false, nil
}

func (d *demoToneDecoder) SampleRate() int { return d.sampleRate }
func (d *demoToneDecoder) Channels() int   { return d.channels }

// DurationSeconds reports zero: the tone is endless.
func (d *demoToneDecoder) DurationSeconds() float64 { return 0 }

func (d *demoToneDecoder) Seek(seconds float64) error {
	d.phase = math.Mod(2*math.Pi*d.freqHz*seconds, 2*math.Pi)
	return nil
}

func (d *demoToneDecoder) Close() error { return nil }
