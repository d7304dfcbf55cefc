// Package pool provides recyclable float32 scratch buffers so the decode
// hot path never calls make() in steady state.
package pool

import (
	"unsafe"

	"github.com/valyala/bytebufferpool"
)

// FloatBuffer is a pooled scratch buffer viewed as float32 samples. It
// keeps the backing byte buffer alive so Put can return it to the shared
// pool.
type FloatBuffer struct {
	raw     *bytebufferpool.ByteBuffer
	Samples []float32
}

// FloatPool hands out FloatBuffer scratch slices backed by a shared
// bytebufferpool.Pool of []byte. Samples are reinterpreted in place via
// unsafe.Slice, so Get/Put never copies sample data.
type FloatPool struct {
	bb bytebufferpool.Pool
}

// NewFloatPool creates an empty pool. Buffers are sized on first use and
// grown (re-pooled at their larger size) as callers request more frames.
func NewFloatPool() *FloatPool {
	return &FloatPool{}
}

// Get returns a buffer whose Samples field has exactly frameCount length,
// zeroed. Callers must call Put when done to make the backing array
// available for reuse.
func (p *FloatPool) Get(frameCount int) *FloatBuffer {
	if frameCount <= 0 {
		frameCount = 1
	}
	raw := p.bb.Get()
	need := frameCount * 4
	if cap(raw.B) < need {
		raw.B = make([]byte, need)
	} else {
		raw.B = raw.B[:need]
	}
	samples := unsafe.Slice((*float32)(unsafe.Pointer(&raw.B[0])), frameCount)
	for i := range samples {
		samples[i] = 0
	}
	return &FloatBuffer{raw: raw, Samples: samples}
}

// Put returns buf's backing array to the pool. buf and its Samples slice
// must not be used afterward.
func (p *FloatPool) Put(buf *FloatBuffer) {
	if buf == nil || buf.raw == nil {
		return
	}
	p.bb.Put(buf.raw)
	buf.raw = nil
	buf.Samples = nil
}
