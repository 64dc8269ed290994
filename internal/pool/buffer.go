// Package pool provides pooled byte buffers for socket reads and packet
// assembly.
package pool

import (
	"sync"
)

const (
	// ReceiveBufferSize is the default socket read size. It matches the
	// receive buffer used by deployed OpenSDG clients.
	ReceiveBufferSize = 1536

	// MediumBufferSize covers typical grid and application frames.
	MediumBufferSize = 16384

	// PacketBufferSize holds the largest possible packet including its
	// size field.
	PacketBufferSize = 0xFFFF + 2
)

// BufferPool provides pooled byte slices in three size classes.
type BufferPool struct {
	receivePool sync.Pool
	mediumPool  sync.Pool
	packetPool  sync.Pool
}

func sizedPool(size int) sync.Pool {
	return sync.Pool{
		New: func() any {
			buf := make([]byte, 0, size)
			return &buf
		},
	}
}

// NewBufferPool creates a new buffer pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		receivePool: sizedPool(ReceiveBufferSize),
		mediumPool:  sizedPool(MediumBufferSize),
		packetPool:  sizedPool(PacketBufferSize),
	}
}

// Get returns a buffer with length 0 and at least the requested capacity.
// Call Put when done.
func (p *BufferPool) Get(size int) *[]byte {
	var buf *[]byte
	switch {
	case size <= ReceiveBufferSize:
		buf = p.receivePool.Get().(*[]byte)
	case size <= MediumBufferSize:
		buf = p.mediumPool.Get().(*[]byte)
	case size <= PacketBufferSize:
		buf = p.packetPool.Get().(*[]byte)
	default:
		b := make([]byte, 0, size)
		return &b
	}
	*buf = (*buf)[:0]
	return buf
}

// GetExact returns a zeroed buffer of exactly size bytes.
func (p *BufferPool) GetExact(size int) *[]byte {
	buf := p.Get(size)
	*buf = (*buf)[:size]
	clear(*buf)
	return buf
}

// Put returns a buffer to its size class. Oversized buffers are left to
// the garbage collector.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	c := cap(*buf)
	*buf = (*buf)[:0]

	switch {
	case c < ReceiveBufferSize:
		// Foreign buffer smaller than any class.
	case c < MediumBufferSize:
		p.receivePool.Put(buf)
	case c < PacketBufferSize:
		p.mediumPool.Put(buf)
	case c == PacketBufferSize:
		p.packetPool.Put(buf)
	}
}

var global = NewBufferPool()

// GetBuffer returns a buffer from the global pool.
func GetBuffer(size int) *[]byte {
	return global.Get(size)
}

// GetExactBuffer returns a zeroed buffer of exactly size bytes from the
// global pool.
func GetExactBuffer(size int) *[]byte {
	return global.GetExact(size)
}

// PutBuffer returns a buffer to the global pool.
func PutBuffer(buf *[]byte) {
	global.Put(buf)
}
