//go:build linux

package dmamem

import (
	"fmt"
	"sync"
)

// Pool carves one region into equally sized buffers and keeps the free ones
// on a stack. It is safe for concurrent use.
type Pool struct {
	region *Region
	size   int

	mu        sync.Mutex
	bufs      []Buffer
	free      []int
	freeCount int
	// closed is set by Close. The region is freed once every buffer is
	// back.
	closed bool
}

// Buffer is one DMA-visible chunk of a Pool.
type Buffer struct {
	pool  *Pool
	index int
	data  []byte
	bus   uint64
	n     int
	inUse bool
}

// BufferAlign is the alignment of every pool buffer.
const BufferAlign = 64

// NewPool allocates count buffers of size bytes each.
func NewPool(a *Allocator, count, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("%w: pool of %d x %d bytes", ErrOutOfMemory, count, size)
	}
	size = roundUp(size, BufferAlign)
	r, err := a.Alloc(count*size, BufferAlign)
	if err != nil {
		return nil, fmt.Errorf("allocating buffer pool: %w", err)
	}

	p := &Pool{
		region:    r,
		size:      size,
		bufs:      make([]Buffer, count),
		free:      make([]int, count),
		freeCount: count,
	}
	mem := r.Bytes()
	for i := range p.bufs {
		off := i * size
		p.bufs[i] = Buffer{
			pool:  p,
			index: i,
			data:  mem[off : off+size : off+size],
			bus:   r.BusAddrOf(off),
		}
		// Hand out low indexes first.
		p.free[i] = count - 1 - i
	}
	return p, nil
}

// BufferSize returns the capacity of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.size }

// Available returns the number of free buffers.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCount
}

// InUse returns the number of buffers handed out and not yet returned.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bufs) - p.freeCount
}

// Get takes a free buffer with its length reset to zero.
// It reports false when the pool is exhausted or closed.
func (p *Pool) Get() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freeCount == 0 || p.closed {
		return nil, false
	}
	p.freeCount--
	b := &p.bufs[p.free[p.freeCount]]
	b.inUse = true
	b.n = 0
	return b, true
}

// Put returns a buffer to the pool.
func (p *Pool) Put(b *Buffer) {
	if b.pool != p {
		panic("dmamem: buffer returned to foreign pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !b.inUse {
		panic(fmt.Sprintf("dmamem: buffer %d released twice", b.index))
	}
	b.inUse = false
	p.free[p.freeCount] = b.index
	p.freeCount++
	if p.closed && p.freeCount == len(p.bufs) {
		// Nobody is left to report a failed unmap to.
		_ = p.region.Free()
	}
}

// Close frees the pool's memory. Buffers still handed out stay valid; the
// memory is freed when the last of them is returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.freeCount < len(p.bufs) {
		return nil
	}
	return p.region.Free()
}

// BusAddr returns the bus address of the buffer's first byte.
func (b *Buffer) BusAddr() uint64 { return b.bus }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return b.n }

// Bytes returns the valid bytes.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Full returns the whole buffer regardless of its length.
func (b *Buffer) Full() []byte { return b.data }

// SetLen sets the number of valid bytes.
func (b *Buffer) SetLen(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("dmamem: length %d out of range [0, %d]", n, len(b.data)))
	}
	b.n = n
}

// Release returns the buffer to its pool.
func (b *Buffer) Release() { b.pool.Put(b) }
