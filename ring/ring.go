// Package ring manages circular descriptor rings shared with a DMA engine.
//
// A Ring tracks three free-running cursors:
//
//   - issue: the next descriptor software will fill.
//   - hardware tail: one past the last descriptor exposed to the device.
//   - completion: the next descriptor software expects the device to finish.
//
// completion <= tail <= issue holds at all times and at most Cap()-1
// descriptors are in flight, so a full ring is never mistaken for an empty
// one. Ownership of a descriptor is decided by the cursors together with
// the completion bit of its status word; there is no separate flag.
package ring

import (
	"errors"
	"fmt"

	"github.com/romshark/axienet-go/dmamem"
)

var (
	// ErrRingFull is returned when a submission would leave no empty slot.
	ErrRingFull = errors.New("ring full")
	// ErrInvalidCapacity is returned for capacities that are not a power
	// of 2 or too small to hold one descriptor in flight.
	ErrInvalidCapacity = errors.New("invalid ring capacity")
)

// MaxCapacity is the largest supported ring.
const MaxCapacity = 1 << 15

// Mapping records how a slot's buffer was mapped for the device.
type Mapping uint8

const (
	// MapSingle is a buffer mapped on its own, used for the first
	// descriptor of a frame and for every receive buffer.
	MapSingle Mapping = iota
	// MapPage is a page fragment following the first descriptor.
	MapPage
)

func (m Mapping) String() string {
	if m == MapPage {
		return "page"
	}
	return "single"
}

// Slot is the software-only state kept alongside a descriptor.
type Slot struct {
	// Frame is the in-flight frame the descriptor belongs to.
	Frame any
	// Buffer backs the descriptor while it is in flight.
	Buffer  *dmamem.Buffer
	Mapping Mapping
	// Last marks the final descriptor of a frame.
	Last bool
	// Tag is the timestamp tag requested with the frame, if HasTag.
	Tag    uint16
	HasTag bool
}

// Owner tells who may touch a descriptor.
type Owner int

const (
	Software Owner = iota
	Hardware
)

func (o Owner) String() string {
	if o == Hardware {
		return "hardware"
	}
	return "software"
}

// Ring is a descriptor ring of one direction of one queue.
// It is not safe for concurrent use; callers serialize access per ring.
type Ring struct {
	dir    Direction
	queue  int
	layout *Layout
	region *dmamem.Region

	size uint32
	mask uint32

	issue      uint32
	tail       uint32
	completion uint32

	slots []Slot
}

// CheckCapacity reports whether capacity is usable for a ring.
func CheckCapacity(capacity int) error {
	if capacity < 2 {
		return fmt.Errorf("%w: %d is too small", ErrInvalidCapacity, capacity)
	}
	if capacity&(capacity-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrInvalidCapacity, capacity)
	}
	if capacity > MaxCapacity {
		return fmt.Errorf("%w: %d is larger than %d", ErrInvalidCapacity, capacity, MaxCapacity)
	}
	return nil
}

// Allocate reserves capacity descriptors in DMA memory and links them into
// a circular chain.
func Allocate(
	a *dmamem.Allocator, dir Direction, queue, capacity int, l *Layout,
) (*Ring, error) {
	if err := CheckCapacity(capacity); err != nil {
		return nil, err
	}
	region, err := a.Alloc(capacity*DescSize, MinAlign)
	if err != nil {
		return nil, fmt.Errorf("allocating %s descriptors of queue %d: %w", dir, queue, err)
	}
	r := &Ring{
		dir:    dir,
		queue:  queue,
		layout: l,
		region: region,
		size:   uint32(capacity),
		mask:   uint32(capacity - 1),
		slots:  make([]Slot, capacity),
	}
	r.Reset()
	return r, nil
}

// Reset relinks the chain and zeroes the cursors, every descriptor word and
// the slot table. Buffers still referenced by slots must have been taken
// with Drain beforehand.
func (r *Ring) Reset() {
	for i := range r.size {
		d := r.Desc(i)
		d.clear()
		d.SetNext(r.BusAddrOf(i + 1))
		r.slots[i] = Slot{}
	}
	r.issue, r.tail, r.completion = 0, 0, 0
}

// Close frees the descriptor memory.
func (r *Ring) Close() error { return r.region.Free() }

func (r *Ring) Direction() Direction { return r.dir }
func (r *Ring) Queue() int           { return r.queue }
func (r *Ring) Layout() *Layout      { return r.layout }

// Cap returns the number of descriptors.
func (r *Ring) Cap() int { return int(r.size) }

// Cursors returns the free-running issue, hardware tail and completion
// cursors.
func (r *Ring) Cursors() (issue, tail, completion uint32) {
	return r.issue, r.tail, r.completion
}

// InFlight returns the number of descriptors between completion and issue.
func (r *Ring) InFlight() int { return int(r.issue - r.completion) }

// Space returns how many more descriptors can be issued.
func (r *Ring) Space() int { return int(r.size) - 1 - r.InFlight() }

// Base returns the bus address of descriptor 0.
func (r *Ring) Base() uint64 { return r.region.BusAddr() }

// BusAddrOf returns the bus address of the descriptor for cursor value i.
func (r *Ring) BusAddrOf(i uint32) uint64 {
	return r.region.BusAddrOf(int(i&r.mask) * DescSize)
}

// Desc returns the descriptor for cursor value i.
func (r *Ring) Desc(i uint32) Desc {
	off := int(i&r.mask) * DescSize
	return View(r.region.Bytes()[off:off+DescSize], r.layout, r.dir)
}

// Slot returns the software state of the descriptor for cursor value i.
func (r *Ring) Slot(i uint32) *Slot { return &r.slots[i&r.mask] }

// Owner reports who owns the descriptor for cursor value i.
func (r *Ring) Owner(i uint32) Owner {
	if i-r.completion < r.tail-r.completion && !r.Desc(i).Done() {
		return Hardware
	}
	return Software
}

// Reserve returns the cursor of the first of n free descriptors. Nothing is
// issued until Advance is called.
func (r *Ring) Reserve(n int) (uint32, error) {
	if n <= 0 || n > r.Space() {
		return 0, ErrRingFull
	}
	return r.issue, nil
}

// Advance issues n descriptors filled since the last Reserve.
func (r *Ring) Advance(n int) {
	if n < 0 || n > r.Space() {
		panic(fmt.Sprintf("ring: advancing %s ring of queue %d by %d with %d free",
			r.dir, r.queue, n, r.Space()))
	}
	r.issue += uint32(n)
}

// Publish moves the hardware tail up to issue. It returns the bus address
// to write to the tail register, or false if nothing new was issued.
// Every descriptor word must be written before the returned address
// reaches the device.
func (r *Ring) Publish() (uint64, bool) {
	if r.tail == r.issue {
		return 0, false
	}
	r.tail = r.issue
	return r.BusAddrOf(r.tail - 1), true
}

// Pending returns the cursor at completion if its descriptor has been
// handed back by the device.
func (r *Ring) Pending() (uint32, Desc, bool) {
	if r.completion == r.tail {
		return 0, Desc{}, false
	}
	d := r.Desc(r.completion)
	if !d.Done() {
		return 0, Desc{}, false
	}
	return r.completion, d, true
}

// Retire advances completion past the descriptor returned by Pending.
func (r *Ring) Retire() {
	if r.completion == r.tail {
		panic(fmt.Sprintf("ring: retiring past the tail of %s ring of queue %d", r.dir, r.queue))
	}
	r.completion++
}

// Drain empties the slot table in ring order starting at completion and
// returns the slots that referenced a buffer or frame.
func (r *Ring) Drain() []Slot {
	var out []Slot
	for i := range r.size {
		s := r.Slot(r.completion + i)
		if s.Buffer != nil || s.Frame != nil {
			out = append(out, *s)
		}
		*s = Slot{}
	}
	return out
}
