//go:build linux

// Package dmamem allocates memory that a DMA engine can reach.
//
// Every allocation is an anonymous, pre-faulted mapping that stays put for
// its whole lifetime, so the garbage collector never moves or frees memory
// a device may still be writing to. Bus addresses are obtained through a
// Translator: IdentityTranslator for IOMMU-backed setups (VFIO, where the
// IOVA equals the process virtual address) and PagemapTranslator when the
// device sees physical addresses.
package dmamem

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"unsafe"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

var (
	// ErrOutOfMemory is returned when the platform cannot provide a block
	// with the required size, contiguity or alignment.
	ErrOutOfMemory = errors.New("dma memory unavailable")
	// ErrMisaligned is returned when a block does not satisfy the requested
	// bus address alignment.
	ErrMisaligned = errors.New("dma memory misaligned")
	// ErrBadAddress is returned by Resolve for addresses outside of any live
	// region.
	ErrBadAddress = errors.New("bus address not mapped")
)

// HugePageSize is the size of the huge pages requested with HugePages.
const HugePageSize = 2 << 20

// Translator maps process virtual addresses to the addresses a device
// uses to reach the same bytes.
type Translator interface {
	BusAddr(va uintptr) (uint64, error)
}

// IdentityTranslator is used when an IOMMU maps the process address space
// one-to-one for the device.
type IdentityTranslator struct{}

func (IdentityTranslator) BusAddr(va uintptr) (uint64, error) { return uint64(va), nil }

// Allocator hands out DMA regions and keeps track of them so bus addresses
// can be resolved back to memory.
type Allocator struct {
	// Translator defaults to IdentityTranslator.
	Translator Translator
	// Lock pins allocations with mlock.
	Lock bool
	// HugePages backs allocations with 2MiB pages, which keeps blocks up to
	// that size physically contiguous.
	HugePages bool

	memlockOnce sync.Once
	memlockErr  error

	mu      sync.Mutex
	regions []*Region // sorted by bus address
}

// Region is one contiguous block of DMA memory.
type Region struct {
	a   *Allocator
	mem []byte
	bus uint64
}

// Bytes returns the region's memory.
func (r *Region) Bytes() []byte { return r.mem }

// Len returns the region's length in bytes.
func (r *Region) Len() int { return len(r.mem) }

// BusAddr returns the bus address of the first byte.
func (r *Region) BusAddr() uint64 { return r.bus }

// BusAddrOf returns the bus address of the byte at offset off.
func (r *Region) BusAddrOf(off int) uint64 { return r.bus + uint64(off) }

func (a *Allocator) translator() Translator {
	if a.Translator == nil {
		return IdentityTranslator{}
	}
	return a.Translator
}

func (a *Allocator) pageSize() int {
	if a.HugePages {
		return HugePageSize
	}
	return os.Getpagesize()
}

func roundUp(n, to int) int { return (n + to - 1) / to * to }

// Alloc maps a zeroed block of at least size bytes whose bus address is a
// multiple of align. align must be a power of two.
func (a *Allocator) Alloc(size, align int) (_ *Region, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrOutOfMemory, size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of 2", ErrMisaligned, align)
	}

	pg := a.pageSize()
	length := roundUp(size, pg)

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
	if a.HugePages {
		flags |= unix.MAP_HUGETLB
	}
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfMemory, length, err)
	}
	defer func() {
		if err != nil {
			_ = unix.Munmap(mem)
		}
	}()

	if a.Lock {
		if err := a.raiseMemlock(); err != nil {
			return nil, err
		}
		if err := unix.Mlock(mem); err != nil {
			return nil, fmt.Errorf("%w: mlock: %v", ErrOutOfMemory, err)
		}
	}

	t := a.translator()
	base := uintptr(unsafe.Pointer(&mem[0]))
	bus, err := t.BusAddr(base)
	if err != nil {
		return nil, fmt.Errorf("translating %#x: %w", base, err)
	}
	if bus&uint64(align-1) != 0 {
		return nil, fmt.Errorf("%w: bus address %#x, want %d byte alignment", ErrMisaligned, bus, align)
	}

	// The device walks the block linearly, so every page has to follow its
	// predecessor on the bus as well.
	for off := pg; off < length; off += pg {
		p, err := t.BusAddr(base + uintptr(off))
		if err != nil {
			return nil, fmt.Errorf("translating %#x: %w", base+uintptr(off), err)
		}
		if p != bus+uint64(off) {
			return nil, fmt.Errorf("%w: block of %d bytes is not contiguous at offset %#x",
				ErrOutOfMemory, length, off)
		}
	}

	r := &Region{a: a, mem: mem, bus: bus}
	a.mu.Lock()
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].bus > bus })
	a.regions = append(a.regions, nil)
	copy(a.regions[i+1:], a.regions[i:])
	a.regions[i] = r
	a.mu.Unlock()
	return r, nil
}

func (a *Allocator) raiseMemlock() error {
	a.memlockOnce.Do(func() {
		if err := rlimit.RemoveMemlock(); err != nil {
			a.memlockErr = fmt.Errorf("removing memlock rlimit: %w", err)
		}
	})
	return a.memlockErr
}

// Free unmaps the region. The device must no longer reference it.
func (r *Region) Free() error {
	if r.mem == nil {
		return nil
	}
	a := r.a
	a.mu.Lock()
	for i, x := range a.regions {
		if x == r {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	var errs []error
	if a.Lock {
		if err := unix.Munlock(r.mem); err != nil {
			errs = append(errs, fmt.Errorf("munlock: %w", err))
		}
	}
	if err := unix.Munmap(r.mem); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	r.mem = nil
	return errors.Join(errs...)
}

// Resolve returns the n bytes of memory at bus address addr. It is how
// device models reach descriptors and buffers by the addresses written
// into them.
func (a *Allocator) Resolve(addr uint64, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].bus > addr })
	if i == 0 {
		return nil, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}
	r := a.regions[i-1]
	off := addr - r.bus
	if off+uint64(n) > uint64(len(r.mem)) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrBadAddress, addr, n)
	}
	return r.mem[off : off+uint64(n)], nil
}
