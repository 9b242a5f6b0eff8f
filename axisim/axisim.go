// Package axisim simulates the AXI DMA and AXI MCDMA engines, the transmit
// timestamp FIFO and the Ethernet MAC behind mmio windows. Descriptors and
// buffers are reached through the dmamem allocator that owns them, the
// same way the real engine reaches them by bus address.
package axisim

import (
	"context"
	"errors"
	"sync"

	"github.com/romshark/axienet-go/axiregs"
	"github.com/romshark/axienet-go/dmamem"
	"github.com/romshark/axienet-go/mmio"
	"github.com/romshark/axienet-go/ring"
)

// ErrNoDescriptor is returned by Receive when the channel has no receive
// descriptor available and the frame is dropped.
var ErrNoDescriptor = errors.New("no receive descriptor available")

// MACKind selects the MAC register behavior.
type MACKind int

const (
	MACAxiEthernet MACKind = iota
	MACXXV
	MACMRMAC
)

// Config describes the simulated hardware.
type Config struct {
	// MCDMA selects the multi-channel engine.
	MCDMA bool
	// Queues is the number of channels of the MCDMA engine.
	Queues int
	// Alloc resolves descriptor and buffer addresses.
	Alloc *dmamem.Allocator
	// Manual holds transmit work until Step or Flush is called.
	// Otherwise every doorbell is served immediately.
	Manual bool
	// Loopback delivers every transmitted frame to the receive channel of
	// the same queue.
	Loopback bool
	MAC      MACKind
}

type channel struct {
	// cur is the next descriptor the engine will fetch, done the last one
	// it completed.
	cur, done uint64
	tail      uint64
	tailSet   bool
	pktDrop   uint32
	served    int
	smooth    int
	txErr     uint32
}

// Frame is a frame the engine transmitted.
type Frame struct {
	Queue int
	Data  []byte
	Apps  [ring.NumApp]uint32
}

// Sim is the simulated hardware. It is safe for concurrent use.
type Sim struct {
	cfg    Config
	layout *ring.Layout

	mu        sync.Mutex
	regs      map[uint32]uint32
	chans     [2][]channel
	failReset bool
	sent      []Frame
	rxDropped int

	macRegs map[uint32]uint32
	linkUp  bool

	fifo  []uint32
	clock uint64

	irq [2]chan struct{}
}

// New returns simulated hardware with every channel halted.
func New(cfg Config) *Sim {
	if cfg.Queues <= 0 || !cfg.MCDMA {
		cfg.Queues = 1
	}
	s := &Sim{
		cfg:     cfg,
		layout:  ring.AXIDMA,
		regs:    make(map[uint32]uint32),
		macRegs: make(map[uint32]uint32),
		linkUp:  true,
	}
	if cfg.MCDMA {
		s.layout = ring.MCDMA
	}
	for d := range s.irq {
		s.irq[d] = make(chan struct{}, 1)
	}
	s.reset()
	return s
}

// Layout returns the descriptor layout the engine expects.
func (s *Sim) Layout() *ring.Layout { return s.layout }

// DMA returns the DMA engine's register window.
func (s *Sim) DMA() mmio.Window { return dmaWindow{s} }

// MAC returns the MAC's register window.
func (s *Sim) MAC() mmio.Window { return macWindow{s} }

// TimestampFIFO returns the transmit timestamp FIFO's register window.
func (s *Sim) TimestampFIFO() mmio.Window { return fifoWindow{s} }

func (s *Sim) reset() {
	clear(s.regs)
	for d := range s.chans {
		s.chans[d] = make([]channel, s.cfg.Queues)
	}
	if s.cfg.MCDMA {
		var w0, w1 uint32
		for q := 0; q < 8; q++ {
			w0 |= axiregs.DefaultWeight << (q * axiregs.WeightBits)
			w1 |= axiregs.DefaultWeight << (q * axiregs.WeightBits)
		}
		s.regs[axiregs.MCTxWeight0] = w0
		s.regs[axiregs.MCTxWeight1] = w1
	}
	if s.failReset {
		if s.cfg.MCDMA {
			s.regs[axiregs.MCCommon(ring.TX)+axiregs.MCCR] = axiregs.MCCRReset
		} else {
			s.regs[axiregs.DMATxBase+axiregs.DMACR] = axiregs.DMACRReset
		}
	}
}

// FailReset makes every later engine reset hang.
func (s *Sim) FailReset(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReset = fail
}

// SetLink sets the state the MAC reports for the link.
func (s *Sim) SetLink(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkUp = up
}

// Sent returns and forgets the frames transmitted so far.
func (s *Sim) Sent() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

// RxDropped returns the number of received frames dropped for lack of a
// descriptor.
func (s *Sim) RxDropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxDropped
}

// Served returns the number of frames each queue transmitted.
func (s *Sim) Served() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.chans[ring.TX]))
	for q := range out {
		out[q] = s.chans[ring.TX][q].served
	}
	return out
}

// IRQLine is the interrupt output of one direction of the engine.
type IRQLine struct {
	c <-chan struct{}
}

// IRQ returns the interrupt line of dir.
func (s *Sim) IRQ(dir ring.Direction) *IRQLine { return &IRQLine{c: s.irq[dir]} }

// Wait blocks until the line fires or ctx is done.
func (l *IRQLine) Wait(ctx context.Context) error {
	select {
	case <-l.c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sim) signal(dir ring.Direction) {
	select {
	case s.irq[dir] <- struct{}{}:
	default:
	}
}
