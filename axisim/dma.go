package axisim

import (
	"github.com/romshark/axienet-go/axiregs"
	"github.com/romshark/axienet-go/mmio"
	"github.com/romshark/axienet-go/offload"
	"github.com/romshark/axienet-go/ring"
)

type irqBits struct {
	ioc, delay, err, all uint32
}

func (s *Sim) bits() irqBits {
	if s.cfg.MCDMA {
		return irqBits{axiregs.MCIrqIOC, axiregs.MCIrqDelay, axiregs.MCIrqErr, axiregs.MCIrqAll}
	}
	return irqBits{axiregs.DMAIrqIOC, axiregs.DMAIrqDelay, axiregs.DMAIrqError, axiregs.DMAIrqAll}
}

func (s *Sim) chanBase(dir ring.Direction, q int) uint32 {
	if s.cfg.MCDMA {
		return axiregs.MCChannel(dir, q)
	}
	return axiregs.DMAChannel(dir)
}

// locate maps a register offset to the channel register it addresses.
func (s *Sim) locate(off uint32) (dir ring.Direction, q int, reg uint32, ok bool) {
	if !s.cfg.MCDMA {
		switch {
		case off < axiregs.DMARxBase:
			return ring.TX, 0, off - axiregs.DMATxBase, true
		case off < axiregs.DMARxBase+axiregs.DMARxBase:
			return ring.RX, 0, off - axiregs.DMARxBase, true
		}
		return 0, 0, 0, false
	}
	for _, d := range []ring.Direction{ring.TX, ring.RX} {
		lo := axiregs.MCChannel(d, 0)
		hi := axiregs.MCChannel(d, s.cfg.Queues)
		if off >= lo && off < hi {
			return d, int((off - lo) / axiregs.MCChanStride), (off - lo) % axiregs.MCChanStride, true
		}
	}
	return 0, 0, 0, false
}

func (s *Sim) faulted(dir ring.Direction, q int) bool {
	if s.cfg.MCDMA {
		return s.regs[axiregs.MCCommon(dir)+axiregs.MCErr] != 0
	}
	return s.regs[s.chanBase(dir, q)+axiregs.DMASR]&axiregs.DMASRErrMask != 0
}

func (s *Sim) running(dir ring.Direction, q int) bool {
	if s.faulted(dir, q) {
		return false
	}
	base := s.chanBase(dir, q)
	if !s.cfg.MCDMA {
		cr := s.regs[base+axiregs.DMACR]
		return cr&axiregs.DMACRRunStop != 0 && cr&axiregs.DMACRReset == 0
	}
	common := axiregs.MCCommon(dir)
	return s.regs[common+axiregs.MCCR]&axiregs.MCCRRunStop != 0 &&
		s.regs[common+axiregs.MCCR]&axiregs.MCCRReset == 0 &&
		s.regs[common+axiregs.MCChEn]&(1<<q) != 0 &&
		s.regs[base+axiregs.MCChanCR]&axiregs.MCCRRunStop != 0
}

func (s *Sim) idle(dir ring.Direction, q int) bool {
	ch := &s.chans[dir][q]
	return !ch.tailSet || ch.done == ch.tail
}

// raise asserts interrupt bits of a channel. Enabled bits are masked on
// assertion and have to be re-enabled by software.
func (s *Sim) raise(dir ring.Direction, q int, bits uint32) {
	base := s.chanBase(dir, q)
	s.regs[base+axiregs.DMASR] |= bits
	s.assert(dir, q)
}

func (s *Sim) assert(dir ring.Direction, q int) {
	base := s.chanBase(dir, q)
	enabled := s.regs[base+axiregs.DMACR] & s.bits().all
	pending := s.regs[base+axiregs.DMASR] & enabled
	if pending == 0 {
		return
	}
	s.regs[base+axiregs.DMACR] &^= pending
	s.signal(dir)
}

type dmaWindow struct{ s *Sim }

func (w dmaWindow) Load32(off uint32) uint32 {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir, q, reg, ok := s.locate(off); ok {
		switch reg {
		case axiregs.DMASR:
			v := s.regs[off]
			if !s.running(dir, q) {
				v |= axiregs.DMASRHalted
			} else if s.idle(dir, q) {
				v |= axiregs.DMASRIdle
			}
			return v
		case axiregs.MCChanPktDrop:
			if s.cfg.MCDMA {
				return s.chans[dir][q].pktDrop
			}
		}
		return s.regs[off]
	}
	if !s.cfg.MCDMA {
		return s.regs[off]
	}
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		common := axiregs.MCCommon(dir)
		switch off {
		case common + axiregs.MCSR:
			cr := s.regs[common+axiregs.MCCR]
			if cr&axiregs.MCCRRunStop == 0 || cr&axiregs.MCCRReset != 0 {
				return axiregs.MCSRHalted
			}
			return 0
		case common + axiregs.MCPktDrop:
			var n uint32
			for q := range s.chans[dir] {
				n += s.chans[dir][q].pktDrop
			}
			return n
		}
	}
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		if off == axiregs.MCIntSer(dir) {
			var v uint32
			for q := range s.chans[dir] {
				if s.regs[s.chanBase(dir, q)+axiregs.MCChanSR]&s.bits().all != 0 {
					v |= 1 << q
				}
			}
			return v
		}
	}
	return s.regs[off]
}

func (w dmaWindow) Store32(off uint32, v uint32) {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MCDMA {
		for _, dir := range []ring.Direction{ring.TX, ring.RX} {
			if off == axiregs.MCCommon(dir)+axiregs.MCCR && v&axiregs.MCCRReset != 0 {
				s.reset()
				return
			}
		}
	}

	dir, q, reg, ok := s.locate(off)
	if !ok {
		s.regs[off] = v
		return
	}
	ch := &s.chans[dir][q]
	switch reg {
	case axiregs.DMACR:
		if !s.cfg.MCDMA && v&axiregs.DMACRReset != 0 {
			s.reset()
			return
		}
		s.regs[off] = v
		s.assert(dir, q)
	case axiregs.DMASR:
		s.regs[off] &^= v & s.bits().all
	case axiregs.DMACDesc, axiregs.DMACDesc + 4:
		s.regs[off] = v
		ch.cur = uint64(s.regs[off-reg+axiregs.DMACDesc+4])<<32 |
			uint64(s.regs[off-reg+axiregs.DMACDesc])
		ch.done = 0
		ch.tailSet = false
	case axiregs.DMATDesc + 4:
		s.regs[off] = v
	case axiregs.DMATDesc:
		s.regs[off] = v
		ch.tail = uint64(s.regs[off+4])<<32 | uint64(v)
		ch.tailSet = true
		if dir == ring.TX && !s.cfg.Manual && s.running(dir, q) {
			if s.serveAll(q) > 0 {
				s.raise(ring.TX, q, s.bits().ioc)
			}
		}
	default:
		s.regs[off] = v
	}
}

func (s *Sim) serveAll(q int) (n int) {
	for s.serveFrame(q) {
		n++
	}
	return n
}

// serveFrame transmits the next frame of queue q.
func (s *Sim) serveFrame(q int) bool {
	ch := &s.chans[ring.TX][q]
	if !s.running(ring.TX, q) || s.idle(ring.TX, q) {
		return false
	}

	f := Frame{Queue: q}
	for first := true; ; first = false {
		addr := ch.cur
		mem, err := s.cfg.Alloc.Resolve(addr, ring.DescSize)
		if err != nil {
			s.fault(ring.TX, q)
			return false
		}
		d := ring.View(mem, s.layout, ring.TX)
		ctrl := d.Control()
		n := ctrl & ring.LenMask
		if first {
			f.Apps = d.Apps()
		}
		status := ring.StsComplete | n | ch.txErr
		if buf, err := s.cfg.Alloc.Resolve(d.Buffer(), int(n)); err != nil {
			status |= ring.StsDecErr
		} else {
			f.Data = append(f.Data, buf...)
		}
		d.SetStatus(status)
		ch.done, ch.cur = addr, d.Next()
		if ctrl&s.layout.EOF != 0 || addr == ch.tail {
			break
		}
	}
	ch.txErr = 0
	ch.served++

	if f.Apps[3]&offload.TxTimestampTwoStep != 0 {
		s.clock++
		s.fifo = append(s.fifo, uint32(s.clock*1000%1e9), uint32(s.clock/1e6), f.Apps[3]&0xFFFF_0000)
	}
	s.sent = append(s.sent, f)
	if s.cfg.Loopback {
		_ = s.receive(q, f.Data, RxOpts{})
	}
	return true
}

func (s *Sim) fault(dir ring.Direction, q int) {
	if s.cfg.MCDMA {
		s.regs[axiregs.MCCommon(dir)+axiregs.MCErr] |= axiregs.MCErrSGDec
	} else {
		s.regs[s.chanBase(dir, q)+axiregs.DMASR] |= axiregs.DMASRSGDecErr
	}
	s.raise(dir, q, s.bits().err)
}

// InjectFault reports an engine level error on a channel, halting it.
func (s *Sim) InjectFault(dir ring.Direction, q int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MCDMA {
		s.regs[axiregs.MCCommon(dir)+axiregs.MCErr] |= axiregs.MCErrInternal
	} else {
		s.regs[s.chanBase(dir, q)+axiregs.DMASR] |= axiregs.DMASRIntErr
	}
	s.raise(dir, q, s.bits().err)
}

// InjectTxError adds status bits to every descriptor of the next frame
// transmitted on queue q.
func (s *Sim) InjectTxError(q int, bits uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chans[ring.TX][q].txErr = bits & ring.StsErrMask
}

// Flush transmits every pending frame on every queue.
func (s *Sim) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for q := range s.chans[ring.TX] {
		if n := s.serveAll(q); n > 0 {
			total += n
			s.raise(ring.TX, q, s.bits().ioc)
		}
	}
	return total
}

func (s *Sim) weight(q int) int {
	if !s.cfg.MCDMA {
		return 1
	}
	reg, shift := axiregs.MCWeight(q)
	w := int(s.regs[reg]>>shift) & axiregs.WeightMax
	return max(w, 1)
}

// Step lets the transmit arbiter pick one queue with pending work and
// transmits one frame from it. Queues are picked by smooth weighted round
// robin over the programmed weights.
func (s *Sim) Step() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best, total := -1, 0
	chans := s.chans[ring.TX]
	for q := range chans {
		if !s.running(ring.TX, q) || s.idle(ring.TX, q) {
			continue
		}
		w := s.weight(q)
		chans[q].smooth += w
		total += w
		if best < 0 || chans[q].smooth > chans[best].smooth {
			best = q
		}
	}
	if best < 0 {
		return -1, false
	}
	chans[best].smooth -= total
	s.serveFrame(best)
	s.raise(ring.TX, best, s.bits().ioc)
	return best, true
}

// RxOpts controls what the engine reports for a received frame.
type RxOpts struct {
	// Status is ORed into the descriptor status, e.g. error bits.
	Status uint32
	Apps   [ring.NumApp]uint32
}

// Receive delivers a frame to the receive channel of queue q.
func (s *Sim) Receive(q int, data []byte, opts RxOpts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receive(q, data, opts)
}

func (s *Sim) receive(q int, data []byte, opts RxOpts) error {
	ch := &s.chans[ring.RX][q]
	if !s.running(ring.RX, q) || s.idle(ring.RX, q) {
		ch.pktDrop++
		s.rxDropped++
		if s.cfg.MCDMA {
			s.raise(ring.RX, q, axiregs.MCIrqPktDrop)
		}
		return ErrNoDescriptor
	}

	addr := ch.cur
	mem, err := s.cfg.Alloc.Resolve(addr, ring.DescSize)
	if err != nil {
		s.fault(ring.RX, q)
		return err
	}
	d := ring.View(mem, s.layout, ring.RX)
	n := min(uint32(len(data)), d.Control()&ring.LenMask)
	status := ring.StsComplete | ring.StsRxSOF | ring.StsRxEOF | n | opts.Status
	if buf, err := s.cfg.Alloc.Resolve(d.Buffer(), int(n)); err != nil {
		status |= ring.StsDecErr
	} else {
		copy(buf, data)
	}
	d.SetApps(opts.Apps)
	d.SetStatus(status)
	ch.done, ch.cur = addr, d.Next()
	s.raise(ring.RX, q, s.bits().ioc)
	return nil
}

var _ mmio.Window = dmaWindow{}
