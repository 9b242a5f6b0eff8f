package axienet

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/romshark/axienet-go/axiregs"
	"github.com/romshark/axienet-go/mmio"
	"github.com/romshark/axienet-go/ring"
)

// chanRegs are the registers of one direction of one queue.
type chanRegs struct {
	cr, sr, cur, tail uint32
}

type irqBits struct {
	ioc, delay, err, all uint32
}

// engine drives the DMA controller registers. AXI DMA and AXI MCDMA share
// the per-channel register shape and differ in where the channels live and
// in the common block MCDMA adds on top.
type engine struct {
	w       mmio.Window
	mcdma   bool
	irq     irqBits
	retries int
	delay   time.Duration

	// regMu serializes read-modify-write cycles on control registers,
	// shared between channels or not.
	regMu sync.Mutex
}

func newEngine(w mmio.Window, cfg *Config) *engine {
	e := &engine{
		w:       w,
		mcdma:   cfg.Engine == EngineMCDMA,
		retries: cfg.ResetRetries,
		delay:   cfg.ResetDelay,
		irq: irqBits{
			ioc:   axiregs.DMAIrqIOC,
			delay: axiregs.DMAIrqDelay,
			err:   axiregs.DMAIrqError,
			all:   axiregs.DMAIrqAll,
		},
	}
	if e.mcdma {
		e.irq = irqBits{
			ioc:   axiregs.MCIrqIOC,
			delay: axiregs.MCIrqDelay,
			err:   axiregs.MCIrqErr,
			all:   axiregs.MCIrqAll,
		}
	}
	return e
}

func (e *engine) regs(dir ring.Direction, q int) chanRegs {
	if e.mcdma {
		base := axiregs.MCChannel(dir, q)
		return chanRegs{
			cr:   base + axiregs.MCChanCR,
			sr:   base + axiregs.MCChanSR,
			cur:  base + axiregs.MCChanCurDesc,
			tail: base + axiregs.MCChanTailDesc,
		}
	}
	base := axiregs.DMAChannel(dir)
	return chanRegs{
		cr:   base + axiregs.DMACR,
		sr:   base + axiregs.DMASR,
		cur:  base + axiregs.DMACDesc,
		tail: base + axiregs.DMATDesc,
	}
}

func (e *engine) reg(off uint32) mmio.Reg { return mmio.At(e.w, off) }

// reset resets the whole controller and waits for it to come back halted.
// The reset bit is shared by every channel of both directions.
func (e *engine) reset() error {
	var cr, sr uint32
	var resetBit, haltedBit uint32
	if e.mcdma {
		cr = axiregs.MCCommon(ring.TX) + axiregs.MCCR
		sr = axiregs.MCCommon(ring.TX) + axiregs.MCSR
		resetBit, haltedBit = axiregs.MCCRReset, axiregs.MCSRHalted
	} else {
		cr = e.regs(ring.TX, 0).cr
		sr = e.regs(ring.TX, 0).sr
		resetBit, haltedBit = axiregs.DMACRReset, axiregs.DMASRHalted
	}

	e.reg(cr).Set(resetBit)
	err := mmio.Poll(e.retries, e.delay, func() bool {
		return !e.reg(cr).Bits(resetBit) && e.reg(sr).Bits(haltedBit)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResetTimeout, err)
	}
	return nil
}

// startChannel programs interrupt coalescing, the ring base and run/stop
// of one channel. The tail register is left to the caller.
func (e *engine) startChannel(dir ring.Direction, q int, count, ticks uint32, base uint64) {
	r := e.regs(dir, q)
	e.regMu.Lock()
	defer e.regMu.Unlock()

	cr := e.reg(r.cr).Get()
	cr = cr&^axiregs.CoalesceMask | count<<axiregs.CoalesceShift&axiregs.CoalesceMask
	cr = cr&^axiregs.DelayMask | ticks<<axiregs.DelayShift&axiregs.DelayMask
	cr |= e.irq.all
	e.reg(r.cr).Set(cr)

	mmio.StoreAddr(e.w, r.cur, base)
	e.reg(r.cr).Or(axiregs.DMACRRunStop)

	if e.mcdma {
		e.reg(axiregs.MCCommon(dir) + axiregs.MCChEn).Or(1 << q)
	}
}

// startCommon starts the MCDMA common block of dir. AXI DMA has none.
func (e *engine) startCommon(dir ring.Direction) {
	if !e.mcdma {
		return
	}
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.reg(axiregs.MCCommon(dir) + axiregs.MCCR).Or(axiregs.MCCRRunStop)
}

// enableChannel sets run/stop, the interrupt enables and the channel
// enable bit of queue q in both directions.
func (e *engine) enableChannel(q int) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		e.reg(e.regs(dir, q).cr).Or(axiregs.DMACRRunStop | e.irq.all)
		if e.mcdma {
			e.reg(axiregs.MCCommon(dir) + axiregs.MCChEn).Or(1 << q)
		}
	}
}

// haltChannel stops queue q in both directions and waits for the halted
// bits.
func (e *engine) haltChannel(q int) error {
	e.regMu.Lock()
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		e.reg(e.regs(dir, q).cr).AndNot(axiregs.DMACRRunStop | e.irq.all)
		if e.mcdma {
			e.reg(axiregs.MCCommon(dir) + axiregs.MCChEn).AndNot(1 << q)
		}
	}
	e.regMu.Unlock()

	return mmio.Poll(e.retries, e.delay, func() bool {
		return e.halted(ring.TX, q) && e.halted(ring.RX, q)
	})
}

func (e *engine) halted(dir ring.Direction, q int) bool {
	return e.reg(e.regs(dir, q).sr).Bits(axiregs.DMASRHalted)
}

func (e *engine) setTail(dir ring.Direction, q int, addr uint64) {
	mmio.StoreAddr(e.w, e.regs(dir, q).tail, addr)
}

func (e *engine) status(dir ring.Direction, q int) uint32 {
	return e.reg(e.regs(dir, q).sr).Get()
}

// ack clears the interrupt bits of v. Status bits are write-one-to-clear.
func (e *engine) ack(dir ring.Direction, q int, v uint32) {
	e.reg(e.regs(dir, q).sr).Set(v & e.irq.all)
}

// unmask re-enables the interrupts the hardware masked on assertion,
// unless the channel has been disabled. enabled is read under regMu so
// haltChannel is never undone.
func (e *engine) unmask(dir ring.Direction, q int, enabled *atomic.Bool) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if !enabled.Load() {
		return
	}
	e.reg(e.regs(dir, q).cr).Or(e.irq.all)
}

func (e *engine) mask(dir ring.Direction, q int) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.reg(e.regs(dir, q).cr).AndNot(e.irq.all)
}

// fault reports whether a channel status shows an engine level error,
// together with the MCDMA error register.
func (e *engine) fault(dir ring.Direction, status uint32) (uint32, bool) {
	if e.mcdma {
		errReg := e.reg(axiregs.MCCommon(dir) + axiregs.MCErr).Get()
		return errReg, errReg != 0 || status&e.irq.err != 0
	}
	return 0, status&(axiregs.DMASRErrMask|e.irq.err) != 0
}

// pending returns the queues of dir with an interrupt asserted.
func (e *engine) pending(dir ring.Direction, queues int) uint32 {
	if !e.mcdma {
		return 1
	}
	return e.reg(axiregs.MCIntSer(dir)).Get() & (1<<queues - 1)
}

// hwDropped returns the frames the MCDMA receive channel dropped for lack
// of descriptors.
func (e *engine) hwDropped(q int) uint32 {
	if !e.mcdma {
		return 0
	}
	return e.reg(axiregs.MCChannel(ring.RX, q) + axiregs.MCChanPktDrop).Get()
}

func (e *engine) setWeight(q, w int) {
	reg, shift := axiregs.MCWeight(q)
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.reg(reg).Field(axiregs.WeightMax<<shift, shift, uint32(w))
}

func (e *engine) weight(q int) int {
	reg, shift := axiregs.MCWeight(q)
	return int(e.reg(reg).Get()>>shift) & axiregs.WeightMax
}
