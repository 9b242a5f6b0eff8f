package axienet

import (
	"context"
	"fmt"

	"github.com/romshark/axienet-go/ring"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// irqRounds bounds how often one invocation of HandleIRQ revisits a queue
// that gained work while it was being serviced.
const irqRounds = 8

// IRQSource is an interrupt line.
type IRQSource interface {
	// Wait blocks until the line fires or ctx is done.
	Wait(ctx context.Context) error
}

// Interrupt binds an interrupt line to the direction it reports.
type Interrupt struct {
	Dir    ring.Direction
	Source IRQSource
}

// Serve handles interrupts from every line until ctx is done or a line
// fails.
func (d *Device) Serve(ctx context.Context, lines ...Interrupt) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range lines {
		g.Go(func() error {
			for {
				if err := l.Source.Wait(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("waiting for %s interrupt: %w", l.Dir, err)
				}
				if d.detached.Load() {
					return ErrDetached
				}
				d.HandleIRQ(l.Dir)
			}
		})
	}
	return g.Wait()
}

// HandleIRQ services the queues with an interrupt pending in dir.
// Completions are reclaimed or received, the asserted status bits
// cleared and the interrupts the hardware masked on assertion enabled
// again. An engine error masks the device's interrupts and schedules
// recovery instead.
func (d *Device) HandleIRQ(dir ring.Direction) {
	if d.detached.Load() {
		return
	}
	pending := d.eng.pending(dir, len(d.queues))
	for _, q := range d.queues {
		if pending&(1<<q.id) != 0 {
			d.service(q, dir)
		}
	}
}

func (d *Device) service(q *queue, dir ring.Direction) {
	for range irqRounds {
		if q.State() != Running {
			return
		}
		status := d.eng.status(dir, q.id)
		if errReg, ok := d.eng.fault(dir, status); ok {
			d.fault(q, dir, status, errReg)
			return
		}

		switch dir {
		case ring.TX:
			frames := d.ReclaimTx(q.id)
			if len(frames) > 0 && d.opts.OnTxComplete != nil {
				d.opts.OnTxComplete(q.id, frames)
			}
		case ring.RX:
			for f := range d.PollRx(q.id, d.cfg.RxBudget) {
				if d.opts.OnReceive != nil {
					d.opts.OnReceive(f)
				} else {
					f.Release()
				}
			}
		}

		// Only the bits seen above are cleared; anything asserted since
		// stays pending.
		d.eng.ack(dir, q.id, status)
		d.eng.unmask(dir, q.id, &q.enabled)

		if !d.hasWork(q, dir) {
			return
		}
	}
}

// hasWork reports whether a completed descriptor is waiting on a ring.
func (d *Device) hasWork(q *queue, dir ring.Direction) bool {
	if d.acquire(q) != nil {
		return false
	}
	defer q.excl.RUnlock()

	r, mu := q.tx, &q.txMu
	if dir == ring.RX {
		r, mu = q.rx, &q.rxMu
	}
	mu.Lock()
	defer mu.Unlock()
	_, _, ok := r.Pending()
	return ok
}

// fault stops normal processing on the whole device and schedules
// recovery. The reset that clears the error is shared by every channel.
func (d *Device) fault(q *queue, dir ring.Direction, status, errReg uint32) {
	q.stats.faults.Add(1)
	err := &DmaFaultError{Queue: q.id, Dir: dir, Status: status, Err: errReg}
	d.log.WithFields(logrus.Fields{
		"queue": q.id,
		"dir":   dir,
	}).WithError(err).Warn("DMA fault")

	for _, x := range d.queues {
		x.state.CompareAndSwap(int32(Running), int32(Halting))
		d.eng.mask(ring.TX, x.id)
		d.eng.mask(ring.RX, x.id)
	}
	if d.recovering.CompareAndSwap(false, true) {
		d.opts.Defer(d.rebuild)
	}
}
