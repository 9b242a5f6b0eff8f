package axienet

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// rebuild restores the device after an engine fault. It runs with every
// queue held exclusively, so the data path turns callers away until the
// queues are Running again. A reset the engine does not confirm leaves
// every queue Fatal.
func (d *Device) rebuild() {
	for _, q := range d.queues {
		q.excl.Lock()
	}
	defer func() {
		for _, q := range d.queues {
			q.excl.Unlock()
		}
	}()
	if d.detached.Load() {
		d.recovering.Store(false)
		return
	}

	start := time.Now()
	log := d.log.WithField("state", Halting)
	log.Info("Recovering from DMA fault")

	if err := d.eng.reset(); err != nil {
		for _, q := range d.queues {
			q.setState(Fatal)
		}
		d.recovering.Store(false)
		err = fmt.Errorf("%w: %w", ErrFatal, err)
		log.WithError(err).Error("DMA did not come out of reset")
		if d.opts.OnFatal != nil {
			d.opts.OnFatal(err)
		}
		return
	}

	for _, q := range d.queues {
		q.setState(Halted)
		// The engine may have stopped anywhere in the ring, so nothing
		// in flight is reclaimed.
		d.dropInFlight(q)
		q.tx.Reset()
		q.rx.Reset()
		q.setState(Reconfiguring)
	}

	// Faults are only detected on Running queues, so one raised after
	// start must schedule another rebuild.
	d.recovering.Store(false)
	if err := d.start(); err != nil {
		for _, q := range d.queues {
			q.setState(Fatal)
		}
		err = fmt.Errorf("%w: restarting: %w", ErrFatal, err)
		log.WithError(err).Error("DMA restart failed")
		if d.opts.OnFatal != nil {
			d.opts.OnFatal(err)
		}
		return
	}

	d.stats.recoveries.Add(1)
	d.log.WithFields(logrus.Fields{
		"state":    Running,
		"duration": time.Since(start),
	}).Info("Recovered from DMA fault")
}
