package axienet

import (
	"fmt"

	"github.com/romshark/axienet-go/ring"
	"github.com/sirupsen/logrus"
)

// ConfigureWeight sets the transmit arbitration weight of an MCDMA
// channel. The channel must have been stopped with DisableChannel. The
// weight survives recovery.
func (d *Device) ConfigureWeight(channel, weight int) error {
	if !d.eng.mcdma {
		return configErrorf("weights", "%s has no transmit arbiter", d.cfg.Engine)
	}
	if err := checkWeight(weight); err != nil {
		return err
	}
	q, err := d.queue(channel)
	if err != nil {
		return err
	}
	if err := d.acquire(q); err != nil {
		return err
	}
	defer q.excl.RUnlock()

	if q.enabled.Load() {
		return fmt.Errorf("%w: channel %d", ErrChannelRunning, channel)
	}
	d.eng.setWeight(q.id, weight)
	q.weight.Store(int32(weight))
	d.log.WithFields(logrus.Fields{"queue": q.id, "weight": weight}).Debug("Weight configured")
	return nil
}

// Weight returns the transmit arbitration weight programmed for a channel.
func (d *Device) Weight(channel int) (int, error) {
	if !d.eng.mcdma {
		return 0, configErrorf("weights", "%s has no transmit arbiter", d.cfg.Engine)
	}
	q, err := d.queue(channel)
	if err != nil {
		return 0, err
	}
	return d.eng.weight(q.id), nil
}

// EnableChannel starts a channel stopped with DisableChannel. Frames
// submitted in the meantime are handed to the engine again.
func (d *Device) EnableChannel(channel int) error {
	q, err := d.queue(channel)
	if err != nil {
		return err
	}
	if err := d.acquire(q); err != nil {
		return err
	}
	defer q.excl.RUnlock()

	q.txMu.Lock()
	defer q.txMu.Unlock()
	q.rxMu.Lock()
	defer q.rxMu.Unlock()

	if q.enabled.Swap(true) {
		return nil
	}
	d.eng.enableChannel(q.id)

	// A tail write is what starts the engine on a channel.
	for _, r := range []*ring.Ring{q.tx, q.rx} {
		if issue, tail, completion := r.Cursors(); tail != completion || issue != tail {
			r.Publish()
			_, tail, _ = r.Cursors()
			d.eng.setTail(r.Direction(), q.id, r.BusAddrOf(tail-1))
		}
	}
	d.log.WithField("queue", q.id).Debug("Channel enabled")
	return nil
}

// DisableChannel stops a channel and waits for it to halt. Its rings keep
// their contents and submissions are still accepted.
func (d *Device) DisableChannel(channel int) error {
	q, err := d.queue(channel)
	if err != nil {
		return err
	}
	if err := d.acquire(q); err != nil {
		return err
	}
	defer q.excl.RUnlock()

	if !q.enabled.Swap(false) {
		return nil
	}
	if err := d.eng.haltChannel(q.id); err != nil {
		return fmt.Errorf("halting channel %d: %w", q.id, err)
	}
	d.log.WithField("queue", q.id).Debug("Channel disabled")
	return nil
}

// ChannelEnabled reports whether a channel is started.
func (d *Device) ChannelEnabled(channel int) bool {
	q, err := d.queue(channel)
	return err == nil && q.enabled.Load()
}
