package axienet

import (
	"fmt"
	"iter"

	"github.com/romshark/axienet-go/dmamem"
	"github.com/romshark/axienet-go/offload"
	"github.com/romshark/axienet-go/ring"
	"github.com/sirupsen/logrus"
)

// RxFrame is a received frame. Its buffer belongs to the caller until
// Release.
type RxFrame struct {
	Queue    int
	Checksum offload.ChecksumStatus
	// RawSum is the ones' complement sum reported with NeedsVerify.
	RawSum uint16
	// Timestamp is the ingress time, valid with HasTimestamp.
	Timestamp    offload.RxTimestamp
	HasTimestamp bool

	buf *dmamem.Buffer
}

// Data returns the frame bytes.
func (f *RxFrame) Data() []byte { return f.buf.Bytes() }

// Len returns the frame length in bytes.
func (f *RxFrame) Len() int { return f.buf.Len() }

// Release returns the frame's buffer to the device.
func (f *RxFrame) Release() {
	if f.buf != nil {
		f.buf.Release()
		f.buf = nil
	}
}

// PollRx returns the frames the engine completed on a queue, at most
// budget of them. Iteration stops early once no completed descriptor is
// left; it never waits for the engine. Every consumed slot is re-armed
// and handed back to the engine, whether its frame was delivered or
// dropped.
//
// The queue's receive path stays locked while the sequence runs, so the
// loop body must not poll the same queue.
func (d *Device) PollRx(id, budget int) iter.Seq[*RxFrame] {
	return func(yield func(*RxFrame) bool) {
		q, err := d.queue(id)
		if err != nil {
			return
		}
		if d.acquire(q) != nil {
			return
		}
		defer q.excl.RUnlock()

		q.rxMu.Lock()
		defer q.rxMu.Unlock()
		defer d.publishRx(q)

		for range budget {
			i, desc, ok := q.rx.Pending()
			if !ok {
				return
			}
			f := d.receive(q, q.rx.Slot(i), desc)

			// The slot gets a buffer again right away. It is issued once
			// the issue cursor wraps around to it; the slot issued now is
			// the one armed the previous time around.
			d.arm(desc, q.rx.Slot(i).Buffer)
			q.rx.Retire()
			q.rx.Advance(1)

			if f == nil {
				continue
			}
			d.publishRx(q)
			if !yield(f) {
				return
			}
		}
	}
}

func (d *Device) publishRx(q *queue) {
	if addr, ok := q.rx.Publish(); ok {
		d.eng.setTail(ring.RX, q.id, addr)
	}
}

// receive turns a completed descriptor into a frame and swaps a fresh
// buffer into its slot. It returns nil for dropped frames, which keep
// their buffer in the slot.
func (d *Device) receive(q *queue, slot *ring.Slot, desc ring.Desc) *RxFrame {
	status := desc.Status()
	n := int(status & ring.LenMask)
	log := d.log.WithFields(logrus.Fields{
		"queue":  q.id,
		"status": fmt.Sprintf("%#08x", status),
	})

	const frameBits = ring.StsRxSOF | ring.StsRxEOF
	switch {
	case status&ring.StsErrMask != 0:
		q.stats.rxErrors.Add(1)
		log.WithError(&DescriptorError{Queue: q.id, Dir: ring.RX, Status: status}).
			Debug("Dropped frame")
		return nil
	case status&frameBits != frameBits || n == 0 || n > slot.Buffer.Cap():
		// Buffers are sized for the largest frame, so a frame never
		// spans descriptors.
		q.stats.rxErrors.Add(1)
		log.Debug("Dropped malformed frame")
		return nil
	}

	fresh, ok := d.rxPool.Get()
	if !ok {
		q.stats.rxNoBuffer.Add(1)
		log.Warn("Dropped frame, out of receive buffers")
		return nil
	}
	b := slot.Buffer
	slot.Buffer = fresh
	b.SetLen(n)

	apps := desc.Apps()
	f := &RxFrame{Queue: q.id, buf: b}
	f.Checksum, f.RawSum = offload.RxChecksum(d.cfg.RxChecksum, apps, b.Bytes())
	if d.cfg.Timestamping {
		f.Timestamp, f.HasTimestamp = offload.RxTimestampOf(apps), true
	}
	q.stats.rxPackets.Add(1)
	q.stats.rxBytes.Add(uint64(n))
	return f
}
