package axienet

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/romshark/axienet-go/dmamem"
	"github.com/romshark/axienet-go/offload"
	"github.com/romshark/axienet-go/ring"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoBuffers is returned by NewFrame when every transmit buffer is
	// in use. Like ErrRingFull it clears as frames complete.
	ErrNoBuffers = errors.New("out of transmit buffers")
	// ErrFrameInFlight is returned for frames submitted and not yet
	// reclaimed.
	ErrFrameInFlight = errors.New("frame already submitted")
)

// Frame is an outgoing frame copied into DMA memory. It is owned by the
// caller until SubmitTx succeeds and again after ReclaimTx returned it.
type Frame struct {
	// Checksum requests checksum offload in the device's transmit mode.
	Checksum bool
	// Timestamp requests a hardware transmit timestamp.
	Timestamp bool

	bufs []*dmamem.Buffer
	n    int
	// inFlight is set from SubmitTx until the frame is reclaimed or
	// discarded.
	inFlight atomic.Bool

	tagged bool
	tag    uint16
	ts     offload.TxTimestamp
	hasTS  bool
	err    error
}

// NewFrame copies segments into transmit buffers. Segments larger than a
// buffer are split over several.
func (d *Device) NewFrame(segments ...[]byte) (*Frame, error) {
	n := 0
	for _, s := range segments {
		n += len(s)
	}
	if n == 0 {
		return nil, ErrFrameEmpty
	}
	if n > d.cfg.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, d.cfg.MaxFrameSize)
	}

	f := &Frame{n: n}
	for _, s := range segments {
		for len(s) > 0 {
			b, ok := d.txPool.Get()
			if !ok {
				f.release()
				return nil, ErrNoBuffers
			}
			c := copy(b.Full(), s)
			b.SetLen(c)
			f.bufs = append(f.bufs, b)
			s = s[c:]
		}
	}
	return f, nil
}

// Len returns the frame length in bytes.
func (f *Frame) Len() int { return f.n }

// Err returns the descriptor error the engine reported for the frame.
func (f *Frame) Err() error { return f.err }

// TxTimestamp returns the hardware transmit timestamp, if one was requested
// and reported.
func (f *Frame) TxTimestamp() (offload.TxTimestamp, bool) { return f.ts, f.hasTS }

// Release returns the frame's buffers. Frames returned by ReclaimTx have
// released them already. Frames in flight are left alone.
func (f *Frame) Release() {
	if f.inFlight.Load() {
		return
	}
	f.release()
}

func (f *Frame) release() {
	for _, b := range f.bufs {
		b.Release()
	}
	f.bufs = nil
}

// SubmitTx hands f to the engine on a queue and rings the doorbell. It
// never waits for the engine; ErrRingFull asks the caller to retry once
// frames have been reclaimed.
func (d *Device) SubmitTx(id int, f *Frame) error {
	q, err := d.queue(id)
	if err != nil {
		return err
	}
	if !f.inFlight.CompareAndSwap(false, true) {
		return ErrFrameInFlight
	}
	issued := false
	defer func() {
		if !issued {
			f.inFlight.Store(false)
		}
	}()
	if len(f.bufs) == 0 {
		return ErrFrameEmpty
	}
	if len(f.bufs) > q.tx.Cap()-1 {
		return fmt.Errorf("%w: %d descriptors", ErrFrameTooLarge, len(f.bufs))
	}
	if !d.linkUp.Load() {
		return ErrLinkDown
	}
	if err := d.acquire(q); err != nil {
		return err
	}
	defer q.excl.RUnlock()

	q.txMu.Lock()
	defer q.txMu.Unlock()

	n := len(f.bufs)
	first, err := q.tx.Reserve(n)
	if err != nil {
		q.stats.txRingFull.Add(1)
		return err
	}

	var apps offload.Apps
	if f.Checksum {
		// Frames the device cannot checksum go out as they are.
		apps, _ = q.annot.Checksum(f.bufs[0].Bytes())
	}
	if f.Timestamp && d.cfg.Timestamping {
		d.tsMu.Lock()
		f.tag = d.tags.Assign(f)
		d.tsMu.Unlock()
		f.tagged = true
		apps[3] |= offload.TimestampApp(f.tag)
	}

	l := q.tx.Layout()
	for i, b := range f.bufs {
		idx := first + uint32(i)
		desc := q.tx.Desc(idx)
		slot := q.tx.Slot(idx)
		*slot = ring.Slot{Buffer: b, Mapping: ring.MapPage}

		ctrl := uint32(b.Len())
		if i == 0 {
			ctrl |= l.SOF
			slot.Mapping = ring.MapSingle
			desc.SetApps(apps)
		} else {
			desc.SetApps([ring.NumApp]uint32{})
		}
		if i == n-1 {
			ctrl |= l.EOF
			slot.Frame = f
			slot.Last = true
			slot.Tag, slot.HasTag = f.tag, f.tagged
		}
		desc.SetBuffer(b.BusAddr())
		desc.SetStatus(0)
		desc.SetControl(ctrl)
	}
	q.tx.Advance(n)
	issued = true

	// Every descriptor word is in place; the tail write exposes them.
	if addr, ok := q.tx.Publish(); ok {
		d.eng.setTail(ring.TX, q.id, addr)
	}
	return nil
}

// ReclaimTx releases the buffers of every frame the engine completed on a
// queue and returns the frames in submission order. Transmit timestamps
// are read from the FIFO before a frame is released.
func (d *Device) ReclaimTx(id int) []*Frame {
	q, err := d.queue(id)
	if err != nil {
		return nil
	}
	if d.acquire(q) != nil {
		return nil
	}
	defer q.excl.RUnlock()

	q.txMu.Lock()
	defer q.txMu.Unlock()

	var (
		done   []*Frame
		status uint32
	)
	for {
		i, desc, ok := q.tx.Pending()
		if !ok {
			break
		}
		status |= desc.Status()
		slot := *q.tx.Slot(i)
		*q.tx.Slot(i) = ring.Slot{}
		q.tx.Retire()

		if !slot.Last {
			continue
		}
		f := slot.Frame.(*Frame)
		if status&ring.StsErrMask != 0 {
			f.err = &DescriptorError{Queue: q.id, Dir: ring.TX, Status: status}
			q.stats.txErrors.Add(1)
			d.log.WithFields(logrus.Fields{
				"queue":  q.id,
				"status": fmt.Sprintf("%#08x", status),
			}).Debug("Transmit descriptor error")
		} else {
			q.stats.txPackets.Add(1)
			q.stats.txBytes.Add(uint64(f.n))
		}
		if slot.HasTag {
			d.collectTimestamp(f)
		}
		f.release()
		f.inFlight.Store(false)
		done = append(done, f)
		status = 0
	}
	if len(done) > 0 {
		d.log.WithFields(logrus.Fields{"queue": q.id, "frames": len(done)}).Debug("Reclaimed")
	}
	return done
}

// collectTimestamp drains the timestamp FIFO, attaching every entry to the
// frame its tag was assigned to, and gives up on f if its entry is not
// there.
func (d *Device) collectTimestamp(f *Frame) {
	d.tsMu.Lock()
	defer d.tsMu.Unlock()

	for {
		ts, ok := d.fifo.Read()
		if !ok {
			break
		}
		v, ok := d.tags.Take(ts.Tag)
		if !ok {
			d.log.WithField("tag", ts.Tag).Debug("Timestamp for unknown tag")
			continue
		}
		owner := v.(*Frame)
		owner.ts, owner.hasTS = ts, true
		if owner == f {
			return
		}
	}
	if !f.hasTS {
		d.tags.Forget(f.tag)
		d.stats.missedTimestamps.Add(1)
	}
}
