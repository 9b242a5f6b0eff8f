// Package axienet drives the AXI Ethernet data path: descriptor rings
// shared with an AXI DMA or AXI MCDMA engine, the MCDMA transmit arbiter,
// interrupt handling, recovery from engine faults and checksum and
// timestamp offload.
//
// Software and the engine never share a lock. A descriptor belongs to the
// engine from the tail register write that exposes it until the engine
// sets the completion bit in its status word; the ring cursors decide
// everything else.
package axienet

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/romshark/axienet-go/dmamem"
	"github.com/romshark/axienet-go/mmio"
	"github.com/romshark/axienet-go/offload"
	"github.com/romshark/axienet-go/ring"
	"github.com/sirupsen/logrus"
)

// txBufferSize is the size of transmit buffers. Larger frames are split
// over several descriptors.
const txBufferSize = 2048

// Windows are the register blocks of one AXI Ethernet instance.
type Windows struct {
	DMA mmio.Window
	// MAC may be nil when the MAC is managed elsewhere. The link is then
	// only controlled through SetLink.
	MAC mmio.Window
	// TxTimestamp is the transmit timestamp FIFO, required with
	// Config.Timestamping.
	TxTimestamp mmio.Window
}

// Options are the collaborators of a Device.
type Options struct {
	Logger *logrus.Logger
	// Alloc provides descriptor and buffer memory. Defaults to an
	// allocator using IdentityTranslator.
	Alloc *dmamem.Allocator
	// Defer runs recovery outside of the interrupt path. Defaults to
	// starting a goroutine.
	Defer func(func())
	// OnReceive takes ownership of frames received by HandleIRQ and must
	// release them. Without it they are released immediately.
	OnReceive func(*RxFrame)
	// OnTxComplete is called with the frames reclaimed by HandleIRQ.
	OnTxComplete func(queue int, frames []*Frame)
	// OnFatal is called once recovery failed and the device has to be
	// attached again.
	OnFatal func(error)
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	if o.Alloc == nil {
		o.Alloc = &dmamem.Allocator{}
	}
	if o.Defer == nil {
		o.Defer = func(f func()) { go f() }
	}
}

// State is the recovery state of a queue.
type State int32

const (
	Running State = iota
	Halting
	Halted
	Reconfiguring
	Fatal
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Halting:
		return "halting"
	case Halted:
		return "halted"
	case Reconfiguring:
		return "reconfiguring"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type queue struct {
	id int

	// excl is held shared by every operation on the queue and
	// exclusively by recovery and detach. Operations only try to take it.
	excl  sync.RWMutex
	state atomic.Int32

	// enabled is false while the channel is stopped with DisableChannel.
	enabled atomic.Bool
	// weight is the transmit arbitration weight, restored on recovery.
	weight atomic.Int32

	txMu  sync.Mutex
	tx    *ring.Ring
	annot *offload.Annotator

	rxMu sync.Mutex
	rx   *ring.Ring

	stats queueStats
}

func (q *queue) State() State { return State(q.state.Load()) }

func (q *queue) setState(s State) { q.state.Store(int32(s)) }

// Device is an attached AXI Ethernet instance.
type Device struct {
	cfg  Config
	opts Options
	log  *logrus.Entry

	eng    *engine
	mac    MAC
	queues []*queue
	txPool *dmamem.Pool
	rxPool *dmamem.Pool

	// tsMu guards the tag table and the timestamp FIFO, both shared by
	// every queue.
	tsMu sync.Mutex
	tags *offload.TagTable
	fifo *offload.FIFO

	linkUp     atomic.Bool
	recovering atomic.Bool
	detached   atomic.Bool

	stats deviceStats
}

// Attach validates cfg, resets the engine, allocates and links every ring
// and starts all channels.
func Attach(w Windows, cfg Config, opts Options) (_ *Device, err error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if w.DMA == nil {
		return nil, configErrorf("windows", "missing DMA register window")
	}
	if cfg.Timestamping && w.TxTimestamp == nil {
		return nil, configErrorf("timestamping", "missing timestamp FIFO window")
	}
	perFrame := (cfg.MaxFrameSize + txBufferSize - 1) / txBufferSize
	if perFrame > cfg.TxRingSize-1 {
		return nil, configErrorf("tx-ring-size",
			"%d descriptors cannot hold a %d byte frame", cfg.TxRingSize-1, cfg.MaxFrameSize)
	}
	opts.setDefaults()

	d := &Device{
		cfg:  cfg,
		opts: opts,
		log: opts.Logger.WithFields(logrus.Fields{
			"device": cfg.Name,
			"engine": cfg.Engine,
		}),
		eng:  newEngine(w.DMA, &cfg),
		tags: offload.NewTagTable(),
	}
	if w.TxTimestamp != nil {
		d.fifo = offload.NewFIFO(w.TxTimestamp)
	}
	defer func() {
		if err != nil {
			_ = d.free()
		}
	}()

	if w.MAC != nil {
		if d.mac, err = newMAC(cfg.MAC, w.MAC, cfg.ResetRetries, cfg.ResetDelay); err != nil {
			return nil, err
		}
		if err = d.mac.Configure(cfg.macOptions(), cfg.MaxFrameSize); err != nil {
			return nil, fmt.Errorf("configuring %s mac: %w", cfg.MAC, err)
		}
	}

	if d.txPool, err = dmamem.NewPool(opts.Alloc, cfg.Queues*cfg.TxRingSize, txBufferSize); err != nil {
		return nil, fmt.Errorf("allocating tx buffers: %w", err)
	}
	// Every receive slot stays armed while frames handed out are still
	// being processed, so there are twice as many buffers as slots.
	if d.rxPool, err = dmamem.NewPool(opts.Alloc, 2*cfg.Queues*cfg.RxRingSize, cfg.MaxFrameSize); err != nil {
		return nil, fmt.Errorf("allocating rx buffers: %w", err)
	}

	layout := cfg.Engine.layout()
	for i := range cfg.Queues {
		q := &queue{id: i, annot: offload.NewAnnotator(cfg.TxChecksum)}
		q.weight.Store(int32(cfg.weight(i)))
		d.queues = append(d.queues, q)
		if q.tx, err = ring.Allocate(opts.Alloc, ring.TX, i, cfg.TxRingSize, layout); err != nil {
			return nil, err
		}
		if q.rx, err = ring.Allocate(opts.Alloc, ring.RX, i, cfg.RxRingSize, layout); err != nil {
			return nil, err
		}
	}

	if d.mac != nil {
		if _, err = d.PollLink(); err != nil {
			return nil, err
		}
	} else {
		d.linkUp.Store(true)
	}

	if err = d.eng.reset(); err != nil {
		return nil, fmt.Errorf("resetting dma: %w", err)
	}
	if err = d.start(); err != nil {
		return nil, err
	}

	d.log.WithFields(logrus.Fields{
		"mac":     cfg.MAC,
		"queues":  cfg.Queues,
		"tx_ring": cfg.TxRingSize,
		"rx_ring": cfg.RxRingSize,
		"link":    d.linkUp.Load(),
	}).Info("Device attached")
	return d, nil
}

func (c *Config) macOptions() MACOptions {
	opts := DefaultMACOptions
	if c.Jumbo {
		opts |= OptJumbo
	}
	if c.VLAN {
		opts |= OptVLAN
	}
	if c.Promiscuous {
		opts |= OptPromisc
	}
	return opts
}

// start arms the receive rings and programs and starts every channel.
// Rings must be freshly reset and the engine halted.
func (d *Device) start() error {
	if d.fifo != nil {
		d.fifo.Reset()
	}
	for _, q := range d.queues {
		if err := d.armRx(q); err != nil {
			return err
		}
	}

	c := d.cfg.Coalesce
	txTicks := usecToTimer(c.TxUsec, d.cfg.ClockHz)
	rxTicks := usecToTimer(c.RxUsec, d.cfg.ClockHz)
	for _, q := range d.queues {
		if d.eng.mcdma {
			d.eng.setWeight(q.id, int(q.weight.Load()))
		}
		d.eng.startChannel(ring.TX, q.id, uint32(c.TxCount), txTicks, q.tx.Base())
		d.eng.startChannel(ring.RX, q.id, uint32(c.RxCount), rxTicks, q.rx.Base())
	}
	d.eng.startCommon(ring.TX)
	d.eng.startCommon(ring.RX)

	for _, q := range d.queues {
		if addr, ok := q.rx.Publish(); ok {
			d.eng.setTail(ring.RX, q.id, addr)
		}
		q.enabled.Store(true)
		q.setState(Running)
	}
	return nil
}

// armRx gives every receive slot a buffer and issues all but one of them.
func (d *Device) armRx(q *queue) error {
	for i := range uint32(q.rx.Cap()) {
		b, ok := d.rxPool.Get()
		if !ok {
			return fmt.Errorf("arming rx ring of queue %d: %w", q.id, dmamem.ErrOutOfMemory)
		}
		q.rx.Slot(i).Buffer = b
		d.arm(q.rx.Desc(i), b)
	}
	q.rx.Advance(q.rx.Space())
	return nil
}

// arm hands a receive buffer to a descriptor. The status word is cleared
// last so the descriptor reads as not done until it is complete.
func (d *Device) arm(desc ring.Desc, b *dmamem.Buffer) {
	desc.SetBuffer(b.BusAddr())
	desc.SetControl(uint32(b.Cap()) & ring.LenMask)
	desc.SetApps([ring.NumApp]uint32{})
	desc.SetStatus(0)
}

// Config returns the validated configuration.
func (d *Device) Config() Config { return d.cfg }

// Name returns the configured device name.
func (d *Device) Name() string { return d.cfg.Name }

// MAC returns the MAC variant, nil if the device was attached without a
// MAC window.
func (d *Device) MAC() MAC { return d.mac }

func (d *Device) queue(id int) (*queue, error) {
	if d.detached.Load() {
		return nil, ErrDetached
	}
	if id < 0 || id >= len(d.queues) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchQueue, id)
	}
	return d.queues[id], nil
}

// acquire takes q shared for a data path operation. It fails instead of
// waiting while recovery or detach hold the queue.
func (d *Device) acquire(q *queue) error {
	if !q.excl.TryRLock() {
		return d.notReady(q)
	}
	if d.detached.Load() || q.State() != Running {
		q.excl.RUnlock()
		return d.notReady(q)
	}
	return nil
}

func (d *Device) notReady(q *queue) error {
	switch {
	case d.detached.Load():
		return ErrDetached
	case q.State() == Fatal:
		return ErrFatal
	}
	return ErrNotReady
}

// QueueState returns the recovery state of a queue.
func (d *Device) QueueState(id int) State {
	if id < 0 || id >= len(d.queues) {
		return Fatal
	}
	return d.queues[id].State()
}

// Cursors returns the issue, hardware tail and completion cursors of one
// ring of a queue.
func (d *Device) Cursors(id int, dir ring.Direction) (issue, tail, completion uint32, err error) {
	q, err := d.queue(id)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := d.acquire(q); err != nil {
		return 0, 0, 0, err
	}
	defer q.excl.RUnlock()

	if dir == ring.RX {
		q.rxMu.Lock()
		defer q.rxMu.Unlock()
		issue, tail, completion = q.rx.Cursors()
		return issue, tail, completion, nil
	}
	q.txMu.Lock()
	defer q.txMu.Unlock()
	issue, tail, completion = q.tx.Cursors()
	return issue, tail, completion, nil
}

// SetLink records the link state reported by the PHY. Transmission is
// refused while the link is down.
func (d *Device) SetLink(up bool) {
	if d.linkUp.Swap(up) == up {
		return
	}
	if up {
		d.log.Info("Link up")
	} else {
		d.log.Warn("Link down")
	}
}

// PollLink reads the link state from the MAC and applies it.
func (d *Device) PollLink() (bool, error) {
	if d.mac == nil {
		return d.linkUp.Load(), nil
	}
	up, err := d.mac.LinkStatus()
	if err != nil {
		return false, fmt.Errorf("reading link status: %w", err)
	}
	d.SetLink(up)
	return up, nil
}

// LinkUp reports the last known link state.
func (d *Device) LinkUp() bool { return d.linkUp.Load() }

// Detach halts every channel, releases all in-flight buffers and frees the
// device's memory. A channel that does not halt in time is reset. Frames
// the caller still holds stay valid; their memory is freed once the last
// of them is released.
func (d *Device) Detach() error {
	if d.detached.Swap(true) {
		return ErrDetached
	}
	for _, q := range d.queues {
		q.excl.Lock()
	}
	defer func() {
		for _, q := range d.queues {
			q.excl.Unlock()
		}
	}()

	var errs []error
	for _, q := range d.queues {
		if err := d.eng.haltChannel(q.id); err != nil {
			d.log.WithField("queue", q.id).WithError(err).Warn("Channel did not halt")
			errs = append(errs, fmt.Errorf("halting queue %d: %w", q.id, err))
		}
	}
	if len(errs) > 0 {
		if err := d.eng.reset(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, q := range d.queues {
		d.dropInFlight(q)
		q.setState(Halted)
	}

	if held := d.txPool.InUse() + d.rxPool.InUse(); held > 0 {
		d.log.WithField("buffers", held).Warn("Buffers still held, freed on release")
	}
	if err := d.free(); err != nil {
		errs = append(errs, err)
	}
	d.log.Info("Device detached")
	return errors.Join(errs...)
}

// dropInFlight releases every buffer a queue's rings still reference.
// Transmit frames are discarded without being reclaimed.
func (d *Device) dropInFlight(q *queue) {
	discarded := 0
	for _, s := range q.tx.Drain() {
		if f, ok := s.Frame.(*Frame); ok {
			f.release()
			f.inFlight.Store(false)
			discarded++
		}
	}
	for _, s := range q.rx.Drain() {
		if s.Buffer != nil {
			s.Buffer.Release()
		}
	}
	q.stats.txDiscarded.Add(uint64(discarded))

	d.tsMu.Lock()
	d.tags.Reset()
	d.tsMu.Unlock()
}

func (d *Device) free() error {
	var errs []error
	for _, q := range d.queues {
		for _, r := range []*ring.Ring{q.tx, q.rx} {
			if r == nil {
				continue
			}
			if err := r.Close(); err != nil {
				errs = append(errs, fmt.Errorf("freeing %s ring of queue %d: %w", r.Direction(), q.id, err))
			}
		}
	}
	for _, p := range []*dmamem.Pool{d.txPool, d.rxPool} {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("freeing buffer pool: %w", err))
		}
	}
	return errors.Join(errs...)
}
