package axienet

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/axienet-go/axisim"
	"github.com/romshark/axienet-go/dmamem"
	"github.com/romshark/axienet-go/internal/testlog"
	"github.com/romshark/axienet-go/mmio"
	"github.com/romshark/axienet-go/offload"
	"github.com/romshark/axienet-go/ring"
)

type testDevice struct {
	*Device
	sim *axisim.Sim
}

// runNow runs deferred work right away so recovery completes inside
// HandleIRQ.
func runNow(f func()) { f() }

func newTestDevice(t *testing.T, sc axisim.Config, cfg Config, opts Options) testDevice {
	t.Helper()
	return newTestDeviceDMA(t, sc, cfg, opts, nil)
}

// newTestDeviceDMA is newTestDevice with the DMA register window passed
// through wrap.
func newTestDeviceDMA(
	t *testing.T, sc axisim.Config, cfg Config, opts Options,
	wrap func(mmio.Window) mmio.Window,
) testDevice {
	t.Helper()
	alloc := &dmamem.Allocator{}
	sc.Alloc = alloc
	if cfg.Engine == EngineMCDMA {
		sc.MCDMA = true
		sc.Queues = cfg.Queues
	}
	sim := axisim.New(sc)

	if cfg.TxRingSize == 0 {
		cfg.TxRingSize = 8
	}
	if cfg.RxRingSize == 0 {
		cfg.RxRingSize = 8
	}
	if cfg.ResetRetries == 0 {
		cfg.ResetRetries = 5
	}
	if cfg.ResetDelay == 0 {
		cfg.ResetDelay = time.Microsecond
	}
	opts.Alloc = alloc
	if opts.Logger == nil {
		opts.Logger = testlog.NewLogger()
	}
	if opts.Defer == nil {
		opts.Defer = runNow
	}

	w := Windows{DMA: sim.DMA(), MAC: sim.MAC()}
	if wrap != nil {
		w.DMA = wrap(w.DMA)
	}
	if cfg.Timestamping {
		w.TxTimestamp = sim.TimestampFIFO()
	}
	d, err := Attach(w, cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !d.detached.Load() {
			assert.NoError(t, d.Detach())
		}
	})
	return testDevice{Device: d, sim: sim}
}

func udpFrame(t *testing.T, payload int) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 4000, DstPort: 5000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	data := make([]byte, payload)
	for i := range data {
		data[i] = byte(i)
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload(data)))
	return buf.Bytes()
}

func (d testDevice) submit(t *testing.T, queue int, segments ...[]byte) *Frame {
	t.Helper()
	f, err := d.NewFrame(segments...)
	require.NoError(t, err)
	require.NoError(t, d.SubmitTx(queue, f))
	return f
}

func (d testDevice) cursors(t *testing.T, queue int, dir ring.Direction) [3]uint32 {
	t.Helper()
	issue, tail, completion, err := d.Cursors(queue, dir)
	require.NoError(t, err)
	return [3]uint32{issue, tail, completion}
}

func TestAttach(t *testing.T) {
	d := newTestDevice(t, axisim.Config{}, Config{Name: "eth0"}, Options{})

	assert.Equal(t, Running, d.QueueState(0))
	assert.True(t, d.LinkUp())
	assert.True(t, d.ChannelEnabled(0))
	assert.Equal(t, [3]uint32{0, 0, 0}, d.cursors(t, 0, ring.TX))
	// Every receive slot but one is handed to the engine.
	assert.Equal(t, [3]uint32{7, 7, 0}, d.cursors(t, 0, ring.RX))
	assert.Equal(t, ring.AXIDMA, d.queues[0].tx.Layout())
}

func TestAttachInvalidConfig(t *testing.T) {
	sim := axisim.New(axisim.Config{})
	_, err := Attach(Windows{DMA: sim.DMA()}, Config{Queues: 2}, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = Attach(Windows{}, Config{}, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = Attach(Windows{DMA: sim.DMA()}, Config{Timestamping: true}, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = Attach(Windows{DMA: sim.DMA()}, Config{
		Jumbo: true, TxRingSize: 4,
	}, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestAttachResetTimeout(t *testing.T) {
	alloc := &dmamem.Allocator{}
	sim := axisim.New(axisim.Config{Alloc: alloc})
	sim.FailReset(true)
	_, err := Attach(Windows{DMA: sim.DMA()}, Config{
		TxRingSize: 8, RxRingSize: 8, ResetRetries: 2, ResetDelay: time.Microsecond,
	}, Options{Alloc: alloc, Logger: testlog.NewLogger()})
	assert.ErrorIs(t, err, ErrResetTimeout)
}

func TestSubmitReclaimFIFO(t *testing.T) {
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{}, Options{})

	var want []*Frame
	var payloads [][]byte
	for i := range 7 {
		p := udpFrame(t, 20+i)
		payloads = append(payloads, p)
		want = append(want, d.submit(t, 0, p))
	}
	assert.Empty(t, d.ReclaimTx(0), "nothing completed yet")
	assert.Equal(t, [3]uint32{7, 7, 0}, d.cursors(t, 0, ring.TX))

	assert.Equal(t, 7, d.sim.Flush())
	got := d.ReclaimTx(0)
	require.Len(t, got, 7)
	for i := range want {
		assert.Same(t, want[i], got[i], "frame %d", i)
		assert.NoError(t, got[i].Err())
	}

	sent := d.sim.Sent()
	require.Len(t, sent, 7)
	for i, f := range sent {
		assert.Equal(t, payloads[i], f.Data, "frame %d", i)
	}
	assert.Equal(t, [3]uint32{7, 7, 7}, d.cursors(t, 0, ring.TX))

	s := d.Stats().Total()
	assert.EqualValues(t, 7, s.TxPackets)
	assert.Equal(t, d.Config().Queues*d.Config().TxRingSize, d.txPool.Available())
}

func TestSubmitRingFull(t *testing.T) {
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{}, Options{})

	frame := udpFrame(t, 10)
	for range 7 {
		d.submit(t, 0, frame)
	}
	f, err := d.NewFrame(frame)
	require.NoError(t, err)
	assert.ErrorIs(t, d.SubmitTx(0, f), ErrRingFull)
	assert.EqualValues(t, 1, d.Stats().Total().TxRingFull)

	// Ring state is unchanged and the frame can go once there is room.
	assert.Equal(t, [3]uint32{7, 7, 0}, d.cursors(t, 0, ring.TX))
	d.sim.Flush()
	assert.Len(t, d.ReclaimTx(0), 7)
	assert.NoError(t, d.SubmitTx(0, f))
}

func TestSubmitInFlightFrame(t *testing.T) {
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{}, Options{})

	f := d.submit(t, 0, udpFrame(t, 10))
	avail := d.txPool.Available()
	assert.ErrorIs(t, d.SubmitTx(0, f), ErrFrameInFlight)
	assert.Equal(t, [3]uint32{1, 1, 0}, d.cursors(t, 0, ring.TX))

	// The engine still owns the buffers.
	f.Release()
	assert.Equal(t, avail, d.txPool.Available())

	d.sim.Flush()
	require.Len(t, d.sim.Sent(), 1)
	got := d.ReclaimTx(0)
	require.Len(t, got, 1)
	assert.Same(t, f, got[0])
	assert.Empty(t, d.ReclaimTx(0))

	// Reclaimed frames have given their buffers back.
	assert.ErrorIs(t, d.SubmitTx(0, f), ErrFrameEmpty)
}

func TestNewFrame(t *testing.T) {
	d := newTestDevice(t, axisim.Config{}, Config{}, Options{})

	_, err := d.NewFrame()
	assert.ErrorIs(t, err, ErrFrameEmpty)
	_, err = d.NewFrame(nil, []byte{})
	assert.ErrorIs(t, err, ErrFrameEmpty)
	_, err = d.NewFrame(make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	f, err := d.NewFrame([]byte{1, 2}, []byte{3})
	require.NoError(t, err)
	assert.Equal(t, 3, f.Len())
	f.Release()
	assert.Equal(t, d.Config().TxRingSize, d.txPool.Available())
}

func TestSubmitMultiDescriptor(t *testing.T) {
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{
		Jumbo: true, TxRingSize: 16,
	}, Options{})

	data := bytes.Repeat([]byte{0xAB}, 5000)
	f := d.submit(t, 0, data[:1000], data[1000:])
	// 1000 bytes, then 4000 bytes split over two buffers.
	require.Len(t, f.bufs, 3)

	q := d.queues[0]
	l := q.tx.Layout()
	for i := range uint32(3) {
		desc := q.tx.Desc(i)
		slot := q.tx.Slot(i)
		assert.Equal(t, i == 0, desc.Control()&l.SOF != 0, "SOF of %d", i)
		assert.Equal(t, i == 2, desc.Control()&l.EOF != 0, "EOF of %d", i)
		assert.Equal(t, i == 2, slot.Last)
		if i == 0 {
			assert.Equal(t, ring.MapSingle, slot.Mapping)
		} else {
			assert.Equal(t, ring.MapPage, slot.Mapping)
		}
	}

	d.sim.Flush()
	got := d.ReclaimTx(0)
	require.Len(t, got, 1)
	assert.Same(t, f, got[0])
	sent := d.sim.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, data, sent[0].Data)
	assert.Equal(t, [3]uint32{3, 3, 3}, d.cursors(t, 0, ring.TX))
}

func TestSubmitDescriptorError(t *testing.T) {
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{}, Options{})

	d.submit(t, 0, udpFrame(t, 10))
	d.submit(t, 0, udpFrame(t, 10))
	d.sim.Flush()
	d.sim.InjectTxError(0, ring.StsSlvErr)
	d.submit(t, 0, udpFrame(t, 10))
	d.sim.Flush()

	got := d.ReclaimTx(0)
	require.Len(t, got, 3)
	assert.NoError(t, got[0].Err())
	assert.NoError(t, got[1].Err())
	var derr *DescriptorError
	require.ErrorAs(t, got[2].Err(), &derr)
	assert.Equal(t, ring.TX, derr.Dir)
	assert.NotZero(t, derr.Status&ring.StsSlvErr)

	s := d.Stats().Total()
	assert.EqualValues(t, 2, s.TxPackets)
	assert.EqualValues(t, 1, s.TxErrors)
	assert.Equal(t, Running, d.QueueState(0))
}

func TestChecksumSeedRoundTrip(t *testing.T) {
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{
		TxChecksum: offload.Partial,
	}, Options{})

	frame := udpFrame(t, 100)
	f, err := d.NewFrame(frame)
	require.NoError(t, err)
	f.Checksum = true
	require.NoError(t, d.SubmitTx(0, f))

	want, err := offload.NewAnnotator(offload.Partial).Checksum(frame)
	require.NoError(t, err)
	got := d.queues[0].tx.Desc(0).Apps()
	assert.Equal(t, [ring.NumApp]uint32(want), got)
	assert.EqualValues(t, offload.TxCsumPartial, got[0])

	d.sim.Flush()
	sent := d.sim.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, got, sent[0].Apps)
}

func TestChecksumUnsupportedFrame(t *testing.T) {
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{
		TxChecksum: offload.Full,
	}, Options{})

	arp := make([]byte, 60)
	arp[12], arp[13] = 0x08, 0x06
	f, err := d.NewFrame(arp)
	require.NoError(t, err)
	f.Checksum = true
	require.NoError(t, d.SubmitTx(0, f))
	assert.Zero(t, d.queues[0].tx.Desc(0).App(0))
}

func TestLinkGating(t *testing.T) {
	d := newTestDevice(t, axisim.Config{}, Config{}, Options{})

	d.sim.SetLink(false)
	up, err := d.PollLink()
	require.NoError(t, err)
	assert.False(t, up)

	f, err := d.NewFrame(udpFrame(t, 10))
	require.NoError(t, err)
	assert.ErrorIs(t, d.SubmitTx(0, f), ErrLinkDown)

	d.SetLink(true)
	assert.NoError(t, d.SubmitTx(0, f))
}

func TestUnknownQueue(t *testing.T) {
	d := newTestDevice(t, axisim.Config{}, Config{}, Options{})

	f, err := d.NewFrame([]byte{1})
	require.NoError(t, err)
	assert.ErrorIs(t, d.SubmitTx(1, f), ErrNoSuchQueue)
	assert.ErrorIs(t, d.SubmitTx(-1, f), ErrNoSuchQueue)
	assert.Nil(t, d.ReclaimTx(3))
}

func TestDetach(t *testing.T) {
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{}, Options{})

	d.submit(t, 0, udpFrame(t, 10))
	d.submit(t, 0, udpFrame(t, 10))
	require.NoError(t, d.Detach())

	assert.EqualValues(t, 2, d.Stats().Total().TxDiscarded)
	assert.Equal(t, Halted, d.QueueState(0))
	assert.ErrorIs(t, d.Detach(), ErrDetached)

	f := &Frame{bufs: []*dmamem.Buffer{nil}}
	assert.ErrorIs(t, d.SubmitTx(0, f), ErrDetached)
	assert.Nil(t, d.ReclaimTx(0))
	for range d.PollRx(0, 1) {
		t.Fatal("received after detach")
	}
}

func TestDetachWithHeldFrames(t *testing.T) {
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{}, Options{})

	require.NoError(t, d.sim.Receive(0, udpFrame(t, 10), axisim.RxOpts{}))
	rx := collect(d, 0, 1)
	require.Len(t, rx, 1)
	tx, err := d.NewFrame(udpFrame(t, 11))
	require.NoError(t, err)
	rxAddr, txAddr := rx[0].buf.BusAddr(), tx.bufs[0].BusAddr()

	require.NoError(t, d.Detach())

	assert.Equal(t, udpFrame(t, 10), rx[0].Data())
	assert.Equal(t, udpFrame(t, 11), tx.bufs[0].Bytes())
	_, err = d.opts.Alloc.Resolve(rxAddr, rx[0].Len())
	require.NoError(t, err, "receive buffer unmapped while held")

	rx[0].Release()
	_, err = d.opts.Alloc.Resolve(rxAddr, 1)
	assert.ErrorIs(t, err, dmamem.ErrBadAddress)

	_, err = d.opts.Alloc.Resolve(txAddr, 1)
	require.NoError(t, err, "transmit buffer unmapped while held")
	tx.Release()
	_, err = d.opts.Alloc.Resolve(txAddr, 1)
	assert.ErrorIs(t, err, dmamem.ErrBadAddress)
}
