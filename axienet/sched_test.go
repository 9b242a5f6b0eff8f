package axienet

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/axienet-go/axiregs"
	"github.com/romshark/axienet-go/axisim"
	"github.com/romshark/axienet-go/mmio"
	"github.com/romshark/axienet-go/ring"
)

// hookWindow runs a hook once, right after the next load of register off.
type hookWindow struct {
	mmio.Window
	off  uint32
	hook atomic.Pointer[func()]
}

func (w *hookWindow) Load32(off uint32) uint32 {
	v := w.Window.Load32(off)
	if off == w.off {
		if h := w.hook.Swap(nil); h != nil {
			(*h)()
		}
	}
	return v
}

func TestWeightedRoundRobin(t *testing.T) {
	weights := map[int]int{0: 1, 1: 2, 2: 4}
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{
		Engine:  EngineMCDMA,
		Queues:  3,
		Weights: weights,
	}, Options{})

	// Keep every queue backlogged for the whole run.
	for q := range 3 {
		for range 7 {
			d.submit(t, q, udpFrame(t, 64))
		}
	}
	const steps = 700
	for range steps {
		q, ok := d.sim.Step()
		require.True(t, ok)
		require.Len(t, d.ReclaimTx(q), 1)
		d.submit(t, q, udpFrame(t, 64))
	}

	served := d.sim.Served()
	for q, w := range weights {
		want := steps * w / 7
		assert.InDelta(t, want, served[q], float64(want)*0.05, "queue %d", q)
	}
}

func TestWeightIdleQueueYields(t *testing.T) {
	d := newTestDevice(t, axisim.Config{Manual: true}, Config{
		Engine:  EngineMCDMA,
		Queues:  2,
		Weights: map[int]int{0: 15, 1: 1},
	}, Options{})

	// A heavy queue with nothing to send does not hold the light one back.
	for range 3 {
		d.submit(t, 1, udpFrame(t, 64))
	}
	for range 3 {
		q, ok := d.sim.Step()
		require.True(t, ok)
		assert.Equal(t, 1, q)
	}
	_, ok := d.sim.Step()
	assert.False(t, ok)
}

func TestConfigureWeight(t *testing.T) {
	d := newTestDevice(t, axisim.Config{}, Config{Engine: EngineMCDMA, Queues: 2}, Options{})

	w, err := d.Weight(1)
	require.NoError(t, err)
	assert.Equal(t, 1, w)

	assert.ErrorIs(t, d.ConfigureWeight(1, 9), ErrChannelRunning)

	require.NoError(t, d.DisableChannel(1))
	assert.False(t, d.ChannelEnabled(1))
	assert.True(t, d.ChannelEnabled(0))

	for _, bad := range []int{0, 16, -1} {
		assert.ErrorIs(t, d.ConfigureWeight(1, bad), ErrInvalidConfiguration, "weight %d", bad)
	}
	require.NoError(t, d.ConfigureWeight(1, 9))
	require.NoError(t, d.EnableChannel(1))

	w, err = d.Weight(1)
	require.NoError(t, err)
	assert.Equal(t, 9, w)
	w, err = d.Weight(0)
	require.NoError(t, err)
	assert.Equal(t, 1, w)

	_, err = d.Weight(2)
	assert.ErrorIs(t, err, ErrNoSuchQueue)

	// Recovery reprograms the weight.
	d.sim.InjectFault(ring.TX, 0)
	d.HandleIRQ(ring.TX)
	require.Equal(t, Running, d.QueueState(1))
	w, err = d.Weight(1)
	require.NoError(t, err)
	assert.Equal(t, 9, w)
}

func TestConfigureWeightAXIDMA(t *testing.T) {
	d := newTestDevice(t, axisim.Config{}, Config{}, Options{})
	assert.ErrorIs(t, d.ConfigureWeight(0, 2), ErrInvalidConfiguration)
	_, err := d.Weight(0)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestDisableChannel(t *testing.T) {
	d := newTestDevice(t, axisim.Config{}, Config{Engine: EngineMCDMA, Queues: 2}, Options{})

	require.NoError(t, d.DisableChannel(0))
	require.NoError(t, d.DisableChannel(0))

	// Submissions are accepted but stay on the ring.
	f := d.submit(t, 0, udpFrame(t, 10))
	assert.Empty(t, d.sim.Sent())
	assert.Empty(t, d.ReclaimTx(0))

	// The other channel is unaffected.
	d.submit(t, 1, udpFrame(t, 11))
	require.Len(t, d.sim.Sent(), 1)
	assert.Len(t, d.ReclaimTx(1), 1)

	require.NoError(t, d.EnableChannel(0))
	sent := d.sim.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, udpFrame(t, 10), sent[0].Data)
	got := d.ReclaimTx(0)
	require.Len(t, got, 1)
	assert.Same(t, f, got[0])

	// The receive channel was stopped as well and is back.
	require.NoError(t, d.sim.Receive(0, udpFrame(t, 12), axisim.RxOpts{}))
	frames := collect(d, 0, 1)
	require.Len(t, frames, 1)
	frames[0].Release()
}

func TestChannelControlUnknownQueue(t *testing.T) {
	d := newTestDevice(t, axisim.Config{}, Config{Engine: EngineMCDMA, Queues: 2}, Options{})
	assert.ErrorIs(t, d.DisableChannel(5), ErrNoSuchQueue)
	assert.ErrorIs(t, d.EnableChannel(-1), ErrNoSuchQueue)
	assert.ErrorIs(t, d.ConfigureWeight(2, 3), ErrNoSuchQueue)
	assert.False(t, d.ChannelEnabled(7))
}

func TestDisableChannelDuringIRQ(t *testing.T) {
	cr := axiregs.DMAChannel(ring.TX) + axiregs.DMACR
	w := &hookWindow{off: cr}
	d := newTestDeviceDMA(t, axisim.Config{}, Config{}, Options{}, func(dma mmio.Window) mmio.Window {
		w.Window = dma
		return w
	})
	d.submit(t, 0, udpFrame(t, 10))
	require.Len(t, d.sim.Sent(), 1)

	// The first control register load of HandleIRQ is the interrupt
	// re-enable. DisableChannel is started between its load and its store.
	disabled := make(chan error, 1)
	hook := func() {
		go func() { disabled <- d.DisableChannel(0) }()
		time.Sleep(10 * time.Millisecond)
	}
	w.hook.Store(&hook)
	d.HandleIRQ(ring.TX)
	require.NoError(t, <-disabled)

	assert.False(t, d.ChannelEnabled(0))
	assert.Zero(t, d.sim.DMA().Load32(cr)&axiregs.DMACRRunStop, "run/stop")
	assert.Zero(t, d.sim.DMA().Load32(cr)&axiregs.DMAIrqAll, "interrupt enables")

	d.submit(t, 0, udpFrame(t, 11))
	assert.Empty(t, d.sim.Sent(), "disabled channel transmitted")

	require.NoError(t, d.EnableChannel(0))
	assert.Len(t, d.sim.Sent(), 1)
	assert.Len(t, d.ReclaimTx(0), 1)
}
