package axienet

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/axienet-go/axisim"
	"github.com/romshark/axienet-go/ring"
)

type frameID struct {
	producer, seq int
}

// ledger checks that every submitted frame is reclaimed exactly once and
// that each producer's frames come back in submission order.
type ledger struct {
	mu       sync.Mutex
	ids      map[*Frame]frameID
	next     map[int]int
	done     int
	failures []string
}

func newLedger() *ledger {
	return &ledger{ids: map[*Frame]frameID{}, next: map[int]int{}}
}

func (l *ledger) add(f *Frame, id frameID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids[f] = id
}

func (l *ledger) reclaimed(queue int, frames []*Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range frames {
		id, ok := l.ids[f]
		if !ok {
			l.failures = append(l.failures, fmt.Sprintf("queue %d: unknown or repeated frame", queue))
			continue
		}
		delete(l.ids, f)
		if id.seq != l.next[id.producer] {
			l.failures = append(l.failures, fmt.Sprintf("producer %d: got frame %d, want %d",
				id.producer, id.seq, l.next[id.producer]))
		}
		l.next[id.producer] = id.seq + 1
		l.done++
	}
}

func (l *ledger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// retry repeats op while it fails with a transient error.
func retry(ctx context.Context, op func() error) error {
	for {
		err := op()
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, ErrRingFull) && !errors.Is(err, ErrNoBuffers) &&
			!errors.Is(err, ErrNotReady):
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: last error %w", ctx.Err(), err)
		}
		runtime.Gosched()
	}
}

// produce submits n frames from every producer, producers[i] naming the
// queue of producer i, while d serves its interrupts. extra runs alongside.
// Once everyone is done and Serve has returned, the remaining completions
// are reclaimed.
func produce(t *testing.T, d testDevice, l *ledger, producers []int, n int, extra func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	frames := make([][]byte, 64)
	for i := range frames {
		frames[i] = udpFrame(t, i)
	}

	serveCtx, stopServe := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() {
		served <- d.Serve(serveCtx,
			Interrupt{Dir: ring.TX, Source: d.sim.IRQ(ring.TX)},
			Interrupt{Dir: ring.RX, Source: d.sim.IRQ(ring.RX)},
		)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for p, queue := range producers {
		g.Go(func() error {
			for seq := range n {
				var f *Frame
				err := retry(gctx, func() (err error) {
					f, err = d.NewFrame(frames[seq%len(frames)])
					return err
				})
				if err != nil {
					return fmt.Errorf("producer %d: %w", p, err)
				}
				l.add(f, frameID{producer: p, seq: seq})
				if err := retry(gctx, func() error { return d.SubmitTx(queue, f) }); err != nil {
					return fmt.Errorf("producer %d: %w", p, err)
				}
			}
			return nil
		})
	}
	if extra != nil {
		g.Go(func() error { return extra(gctx) })
	}
	require.NoError(t, g.Wait())

	stopServe()
	require.NoError(t, <-served)
	for q := range d.cfg.Queues {
		l.reclaimed(q, d.ReclaimTx(q))
	}
	require.Equal(t, len(producers)*n, l.count())
}

func TestConcurrentSubmitAndReclaim(t *testing.T) {
	l := newLedger()
	d := newTestDevice(t, axisim.Config{}, Config{
		Engine:     EngineMCDMA,
		Queues:     2,
		TxRingSize: 16,
	}, Options{OnTxComplete: l.reclaimed})

	// Two producers share each queue.
	const perProducer = 500
	produce(t, d, l, []int{0, 0, 1, 1}, perProducer, nil)

	assert.Empty(t, l.failures)
	assert.Empty(t, l.ids)
	s := d.Stats()
	assert.EqualValues(t, 2*perProducer, s.Queues[0].TxPackets)
	assert.EqualValues(t, 2*perProducer, s.Queues[1].TxPackets)
	assert.Equal(t, d.cfg.Queues*d.cfg.TxRingSize, d.txPool.Available())
}

func TestChannelToggleUnderTraffic(t *testing.T) {
	l := newLedger()
	d := newTestDevice(t, axisim.Config{}, Config{
		Engine:     EngineMCDMA,
		Queues:     2,
		TxRingSize: 16,
	}, Options{OnTxComplete: l.reclaimed})

	toggle := func(ctx context.Context) error {
		for range 200 {
			if err := d.DisableChannel(1); err != nil {
				return err
			}
			runtime.Gosched()
			if err := d.EnableChannel(1); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return nil
	}
	produce(t, d, l, []int{0, 1, 1}, 300, toggle)

	assert.Empty(t, l.failures)
	assert.True(t, d.ChannelEnabled(1))
	assert.Equal(t, Running, d.QueueState(1))
}

func TestEnableChannelDuringRecovery(t *testing.T) {
	d := newTestDevice(t, axisim.Config{}, Config{
		Engine: EngineMCDMA,
		Queues: 2,
	}, Options{Defer: func(f func()) { go f() }})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		for range 100 {
			if err := retry(ctx, func() error { return d.DisableChannel(1) }); err != nil {
				return err
			}
			if err := retry(ctx, func() error { return d.EnableChannel(1) }); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for range 20 {
			d.sim.InjectFault(ring.TX, 0)
			d.HandleIRQ(ring.TX)
			if err := retry(ctx, func() error {
				if d.QueueState(0) != Running || d.QueueState(1) != Running {
					return ErrNotReady
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		return d.Stats().Recoveries == 20
	}, time.Second, time.Millisecond)
	for q := range 2 {
		assert.Equal(t, Running, d.QueueState(q))
		assert.True(t, d.ChannelEnabled(q))
		assert.Equal(t, [3]uint32{0, 0, 0}, d.cursors(t, q, ring.TX))
	}

	// Both channels still carry traffic.
	for q := range 2 {
		d.submit(t, q, udpFrame(t, q))
		assert.Len(t, d.ReclaimTx(q), 1)
	}
}
