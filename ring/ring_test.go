package ring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/axienet-go/dmamem"
)

func newRing(t *testing.T, dir Direction, capacity int, l *Layout) *Ring {
	t.Helper()
	r, err := Allocate(&dmamem.Allocator{}, dir, 0, capacity, l)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, r.Close()) })
	return r
}

// complete marks the descriptor at cursor i as finished by the device.
func complete(r *Ring, i uint32, n int) {
	d := r.Desc(i)
	d.SetStatus(StsComplete | uint32(n))
}

func TestCheckCapacity(t *testing.T) {
	tests := []struct {
		name        string
		capacity    int
		containsErr string
	}{
		{name: "zero", capacity: 0, containsErr: "too small"},
		{name: "one", capacity: 1, containsErr: "too small"},
		{name: "not a power of 2", capacity: 24, containsErr: "not a power of 2"},
		{name: "too large", capacity: 1 << 16, containsErr: "larger than"},
		{name: "valid 2", capacity: 2},
		{name: "valid 512", capacity: 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCapacity(tt.capacity)
			if tt.containsErr != "" {
				assert.ErrorIs(t, err, ErrInvalidCapacity)
				assert.ErrorContains(t, err, tt.containsErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllocateLinksChain(t *testing.T) {
	for _, l := range []*Layout{AXIDMA, MCDMA} {
		t.Run(l.Name, func(t *testing.T) {
			r := newRing(t, TX, 16, l)

			assert.Zero(t, r.Base()%MinAlign)
			for i := range uint32(16) {
				assert.Equal(t, r.BusAddrOf(i+1), r.Desc(i).Next(), "descriptor %d", i)
			}
			assert.Equal(t, r.Base(), r.Desc(15).Next(), "last links to first")

			issue, tail, completion := r.Cursors()
			assert.Zero(t, issue)
			assert.Zero(t, tail)
			assert.Zero(t, completion)
		})
	}
}

func TestAllocateMisaligned(t *testing.T) {
	a := &dmamem.Allocator{Translator: skewTranslator{}}
	_, err := Allocate(a, RX, 0, 8, AXIDMA)
	assert.ErrorIs(t, err, dmamem.ErrMisaligned)
}

type skewTranslator struct{}

func (skewTranslator) BusAddr(va uintptr) (uint64, error) { return uint64(va) + 0x10, nil }

func TestLayoutOffsets(t *testing.T) {
	r := newRing(t, TX, 2, MCDMA)
	d := r.Desc(0)
	d.SetControl(MCDMA.SOF | 60)
	d.SetStatus(StsComplete)

	raw := r.region.Bytes()
	assert.Equal(t, []byte{60, 0, 0, 0x80}, raw[0x14:0x18], "control word")
	assert.Equal(t, []byte{0, 0, 0, 0x80}, raw[0x1C:0x20], "tx status lives in the side-band word")
	assert.Equal(t, []byte{0, 0, 0, 0}, raw[0x18:0x1C])

	rx := View(raw, MCDMA, RX)
	assert.Zero(t, rx.Status())
}

func TestRingFull(t *testing.T) {
	const capacity = 8
	r := newRing(t, TX, capacity, AXIDMA)

	for i := 0; i < capacity-1; i++ {
		_, err := r.Reserve(1)
		require.NoError(t, err, "submission %d", i)
		r.Advance(1)
	}
	_, err := r.Reserve(1)
	assert.ErrorIs(t, err, ErrRingFull, "capacity-th submission")
	assert.Equal(t, capacity-1, r.InFlight())
	assert.Zero(t, r.Space())
	assert.Panics(t, func() { r.Advance(1) })

	_, err = r.Reserve(0)
	assert.ErrorIs(t, err, ErrRingFull)
}

func TestPublishAndOwnership(t *testing.T) {
	r := newRing(t, TX, 4, AXIDMA)

	_, ok := r.Publish()
	assert.False(t, ok, "nothing issued")

	i, err := r.Reserve(2)
	require.NoError(t, err)
	assert.Zero(t, i)
	r.Advance(2)
	assert.Equal(t, Software, r.Owner(0), "issued but not yet published")

	addr, ok := r.Publish()
	require.True(t, ok)
	assert.Equal(t, r.BusAddrOf(1), addr, "tail points at the last filled descriptor")
	_, ok = r.Publish()
	assert.False(t, ok)

	assert.Equal(t, Hardware, r.Owner(0))
	assert.Equal(t, Hardware, r.Owner(1))
	assert.Equal(t, Software, r.Owner(2))

	_, _, ok = r.Pending()
	assert.False(t, ok)

	complete(r, 0, 60)
	assert.Equal(t, Software, r.Owner(0))
	c, d, ok := r.Pending()
	require.True(t, ok)
	assert.Zero(t, c)
	assert.Equal(t, uint32(60), d.Status()&LenMask)
	r.Retire()

	_, _, ok = r.Pending()
	assert.False(t, ok, "descriptor 1 is still owned by hardware")
	complete(r, 1, 61)
	_, _, ok = r.Pending()
	require.True(t, ok)
	r.Retire()

	_, _, ok = r.Pending()
	assert.False(t, ok, "completion reached the tail")
	assert.Panics(t, r.Retire)
}

func TestFIFOOrder(t *testing.T) {
	const capacity = 16
	r := newRing(t, TX, capacity, AXIDMA)

	var got []int
	next := 0
	for round := 0; round < 5; round++ {
		for n := 0; n < capacity-1; n++ {
			i, err := r.Reserve(1)
			require.NoError(t, err)
			r.Slot(i).Frame = next
			r.Slot(i).Last = true
			next++
			r.Advance(1)
		}
		_, ok := r.Publish()
		require.True(t, ok)

		_, tail, completion := r.Cursors()
		for i := completion; i != tail; i++ {
			complete(r, i, 64)
		}
		for {
			i, d, ok := r.Pending()
			if !ok {
				break
			}
			got = append(got, r.Slot(i).Frame.(int))
			*r.Slot(i) = Slot{}
			d.clear()
			r.Retire()
		}
	}

	require.Len(t, got, next)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestResetIdempotent(t *testing.T) {
	r := newRing(t, RX, 8, AXIDMA)

	i, err := r.Reserve(5)
	require.NoError(t, err)
	for j := range uint32(5) {
		d := r.Desc(i + j)
		d.SetBuffer(0x1000 * uint64(j+1))
		d.SetControl(1500)
		d.SetApp(2, 0x18)
		r.Slot(i + j).Frame = j
	}
	r.Advance(5)
	r.Publish()
	complete(r, 0, 100)
	*r.Slot(0) = Slot{}
	r.Retire()
	r.Desc(3).SetNext(0xdead_beef)

	slots := r.Drain()
	assert.Len(t, slots, 4)
	assert.Equal(t, uint32(1), slots[0].Frame, "drained in ring order from completion")

	r.Reset()
	once := bytes.Clone(r.region.Bytes())
	i1, t1, c1 := r.Cursors()

	r.Reset()
	i2, t2, c2 := r.Cursors()
	assert.Equal(t, once, r.region.Bytes())
	assert.Equal(t, [3]uint32{i1, t1, c1}, [3]uint32{i2, t2, c2})
	assert.Equal(t, [3]uint32{0, 0, 0}, [3]uint32{i2, t2, c2})
	assert.Equal(t, r.BusAddrOf(4), r.Desc(3).Next(), "chain relinked")
	for j := range uint32(8) {
		assert.Zero(t, r.Desc(j).Status())
		assert.Equal(t, Slot{}, *r.Slot(j))
	}
}

func TestAppWordsRoundTrip(t *testing.T) {
	r := newRing(t, TX, 4, AXIDMA)
	d := r.Desc(2)

	seed := [NumApp]uint32{1, 34<<16 | 40, 0xBEEF, 0x0001_0002, 0}
	d.SetApps(seed)
	assert.Equal(t, seed, d.Apps())
	assert.Equal(t, uint32(0xBEEF), r.Desc(6).App(2), "cursor values wrap")
}
