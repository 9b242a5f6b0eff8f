package mmio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type store struct {
	off uint32
	v   uint32
}

type recorder struct {
	*Mem
	stores []store
}

func (r *recorder) Store32(off, v uint32) {
	r.stores = append(r.stores, store{off, v})
	r.Mem.Store32(off, v)
}

func newMem(t *testing.T, n int) *Mem {
	t.Helper()
	m, err := NewMem(make([]byte, n))
	require.NoError(t, err)
	return m
}

func TestNewMem(t *testing.T) {
	_, err := NewMem(make([]byte, 6))
	assert.ErrorContains(t, err, "not word sized")

	m := newMem(t, 16)
	assert.Equal(t, 16, m.Len())
	assert.Panics(t, func() { m.Load32(16) })
	assert.Panics(t, func() { m.Store32(2, 1) })
}

func TestReg(t *testing.T) {
	m := newMem(t, 64)
	r := At(m, 0x30)

	r.Set(0x0000_00F0)
	assert.Equal(t, uint32(0xF1), r.Or(0x1))
	assert.Equal(t, uint32(0xE1), r.AndNot(0x10))
	assert.True(t, r.Bits(0x80))
	assert.False(t, r.Bits(0x2))

	assert.Equal(t, uint32(0x1800_00E1), r.Field(0xFF00_0000, 24, 0x18))
	assert.Equal(t, uint32(0x1805_00E1), r.Field(0x00FF_0000, 16, 0x05))
	assert.Equal(t, uint32(0x1805_00E1), m.Load32(0x30))
}

func TestStoreAddr(t *testing.T) {
	rec := &recorder{Mem: newMem(t, 64)}

	StoreAddr(rec, 0x10, 0x0000_0012_3456_7840)
	require.Len(t, rec.stores, 2)
	assert.Equal(t, store{0x14, 0x12}, rec.stores[0])
	assert.Equal(t, store{0x10, 0x3456_7840}, rec.stores[1], "low word is written last")
	assert.Equal(t, uint64(0x12_3456_7840), LoadAddr(rec, 0x10))
}

func TestPoll(t *testing.T) {
	calls := 0
	err := Poll(5, time.Microsecond, func() bool {
		calls++
		return calls == 3
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Poll(4, time.Microsecond, func() bool {
		calls++
		return false
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 5, calls)
}
