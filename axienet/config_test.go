package axienet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/romshark/axienet-go/offload"
	"github.com/romshark/axienet-go/ring"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, EngineAXIDMA, c.Engine)
	assert.Equal(t, MAC1G, c.MAC)
	assert.Equal(t, 1, c.Queues)
	assert.Equal(t, DefaultTxRingSize, c.TxRingSize)
	assert.Equal(t, DefaultRxRingSize, c.RxRingSize)
	assert.Equal(t, MaxFrameSize, c.MaxFrameSize)
	assert.Equal(t, DefaultTxCoalesceCount, c.Coalesce.TxCount)
	assert.Equal(t, 1, c.weight(0))

	c = Config{Engine: EngineMCDMA, Queues: 4, Jumbo: true}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, MaxJumboFrameSize, c.MaxFrameSize)
	assert.Equal(t, DefaultMCDMATxCoalesceCount, c.Coalesce.TxCount)
}

func TestConfigInvalid(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cfg   Config
		field string
	}{
		{"unknown engine", Config{Engine: "pcie"}, "engine"},
		{"unknown mac", Config{MAC: "100g"}, "mac"},
		{"axidma queues", Config{Queues: 2}, "queues"},
		{"axidma weights", Config{Weights: map[int]int{0: 2}}, "weights"},
		{"mcdma queues", Config{Engine: EngineMCDMA, Queues: 17}, "queues"},
		{"tx ring not power of two", Config{TxRingSize: 100}, "tx-ring-size"},
		{"rx ring too small", Config{RxRingSize: 1}, "rx-ring-size"},
		{"frame too small", Config{MaxFrameSize: 32}, "max-frame-size"},
		{"jumbo frame without jumbo", Config{MaxFrameSize: 4000}, "max-frame-size"},
		{"coalesce count", Config{Coalesce: Coalesce{RxCount: 256}}, "coalesce.rx-count"},
		{"coalesce delay", Config{Coalesce: Coalesce{TxUsec: -1}}, "coalesce"},
		{"negative budget", Config{RxBudget: -1}, "rx-budget"},
		{"negative retries", Config{ResetRetries: -1}, "reset-retries"},
		{"weight of unknown queue", Config{
			Engine: EngineMCDMA, Queues: 2, Weights: map[int]int{2: 1},
		}, "weights"},
		{"weight too large", Config{
			Engine: EngineMCDMA, Queues: 2, Weights: map[int]int{1: 16},
		}, "weight"},
		{"too many timestamp tags", Config{
			Engine: EngineMCDMA, Queues: 16, TxRingSize: 8192, Timestamping: true,
		}, "tx-ring-size"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.ValidateAndSetDefaults()
			require.ErrorIs(t, err, ErrInvalidConfiguration)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestConfigRingSizeCause(t *testing.T) {
	c := Config{TxRingSize: 6}
	err := c.ValidateAndSetDefaults()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.ErrorIs(t, err, ring.ErrInvalidCapacity)
}

func TestConfigYAML(t *testing.T) {
	const doc = `
name: eth1
engine: mcdma
mac: 10g-25g
queues: 3
tx-ring-size: 256
tx-checksum: full
rx-checksum: partial
coalesce:
  rx-usec: 20
weights:
  0: 1
  2: 8
`
	var c Config
	require.NoError(t, yaml.Unmarshal([]byte(doc), &c))
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "eth1", c.Name)
	assert.Equal(t, EngineMCDMA, c.Engine)
	assert.Equal(t, MACXXV, c.MAC)
	assert.Equal(t, 256, c.TxRingSize)
	assert.Equal(t, offload.Full, c.TxChecksum)
	assert.Equal(t, offload.Partial, c.RxChecksum)
	assert.Equal(t, 20, c.Coalesce.RxUsec)
	assert.Equal(t, DefaultTxCoalesceUsec, c.Coalesce.TxUsec)
	assert.Equal(t, 8, c.weight(2))
	assert.Equal(t, 1, c.weight(1))
}

func TestUsecToTimer(t *testing.T) {
	for _, tc := range []struct {
		usec    int
		clockHz uint64
		want    uint32
	}{
		{50, 125_000_000, 50},
		{0, 125_000_000, 0},
		{1, 125_000_000, 1},
		{1000, 125_000_000, 255},
		{50, 250_000_000, 100},
		{50, 100_000_000, 40},
	} {
		assert.Equal(t, tc.want, usecToTimer(tc.usec, tc.clockHz), "%d usec at %d Hz", tc.usec, tc.clockHz)
	}
}
