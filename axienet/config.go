package axienet

import (
	"time"

	"github.com/romshark/axienet-go/axiregs"
	"github.com/romshark/axienet-go/offload"
	"github.com/romshark/axienet-go/ring"
)

// Engine selects the DMA engine the MAC is paired with.
type Engine string

const (
	EngineAXIDMA Engine = "axidma"
	EngineMCDMA  Engine = "mcdma"
)

func (e Engine) layout() *ring.Layout {
	if e == EngineMCDMA {
		return ring.MCDMA
	}
	return ring.AXIDMA
}

// MACType selects the MAC IP variant.
type MACType string

const (
	MAC1G        MACType = "1g"
	MAC2500      MACType = "2.5g"
	MACLegacy10G MACType = "legacy-10g"
	MACXXV       MACType = "10g-25g"
	MACMRMAC     MACType = "mrmac"
)

const (
	DefaultEngine       = EngineAXIDMA
	DefaultMAC          = MAC1G
	DefaultQueues       = 1
	DefaultTxRingSize   = 128
	DefaultRxRingSize   = 128
	DefaultRxBudget     = 64
	DefaultResetRetries = 300
	DefaultResetDelay   = 10 * time.Microsecond
	DefaultClockHz      = 125_000_000

	DefaultTxCoalesceCount      = 24
	DefaultMCDMATxCoalesceCount = 1
	DefaultTxCoalesceUsec       = 50
	DefaultRxCoalesceCount      = 1
	DefaultRxCoalesceUsec       = 50

	MaxFrameSize      = 1518
	MaxVLANFrameSize  = 1522
	MaxJumboFrameSize = 9018
	MinFrameSize      = 64
)

// Coalesce sets how many completions, or how much time, the engine
// waits before raising an interrupt.
type Coalesce struct {
	TxCount int `yaml:"tx-count"`
	TxUsec  int `yaml:"tx-usec"`
	RxCount int `yaml:"rx-count"`
	RxUsec  int `yaml:"rx-usec"`
}

// Config describes one AXI Ethernet instance.
type Config struct {
	// Name identifies the device in logs and metrics.
	Name   string  `yaml:"name"`
	Engine Engine  `yaml:"engine"`
	MAC    MACType `yaml:"mac"`
	// Queues is the number of channels. AXI DMA has exactly one.
	Queues     int `yaml:"queues"`
	TxRingSize int `yaml:"tx-ring-size"`
	RxRingSize int `yaml:"rx-ring-size"`
	// MaxFrameSize is the largest frame in bytes including the header and
	// the FCS. It defaults to 1518, or 9018 with Jumbo.
	MaxFrameSize int          `yaml:"max-frame-size"`
	Jumbo        bool         `yaml:"jumbo"`
	VLAN         bool         `yaml:"vlan"`
	Promiscuous  bool         `yaml:"promiscuous"`
	TxChecksum   offload.Mode `yaml:"tx-checksum"`
	RxChecksum   offload.Mode `yaml:"rx-checksum"`
	Timestamping bool         `yaml:"timestamping"`
	Coalesce     Coalesce     `yaml:"coalesce"`
	// ClockHz is the AXI clock rate used to convert coalescing delays.
	ClockHz uint64 `yaml:"clock-hz"`
	// RxBudget bounds the frames received per interrupt.
	RxBudget     int           `yaml:"rx-budget"`
	ResetRetries int           `yaml:"reset-retries"`
	ResetDelay   time.Duration `yaml:"reset-delay"`
	// Weights maps queues to their transmit arbitration weight.
	Weights map[int]int `yaml:"weights"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Engine == "" {
		c.Engine = DefaultEngine
	}
	if c.MAC == "" {
		c.MAC = DefaultMAC
	}
	if c.Queues == 0 {
		c.Queues = DefaultQueues
	}
	if c.TxRingSize == 0 {
		c.TxRingSize = DefaultTxRingSize
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRxRingSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = MaxFrameSize
		if c.Jumbo {
			c.MaxFrameSize = MaxJumboFrameSize
		}
	}
	if c.ClockHz == 0 {
		c.ClockHz = DefaultClockHz
	}
	if c.RxBudget == 0 {
		c.RxBudget = DefaultRxBudget
	}
	if c.ResetRetries == 0 {
		c.ResetRetries = DefaultResetRetries
	}
	if c.ResetDelay == 0 {
		c.ResetDelay = DefaultResetDelay
	}
	if c.Coalesce.TxCount == 0 {
		c.Coalesce.TxCount = DefaultTxCoalesceCount
		if c.Engine == EngineMCDMA {
			c.Coalesce.TxCount = DefaultMCDMATxCoalesceCount
		}
	}
	if c.Coalesce.TxUsec == 0 {
		c.Coalesce.TxUsec = DefaultTxCoalesceUsec
	}
	if c.Coalesce.RxCount == 0 {
		c.Coalesce.RxCount = DefaultRxCoalesceCount
	}
	if c.Coalesce.RxUsec == 0 {
		c.Coalesce.RxUsec = DefaultRxCoalesceUsec
	}

	switch c.Engine {
	case EngineAXIDMA:
		if c.Queues != 1 {
			return configErrorf("queues", "axidma has a single queue, got %d", c.Queues)
		}
		if len(c.Weights) > 0 {
			return configErrorf("weights", "axidma has no transmit arbiter")
		}
	case EngineMCDMA:
		if c.Queues < 1 || c.Queues > axiregs.MaxChannels {
			return configErrorf("queues", "%d is outside of [1, %d]", c.Queues, axiregs.MaxChannels)
		}
	default:
		return configErrorf("engine", "unknown engine %q", c.Engine)
	}

	switch c.MAC {
	case MAC1G, MAC2500, MACLegacy10G, MACXXV, MACMRMAC:
	default:
		return configErrorf("mac", "unknown MAC type %q", c.MAC)
	}

	if err := ring.CheckCapacity(c.TxRingSize); err != nil {
		return &ConfigError{Field: "tx-ring-size", Reason: "unusable ring size", Err: err}
	}
	if err := ring.CheckCapacity(c.RxRingSize); err != nil {
		return &ConfigError{Field: "rx-ring-size", Reason: "unusable ring size", Err: err}
	}
	if c.Timestamping && c.Queues*c.TxRingSize > offload.TagMax {
		return configErrorf("tx-ring-size",
			"%d in-flight frames exceed the %d timestamp tags",
			c.Queues*c.TxRingSize, offload.TagMax)
	}

	limit := MaxVLANFrameSize
	if c.Jumbo {
		limit = MaxJumboFrameSize
	}
	if c.MaxFrameSize < MinFrameSize || c.MaxFrameSize > limit {
		return configErrorf("max-frame-size", "%d is outside of [%d, %d]",
			c.MaxFrameSize, MinFrameSize, limit)
	}

	for _, v := range []struct {
		field string
		n     int
	}{
		{"coalesce.tx-count", c.Coalesce.TxCount},
		{"coalesce.rx-count", c.Coalesce.RxCount},
	} {
		if v.n < 1 || v.n > 0xFF {
			return configErrorf(v.field, "%d is outside of [1, 255]", v.n)
		}
	}
	if c.Coalesce.TxUsec < 0 || c.Coalesce.RxUsec < 0 {
		return configErrorf("coalesce", "negative delay")
	}
	if c.RxBudget < 1 {
		return configErrorf("rx-budget", "%d is not positive", c.RxBudget)
	}
	if c.ResetRetries < 1 {
		return configErrorf("reset-retries", "%d is not positive", c.ResetRetries)
	}

	for q, w := range c.Weights {
		if q < 0 || q >= c.Queues {
			return configErrorf("weights", "queue %d does not exist", q)
		}
		if err := checkWeight(w); err != nil {
			return err
		}
	}
	return nil
}

func checkWeight(w int) error {
	if w < 1 || w > axiregs.WeightMax {
		return configErrorf("weight", "%d does not fit the %d bit weight field",
			w, axiregs.WeightBits)
	}
	return nil
}

// weight returns the configured weight of queue q.
func (c *Config) weight(q int) int {
	if w, ok := c.Weights[q]; ok {
		return w
	}
	return axiregs.DefaultWeight
}

// usecToTimer converts a coalescing delay to delay timer ticks. One tick
// is 125 periods of the AXI clock.
func usecToTimer(usec int, clockHz uint64) uint32 {
	const scale = 125 * 1_000_000
	t := (uint64(usec)*clockHz + scale/2) / scale
	return uint32(min(t, 0xFF))
}
