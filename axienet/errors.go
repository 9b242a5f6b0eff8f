package axienet

import (
	"errors"
	"fmt"

	"github.com/romshark/axienet-go/ring"
)

var (
	// ErrRingFull is transient: the caller must retry later or apply
	// backpressure.
	ErrRingFull = ring.ErrRingFull
	// ErrNotReady is returned while a queue is being recovered.
	ErrNotReady = errors.New("queue not ready")
	// ErrFatal is returned by queues whose recovery failed. The device
	// must be detached and attached again.
	ErrFatal = errors.New("queue failed")
	// ErrResetTimeout is reported when the engine does not confirm a reset
	// within the retry budget.
	ErrResetTimeout = errors.New("dma reset timed out")
	// ErrLinkDown is returned by SubmitTx while the link is down.
	ErrLinkDown = errors.New("link down")
	// ErrInvalidConfiguration is wrapped by every *ConfigError.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrFrameEmpty           = errors.New("frame is empty")
	ErrFrameTooLarge        = errors.New("frame exceeds maximum frame size")
	// ErrChannelRunning is returned by ConfigureWeight for channels that
	// have not been halted.
	ErrChannelRunning = errors.New("channel is running")
	ErrNoSuchQueue    = errors.New("no such queue")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrDetached       = errors.New("device detached")
)

// ConfigError describes a configuration the hardware cannot work with.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	s := fmt.Sprintf("%s: %s: %s", ErrInvalidConfiguration, e.Field, e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidConfiguration, e.Err}
	}
	return []error{ErrInvalidConfiguration}
}

// DescriptorError is a per-frame error reported in a completed
// descriptor's status word. The frame is dropped and the ring continues.
type DescriptorError struct {
	Queue  int
	Dir    ring.Direction
	Status uint32
}

func (e *DescriptorError) Error() string {
	var kinds []string
	if e.Status&ring.StsDecErr != 0 {
		kinds = append(kinds, "decode")
	}
	if e.Status&ring.StsSlvErr != 0 {
		kinds = append(kinds, "slave")
	}
	if e.Status&ring.StsIntErr != 0 {
		kinds = append(kinds, "internal")
	}
	return fmt.Sprintf("%s descriptor error on queue %d: %v (status %#08x)",
		e.Dir, e.Queue, kinds, e.Status)
}

// DmaFaultError is an engine level error. The affected rings stay unusable
// until recovery completes.
type DmaFaultError struct {
	Queue  int
	Dir    ring.Direction
	Status uint32
	// Err holds the MCDMA error register, zero for AXI DMA.
	Err uint32
}

func (e *DmaFaultError) Error() string {
	return fmt.Sprintf("dma fault on %s queue %d: status %#08x error %#08x",
		e.Dir, e.Queue, e.Status, e.Err)
}
