package axienet

import (
	"context"

	"github.com/romshark/axienet-go/mmio"
)

// DefaultUIOPollInterval is how often, in milliseconds, a UIO interrupt
// wait checks for cancellation.
const DefaultUIOPollInterval = 100

// UIOSource is the interrupt of a UIO device.
type UIOSource struct {
	UIO *mmio.UIO
	// PollInterval defaults to DefaultUIOPollInterval.
	PollInterval int
}

func (s UIOSource) Wait(ctx context.Context) error {
	iv := s.PollInterval
	if iv <= 0 {
		iv = DefaultUIOPollInterval
	}
	_, err := s.UIO.Wait(ctx, iv)
	return err
}

var _ IRQSource = UIOSource{}
