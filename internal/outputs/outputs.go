// Package outputs defines the capability shared by every notification
// backend. Concrete backends live in subpackages and are selected by
// configuration.
package outputs

import (
	"context"
	"fmt"

	"github.com/bakkerme/repology-notify/internal/core"
)

// Channel delivers rendered payloads to one destination.
type Channel interface {
	// Name identifies the channel in the seen-set, so it must stay stable
	// across restarts.
	Name() string
	// Enabled reports whether the channel should receive deliveries. Disabled
	// channels are reported as skipped and retried once enabled.
	Enabled() bool
	// Send delivers one payload. It must honour ctx cancellation.
	Send(ctx context.Context, payload core.Payload) error
}

// DeliveryError is a failed delivery of one entry on one channel.
type DeliveryError struct {
	Channel  string
	Identity string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s via %s: %v", e.Identity, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
