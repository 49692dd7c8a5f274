package core

import (
	"context"
	"time"
)

type SnapshotConfig struct {
	Snapshot bool   `json:"snapshot" yaml:"snapshot"`
	Restore  bool   `json:"restore" yaml:"restore"`
	Path     string `json:"path" yaml:"path"`
}

// TriggerEvent represents a trigger firing
type TriggerEvent struct {
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Trigger defines when cycles run
type Trigger interface {
	Name() string
	Validate() error
	// Start begins the trigger and returns a channel of trigger events.
	// The trigger manages its own lifecycle and closes the channel once stopped.
	Start(ctx context.Context) (<-chan TriggerEvent, error)
	// Stop gracefully shuts down the trigger
	Stop() error
}

// Source produces one feed snapshot per call.
type Source interface {
	Name() string
	// Fetch returns the statuses of the current feed snapshot in feed order.
	Fetch(ctx context.Context) ([]PackageStatus, error)
}
