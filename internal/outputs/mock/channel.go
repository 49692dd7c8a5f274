package mock

import (
	"context"
	"sync"
	"time"

	"github.com/bakkerme/repology-notify/internal/core"
)

// Channel records payloads and fails on demand.
type Channel struct {
	ChannelName string
	Disabled    bool
	// Err fails every send.
	Err error
	// ErrBySubject fails sends for specific subjects.
	ErrBySubject map[string]error
	// Delay blocks each send until it elapses or ctx is done.
	Delay time.Duration
	// Panic makes Send panic with the given value.
	Panic any

	mu   sync.Mutex
	Sent []core.Payload
	Hits int
}

func (c *Channel) Name() string {
	return c.ChannelName
}

func (c *Channel) Enabled() bool {
	return !c.Disabled
}

func (c *Channel) Send(ctx context.Context, payload core.Payload) error {
	c.mu.Lock()
	c.Hits++
	c.mu.Unlock()

	if c.Panic != nil {
		panic(c.Panic)
	}
	if c.Delay > 0 {
		timer := time.NewTimer(c.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if c.Err != nil {
		return c.Err
	}
	if err, ok := c.ErrBySubject[payload.Subject]; ok {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, payload)
	return nil
}

// Subjects returns the subjects delivered so far.
func (c *Channel) Subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.Sent))
	for _, p := range c.Sent {
		out = append(out, p.Subject)
	}
	return out
}
