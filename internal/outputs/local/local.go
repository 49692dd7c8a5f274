package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/bakkerme/repology-notify/internal/core"
)

// Channel prints a one-line summary per payload.
type Channel struct {
	name    string
	enabled bool
	writer  io.Writer
	mu      sync.Mutex
}

// New creates a Channel that writes to stdout.
func New(enabled bool) *Channel {
	return NewWithWriter("local", enabled, os.Stdout)
}

// NewWithWriter creates a Channel with a custom writer
func NewWithWriter(name string, enabled bool, w io.Writer) *Channel {
	if name == "" {
		name = "local"
	}
	return &Channel{name: name, enabled: enabled, writer: w}
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) Enabled() bool {
	return c.enabled
}

func (c *Channel) Send(ctx context.Context, payload core.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.writer, Line(payload))
	return err
}

// Line renders the single-line summary printed for payload.
func Line(payload core.Payload) string {
	line := "[outdated] " + payload.Subject
	if url := payload.Fields["details_url"]; url != "" {
		line += " " + url
	}
	return strings.ReplaceAll(line, "\n", " ")
}
