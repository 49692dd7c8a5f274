package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/robfig/cron/v3"
)

type CronTrigger struct {
	name     string
	schedule string
	timezone string
	// immediate fires one event as soon as the trigger starts.
	immediate bool

	cron     *cron.Cron
	events   chan core.TriggerEvent
	stopOnce sync.Once
}

func NewCronTrigger(schedule, timezone string, immediate bool) *CronTrigger {
	return &CronTrigger{
		name:      "cron",
		schedule:  schedule,
		timezone:  timezone,
		immediate: immediate,
	}
}

func (c *CronTrigger) Name() string {
	return c.name
}

func (c *CronTrigger) Validate() error {
	if c.schedule == "" {
		return fmt.Errorf("cron schedule is required")
	}
	if c.timezone != "" {
		if _, err := time.LoadLocation(c.timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}
	if _, err := cron.ParseStandard(c.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", c.schedule, err)
	}
	return nil
}

func (c *CronTrigger) Start(ctx context.Context) (<-chan core.TriggerEvent, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	location := time.UTC
	if c.timezone != "" {
		tz, err := time.LoadLocation(c.timezone)
		if err != nil {
			return nil, err
		}
		location = tz
	}

	c.events = make(chan core.TriggerEvent, 1)
	c.cron = cron.New(cron.WithLocation(location))
	_, err := c.cron.AddFunc(c.schedule, func() {
		c.fire("schedule")
	})
	if err != nil {
		return nil, err
	}

	if c.immediate {
		c.fire("startup")
	}
	c.cron.Start()

	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()

	return c.events, nil
}

// fire drops the event when the previous one has not been consumed yet, so a
// slow cycle never queues a backlog of ticks.
func (c *CronTrigger) fire(reason string) {
	select {
	case c.events <- core.TriggerEvent{Timestamp: time.Now().UTC(), Metadata: map[string]interface{}{"reason": reason}}:
	default:
	}
}

func (c *CronTrigger) Stop() error {
	c.stopOnce.Do(func() {
		if c.cron != nil {
			ctx := c.cron.Stop()
			<-ctx.Done()
		}
		if c.events != nil {
			close(c.events)
		}
	})
	return nil
}
