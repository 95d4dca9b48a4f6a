// Package usage enforces the daily viewing budget.
package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/goodtune/livestat/internal/metrics"
	"github.com/goodtune/livestat/internal/storage"
)

// Counter is the usage counter for one calendar day.
type Counter struct {
	DayStamp     string `json:"day_stamp"`
	SecondsUsed  int64  `json:"seconds_used"`
	LimitSeconds int64  `json:"limit_seconds"`
}

// Remaining returns the seconds left today, never negative.
func (c Counter) Remaining() int64 {
	if c.SecondsUsed >= c.LimitSeconds {
		return 0
	}
	return c.LimitSeconds - c.SecondsUsed
}

// Tick is the result of one elapsed active second.
type Tick struct {
	DayStamp     string `json:"day_stamp"`
	SecondsUsed  int64  `json:"seconds_used"`
	LimitReached bool   `json:"limit_reached"`
	// JustCrossed is set on the single tick per day that reaches the limit.
	JustCrossed bool `json:"just_crossed"`
}

// Config holds clock settings.
type Config struct {
	ClientID string
	Limit    time.Duration
	// Location decides where calendar days start. Defaults to time.Local.
	Location *time.Location
}

// Clock counts active seconds against the daily limit. It is the only writer
// of the usage counter.
type Clock struct {
	store    storage.UsageStore
	clientID string
	limit    int64
	loc      *time.Location
	clock    quartz.Clock
	logger   zerolog.Logger

	mu        sync.Mutex
	counter   Counter
	firedDay  string
	observers []func(Tick)
}

// NewClock creates a usage clock. store may be nil for an in-memory counter.
func NewClock(store storage.UsageStore, cfg Config, clock quartz.Clock, logger zerolog.Logger) *Clock {
	if clock == nil {
		clock = quartz.NewReal()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	limit := int64(cfg.Limit / time.Second)
	if limit < 1 {
		limit = 1
	}

	c := &Clock{
		store:    store,
		clientID: cfg.ClientID,
		limit:    limit,
		loc:      loc,
		clock:    clock,
		logger:   logger.With().Str("component", "usage-clock").Logger(),
	}
	c.counter = Counter{DayStamp: c.today(), LimitSeconds: limit}
	return c
}

func (c *Clock) today() string {
	return c.clock.Now().In(c.loc).Format(storage.DateLayout)
}

// OnLimit registers fn to run when the limit is crossed. It runs at most
// once per day, on the ticking goroutine.
func (c *Clock) OnLimit(fn func(Tick)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Load restores today's total from the store.
func (c *Clock) Load(ctx context.Context) error {
	day := c.today()

	var seconds int64
	if c.store != nil {
		usage, err := c.store.GetDailyUsage(ctx, day, c.clientID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return err
		default:
			seconds = usage.TotalSeconds
		}
	}

	c.mu.Lock()
	c.counter = Counter{DayStamp: day, SecondsUsed: seconds, LimitSeconds: c.limit}
	c.mu.Unlock()

	metrics.UsageSecondsUsed.Set(float64(seconds))
	c.logger.Info().
		Str("day", day).
		Int64("seconds_used", seconds).
		Int64("limit_seconds", c.limit).
		Msg("Loaded usage counter")

	return nil
}

// Tick accounts for one elapsed active second. A new calendar day resets the
// counter before incrementing.
func (c *Clock) Tick(ctx context.Context) Tick {
	day := c.today()

	c.mu.Lock()
	if c.counter.DayStamp != day {
		c.logger.Info().
			Str("previous_day", c.counter.DayStamp).
			Str("day", day).
			Msg("Day changed, usage counter reset")
		c.counter = Counter{DayStamp: day, LimitSeconds: c.limit}
	}
	c.counter.SecondsUsed++

	tick := Tick{
		DayStamp:     day,
		SecondsUsed:  c.counter.SecondsUsed,
		LimitReached: c.counter.SecondsUsed >= c.limit,
	}
	if tick.LimitReached && c.firedDay != day {
		c.firedDay = day
		tick.JustCrossed = true
	}
	var observers []func(Tick)
	if tick.JustCrossed {
		observers = append(observers, c.observers...)
	}
	c.mu.Unlock()

	if c.store != nil {
		// Memory stays authoritative if the store is unavailable
		if err := c.store.IncrementDailyUsage(ctx, day, c.clientID, 1); err != nil {
			c.logger.Error().Err(err).Str("day", day).Msg("Failed to persist usage")
		}
	}

	metrics.UsageSecondsUsed.Set(float64(tick.SecondsUsed))
	c.logger.Debug().Int64("seconds_used", tick.SecondsUsed).Msg("Usage tick")

	if tick.JustCrossed {
		metrics.UsageLimitReachedTotal.Inc()
		c.logger.Warn().
			Str("day", day).
			Int64("seconds_used", tick.SecondsUsed).
			Int64("limit_seconds", c.limit).
			Msg("Daily usage limit reached")
		for _, fn := range observers {
			fn(tick)
		}
	}

	return tick
}

// Counter returns the counter for the current day.
func (c *Clock) Counter() Counter {
	day := c.today()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counter.DayStamp != day {
		return Counter{DayStamp: day, LimitSeconds: c.limit}
	}
	return c.counter
}

// Reset zeroes today's counter in memory and in the store and re-arms the
// limit signal.
func (c *Clock) Reset(ctx context.Context) error {
	day := c.today()

	c.mu.Lock()
	c.counter = Counter{DayStamp: day, LimitSeconds: c.limit}
	c.firedDay = ""
	c.mu.Unlock()

	metrics.UsageSecondsUsed.Set(0)
	c.logger.Info().Str("day", day).Msg("Usage counter reset")

	if c.store == nil {
		return nil
	}
	return c.store.ResetDailyUsage(ctx, day, c.clientID)
}

// Run ticks once per second until ctx is done. Seconds for which active
// returns false are not counted; a nil active counts every second.
func (c *Clock) Run(ctx context.Context, active func() bool) error {
	c.logger.Info().Int64("limit_seconds", c.limit).Msg("Usage clock started")

	w := c.clock.TickerFunc(ctx, time.Second, func() error {
		if active != nil && !active() {
			return nil
		}
		c.Tick(ctx)
		return nil
	}, "usage", "tick")

	err := w.Wait()
	c.logger.Info().Msg("Usage clock stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
