// Package poll keeps independent slots refreshed with the latest snapshot of
// a subject.
//
// Each running slot owns one ticker. Fetches are dispatched without blocking
// the ticker, so completions may arrive out of order; a result is applied
// only if the slot is still running the same subject and generation that
// issued it.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/goodtune/livestat/internal/metrics"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 32

type slot struct {
	id        SlotID
	subject   string
	snapshot  *Snapshot
	interval  time.Duration
	gen       uint64
	cancel    context.CancelFunc // nil while stopped
	lastErr   error
	updatedAt time.Time
}

func (s *slot) state() SlotState {
	st := SlotState{
		Slot:      s.id,
		SubjectID: s.subject,
		Interval:  s.interval,
		Running:   s.cancel != nil,
		UpdatedAt: s.updatedAt,
	}
	if s.snapshot != nil {
		snap := *s.snapshot
		snap.Metrics = append([]Metric(nil), s.snapshot.Metrics...)
		st.Snapshot = &snap
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Engine owns the polling slots.
type Engine struct {
	clock  quartz.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	slots   map[SlotID]*slot
	subs    map[int]chan Update
	nextSub int
	closed  bool

	// wg tracks slot loops and in-flight fetches
	wg sync.WaitGroup
}

// New creates an engine with both slots idle.
func New(clock quartz.Clock, logger zerolog.Logger) *Engine {
	if clock == nil {
		clock = quartz.NewReal()
	}

	e := &Engine{
		clock:  clock,
		logger: logger.With().Str("component", "poll").Logger(),
		slots:  make(map[SlotID]*slot, len(slotOrder)),
		subs:   make(map[int]chan Update),
	}
	for _, id := range slotOrder {
		e.slots[id] = &slot{id: id}
	}
	return e
}

// StartSlot points a slot at subject and starts polling it: one fetch right
// away, then one every interval. Any existing timer on the slot is cancelled
// first, so a slot never has more than one live timer. Restarting with a
// different subject drops the previous snapshot.
func (e *Engine) StartSlot(id SlotID, subject string, fetch FetchFunc, interval time.Duration) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, id)
	}
	if interval <= 0 {
		return ErrInvalidInterval
	}
	if fetch == nil {
		return errors.New("poll: fetch function is required")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}

	s := e.slots[id]
	if s.cancel != nil {
		s.cancel()
	}
	if s.subject != subject {
		s.snapshot = nil
		s.lastErr = nil
		s.updatedAt = time.Time{}
	}
	s.gen++
	s.subject = subject
	s.interval = interval

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	gen := s.gen

	e.updateActiveLocked()
	e.publishLocked(s)

	// Add under the lock so Close cannot miss this loop
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info().
		Str("slot", string(id)).
		Str("subject", subject).
		Dur("interval", interval).
		Msg("Slot started")

	go e.run(ctx, id, gen, subject, fetch, interval)
	return nil
}

func (e *Engine) run(ctx context.Context, id SlotID, gen uint64, subject string, fetch FetchFunc, interval time.Duration) {
	defer e.wg.Done()

	e.dispatch(ctx, id, gen, subject, fetch)
	if ctx.Err() != nil {
		return
	}

	w := e.clock.TickerFunc(ctx, interval, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.dispatch(ctx, id, gen, subject, fetch)
		return nil
	}, "poll", string(id))

	_ = w.Wait()
	e.logger.Debug().Str("slot", string(id)).Str("subject", subject).Msg("Slot loop exited")
}

// dispatch issues one fetch without waiting for it.
func (e *Engine) dispatch(ctx context.Context, id SlotID, gen uint64, subject string, fetch FetchFunc) {
	if ctx.Err() != nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		start := e.clock.Now()
		snap, err := fetch(ctx, subject)
		metrics.PollFetchDuration.WithLabelValues(string(id)).Observe(e.clock.Since(start).Seconds())

		e.apply(id, gen, subject, snap, err)
	}()
}

func (e *Engine) apply(id SlotID, gen uint64, subject string, snap Snapshot, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.slots[id]
	if s.cancel == nil || s.gen != gen || s.subject != subject {
		metrics.PollDiscardedTotal.WithLabelValues(string(id)).Inc()
		e.logger.Debug().
			Str("slot", string(id)).
			Str("subject", subject).
			Str("current_subject", s.subject).
			Msg("Discarding stale fetch result")
		return
	}

	if err != nil {
		metrics.PollFetchesTotal.WithLabelValues(string(id), "error").Inc()
		s.lastErr = err
		e.logger.Warn().
			Err(err).
			Str("slot", string(id)).
			Str("subject", subject).
			Msg("Fetch failed, retrying next interval")
		return
	}

	metrics.PollFetchesTotal.WithLabelValues(string(id), "ok").Inc()
	if snap.SubjectID == "" {
		snap.SubjectID = subject
	}
	s.snapshot = &snap
	s.lastErr = nil
	s.updatedAt = e.clock.Now()
	e.publishLocked(s)
}

// StopSlot cancels the slot's timer. The last snapshot is kept unless dropSnapshot
// is set, in which case the slot forgets its subject too. In-flight results
// for the stopped run are discarded.
func (e *Engine) StopSlot(id SlotID, dropSnapshot bool) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked(e.slots[id], dropSnapshot)
	return nil
}

// StopAll stops every slot, keeping their snapshots.
func (e *Engine) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range slotOrder {
		e.stopLocked(e.slots[id], false)
	}
}

func (e *Engine) stopLocked(s *slot, dropSnapshot bool) {
	wasRunning := s.cancel != nil
	if wasRunning {
		s.cancel()
		s.cancel = nil
	}
	s.gen++

	if dropSnapshot {
		s.subject = ""
		s.snapshot = nil
		s.lastErr = nil
		s.updatedAt = time.Time{}
	}

	if !wasRunning && !dropSnapshot {
		return
	}

	e.updateActiveLocked()
	e.publishLocked(s)
	e.logger.Info().
		Str("slot", string(s.id)).
		Bool("cleared", dropSnapshot).
		Msg("Slot stopped")
}

func (e *Engine) updateActiveLocked() {
	active := 0
	for _, s := range e.slots {
		if s.cancel != nil {
			active++
		}
	}
	metrics.PollActiveSlots.Set(float64(active))
}

// Slot returns the state of one slot.
func (e *Engine) Slot(id SlotID) (SlotState, error) {
	if !id.Valid() {
		return SlotState{}, fmt.Errorf("%w: %q", ErrUnknownSlot, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slots[id].state(), nil
}

// Slots returns every slot in a stable order.
func (e *Engine) Slots() []SlotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	states := make([]SlotState, 0, len(slotOrder))
	for _, id := range slotOrder {
		states = append(states, e.slots[id].state())
	}
	return states
}

// Running reports whether any slot has a live timer.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.slots {
		if s.cancel != nil {
			return true
		}
	}
	return false
}

// Subscribe returns a channel of slot updates and a function to stop
// receiving them. Updates are dropped for subscribers that fall behind.
func (e *Engine) Subscribe() (<-chan Update, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Update, subscriberBuffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

func (e *Engine) publishLocked(s *slot) {
	update := Update{SlotState: s.state()}
	for id, ch := range e.subs {
		select {
		case ch <- update:
		default:
			e.logger.Debug().Int("subscriber", id).Str("slot", string(s.id)).Msg("Subscriber behind, update dropped")
		}
	}
}

// Close stops every slot, waits for loops and in-flight fetches to finish
// and closes all subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, s := range e.slots {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.gen++
	}
	e.updateActiveLocked()
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.mu.Unlock()

	e.logger.Info().Msg("Polling engine closed")
}
