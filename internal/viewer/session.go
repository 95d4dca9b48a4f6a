// Package viewer is the per-process session engine. It routes view requests
// through the gate, drives the polling slots, keeps the comparison current
// and halts everything when the daily quota runs out.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/livestat/internal/compare"
	"github.com/goodtune/livestat/internal/gate"
	"github.com/goodtune/livestat/internal/poll"
	"github.com/goodtune/livestat/internal/provider"
	"github.com/goodtune/livestat/internal/storage"
	"github.com/goodtune/livestat/internal/usage"
)

var (
	// ErrQuotaExceeded is returned once the daily limit is reached, until Reset.
	ErrQuotaExceeded = errors.New("viewer: daily usage quota exceeded")

	// ErrNotAuthorized is returned when comparing without an authorized primary subject.
	ErrNotAuthorized = errors.New("viewer: primary subject not authorized")

	// ErrNoSubject is returned when a request names no subject.
	ErrNoSubject = errors.New("viewer: subject is required")
)

// eventBuffer is the per-subscriber channel capacity.
const eventBuffer = 64

// Provider supplies snapshots and search results.
type Provider interface {
	FetchMetrics(ctx context.Context, subjectID string) (poll.Snapshot, error)
	Search(ctx context.Context, query string) ([]provider.SearchResult, error)
}

// Options wires a Session to its components.
type Options struct {
	Gate      *gate.Gate
	Engine    *poll.Engine
	Usage     *usage.Clock
	Provider  Provider
	Favorites storage.FavoriteStore
	Interval  time.Duration
	Logger    zerolog.Logger
}

// ViewRequest asks to view a subject, optionally presenting credentials.
type ViewRequest struct {
	SubjectID   string
	Credentials *gate.Credentials
}

// ViewResult describes a granted view.
type ViewResult struct {
	SubjectID string         `json:"subject_id"`
	State     gate.State     `json:"state"`
	Slot      poll.SlotState `json:"slot"`
	// StripCredentials is set when presented credentials were consumed and
	// should be removed from the address.
	StripCredentials bool `json:"-"`
}

// Comparison is the current side-by-side view of both slots.
type Comparison struct {
	Primary    poll.Snapshot   `json:"primary"`
	Comparison poll.Snapshot   `json:"comparison"`
	Deltas     []compare.Delta `json:"deltas"`
	Summary    compare.Summary `json:"summary"`
}

// EventType classifies session events.
type EventType string

const (
	EventSlot       EventType = "slot"
	EventComparison EventType = "comparison"
	EventQuota      EventType = "quota"
	EventReset      EventType = "reset"
)

// Event is pushed to subscribers.
type Event struct {
	Type       EventType       `json:"type"`
	Slot       *poll.SlotState `json:"slot,omitempty"`
	Comparison *Comparison     `json:"comparison,omitempty"`
	Usage      *usage.Counter  `json:"usage,omitempty"`
}

// Session owns the gate, the polling engine and the usage clock for the
// lifetime of the process.
type Session struct {
	gate      *gate.Gate
	engine    *poll.Engine
	usage     *usage.Clock
	provider  Provider
	favorites storage.FavoriteStore
	interval  time.Duration
	logger    zerolog.Logger

	// mu orders slot starts against the quota halt
	mu     sync.Mutex
	halted bool

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	pumpDone  chan struct{}
	closeOnce sync.Once
}

// New creates a session and starts forwarding engine updates.
func New(opts Options) *Session {
	s := &Session{
		gate:      opts.Gate,
		engine:    opts.Engine,
		usage:     opts.Usage,
		provider:  opts.Provider,
		favorites: opts.Favorites,
		interval:  opts.Interval,
		logger:    opts.Logger.With().Str("component", "viewer").Logger(),
		subs:      make(map[int]chan Event),
		pumpDone:  make(chan struct{}),
	}

	s.usage.OnLimit(s.onLimit)

	s.mu.Lock()
	s.quotaSpentLocked()
	s.mu.Unlock()

	// The engine closes this subscription on Close
	updates, _ := s.engine.Subscribe()
	go s.pump(updates)

	return s
}

func (s *Session) pump(updates <-chan poll.Update) {
	defer close(s.pumpDone)

	for u := range updates {
		slot := u.SlotState
		s.publish(Event{Type: EventSlot, Slot: &slot})

		if cmp, ok := s.Comparison(); ok {
			s.publish(Event{Type: EventComparison, Comparison: &cmp})
		}
	}
}

func (s *Session) onLimit(tick usage.Tick) {
	s.mu.Lock()
	s.halted = true
	s.engine.StopAll()
	s.mu.Unlock()

	s.logger.Warn().
		Str("day", tick.DayStamp).
		Int64("seconds_used", tick.SecondsUsed).
		Msg("Daily quota exhausted, all polling halted")

	counter := s.usage.Counter()
	s.publish(Event{Type: EventQuota, Usage: &counter})
}

// Halted reports whether the quota stopped the session.
func (s *Session) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotaSpentLocked()
}

// quotaSpentLocked latches the halt when today's counter is already spent,
// which happens when a restart loads an exhausted counter before any tick
// crosses the limit.
func (s *Session) quotaSpentLocked() bool {
	if s.halted {
		return true
	}
	if counter := s.usage.Counter(); counter.Remaining() == 0 {
		s.halted = true
		s.engine.StopAll()
		s.logger.Warn().
			Str("day", counter.DayStamp).
			Int64("seconds_used", counter.SecondsUsed).
			Msg("Daily quota already exhausted, polling halted")
	}
	return s.halted
}

// View authorizes the request and starts or continues the primary slot.
func (s *Session) View(ctx context.Context, req ViewRequest) (ViewResult, error) {
	if req.SubjectID == "" {
		return ViewResult{}, ErrNoSubject
	}
	if s.Halted() {
		return ViewResult{SubjectID: req.SubjectID}, ErrQuotaExceeded
	}

	creds := gate.Credentials{SubjectID: req.SubjectID}
	if req.Credentials != nil {
		creds = *req.Credentials
		creds.SubjectID = req.SubjectID
	}

	state, err := s.gate.Authorize(ctx, creds)
	result := ViewResult{SubjectID: req.SubjectID, State: state}
	if err != nil {
		return result, err
	}
	result.StripCredentials = req.Credentials != nil

	slot, err := s.ensureSlot(poll.Primary, req.SubjectID)
	if err != nil {
		return result, err
	}
	result.Slot = slot
	return result, nil
}

// ensureSlot starts the slot unless it is already polling subject.
func (s *Session) ensureSlot(id poll.SlotID, subject string) (poll.SlotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quotaSpentLocked() {
		return poll.SlotState{}, ErrQuotaExceeded
	}

	current, err := s.engine.Slot(id)
	if err != nil {
		return poll.SlotState{}, err
	}
	if current.Running && current.SubjectID == subject {
		return current, nil
	}

	if err := s.engine.StartSlot(id, subject, s.provider.FetchMetrics, s.interval); err != nil {
		return poll.SlotState{}, fmt.Errorf("start %s slot: %w", id, err)
	}
	return s.engine.Slot(id)
}

// Compare starts the comparison slot for subjectID. The primary slot must
// hold an authorized subject.
func (s *Session) Compare(_ context.Context, subjectID string) (poll.SlotState, error) {
	if subjectID == "" {
		return poll.SlotState{}, ErrNoSubject
	}
	if s.Halted() {
		return poll.SlotState{}, ErrQuotaExceeded
	}

	primary, err := s.engine.Slot(poll.Primary)
	if err != nil {
		return poll.SlotState{}, err
	}
	if primary.SubjectID == "" || !s.gate.IsAuthorized(primary.SubjectID) {
		return poll.SlotState{}, ErrNotAuthorized
	}

	return s.ensureSlot(poll.Comparison, subjectID)
}

// StopComparison stops the comparison slot, dropping its snapshot if dropSnapshot is set.
func (s *Session) StopComparison(dropSnapshot bool) error {
	return s.engine.StopSlot(poll.Comparison, dropSnapshot)
}

// Comparison diffs the two slots when both hold snapshots.
func (s *Session) Comparison() (Comparison, bool) {
	primary, err := s.engine.Slot(poll.Primary)
	if err != nil || primary.Snapshot == nil {
		return Comparison{}, false
	}
	other, err := s.engine.Slot(poll.Comparison)
	if err != nil || other.Snapshot == nil {
		return Comparison{}, false
	}

	deltas, err := compare.Diff(*primary.Snapshot, *other.Snapshot)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Snapshots are not comparable")
		return Comparison{}, false
	}

	return Comparison{
		Primary:    *primary.Snapshot,
		Comparison: *other.Snapshot,
		Deltas:     deltas,
		Summary:    compare.Summarize(deltas),
	}, true
}

// Slots returns the state of both slots.
func (s *Session) Slots() []poll.SlotState {
	return s.engine.Slots()
}

// Usage returns today's usage counter.
func (s *Session) Usage() usage.Counter {
	return s.usage.Counter()
}

// Search queries the search provider.
func (s *Session) Search(ctx context.Context, query string) ([]provider.SearchResult, error) {
	return s.provider.Search(ctx, query)
}

// Favorites loads a user's favorites.
func (s *Session) Favorites(ctx context.Context, userID string) ([]storage.Favorite, error) {
	if s.favorites == nil {
		return []storage.Favorite{}, nil
	}
	return s.favorites.Load(ctx, userID)
}

// SaveFavorites replaces a user's favorites.
func (s *Session) SaveFavorites(ctx context.Context, userID string, favorites []storage.Favorite) error {
	if s.favorites == nil {
		return errors.New("viewer: favorites store not configured")
	}
	return s.favorites.Save(ctx, userID, favorites)
}

// Reset clears the usage counter, lifts the quota halt and drops every
// authorization. Slots stay stopped until viewed again.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.usage.Reset(ctx); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}

	s.mu.Lock()
	s.halted = false
	s.gate.Reset()
	s.engine.StopAll()
	s.mu.Unlock()

	s.logger.Info().Msg("Session reset")

	counter := s.usage.Counter()
	s.publish(Event{Type: EventReset, Usage: &counter})
	return nil
}

// Run drives the usage clock until ctx is done. Only seconds with a running
// slot count against the quota.
func (s *Session) Run(ctx context.Context) error {
	return s.usage.Run(ctx, func() bool {
		return !s.Halted() && s.engine.Running()
	})
}

// Subscribe returns a channel of session events and a function to stop
// receiving them. Slow subscribers miss events rather than block.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	ch := make(chan Event, eventBuffer)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Session) publish(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug().Int("subscriber", id).Str("type", string(ev.Type)).Msg("Subscriber behind, event dropped")
		}
	}
}

// Close stops polling and ends every subscription.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.engine.Close()
		<-s.pumpDone

		s.subsMu.Lock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.subsMu.Unlock()
	})
}
