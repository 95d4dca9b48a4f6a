package poll

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownSlot is returned for a slot id other than primary or comparison.
	ErrUnknownSlot = errors.New("poll: unknown slot")

	// ErrInvalidInterval is returned for a non-positive polling interval.
	ErrInvalidInterval = errors.New("poll: interval must be positive")

	// ErrEngineClosed is returned when starting a slot after Close.
	ErrEngineClosed = errors.New("poll: engine closed")
)

// SlotID names one independent polling slot.
type SlotID string

const (
	Primary    SlotID = "primary"
	Comparison SlotID = "comparison"
)

// slotOrder is the stable listing order of slots.
var slotOrder = []SlotID{Primary, Comparison}

// Valid reports whether id is a known slot.
func (id SlotID) Valid() bool {
	return id == Primary || id == Comparison
}

// ParseSlotID validates a slot name.
func ParseSlotID(s string) (SlotID, error) {
	id := SlotID(s)
	if !id.Valid() {
		return "", ErrUnknownSlot
	}
	return id, nil
}

// Metric is one labelled value of a snapshot.
type Metric struct {
	Label string `json:"label"`
	Value int64  `json:"value"`
}

// Snapshot is a full metric set for a subject. A new snapshot always
// replaces the previous one.
type Snapshot struct {
	SubjectID   string   `json:"subject_id"`
	DisplayName string   `json:"display_name"`
	AvatarRef   string   `json:"avatar_ref"`
	Metrics     []Metric `json:"metrics"`
}

// FetchFunc retrieves the current snapshot for a subject.
type FetchFunc func(ctx context.Context, subjectID string) (Snapshot, error)

// SlotState is a point-in-time view of a slot.
type SlotState struct {
	Slot      SlotID        `json:"slot"`
	SubjectID string        `json:"subject_id,omitempty"`
	Snapshot  *Snapshot     `json:"snapshot,omitempty"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	LastError string        `json:"last_error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
}

// Update is published whenever a slot's state changes.
type Update struct {
	SlotState
}
