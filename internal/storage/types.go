package storage

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-day key format for usage counters.
const DateLayout = "2006-01-02"

// DailyUsage aggregates usage per day and client.
type DailyUsage struct {
	Date         string `json:"date"`
	ClientID     string `json:"client_id"`
	TotalSeconds int64  `json:"total_seconds"`
}

// Favorite is a saved subject in a user's list.
type Favorite struct {
	SubjectID   string `json:"subject_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
}

// ReplayMarker is a consumed code record.
type ReplayMarker struct {
	SessionID  string    `json:"session_id"`
	Code       string    `json:"code"`
	ConsumedAt time.Time `json:"consumed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired checks if the marker has outlived its TTL
func (m *ReplayMarker) IsExpired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// ValidateFavorites checks the list is unique by subject id.
func ValidateFavorites(favorites []Favorite) error {
	seen := make(map[string]struct{}, len(favorites))
	for _, f := range favorites {
		if f.SubjectID == "" {
			return fmt.Errorf("favorite subject id is required")
		}
		if _, ok := seen[f.SubjectID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateFavorite, f.SubjectID)
		}
		seen[f.SubjectID] = struct{}{}
	}
	return nil
}
