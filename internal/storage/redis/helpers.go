package redis

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goodtune/livestat/internal/storage"
)

func dailyUsageKey(date, clientID string) string {
	return fmt.Sprintf("%susage:daily:%s:%s", keyPrefix, date, clientID)
}

func dailyIndexKey(date string) string {
	return fmt.Sprintf("%susage:daily:index:%s", keyPrefix, date)
}

func datesKey() string {
	return keyPrefix + "usage:dates"
}

func favoritesKey(userID string) string {
	return fmt.Sprintf("%sfavorites:%s", keyPrefix, userID)
}

func replayKey(sessionID, code string) string {
	return fmt.Sprintf("%sreplay:%s:%s", keyPrefix, sessionID, code)
}

func replayPattern(sessionID string) string {
	return fmt.Sprintf("%sreplay:%s:*", keyPrefix, sessionID)
}

// dateScore turns "2006-01-02" into 20060102 so dates sort numerically.
func dateScore(date string) (float64, error) {
	compact := strings.ReplaceAll(date, "-", "")
	n, err := strconv.ParseInt(compact, 10, 64)
	if err != nil || len(compact) != 8 {
		return 0, fmt.Errorf("invalid date %q", date)
	}
	return float64(n), nil
}

// parseDailyUsage converts a Redis hash to DailyUsage
func parseDailyUsage(data map[string]string) (*storage.DailyUsage, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalSeconds, err := strconv.ParseInt(data["total_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_seconds: %w", err)
	}

	return &storage.DailyUsage{
		Date:         data["date"],
		ClientID:     data["client_id"],
		TotalSeconds: totalSeconds,
	}, nil
}
