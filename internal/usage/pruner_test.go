package usage

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewPrunerRejectsBadTime(t *testing.T) {
	t.Parallel()

	_, err := NewPruner(newMemoryStore(), "25:99", 90, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestCalculateNextPrune(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		now  time.Time
		at   string
		want time.Time
	}{
		{
			name: "later today",
			now:  time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC),
			at:   "03:30",
			want: time.Date(2024, 3, 1, 3, 30, 0, 0, time.UTC),
		},
		{
			name: "already passed",
			now:  time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC),
			at:   "03:30",
			want: time.Date(2024, 3, 2, 3, 30, 0, 0, time.UTC),
		},
		{
			name: "exactly now",
			now:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			at:   "00:00",
			want: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mClock := quartz.NewMock(t)
			mClock.Set(tt.now)

			p, err := NewPruner(newMemoryStore(), tt.at, 90, mClock, zerolog.Nop())
			require.NoError(t, err)
			require.Equal(t, tt.want, p.calculateNextPrune())
		})
	}
}

func TestPrunerRunsDaily(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	mClock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	store := newMemoryStore()
	store.totals["2024-01-01/tv"] = 100
	store.totals["2024-05-31/tv"] = 200

	p, err := NewPruner(store, "00:00", 30, mClock, zerolog.Nop())
	require.NoError(t, err)

	trap := mClock.Trap().NewTimer("usage", "prune")
	defer trap.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()

	call := trap.MustWait(ctx)
	require.Equal(t, 12*time.Hour, call.Duration)
	call.MustRelease(ctx)

	mClock.Advance(12 * time.Hour).MustWait(ctx)

	// The next timer is only created after the prune completes
	call = trap.MustWait(ctx)
	require.Equal(t, 24*time.Hour, call.Duration)
	call.MustRelease(ctx)

	require.Equal(t, []string{"2024-05-03"}, store.pruned)
	require.Zero(t, store.total("2024-01-01", "tv"))
	require.Equal(t, int64(200), store.total("2024-05-31", "tv"))

	stop()
	require.NoError(t, <-done)
}
