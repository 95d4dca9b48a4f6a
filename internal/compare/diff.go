// Package compare diffs two snapshots metric by metric.
package compare

import (
	"errors"
	"fmt"
	"math"

	"github.com/goodtune/livestat/internal/poll"
)

// ErrMetricMismatch is returned when the two snapshots do not carry the same
// labels in the same order.
var ErrMetricMismatch = errors.New("compare: metric labels do not match")

// Leader names the side with the larger value.
type Leader string

const (
	LeaderA Leader = "a"
	LeaderB Leader = "b"
)

// Delta is the difference for one metric.
type Delta struct {
	Label  string `json:"label"`
	A      int64  `json:"a"`
	B      int64  `json:"b"`
	Delta  int64  `json:"delta"`
	Leader Leader `json:"leader"`
}

// Diff compares a and b position by position. Ties go to b.
func Diff(a, b poll.Snapshot) ([]Delta, error) {
	if len(a.Metrics) != len(b.Metrics) {
		return nil, fmt.Errorf("%w: %d vs %d metrics", ErrMetricMismatch, len(a.Metrics), len(b.Metrics))
	}

	deltas := make([]Delta, 0, len(a.Metrics))
	for i, ma := range a.Metrics {
		mb := b.Metrics[i]
		if ma.Label != mb.Label {
			return nil, fmt.Errorf("%w: position %d is %q vs %q", ErrMetricMismatch, i, ma.Label, mb.Label)
		}

		d := Delta{
			Label:  ma.Label,
			A:      ma.Value,
			B:      mb.Value,
			Leader: LeaderB,
		}
		if ma.Value > mb.Value {
			d.Leader = LeaderA
			d.Delta = spread(ma.Value, mb.Value)
		} else {
			d.Delta = spread(mb.Value, ma.Value)
		}
		deltas = append(deltas, d)
	}

	return deltas, nil
}

// spread returns hi-lo for hi >= lo, saturating at math.MaxInt64 when the
// values sit too far apart to subtract.
func spread(hi, lo int64) int64 {
	d := hi - lo
	if d < 0 {
		return math.MaxInt64
	}
	return d
}

// Summary counts how many metrics each side leads.
type Summary struct {
	ALeads int `json:"a_leads"`
	BLeads int `json:"b_leads"`
}

// Summarize tallies the leaders of a diff.
func Summarize(deltas []Delta) Summary {
	var s Summary
	for _, d := range deltas {
		if d.Leader == LeaderA {
			s.ALeads++
		} else {
			s.BLeads++
		}
	}
	return s
}
