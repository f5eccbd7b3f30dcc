// Package aggregate turns cumulative counter readings into per-bucket consumption.
package aggregate

import (
	"errors"
	"fmt"
	"time"
)

type Grain string

const (
	GrainHour  Grain = "hour"
	GrainDay   Grain = "day"
	GrainMonth Grain = "month"
	GrainYear  Grain = "year"
)

var ErrUnknownGrain = errors.New("unknown grain")

// Origin anchors fixed-width buckets so that boundaries never move between runs.
var Origin = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func ParseGrain(s string) (Grain, error) {
	g := Grain(s)
	switch g {
	case GrainHour, GrainDay, GrainMonth, GrainYear:
		return g, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownGrain, s)
}

func (g Grain) fixedWidth() (time.Duration, bool) {
	switch g {
	case GrainHour:
		return time.Hour, true
	case GrainDay:
		return 24 * time.Hour, true
	}

	return 0, false
}

// Coarser reports whether g spans whole buckets of other.
func (g Grain) Coarser(other Grain) bool {
	return rank(g) > rank(other)
}

func rank(g Grain) int {
	switch g {
	case GrainHour:
		return 1
	case GrainDay:
		return 2
	case GrainMonth:
		return 3
	case GrainYear:
		return 4
	}

	return 0
}

// BucketStart returns the start of the bucket containing t.
func BucketStart(t time.Time, g Grain) time.Time {
	t = t.UTC()

	if width, ok := g.fixedWidth(); ok {
		return Origin.Add(t.Sub(Origin).Truncate(width)).Add(floorAdjust(t, width))
	}

	switch g {
	case GrainMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case GrainYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}

	return t
}

// floorAdjust moves instants before the origin down to their bucket start, since
// Duration.Truncate rounds toward zero.
func floorAdjust(t time.Time, width time.Duration) time.Duration {
	offset := t.Sub(Origin)
	if offset >= 0 || offset%width == 0 {
		return 0
	}

	return -width
}

// BucketEnd returns the start of the bucket following the one that begins at start.
func BucketEnd(start time.Time, g Grain) time.Time {
	if width, ok := g.fixedWidth(); ok {
		return start.Add(width)
	}

	switch g {
	case GrainMonth:
		return start.AddDate(0, 1, 0)
	case GrainYear:
		return start.AddDate(1, 0, 0)
	}

	return start
}

// PreviousStart returns the start of the bucket before the one beginning at start.
func PreviousStart(start time.Time, g Grain) time.Time {
	if width, ok := g.fixedWidth(); ok {
		return start.Add(-width)
	}

	switch g {
	case GrainMonth:
		return start.AddDate(0, -1, 0)
	case GrainYear:
		return start.AddDate(-1, 0, 0)
	}

	return start
}

// Align widens [from, to) to whole buckets.
func Align(from, to time.Time, g Grain) (time.Time, time.Time) {
	start := BucketStart(from, g)

	end := BucketStart(to, g)
	if end.Before(to) {
		end = BucketEnd(end, g)
	}

	return start, end
}
