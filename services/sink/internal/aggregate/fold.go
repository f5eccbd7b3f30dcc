package aggregate

import (
	"sort"
	"time"
)

// Observation is what storage reports for one bucket of one series key: the first
// and last reading inside the bucket and how many readings there were.
type Observation struct {
	Key   string
	Start time.Time
	First float64
	Last  float64
	Count int64
}

type Bucket struct {
	Series      string    `json:"-"`
	Key         string    `json:"key"`
	Grain       Grain     `json:"grain"`
	Start       time.Time `json:"bucket_start"`
	End         time.Time `json:"bucket_end"`
	FirstValue  float64   `json:"first_value"`
	LastValue   float64   `json:"last_value"`
	StartValue  float64   `json:"start_value"`
	EndValue    float64   `json:"end_value"`
	Delta       float64   `json:"delta"`
	SampleCount int64     `json:"sample_count"`
	Reset       bool      `json:"reset"`
}

// Fold turns observations of a single series key into buckets, carrying each
// bucket's end value forward as the next bucket's start value. prev is the last
// bucket stored before the first observation, or nil for the start of a series.
//
// A bucket whose end is below its start is flagged as a reset. If its own
// readings still rise the counter restarted at the boundary, so the bucket counts
// from its first reading. Otherwise it restarted inside the bucket and counts
// from zero.
func Fold(prev *Bucket, grain Grain, observations []Observation) []Bucket {
	sorted := make([]Observation, len(observations))
	copy(sorted, observations)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	buckets := make([]Bucket, 0, len(sorted))
	for _, obs := range sorted {
		if obs.Count == 0 {
			continue
		}

		b := Bucket{
			Key:         obs.Key,
			Grain:       grain,
			Start:       obs.Start,
			End:         BucketEnd(obs.Start, grain),
			FirstValue:  obs.First,
			LastValue:   obs.Last,
			StartValue:  obs.First,
			EndValue:    obs.Last,
			SampleCount: obs.Count,
		}
		if prev != nil {
			b.StartValue = prev.EndValue
		}

		if b.EndValue < b.StartValue {
			b.Reset = true
			if b.FirstValue <= b.LastValue {
				b.StartValue = b.FirstValue
			} else {
				b.StartValue = 0
			}
		}
		b.Delta = b.EndValue - b.StartValue

		buckets = append(buckets, b)
		prev = &buckets[len(buckets)-1]
	}

	return buckets
}

// Rollup combines finer buckets of one series key into buckets of grain. With
// excludeResets the deltas of reset buckets are left out of the sum and the
// result is not flagged; otherwise any reset inside marks the coarser bucket.
func Rollup(buckets []Bucket, grain Grain, excludeResets bool) []Bucket {
	sorted := make([]Bucket, len(buckets))
	copy(sorted, buckets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var out []Bucket
	for _, b := range sorted {
		start := BucketStart(b.Start, grain)

		if len(out) == 0 || !out[len(out)-1].Start.Equal(start) {
			out = append(out, Bucket{
				Series:     b.Series,
				Key:        b.Key,
				Grain:      grain,
				Start:      start,
				End:        BucketEnd(start, grain),
				FirstValue: b.FirstValue,
				StartValue: b.StartValue,
			})
		}

		cur := &out[len(out)-1]
		cur.LastValue = b.LastValue
		cur.EndValue = b.EndValue
		cur.SampleCount += b.SampleCount

		if b.Reset && excludeResets {
			continue
		}
		cur.Delta += b.Delta
		cur.Reset = cur.Reset || b.Reset
	}

	return out
}
