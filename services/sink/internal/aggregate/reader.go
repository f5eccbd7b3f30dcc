package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/pipeline"
)

var ErrUnknownSeries = errors.New("unknown counter series")
var ErrGrainNotTracked = errors.New("grain is not tracked for series")
var ErrInvalidRange = errors.New("invalid time range")

type SeriesLookup interface {
	Counter(name string) (*pipeline.CounterSeries, bool)
}

type Query struct {
	Series string
	Grain  Grain
	Key    string
	From   time.Time
	To     time.Time
	// RollupFrom builds Grain buckets from a finer stored grain instead of reading
	// Grain directly.
	RollupFrom    Grain
	ExcludeResets bool
}

type Reader struct {
	series SeriesLookup
	store  Store
}

func NewReader(series SeriesLookup, store Store) *Reader {
	return &Reader{series: series, store: store}
}

// Buckets returns stored buckets with the series scale applied to every value.
func (r *Reader) Buckets(ctx context.Context, q Query) ([]Bucket, error) {
	series, ok := r.series.Counter(q.Series)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSeries, q.Series)
	}
	if !q.To.After(q.From) {
		return nil, fmt.Errorf("%w: to must be after from", ErrInvalidRange)
	}

	source := q.Grain
	if q.RollupFrom != "" {
		if !q.Grain.Coarser(q.RollupFrom) {
			return nil, fmt.Errorf("%w: cannot roll %s up into %s", ErrInvalidRange, q.RollupFrom, q.Grain)
		}
		source = q.RollupFrom
	}
	if !tracks(series, source) {
		return nil, fmt.Errorf("%w: %s/%s", ErrGrainNotTracked, series.Name, source)
	}

	from, to := Align(q.From, q.To, q.Grain)

	buckets, err := r.store.ListBuckets(ctx, series.Name, source, q.Key, from, to)
	if err != nil {
		return nil, err
	}

	if q.RollupFrom != "" {
		buckets = rollupPerKey(buckets, q.Grain, q.ExcludeResets)
	}

	scale := series.ScaleOrDefault()
	for i := range buckets {
		b := &buckets[i]
		b.FirstValue *= scale
		b.LastValue *= scale
		b.StartValue *= scale
		b.EndValue *= scale
		b.Delta *= scale
	}

	return buckets, nil
}

func tracks(series *pipeline.CounterSeries, grain Grain) bool {
	for _, g := range series.Grains {
		if Grain(g) == grain {
			return true
		}
	}

	return false
}

func rollupPerKey(buckets []Bucket, grain Grain, excludeResets bool) []Bucket {
	var order []string
	byKey := make(map[string][]Bucket)
	for _, b := range buckets {
		if _, ok := byKey[b.Key]; !ok {
			order = append(order, b.Key)
		}
		byKey[b.Key] = append(byKey[b.Key], b)
	}

	var out []Bucket
	for _, key := range order {
		out = append(out, Rollup(byKey[key], grain, excludeResets)...)
	}

	return out
}
