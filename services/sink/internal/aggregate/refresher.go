package aggregate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sakashimaa/go-telemetry-sink/pkg/metrics"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/pipeline"
	"go.uber.org/zap"
)

type Store interface {
	// Observe reports first/last/count per key and bucket for readings in [from, to).
	Observe(ctx context.Context, series *pipeline.CounterSeries, grain Grain, from, to time.Time) ([]Observation, error)
	// LastBefore returns, per key, the latest stored bucket that starts before t.
	LastBefore(ctx context.Context, series string, grain Grain, t time.Time) (map[string]*Bucket, error)
	// EarliestReading returns the timestamp of the oldest non-null reading of series.
	EarliestReading(ctx context.Context, series *pipeline.CounterSeries) (time.Time, bool, error)
	UpsertBuckets(ctx context.Context, buckets []Bucket) error
	ListBuckets(ctx context.Context, series string, grain Grain, key string, from, to time.Time) ([]Bucket, error)
}

// catchUpChunk bounds how many buckets a single catch-up Backfill recomputes.
const catchUpChunk = 24 * 31

type Refresher struct {
	store    Store
	series   []*pipeline.CounterSeries
	interval time.Duration
	metrics  *metrics.Sink
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	reported map[resetID]struct{}
}

type resetID struct {
	series string
	key    string
	grain  Grain
	start  time.Time
}

func NewRefresher(
	store Store,
	series []*pipeline.CounterSeries,
	interval time.Duration,
	m *metrics.Sink,
	logger *zap.Logger,
) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Refresher{
		store:    store,
		series:   series,
		interval: interval,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		reported: make(map[resetID]struct{}),
	}
}

// Start catches up on missed buckets, then refreshes once and every interval until
// ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) {
	mylogger.Info(ctx, r.logger, "Starting aggregate refresher", zap.Duration("interval", r.interval), zap.Int("series", len(r.series)))

	if err := r.CatchUp(ctx); err != nil && ctx.Err() == nil {
		mylogger.Error(ctx, r.logger, "Aggregate catch-up failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			mylogger.Error(ctx, r.logger, "Aggregate refresh failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			mylogger.Info(context.Background(), r.logger, "Stopping aggregate refresher")
			return
		case <-ticker.C:
		}
	}
}

// Refresh recomputes the current and the previous bucket of every series and grain.
// A failing series does not stop the others; the first error is returned.
func (r *Refresher) Refresh(ctx context.Context) error {
	now := r.now()

	var firstErr error
	for _, series := range r.series {
		for _, name := range series.Grains {
			grain, err := ParseGrain(name)
			if err != nil {
				return err
			}

			current := BucketStart(now, grain)
			from := PreviousStart(current, grain)
			to := BucketEnd(current, grain)

			if _, err := r.Backfill(ctx, series, grain, from, to); err != nil {
				mylogger.Warn(
					ctx,
					r.logger,
					"Failed to refresh counter series",
					zap.String("series", series.Name),
					zap.String("grain", string(grain)),
					zap.Error(err),
				)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	r.prune(now)

	return firstErr
}

// CatchUp backfills every series and grain from its oldest latest-stored bucket, or
// from its earliest raw reading when nothing is stored yet, up to the start of the
// previous bucket. Refresh covers the rest.
func (r *Refresher) CatchUp(ctx context.Context) error {
	now := r.now()

	var firstErr error
	for _, series := range r.series {
		for _, name := range series.Grains {
			grain, err := ParseGrain(name)
			if err != nil {
				return err
			}

			if err := r.catchUp(ctx, series, grain, now); err != nil {
				mylogger.Warn(
					ctx,
					r.logger,
					"Failed to catch up counter series",
					zap.String("series", series.Name),
					zap.String("grain", string(grain)),
					zap.Error(err),
				)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	return firstErr
}

func (r *Refresher) catchUp(ctx context.Context, series *pipeline.CounterSeries, grain Grain, now time.Time) error {
	until := PreviousStart(BucketStart(now, grain), grain)

	from, ok, err := r.catchUpStart(ctx, series, grain, until)
	if err != nil || !ok || !from.Before(until) {
		return err
	}

	mylogger.Info(
		ctx,
		r.logger,
		"Catching up counter series",
		zap.String("series", series.Name),
		zap.String("grain", string(grain)),
		zap.Time("from", from),
		zap.Time("until", until),
	)

	for from.Before(until) {
		to := from
		for i := 0; i < catchUpChunk && to.Before(until); i++ {
			to = BucketEnd(to, grain)
		}

		if _, err := r.Backfill(ctx, series, grain, from, to); err != nil {
			return err
		}
		from = to
	}

	return nil
}

func (r *Refresher) catchUpStart(ctx context.Context, series *pipeline.CounterSeries, grain Grain, until time.Time) (time.Time, bool, error) {
	seeds, err := r.store.LastBefore(ctx, series.Name, grain, until)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load latest buckets %s/%s: %w", series.Name, grain, err)
	}

	var from time.Time
	for _, b := range seeds {
		if from.IsZero() || b.Start.Before(from) {
			from = b.Start
		}
	}
	if !from.IsZero() {
		return from, true, nil
	}

	earliest, ok, err := r.store.EarliestReading(ctx, series)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("find earliest reading %s: %w", series.Name, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}

	return BucketStart(earliest, grain), true, nil
}

// Backfill recomputes every bucket of series that overlaps [from, to) and returns
// the stored buckets.
func (r *Refresher) Backfill(ctx context.Context, series *pipeline.CounterSeries, grain Grain, from, to time.Time) ([]Bucket, error) {
	from, to = Align(from, to, grain)

	observations, err := r.store.Observe(ctx, series, grain, from, to)
	if err != nil {
		return nil, fmt.Errorf("observe %s/%s: %w", series.Name, grain, err)
	}
	if len(observations) == 0 {
		return nil, nil
	}

	seeds, err := r.store.LastBefore(ctx, series.Name, grain, from)
	if err != nil {
		return nil, fmt.Errorf("load seed buckets %s/%s: %w", series.Name, grain, err)
	}

	byKey := make(map[string][]Observation)
	for _, obs := range observations {
		byKey[obs.Key] = append(byKey[obs.Key], obs)
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buckets []Bucket
	for _, key := range keys {
		folded := Fold(seeds[key], grain, byKey[key])
		for i := range folded {
			folded[i].Series = series.Name
			folded[i].Key = key
		}
		buckets = append(buckets, folded...)
	}

	if err := r.store.UpsertBuckets(ctx, buckets); err != nil {
		return nil, fmt.Errorf("store buckets %s/%s: %w", series.Name, grain, err)
	}

	r.reportResets(ctx, buckets)

	return buckets, nil
}

func (r *Refresher) reportResets(ctx context.Context, buckets []Bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range buckets {
		if !b.Reset {
			continue
		}

		id := resetID{series: b.Series, key: b.Key, grain: b.Grain, start: b.Start}
		if _, ok := r.reported[id]; ok {
			continue
		}
		r.reported[id] = struct{}{}

		r.metrics.BucketResets.WithLabelValues(b.Series, string(b.Grain)).Inc()

		mylogger.Warn(
			ctx,
			r.logger,
			"Counter reset detected",
			zap.String("series", b.Series),
			zap.String("key", b.Key),
			zap.String("grain", string(b.Grain)),
			zap.Time("bucket_start", b.Start),
			zap.Float64("first_value", b.FirstValue),
			zap.Float64("last_value", b.LastValue),
		)
	}
}

// prune forgets resets of buckets that left the refresh window.
func (r *Refresher) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.reported {
		if id.start.Before(PreviousStart(BucketStart(now, id.grain), id.grain)) {
			delete(r.reported, id)
		}
	}
}
