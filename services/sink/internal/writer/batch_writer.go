// Package writer buffers extracted rows per pipeline and persists them in bulk.
//
// Each pipeline owns a buffer and a bounded queue drained by a dedicated writer
// goroutine. A buffer is handed off when it reaches the batch size or when the
// linger interval has elapsed since its oldest row. When storage is slow the queue
// fills up and Accept blocks, which pauses consumption of the pipeline's topic.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sakashimaa/go-telemetry-sink/pkg/metrics"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	"github.com/sakashimaa/go-telemetry-sink/pkg/utils"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/extract"
	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/pipeline"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Store interface {
	WriteBatch(ctx context.Context, def *pipeline.Definition, rows []*extract.Row) error
}

type Options struct {
	BatchSize    int
	Linger       time.Duration
	QueueSize    int
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	Breaker      *utils.BreakerConfig
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.Linger <= 0 {
		o.Linger = 500 * time.Millisecond
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 200 * time.Millisecond
	}
	if o.RetryMax < o.RetryInitial {
		o.RetryMax = o.RetryInitial
	}
}

type BatchWriter struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Sink
	opts    Options
	cb      *gobreaker.CircuitBreaker
	sinks   map[string]*pipelineSink

	closeMu  sync.RWMutex
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once

	writeCtx     context.Context
	cancelWrites context.CancelFunc
	wg           sync.WaitGroup
}

type pipelineSink struct {
	def      *pipeline.Definition
	throttle *throttle
	queue    chan []*extract.Row

	// handoff serialises swaps with queue sends so batches reach the writer in
	// buffer order.
	handoff sync.Mutex

	mu     sync.Mutex
	buf    []*extract.Row
	oldest time.Time
	gen    uint64
	timer  *time.Timer
}

func NewBatchWriter(
	defs []*pipeline.Definition,
	store Store,
	m *metrics.Sink,
	opts Options,
	logger *zap.Logger,
) *BatchWriter {
	opts.withDefaults()

	breakerCfg := utils.DefaultBreakerConfig
	if opts.Breaker != nil {
		breakerCfg = *opts.Breaker
	}

	writeCtx, cancel := context.WithCancel(context.Background())

	w := &BatchWriter{
		store:        store,
		logger:       logger,
		metrics:      m,
		opts:         opts,
		cb:           utils.NewBreaker("StorageWriter", breakerCfg, logger),
		sinks:        make(map[string]*pipelineSink, len(defs)),
		stopping:     make(chan struct{}),
		writeCtx:     writeCtx,
		cancelWrites: cancel,
	}

	for _, def := range defs {
		s := &pipelineSink{
			def:      def,
			throttle: newThrottle(def.StoreInterval.Duration()),
			queue:    make(chan []*extract.Row, opts.QueueSize),
		}
		w.sinks[def.Name] = s

		w.wg.Add(1)
		go w.runWriter(s)
	}

	return w
}

// Accept buffers row for def. It blocks while the pipeline queue is full and returns
// ctx.Err() if ctx ends first; the row then stays buffered.
func (w *BatchWriter) Accept(ctx context.Context, def *pipeline.Definition, row *extract.Row) error {
	s, ok := w.sinks[def.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPipeline, def.Name)
	}

	w.closeMu.RLock()
	defer w.closeMu.RUnlock()

	if w.closed {
		return ErrWriterClosed
	}

	key := ""
	if row.UpsertKeyValue != nil {
		key = *row.UpsertKeyValue
	}
	if !s.throttle.allow(key, row.Timestamp) {
		w.metrics.RowsThrottled.WithLabelValues(def.Name).Inc()
		return nil
	}

	s.mu.Lock()
	s.buf = append(s.buf, row)
	if len(s.buf) == 1 {
		s.oldest = time.Now()
		w.armLinger(s, w.opts.Linger)
	}
	full := len(s.buf) >= w.opts.BatchSize
	s.mu.Unlock()

	if !full {
		return nil
	}

	return w.handOff(ctx, s, 0)
}

// Flush hands the current buffer of def to its writer without waiting for the
// write itself.
func (w *BatchWriter) Flush(ctx context.Context, def *pipeline.Definition) error {
	s, ok := w.sinks[def.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPipeline, def.Name)
	}

	w.closeMu.RLock()
	defer w.closeMu.RUnlock()

	if w.closed {
		return ErrWriterClosed
	}

	return w.handOff(ctx, s, 0)
}

func (w *BatchWriter) lingerFlush(s *pipelineSink, gen uint64) {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()

	if w.closed {
		return
	}

	if err := w.handOff(context.Background(), s, gen); err != nil && !errors.Is(err, ErrWriterClosed) {
		mylogger.Warn(context.Background(), w.logger, "Linger flush failed", zap.String("pipeline", s.def.Name), zap.Error(err))
	}
}

// handOff swaps the buffer and queues it. gen 0 flushes unconditionally; otherwise
// only the buffer generation that scheduled the linger timer is flushed.
func (w *BatchWriter) handOff(ctx context.Context, s *pipelineSink, gen uint64) error {
	s.handoff.Lock()
	defer s.handoff.Unlock()

	rows, oldest := s.swap(gen)
	if len(rows) == 0 {
		return nil
	}

	select {
	case s.queue <- rows:
		return nil
	case <-w.stopping:
		// Close picks the rows up from the buffer.
		w.restore(s, rows, oldest, false)
		return ErrWriterClosed
	case <-ctx.Done():
		w.restore(s, rows, oldest, true)
		return ctx.Err()
	}
}

// armLinger replaces the pending linger timer of s. Callers hold s.mu.
func (w *BatchWriter) armLinger(s *pipelineSink, after time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(after, func() {
		w.lingerFlush(s, gen)
	})
}

func (s *pipelineSink) swap(gen uint64) ([]*extract.Row, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != 0 && gen != s.gen {
		return nil, time.Time{}
	}

	rows, oldest := s.buf, s.oldest
	s.buf = nil
	s.oldest = time.Time{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	return rows, oldest
}

// restore puts rows back in front of the buffer. With rearm the linger timer is
// scheduled again, counted from the oldest restored row.
func (w *BatchWriter) restore(s *pipelineSink, rows []*extract.Row, oldest time.Time, rearm bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(rows, s.buf...)
	if !oldest.IsZero() {
		s.oldest = oldest
	}

	if rearm {
		w.armLinger(s, max(w.opts.Linger-time.Since(s.oldest), 0))
	}
}

func (w *BatchWriter) runWriter(s *pipelineSink) {
	defer w.wg.Done()

	for rows := range s.queue {
		if w.writeCtx.Err() != nil {
			w.drop(s.def, rows, "shutdown", w.writeCtx.Err())
			continue
		}

		w.write(s.def, rows)
	}
}

func (w *BatchWriter) write(def *pipeline.Definition, rows []*extract.Row) {
	ctx := w.writeCtx
	if def.IsUpsert() {
		rows = LatestPerKey(rows)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = w.opts.RetryInitial
	expBackoff.MaxInterval = w.opts.RetryMax
	expBackoff.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(w.opts.MaxAttempts-1)), ctx)

	operation := func() error {
		return utils.RunWithBreaker(w.cb, func() error {
			return w.store.WriteBatch(ctx, def, rows)
		})
	}

	notify := func(err error, next time.Duration) {
		w.metrics.WriteRetries.WithLabelValues(def.Name).Inc()

		mylogger.Warn(
			ctx,
			w.logger,
			"Batch write failed, retrying",
			zap.String("pipeline", def.Name),
			zap.String("table", def.Table),
			zap.Int("rows", len(rows)),
			zap.Duration("next_attempt_in", next),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		reason := "write_failed"
		if ctx.Err() != nil {
			reason = "shutdown"
		}
		w.drop(def, rows, reason, fmt.Errorf("%w: %w", ErrWriteFailed, err))
		return
	}

	w.metrics.RowsWritten.WithLabelValues(def.Name).Add(float64(len(rows)))
}

func (w *BatchWriter) drop(def *pipeline.Definition, rows []*extract.Row, reason string, err error) {
	w.metrics.BatchesDropped.WithLabelValues(def.Name, reason).Inc()
	w.metrics.RowsDropped.WithLabelValues(def.Name).Add(float64(len(rows)))

	fields := []zap.Field{
		zap.String("pipeline", def.Name),
		zap.String("table", def.Table),
		zap.String("topic", def.SourceTopic),
		zap.String("reason", reason),
		zap.Int("rows", len(rows)),
		zap.Error(err),
	}
	if len(rows) > 0 {
		fields = append(fields,
			zap.Time("first_ts", rows[0].Timestamp),
			zap.Time("last_ts", rows[len(rows)-1].Timestamp),
		)
	}

	mylogger.Error(context.Background(), w.logger, "Dropping batch", fields...)
}

// Close stops accepting rows, queues what is still buffered and waits for the
// writers until ctx ends. Batches that cannot be written by then are dropped.
// Callers must stop calling Accept before Close.
func (w *BatchWriter) Close(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopping) })

	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return nil
	}
	w.closed = true
	w.closeMu.Unlock()

	for _, s := range w.sinks {
		rows, _ := s.swap(0)
		if len(rows) > 0 {
			select {
			case s.queue <- rows:
			case <-ctx.Done():
				w.drop(s.def, rows, "shutdown", ctx.Err())
			}
		}
		close(s.queue)
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancelWrites()
		return nil
	case <-ctx.Done():
		w.cancelWrites()
		<-done
		return ctx.Err()
	}
}

// LatestPerKey keeps the last row for every upsert key, preserving the order in
// which the surviving rows arrived. Postgres refuses to update the same row twice
// in one INSERT ... ON CONFLICT statement.
func LatestPerKey(rows []*extract.Row) []*extract.Row {
	last := make(map[string]int, len(rows))
	for i, row := range rows {
		if row.UpsertKeyValue != nil {
			last[*row.UpsertKeyValue] = i
		}
	}

	out := make([]*extract.Row, 0, len(last))
	for i, row := range rows {
		if row.UpsertKeyValue == nil || last[*row.UpsertKeyValue] == i {
			out = append(out, row)
		}
	}

	return out
}
