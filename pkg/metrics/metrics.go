package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Sink struct {
	UnmappedTopic    *prometheus.CounterVec
	ExtractionErrors *prometheus.CounterVec
	FieldCoercion    *prometheus.CounterVec
	RowsThrottled    *prometheus.CounterVec
	RowsWritten      *prometheus.CounterVec
	BatchesDropped   *prometheus.CounterVec
	RowsDropped      *prometheus.CounterVec
	WriteRetries     *prometheus.CounterVec
	BucketResets     *prometheus.CounterVec
}

func NewSink(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)

	return &Sink{
		UnmappedTopic: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_unmapped_topic_total",
			Help: "Messages dropped because no pipeline matches their topic.",
		}, []string{"topic"}),
		ExtractionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_extraction_errors_total",
			Help: "Messages discarded by the extractor.",
		}, []string{"pipeline", "reason"}),
		FieldCoercion: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_field_coercion_failures_total",
			Help: "Columns nulled because the value was missing or not coercible.",
		}, []string{"pipeline", "column"}),
		RowsThrottled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_rows_throttled_total",
			Help: "Rows skipped by the pipeline store interval.",
		}, []string{"pipeline"}),
		RowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_rows_written_total",
			Help: "Rows persisted to storage.",
		}, []string{"pipeline"}),
		BatchesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_batches_dropped_total",
			Help: "Batches dropped after exhausting write attempts or at shutdown.",
		}, []string{"pipeline", "reason"}),
		RowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_rows_dropped_total",
			Help: "Rows contained in dropped batches.",
		}, []string{"pipeline"}),
		WriteRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_write_retries_total",
			Help: "Failed batch write attempts that were retried.",
		}, []string{"pipeline"}),
		BucketResets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_counter_resets_total",
			Help: "Aggregate buckets flagged with a counter reset.",
		}, []string{"series", "grain"}),
	}
}

type Outbox struct {
	Published            prometheus.Counter
	PublishFailures      *prometheus.CounterVec
	Failed               *prometheus.CounterVec
	Confirmed            prometheus.Counter
	AwaitingConfirmation prometheus.Gauge
}

func NewOutbox(reg prometheus.Registerer) *Outbox {
	factory := promauto.With(reg)

	return &Outbox{
		Published: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox records emitted to the command channel.",
		}),
		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Failed publish attempts.",
		}, []string{"aggregate_type"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_failed_total",
			Help: "Outbox records that exhausted their retry budget.",
		}, []string{"aggregate_type"}),
		Confirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_confirmed_total",
			Help: "Outbox records confirmed by the device.",
		}),
		AwaitingConfirmation: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_awaiting_confirmation",
			Help: "Published records still unconfirmed after the confirm timeout.",
		}),
	}
}
