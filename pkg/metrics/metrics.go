package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Feed metrics
	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsink_messages_received_total",
		Help: "The total number of feed messages received",
	})
	MessagesIgnoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsink_messages_ignored_total",
		Help: "The total number of feed messages skipped because of their type",
	})
	DecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsink_decode_errors_total",
		Help: "The total number of feed messages that could not be decoded",
	})

	// Sink metrics
	RowsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsink_rows_enqueued_total",
		Help: "The total number of rows handed to the batch queue",
	})
	BatchesDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsink_batches_dispatched_total",
		Help: "The total number of batches appended to the spreadsheet",
	})
	DispatchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsink_dispatch_errors_total",
		Help: "The total number of failed append calls",
	})
	RowsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsink_rows_dropped_total",
		Help: "The total number of rows lost to failed dispatches",
	})
	HeaderWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsink_header_writes_total",
		Help: "The total number of header rows written",
	})
	BufferedRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sheetsink_buffered_rows",
		Help: "Rows waiting in the queue buffer",
	})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sheetsink_dispatch_latency_seconds",
		Help:    "Latency of spreadsheet append calls",
		Buckets: prometheus.DefBuckets,
	})
)
