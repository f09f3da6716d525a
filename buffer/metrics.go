package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rolloutTrajectories = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollout_buffer_trajectories_total",
		Help: "Trajectories turned into advantage estimates",
	})
	bufferRowsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buffer_rows_appended_total",
		Help: "Rows appended to append-only buffers",
	}, []string{"buffer"})
	logitsFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logits_buffer_flushes_total",
		Help: "Merges of pending compressed logits into the primary store",
	})
	logitsPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logits_buffer_pending_records",
		Help: "Compressed logits records waiting to be merged",
	})
	logitsRecordsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logits_buffer_records_persisted_total",
		Help: "Records written to or read from buffer files",
	}, []string{"op"})
)
