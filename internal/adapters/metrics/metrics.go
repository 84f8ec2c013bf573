package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectorsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_worker_connectors_running",
			Help: "Number of connectors running on the worker",
		},
		[]string{"worker"},
	)

	TasksRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_worker_tasks_running",
			Help: "Number of tasks running on the worker",
		},
		[]string{"worker"},
	)

	StartFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_worker_start_failures_total",
			Help: "Total number of connector and task start failures",
		},
		[]string{"worker", "kind"},
	)

	TaskForcedCancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_worker_task_forced_cancellations_total",
			Help: "Total number of tasks cancelled after missing the graceful shutdown deadline",
		},
		[]string{"worker"},
	)

	OffsetCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_worker_offset_commits_total",
			Help: "Total number of source offset commits",
		},
		[]string{"worker", "status"},
	)

	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_lock_acquisitions_total",
			Help: "Total number of distributed lock acquisitions",
		},
		[]string{"mode"},
	)

	LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conduit_lock_wait_duration_seconds",
			Help:    "Time spent blocked waiting for a distributed lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockWatchRearmsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_lock_watch_rearms_total",
			Help: "Total number of child watch registrations",
		},
		[]string{"trigger"},
	)

	LockWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_lock_waiters",
			Help: "Number of callers currently blocked on a distributed lock",
		},
	)
)

func SetConnectorsRunning(worker string, count int) {
	ConnectorsRunning.WithLabelValues(worker).Set(float64(count))
}

func SetTasksRunning(worker string, count int) {
	TasksRunning.WithLabelValues(worker).Set(float64(count))
}

func RecordStartFailure(worker, kind string) {
	StartFailuresTotal.WithLabelValues(worker, kind).Inc()
}

func RecordForcedCancellation(worker string) {
	TaskForcedCancellationsTotal.WithLabelValues(worker).Inc()
}

func RecordOffsetCommit(worker, status string) {
	OffsetCommitsTotal.WithLabelValues(worker, status).Inc()
}

func RecordLockAcquisition(mode string) {
	LockAcquisitionsTotal.WithLabelValues(mode).Inc()
}

func RecordLockWait(seconds float64) {
	LockWaitDuration.Observe(seconds)
}

func RecordWatchRearm(trigger string) {
	LockWatchRearmsTotal.WithLabelValues(trigger).Inc()
}

func AddLockWaiters(delta int) {
	LockWaiters.Add(float64(delta))
}
