package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warriorguo/privacyflow/types"
)

var (
	// taskStatusTotal counts request task status transitions
	taskStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "privacyflow_request_task_status_total",
		Help: "Request task status transitions by action and status",
	}, []string{"action", "status"})

	// taskDuration tracks how long one node takes from start to its final status
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "privacyflow_request_task_duration_seconds",
		Help:    "Request task execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
	}, []string{"action"})

	tasksQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "privacyflow_request_tasks_queued_total",
		Help: "Request tasks accepted by the scheduler",
	})
)

func observeStatus(action types.ActionType, status types.ExecutionStatus) {
	taskStatusTotal.WithLabelValues(string(action), string(status)).Inc()
}

func observeDuration(action types.ActionType, start time.Time) {
	taskDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
}
