package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwheel_executions_total",
			Help: "Total number of task executions by outcome",
		},
		[]string{"function", "status"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskwheel_execution_duration_seconds",
			Help:    "Task execution time in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"function"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskwheel_queue_depth",
			Help: "Number of dispatched executions waiting for a worker",
		},
	)

	runningTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskwheel_running_tasks",
			Help: "Size of the running-task set",
		},
	)

	dispatchSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwheel_dispatch_skips_total",
			Help: "Dispatches skipped because the execution queue was full",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordExecution(function, status string, duration time.Duration) {
	executionsTotal.WithLabelValues(function, status).Inc()
	executionDuration.WithLabelValues(function).Observe(duration.Seconds())
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func SetRunningTasks(n int) {
	runningTasks.Set(float64(n))
}

func RecordDispatchSkip() {
	dispatchSkips.Inc()
}
