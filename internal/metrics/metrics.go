package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eocd_tasks_completed_total",
		Help: "Tasks completed successfully, per stage.",
	}, []string{"stage"})

	TasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eocd_tasks_failed_total",
		Help: "Tasks whose worker call failed, per stage.",
	}, []string{"stage"})

	RunsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eocd_runs_finished_total",
		Help: "Pipeline runs by terminal outcome.",
	}, []string{"outcome"})

	BroadcastsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eocd_broadcasts_sent_total",
		Help: "Progress snapshots delivered to observers.",
	})
)

func init() {
	prometheus.MustRegister(TasksCompleted, TasksFailed, RunsFinished, BroadcastsSent)
}
