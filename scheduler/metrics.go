package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cyclesRun = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_scheduler_cycles_total",
	Help: "Number of automation cycles started",
})

var subscriptionsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_scheduler_subscriptions_processed_total",
	Help: "Number of subscription searches completed by the scheduler",
})

var accountErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_scheduler_account_errors_total",
	Help: "Number of accounts whose processing failed within a cycle",
})
