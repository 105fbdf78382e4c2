package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueItemsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "perch_queue_items_enqueued_total",
	Help: "The total number of interactions queued",
}, []string{"kind"})

var queueTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "perch_queue_transitions_total",
	Help: "The total number of queue item state transitions",
}, []string{"to"})

var queueItemsCleaned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_queue_items_cleaned_total",
	Help: "The total number of terminal queue items purged by retention cleanup",
})
