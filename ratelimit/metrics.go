package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "perch_rate_limit_denials_total",
	Help: "The total number of quota checks that were denied",
}, []string{"resource"})

var searchQueriesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_search_queries_recorded_total",
	Help: "The total number of keyword search queries counted against quota",
})
