package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var searchesRun = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "perch_discovery_searches_total",
	Help: "Number of keyword searches executed against the upstream API",
}, []string{"mode"})

var searchesDenied = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_discovery_searches_denied_total",
	Help: "Number of keyword searches refused by quota or rate limit",
})

var postsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_discovery_posts_total",
	Help: "Number of new posts persisted by discovery runs",
})
