package subgraph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "subgraph_queries_total",
	Help: "Subgraph token queries by result",
}, []string{"result"})
