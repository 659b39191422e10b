package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "store_writes_total",
	Help: "Store file writes by kind (record, blob, manifest) and result (written, unchanged, error)",
}, []string{"kind", "result"})
