package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "publish_uploads_total",
	Help: "Object store uploads by kind (token, render, array, index) and result",
}, []string{"kind", "result"})
