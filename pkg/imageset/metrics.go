package imageset

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	residentSets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "segmentcore_imagesets_held",
		Help: "Image sets currently held in the access history",
	})

	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segmentcore_imageset_evictions_total",
		Help: "Total image set evictions",
	})

	// loads counts image set loads by result
	// Labels: "success", "error", "stale"
	loads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentcore_imageset_loads_total",
		Help: "Total image set loads by result",
	}, []string{"result"})
)
