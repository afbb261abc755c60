package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skuwatch_cycles_total",
		Help: "Completed reconciliation cycles.",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skuwatch_cycle_duration_seconds",
		Help:    "Wall time of a full reconciliation cycle including the probe join.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skuwatch_probes_total",
		Help: "Classification attempts by outcome.",
	}, []string{"outcome"})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skuwatch_evictions_total",
		Help: "Devices removed after scan silence.",
	})

	devicesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skuwatch_devices",
		Help: "Devices currently in the table.",
	})

	skuDevicesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skuwatch_sku_devices",
		Help: "Classified SKU devices currently in the table.",
	})
)

// probe outcome labels
const (
	outcomeClassified    = "classified"
	outcomeUnresolved    = "unresolved"
	outcomeUnpublishable = "unpublishable"
	outcomeNoStamp       = "no_stamp"
)
