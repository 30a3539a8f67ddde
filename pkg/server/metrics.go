package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	requestNumber prometheus.Gauge
	hitsDropped   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazoeru",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route template, method and status code.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazoeru",
			Name:      "http_request_duration_seconds",
			Help:      "Time spent serving HTTP requests, by route template.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		requestNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazoeru",
			Name:      "request_number",
			Help:      "Last value handed out by the index request counter.",
		}),
		hitsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazoeru",
			Name:      "hits_dropped_total",
			Help:      "Served requests not published to the traffic tracker because its queue was full.",
		}),
	}
	reg.MustRegister(
		m.requests,
		m.duration,
		m.requestNumber,
		m.hitsDropped,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}
