package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Default = prometheus.NewRegistry()

var (
	RouterEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_router_events_total",
		Help: "Change events handled by the router, by outcome.",
	}, []string{"outcome"})

	RouterResyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_router_resyncs_total",
		Help: "Resync signals raised, by reason.",
	}, []string{"reason"})

	RouterSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskchat_router_subscriptions",
		Help: "Open router subscriptions.",
	})

	ViewFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_view_fetches_total",
		Help: "View cache fetches, by outcome.",
	}, []string{"outcome"})

	ViewInvalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_view_invalidations_total",
		Help: "View cache invalidations, by effect.",
	}, []string{"effect"})

	ViewEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskchat_view_entries",
		Help: "Live view cache entries.",
	})

	StoreRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_store_retries_total",
		Help: "Transient store failures retried, by operation.",
	}, []string{"op"})

	RelayPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_relay_published_total",
		Help: "Change events published by the relay, by outcome.",
	}, []string{"outcome"})

	RelayOffset = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskchat_relay_offset",
		Help: "Last change log seq confirmed by the relay.",
	})

	StreamConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskchat_stream_connections",
		Help: "Open websocket stream connections.",
	})
)

func init() {
	Default.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		RouterEvents,
		RouterResyncs,
		RouterSubscriptions,
		ViewFetches,
		ViewInvalidations,
		ViewEntries,
		StoreRetries,
		RelayPublished,
		RelayOffset,
		StreamConnections,
	)
}

func DefaultHandler() http.Handler {
	return promhttp.HandlerFor(Default, promhttp.HandlerOpts{})
}
