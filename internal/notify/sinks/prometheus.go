package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlq/internal/notify"
)

// PrometheusSink counts lifecycle events by type and tracks running crawls.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	crawlsRunning prometheus.Gauge
	pagesByTenant *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlq_notify_events_total",
			Help: "Lifecycle events delivered to sinks partitioned by type.",
		}, []string{"type"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlq_crawls_running",
			Help: "Crawls started but not yet completed, as seen by this process.",
		}),
		pagesByTenant: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlq_crawl_pages_total",
			Help: "Crawl pages completed partitioned by tenant.",
		}, []string{"tenant"}),
	}
	for _, collector := range []prometheus.Collector{s.events, s.crawlsRunning, s.pagesByTenant} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register notify collector: %w", err)
		}
	}
	return s, nil
}

// Name implements notify.Sink.
func (s *PrometheusSink) Name() string { return "prometheus" }

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Type)).Inc()
		switch evt.Type {
		case notify.TypeCrawlStarted:
			s.crawlsRunning.Inc()
		case notify.TypeCrawlCompleted:
			s.crawlsRunning.Dec()
		case notify.TypeCrawlPage:
			tenant := evt.TenantID
			if tenant == "" {
				tenant = "unknown"
			}
			s.pagesByTenant.WithLabelValues(tenant).Inc()
		}
	}
	return nil
}

// Close implements notify.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
