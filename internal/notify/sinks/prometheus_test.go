package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/notify"
)

// TestPrometheusSinkRecordsMetrics counts events and tracks running crawls.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []notify.Event{
		{Type: notify.TypeCrawlStarted, CrawlID: "c1", TS: now},
		{Type: notify.TypeCrawlStarted, CrawlID: "c2", TS: now},
		{Type: notify.TypeCrawlPage, CrawlID: "c1", JobID: "j1", TenantID: "team", TS: now},
		{Type: notify.TypeCrawlPage, CrawlID: "c1", JobID: "j2", TS: now},
		{Type: notify.TypeCrawlCompleted, CrawlID: "c1", TS: now},
	}))

	require.InDelta(t, 2, testutil.ToFloat64(sink.events.WithLabelValues("crawl.started")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.crawlsRunning), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.pagesByTenant.WithLabelValues("team")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.pagesByTenant.WithLabelValues("unknown")), 0)
}

// TestPrometheusSinkDuplicateRegistration fails when collectors already exist.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
