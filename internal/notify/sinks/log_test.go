package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawlq/internal/notify"
)

// TestLogSinkWritesFields logs one entry per event with typed fields.
func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	err := sink.Consume(context.Background(), []notify.Event{
		{Type: notify.TypeCrawlPage, CrawlID: "c1", JobID: "j1", URL: "https://example.com/a", TS: time.Now()},
		{Type: notify.TypeCrawlFailed, CrawlID: "c1", JobID: "j2", Error: "boom", TS: time.Now()},
	})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "crawl.page", entries[0].ContextMap()["type"])
	require.Equal(t, "boom", entries[1].ContextMap()["error"])
	require.NoError(t, sink.Close(context.Background()))
}
