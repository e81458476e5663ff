package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// PagerMetrics holds the metric instruments for the page cache.
type PagerMetrics struct {
	CacheHitsCounter    metric.Int64Counter
	CacheMissesCounter  metric.Int64Counter
	EvictionsCounter    metric.Int64Counter
	PageFlushesCounter  metric.Int64Counter
	PagesAllocatedTotal metric.Int64Counter
}

// NewPagerMetrics creates and registers the page cache instruments on meter.
func NewPagerMetrics(meter metric.Meter) (*PagerMetrics, error) {
	hits, err := meter.Int64Counter(
		"gojotable.pager.cache_hits_total",
		metric.WithDescription("Page requests served from a resident frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"gojotable.pager.cache_misses_total",
		metric.WithDescription("Page requests that had to read the tablespace file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"gojotable.pager.evictions_total",
		metric.WithDescription("Frames reclaimed from the LRU list."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"gojotable.pager.page_flushes_total",
		metric.WithDescription("Dirty frames written back to the tablespace file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	allocated, err := meter.Int64Counter(
		"gojotable.pager.pages_allocated_total",
		metric.WithDescription("Pages appended to the tablespace file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &PagerMetrics{
		CacheHitsCounter:    hits,
		CacheMissesCounter:  misses,
		EvictionsCounter:    evictions,
		PageFlushesCounter:  flushes,
		PagesAllocatedTotal: allocated,
	}, nil
}

// NoopPagerMetrics returns instruments that record nothing.
func NoopPagerMetrics() *PagerMetrics {
	m, _ := NewPagerMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
