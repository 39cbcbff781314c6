package edgestore

import (
	"context"
	"time"

	"github.com/CanopyHQ/tendril/internal/metrics"
)

// WithMetrics returns a Store that records StoreLatency for every operation.
func WithMetrics(inner Store) Store {
	if _, ok := inner.(*metricsStore); ok {
		return inner
	}
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner Store
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) Peer() Address {
	return m.inner.Peer()
}

func (m *metricsStore) Put(ctx context.Context, kind string, content []byte) (Address, error) {
	defer observe("put", time.Now())
	return m.inner.Put(ctx, kind, content)
}

func (m *metricsStore) Get(ctx context.Context, addr Address) (*Entry, error) {
	defer observe("get", time.Now())
	return m.inner.Get(ctx, addr)
}

func (m *metricsStore) Link(ctx context.Context, base, target Address, linkType, tag string) error {
	defer observe("link", time.Now())
	return m.inner.Link(ctx, base, target, linkType, tag)
}

func (m *metricsStore) GetLinks(ctx context.Context, base Address, linkType, tag string) ([]Address, error) {
	defer observe("get_links", time.Now())
	return m.inner.GetLinks(ctx, base, linkType, tag)
}

func (m *metricsStore) QueryLocalLog(ctx context.Context, kind string) ([]LocalEntry, error) {
	defer observe("query_local_log", time.Now())
	return m.inner.QueryLocalLog(ctx, kind)
}

func (m *metricsStore) Entries(ctx context.Context) ([]Entry, error) {
	defer observe("entries", time.Now())
	return m.inner.Entries(ctx)
}

func (m *metricsStore) Links(ctx context.Context) ([]Link, error) {
	defer observe("links", time.Now())
	return m.inner.Links(ctx)
}

func (m *metricsStore) Ingest(ctx context.Context, e Entry) error {
	defer observe("ingest", time.Now())
	return m.inner.Ingest(ctx, e)
}

func (m *metricsStore) Stats(ctx context.Context) (Stats, error) {
	defer observe("stats", time.Now())
	return m.inner.Stats(ctx)
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}
