package storage

import (
	"context"
	"io"

	"github.com/platinummonkey/modulo/pkg/observability"
)

// instrumentedStore counts every backend call
type instrumentedStore struct {
	next    PackageStore
	backend string
	metrics *observability.Metrics
}

// Instrument wraps store so each operation is counted under backend. A nil
// metrics returns store unchanged.
func Instrument(store PackageStore, backend string, metrics *observability.Metrics) PackageStore {
	if metrics == nil {
		return store
	}
	return &instrumentedStore{next: store, backend: backend, metrics: metrics}
}

func (s *instrumentedStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref, err := s.next.Put(ctx, data)
	s.metrics.RecordStorage("put", s.backend, err)
	return ref, err
}

func (s *instrumentedStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.next.Open(ctx, key)
	s.metrics.RecordStorage("open", s.backend, err)
	return rc, err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	err := s.next.Delete(ctx, key)
	s.metrics.RecordStorage("delete", s.backend, err)
	return err
}

func (s *instrumentedStore) HealthCheck(ctx context.Context) error {
	return s.next.HealthCheck(ctx)
}
