package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/async"
)

// maxKeptErrors bounds how many background sink failures are retained
const maxKeptErrors = 32

// MultiLogger fans every audit event out to a set of sinks. Writes are
// synchronous until Background is called.
type MultiLogger struct {
	sinks  []Logger
	pool   *async.Pool
	logger *logrus.Logger

	pending sync.WaitGroup
	mu      sync.Mutex
	errs    []error
	dropped int
}

// NewMultiLogger creates a logger writing to every sink
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

// Background moves sink writes onto workers fed by a queue of the given
// size. An event that finds the queue full is dropped and counted, so a
// slow sink never stalls the caller.
func (m *MultiLogger) Background(logger *logrus.Logger, workers, queue int) *MultiLogger {
	if logger == nil {
		logger = logrus.New()
	}
	m.logger = logger
	m.pool = async.NewPool(context.Background(), logger, "audit", workers, queue, 0)
	return m
}

// Log writes event to every sink. Synchronously it returns the first sink
// error after trying all of them; in the background it returns nil.
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	if m.pool == nil {
		var firstErr error
		for _, sink := range m.sinks {
			if err := sink.Log(ctx, event); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	// a finished request must not cancel its audit writes
	detached := context.WithoutCancel(ctx)
	for _, sink := range m.sinks {
		sink := sink
		m.pending.Add(1)
		err := m.pool.TrySubmit(func(context.Context) error {
			defer m.pending.Done()
			if err := sink.Log(detached, event); err != nil {
				m.keep(err)
			}
			return nil
		})
		if err != nil {
			m.pending.Done()
			m.drop(event, err)
		}
	}
	return nil
}

func (m *MultiLogger) keep(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) == maxKeptErrors {
		m.errs = m.errs[1:]
	}
	m.errs = append(m.errs, err)
}

func (m *MultiLogger) drop(event *AuditEvent, err error) {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
	m.logger.WithFields(logrus.Fields{
		"event_type": event.EventType,
		"plugin_id":  event.PluginID,
	}).Warnf("Dropped audit event: %v", err)
}

// Flush waits until every queued write has reached its sink
func (m *MultiLogger) Flush() {
	m.pending.Wait()
}

// Errors returns and clears the background sink failures kept so far
func (m *MultiLogger) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := m.errs
	m.errs = nil
	return errs
}

// Dropped reports how many sink writes were shed because the queue was full
func (m *MultiLogger) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close flushes queued writes and closes every sink
func (m *MultiLogger) Close() error {
	if m.pool != nil {
		m.pool.Close()
	}

	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close audit sinks: %w", errors.Join(errs...))
	}
	return nil
}
