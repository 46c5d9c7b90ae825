package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/contextkeys"
	"github.com/platinummonkey/modulo/pkg/observability"
	"github.com/platinummonkey/modulo/pkg/plugins"
)

// HookTimeoutError is returned when a plugin hook outlives its bound
type HookTimeoutError struct {
	Hook    string
	Timeout time.Duration
}

func (e *HookTimeoutError) Error() string {
	return fmt.Sprintf("%s hook did not finish within %s", e.Hook, e.Timeout)
}

// hookPanic marks a hook that panicked rather than returned
type hookPanic struct {
	err error
}

func (e *hookPanic) Error() string { return e.err.Error() }
func (e *hookPanic) Unwrap() error { return e.err }

type hookResult struct {
	handle plugins.Handle
	err    error
}

// runHook runs fn on its own goroutine under timeout. The hook context is
// detached from the caller's cancellation so a client hanging up cannot
// interrupt a half-finished start. A hook that ignores its context keeps
// running after the timeout, but the transition no longer waits for it; a
// handle it delivers late is stopped and dropped.
func (m *Manager) runHook(ctx context.Context, hook string, timeout time.Duration, fn func(ctx context.Context) (plugins.Handle, error)) (plugins.Handle, error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan hookResult, 1)
	started := time.Now()
	go func() {
		defer func() {
			if err := observability.MustRecover(recover()); err != nil {
				done <- hookResult{err: &hookPanic{err: err}}
			}
		}()
		h, err := fn(hctx)
		done <- hookResult{handle: h, err: err}
	}()

	var res hookResult
	select {
	case res = <-done:
	case <-hctx.Done():
		res = hookResult{err: &HookTimeoutError{Hook: hook, Timeout: timeout}}
		go func() {
			if late := <-done; late.handle != nil {
				m.discard(ctx, hook+" after timeout", late.handle)
			}
		}()
	}

	outcome := "ok"
	switch res.err.(type) {
	case nil:
	case *HookTimeoutError:
		outcome = "timeout"
	case *hookPanic:
		outcome = "panic"
	default:
		outcome = "error"
	}
	m.metrics.ObserveHook(hook, outcome, time.Since(started))
	return res.handle, res.err
}

// discard stops a handle the manager will not keep, bounded by the stop
// timeout. Its failures are only logged.
func (m *Manager) discard(ctx context.Context, reason string, h plugins.Handle) {
	entry := m.logger.WithFields(logrus.Fields{
		"plugin_id": contextkeys.GetPluginID(ctx),
		"reason":    reason,
	})
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopTimeout)
	defer cancel()
	defer func() {
		if err := observability.MustRecover(recover()); err != nil {
			entry.Errorf("Discarded plugin instance panicked on stop: %v", err)
		}
	}()

	if err := h.Stop(dctx); err != nil {
		entry.Warnf("Failed to stop discarded plugin instance: %v", err)
		return
	}
	entry.Info("Stopped discarded plugin instance")
}
