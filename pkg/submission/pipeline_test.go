package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/events"
	"github.com/platinummonkey/modulo/pkg/observability"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/plugins/plugintest"
	"github.com/platinummonkey/modulo/pkg/storage"
)

func getTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// countingPackages records how often the pipeline touched storage
type countingPackages struct {
	storage.PackageStore
	puts atomic.Int32
}

func (c *countingPackages) Put(ctx context.Context, data []byte) (storage.Ref, error) {
	c.puts.Add(1)
	return c.PackageStore.Put(ctx, data)
}

// countingStore records how often a submission was created
type countingStore struct {
	*MemoryStore
	creates atomic.Int32
}

func (c *countingStore) Create(ctx context.Context, s *Submission, ev Event) error {
	c.creates.Add(1)
	return c.MemoryStore.Create(ctx, s, ev)
}

type stubLimiter struct {
	allow bool
	err   error
	calls atomic.Int32
}

func (l *stubLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.calls.Add(1)
	return l.allow, l.err
}

type harness struct {
	pipeline *Pipeline
	store    *countingStore
	packages *countingPackages
	audit    *audit.MemoryLogger
	metrics  *observability.Metrics
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	fs, err := storage.NewFileSystemStore(t.TempDir(), plugins.MaxPackageSize)
	require.NoError(t, err)

	h := &harness{
		store:    &countingStore{MemoryStore: NewMemoryStore()},
		packages: &countingPackages{PackageStore: fs},
		audit:    audit.NewMemoryLogger(),
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}
	logger := getTestLogger()
	opts = append([]Option{WithAuditLogger(h.audit), WithMetrics(h.metrics)}, opts...)
	h.pipeline = NewPipeline(h.store, h.packages, plugins.NewValidator(logger), logger, opts...)
	return h
}

func jarFor(attrs map[string]string) *Upload {
	return &Upload{FileName: "todo-sync.jar", Data: plugintest.BuildJar(attrs, nil)}
}

func validJar() *Upload {
	attrs := plugintest.ValidAttributes("Todo Sync", "1.2.0")
	attrs[plugins.AttrCapabilities] = "NOTE_READ, NOTE_WRITE"
	return jarFor(attrs)
}

func (h *harness) submit(t *testing.T, jar *Upload) Receipt {
	t.Helper()
	receipt, err := h.pipeline.Submit(context.Background(), validForm(), jar)
	require.NoError(t, err)
	return receipt
}

func TestSubmit_InvalidFormCreatesNothing(t *testing.T) {
	limiter := &stubLimiter{allow: true}
	h := newHarness(t, WithRateLimiter(limiter))

	form := validForm()
	form.Version = "1.0"
	_, err := h.pipeline.Submit(context.Background(), form, &Upload{FileName: "x.zip", Data: []byte("PK")})

	var verr *pluginerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, map[string]string{
		"version": "must follow semantic versioning (e.g., 1.0.0)",
		"jarFile": "File must be a .jar file",
	}, verr.Map())

	assert.Zero(t, h.store.creates.Load())
	assert.Zero(t, h.packages.puts.Load())
	assert.Zero(t, limiter.calls.Load())
	assert.Empty(t, h.audit.Events())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SubmissionsTotal.WithLabelValues("invalid")))
}

func TestSubmit_TooLargePackage(t *testing.T) {
	h := newHarness(t, WithMaxPackageSize(1024))

	jar := &Upload{FileName: "big.jar", Data: plugintest.Padded(plugintest.ValidAttributes("Big", "1.0.0"), 4096)}
	_, err := h.pipeline.Submit(context.Background(), validForm(), jar)

	var verr *pluginerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	msg, _ := verr.Get(JarField)
	assert.Equal(t, MsgJarTooLarge, msg)
	assert.Zero(t, h.store.creates.Load())
}

func TestPipeline_SubmitToPublish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.pipeline.Subscribe("installer", 4, events.DropOldest)

	receipt := h.submit(t, validJar())
	assert.Equal(t, StatusSubmitted, receipt.Status)
	assert.Equal(t, "Todo Sync", receipt.PluginName)
	assert.Equal(t, "1.2.0", receipt.Version)
	assert.NotEmpty(t, receipt.SubmissionID)

	checked, err := h.pipeline.RunAutomatedValidation(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueuedForReview, checked.Status)
	assert.Empty(t, checked.Findings)
	require.NotNil(t, checked.Descriptor)
	assert.Equal(t, "todo-sync", checked.Descriptor.ID)
	assert.Equal(t, checked.BinaryRef, checked.Descriptor.PackageRef)
	assert.Equal(t, capability.NewSet(capability.NoteRead, capability.NoteWrite), checked.Descriptor.Capabilities)

	_, err = h.pipeline.Publish(ctx, receipt.SubmissionID, "ops")
	assert.True(t, pluginerrors.IsLifecycle(err), "publish before approval must be rejected")

	approved, err := h.pipeline.Review(ctx, receipt.SubmissionID, Decision{Approve: true, Reviewer: "rita", Rationale: "looks good"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "rita", approved.Reviewer)
	assert.Equal(t, "looks good", approved.Rationale)

	published, err := h.pipeline.Publish(ctx, receipt.SubmissionID, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, published.Status)
	require.NotNil(t, published.PublishedAt)

	msg, ok := sub.TryReceive()
	require.True(t, ok)
	assert.Equal(t, EventPublished, msg.Type)
	assert.Equal(t, receipt.SubmissionID, msg.Payload["submissionId"])
	desc, ok := msg.Payload["descriptor"].(*plugins.Descriptor)
	require.True(t, ok)
	assert.Equal(t, "todo-sync", desc.ID)

	d, err := h.pipeline.Descriptor(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, desc.Checksum, d.Checksum)

	history, err := h.pipeline.History(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	var path []Status
	for _, ev := range history {
		path = append(path, ev.To)
	}
	assert.Equal(t, []Status{
		StatusSubmitted, StatusAutomatedValidation, StatusQueuedForReview, StatusApproved, StatusPublished,
	}, path)
	assert.Equal(t, "rita", history[3].Actor)

	assert.Len(t, h.audit.OfType(audit.EventTypeSubmissionCreate), 1)
	assert.Len(t, h.audit.OfType(audit.EventTypeSubmissionValidate), 1)
	assert.Len(t, h.audit.OfType(audit.EventTypeSubmissionReview), 1)
	publishes := h.audit.OfType(audit.EventTypeSubmissionPublish)
	require.Len(t, publishes, 1)
	assert.Equal(t, "todo-sync", publishes[0].PluginID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SubmissionsTotal.WithLabelValues(string(StatusPublished))))
}

func TestRunAutomatedValidation_Findings(t *testing.T) {
	tests := []struct {
		name  string
		attrs func() map[string]string
		field string
		msg   string
	}{
		{
			name: "missing entry point",
			attrs: func() map[string]string {
				a := plugintest.ValidAttributes("Todo Sync", "1.2.0")
				delete(a, plugins.AttrMain)
				return a
			},
			field: "manifest.Plugin-Main",
			msg:   "missing required attribute Plugin-Main",
		},
		{
			name: "api version out of range",
			attrs: func() map[string]string {
				a := plugintest.ValidAttributes("Todo Sync", "1.2.0")
				a[plugins.AttrAPIVersion] = "3.0.0"
				return a
			},
			field: "manifest.Plugin-API-Version",
			msg:   "API version 3.0.0 is outside the supported range >=1.0.0 <2.0.0",
		},
		{
			name: "unknown capability",
			attrs: func() map[string]string {
				a := plugintest.ValidAttributes("Todo Sync", "1.2.0")
				a[plugins.AttrCapabilities] = "NOTE_READ, FILESYSTEM"
				return a
			},
			field: "manifest.Plugin-Capabilities",
		},
		{
			name: "manifest version differs from form",
			attrs: func() map[string]string {
				return plugintest.ValidAttributes("Todo Sync", "1.3.0")
			},
			field: "manifest.Plugin-Version",
			msg:   "manifest version 1.3.0 does not match submitted version 1.2.0",
		},
		{
			name:  "no manifest",
			attrs: func() map[string]string { return nil },
			field: "manifest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			receipt := h.submit(t, jarFor(tt.attrs()))

			sub, err := h.pipeline.RunAutomatedValidation(context.Background(), receipt.SubmissionID)
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, sub.Status)
			assert.Nil(t, sub.Descriptor)

			var found *Finding
			for i := range sub.Findings {
				if sub.Findings[i].Field == tt.field {
					found = &sub.Findings[i]
				}
			}
			require.NotNil(t, found, "expected a finding for %s, got %v", tt.field, sub.Findings)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, found.Message)
			}

			events := h.audit.OfType(audit.EventTypeSubmissionValidate)
			require.Len(t, events, 1)
			assert.Equal(t, audit.EventStatusFailure, events[0].Status)
		})
	}
}

func TestRunAutomatedValidation_ResumesInterrupted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt := h.submit(t, validJar())

	// A crash after the first transition leaves the submission mid-check.
	_, err := h.store.Transition(ctx, receipt.SubmissionID, StatusSubmitted, func(s *Submission) {
		s.Status = StatusAutomatedValidation
	}, Event{SubmissionID: receipt.SubmissionID, From: StatusSubmitted, To: StatusAutomatedValidation, At: time.Now()})
	require.NoError(t, err)

	sub, err := h.pipeline.RunAutomatedValidation(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueuedForReview, sub.Status)

	_, err = h.pipeline.RunAutomatedValidation(ctx, receipt.SubmissionID)
	require.True(t, pluginerrors.IsLifecycle(err))
	assert.Equal(t, MsgNotAwaitingCheck, pluginerrors.UserMessage(err))
}

func TestRunAutomatedValidation_MissingBinary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt := h.submit(t, validJar())

	sub, err := h.pipeline.Get(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	require.NoError(t, h.packages.Delete(ctx, sub.BinaryRef))

	sub, err = h.pipeline.RunAutomatedValidation(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, sub.Status)
	require.Len(t, sub.Findings, 1)
	assert.Equal(t, JarField, sub.Findings[0].Field)
}

func TestStatusIsMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt := h.submit(t, validJar())
	id := receipt.SubmissionID

	_, err := h.pipeline.Review(ctx, id, Decision{Approve: true, Reviewer: "rita", Rationale: "early"})
	assert.True(t, pluginerrors.IsLifecycle(err), "review before validation")

	_, err = h.pipeline.RunAutomatedValidation(ctx, id)
	require.NoError(t, err)

	rejected, err := h.pipeline.Review(ctx, id, Decision{Approve: false, Reviewer: "rita", Rationale: "needs a privacy notice"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Contains(t, rejected.Findings, Finding{Field: "review", Message: "needs a privacy notice"})

	for name, step := range map[string]func() error{
		"validate": func() error { _, err := h.pipeline.RunAutomatedValidation(ctx, id); return err },
		"review":   func() error { _, err := h.pipeline.Review(ctx, id, Decision{Approve: true, Reviewer: "x", Rationale: "y"}); return err },
		"publish":  func() error { _, err := h.pipeline.Publish(ctx, id, "ops"); return err },
	} {
		err := step()
		assert.True(t, pluginerrors.IsLifecycle(err), "%s on a rejected submission", name)
	}

	sub, err := h.pipeline.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, sub.Status)

	history, err := h.pipeline.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestReview_RequiresReviewerAndRationale(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Review(context.Background(), "unknown", Decision{Approve: true, Reviewer: "  "})

	var verr *pluginerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"rationale", "reviewer"}, pluginerrors.SortedFields(verr))
}

func TestReview_ConcurrentDecisionsOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt := h.submit(t, validJar())
	_, err := h.pipeline.RunAutomatedValidation(ctx, receipt.SubmissionID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			_, err := h.pipeline.Review(ctx, receipt.SubmissionID, Decision{Approve: approve, Reviewer: "r", Rationale: "x"})
			switch {
			case err == nil:
				wins.Add(1)
			case pluginerrors.IsLifecycle(err):
				conflicts.Add(1)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())

	history, err := h.pipeline.History(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestResubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receipt := h.submit(t, jarFor(plugintest.ValidAttributes("Todo Sync", "1.3.0")))
	rejected, err := h.pipeline.RunAutomatedValidation(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)

	t.Run("reuses prior binary", func(t *testing.T) {
		form := validForm()
		form.Version = "1.3.0"
		next, err := h.pipeline.Resubmit(ctx, receipt.SubmissionID, form, nil)
		require.NoError(t, err)
		assert.NotEqual(t, receipt.SubmissionID, next.SubmissionID)
		assert.Equal(t, StatusSubmitted, next.Status)

		sub, err := h.pipeline.Get(ctx, next.SubmissionID)
		require.NoError(t, err)
		assert.Equal(t, receipt.SubmissionID, sub.PriorID)
		assert.Equal(t, rejected.BinaryRef, sub.BinaryRef)

		checked, err := h.pipeline.RunAutomatedValidation(ctx, next.SubmissionID)
		require.NoError(t, err)
		assert.Equal(t, StatusQueuedForReview, checked.Status)

		prior, err := h.pipeline.Get(ctx, receipt.SubmissionID)
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, prior.Status, "the prior submission is never mutated")
	})

	t.Run("prior must be rejected", func(t *testing.T) {
		ok := h.submit(t, validJar())
		_, err := h.pipeline.Resubmit(ctx, ok.SubmissionID, validForm(), nil)
		require.True(t, pluginerrors.IsLifecycle(err))
		assert.Equal(t, MsgResubmitRejectedOnly, pluginerrors.UserMessage(err))
	})

	t.Run("unknown prior", func(t *testing.T) {
		_, err := h.pipeline.Resubmit(ctx, "missing", validForm(), nil)
		assert.True(t, pluginerrors.IsNotFound(err))
	})
}

func TestSubmit_RateLimited(t *testing.T) {
	limiter := &stubLimiter{allow: false}
	h := newHarness(t, WithRateLimiter(limiter))

	_, err := h.pipeline.Submit(context.Background(), validForm(), validJar())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Zero(t, h.packages.puts.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SubmissionRateLimited))
}

func TestSubmit_RateLimiterFailsOpen(t *testing.T) {
	limiter := &stubLimiter{allow: true, err: errors.New("connection refused")}
	h := newHarness(t, WithRateLimiter(limiter))

	_, err := h.pipeline.Submit(context.Background(), validForm(), validJar())
	assert.NoError(t, err)
}

func TestSweepPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	good := h.submit(t, validJar())
	bad := h.submit(t, jarFor(plugintest.ValidAttributes("Todo Sync", "9.9.9")))

	n, err := h.pipeline.SweepPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sub, err := h.pipeline.Get(ctx, good.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueuedForReview, sub.Status)

	sub, err = h.pipeline.Get(ctx, bad.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, sub.Status)

	n, err = h.pipeline.SweepPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepPending_ConcurrentSweepsGiveOneVerdictEach(t *testing.T) {
	h := newHarness(t, WithSweepWorkers(3))
	ctx := context.Background()

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		form := validForm()
		form.DeveloperEmail = fmt.Sprintf("dev%d@example.com", i)
		r, err := h.pipeline.Submit(ctx, form, validJar())
		require.NoError(t, err)
		ids = append(ids, r.SubmissionID)
	}

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := h.pipeline.SweepPending(ctx, 10)
			assert.NoError(t, err)
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(6), total.Load())
	for _, id := range ids {
		sub, err := h.pipeline.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusQueuedForReview, sub.Status)
	}
}

func TestListByStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, validJar())
	h.submit(t, validJar())

	subs, err := h.pipeline.ListByStatus(ctx, StatusSubmitted, 10, 0)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	_, err = h.pipeline.ListByStatus(ctx, Status("LOST"), 10, 0)
	assert.True(t, pluginerrors.IsValidation(err))
}

// unreadable fails every read so validation must stay pending
type unreadable struct {
	storage.PackageStore
}

func (unreadable) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("backend offline")
}

func TestRunAutomatedValidation_StorageOutageStaysPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt := h.submit(t, validJar())

	logger := getTestLogger()
	p := NewPipeline(h.store, unreadable{h.packages}, plugins.NewValidator(logger), logger)
	_, err := p.RunAutomatedValidation(ctx, receipt.SubmissionID)
	require.Error(t, err)
	assert.False(t, pluginerrors.IsLifecycle(err))

	sub, err := h.pipeline.Get(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, StatusAutomatedValidation, sub.Status)

	sub, err = h.pipeline.RunAutomatedValidation(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueuedForReview, sub.Status)
}

func TestPipeline_PublicationSurvivesUnrelatedTraffic(t *testing.T) {
	broker := events.NewBroker(getTestLogger())
	h := newHarness(t, WithBroker(broker))
	ctx := context.Background()
	sub := h.pipeline.Subscribe("auto-install", 4, events.DropOldest)

	receipt := h.submit(t, validJar())
	_, err := h.pipeline.RunAutomatedValidation(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	_, err = h.pipeline.Review(ctx, receipt.SubmissionID, Decision{Approve: true, Reviewer: "rita", Rationale: "ok"})
	require.NoError(t, err)
	_, err = h.pipeline.Publish(ctx, receipt.SubmissionID, "ops")
	require.NoError(t, err)

	// a burst of lifecycle transitions on the same broker
	for i := 0; i < 64; i++ {
		broker.Publish(events.Message{Type: "plugin.state_changed", Source: "todo-sync"})
	}

	msgs := sub.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventPublished, msgs[0].Type)
	assert.Equal(t, receipt.SubmissionID, msgs[0].Payload["submissionId"])
	assert.Zero(t, testutil.ToFloat64(h.metrics.PublishedEventsDropped))
}

func TestPipeline_PublishCountsEvictions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.pipeline.Subscribe("slow", 1, events.DropOldest)

	publish := func() {
		receipt := h.submit(t, validJar())
		_, err := h.pipeline.RunAutomatedValidation(ctx, receipt.SubmissionID)
		require.NoError(t, err)
		_, err = h.pipeline.Review(ctx, receipt.SubmissionID, Decision{Approve: true, Reviewer: "rita", Rationale: "ok"})
		require.NoError(t, err)
		_, err = h.pipeline.Publish(ctx, receipt.SubmissionID, "ops")
		require.NoError(t, err)
	}
	publish()
	publish()

	assert.Equal(t, 1, sub.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PublishedEventsDropped))
}
