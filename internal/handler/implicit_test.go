package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise-tim/ctxbench/internal/bucket"
	"github.com/enterprise-tim/ctxbench/internal/metrics"
	"github.com/enterprise-tim/ctxbench/internal/simulate"
)

func TestImplicit_CleanRequest(t *testing.T) {
	collector := metrics.NewCollector()
	h := NewImplicit(fastConfig(), fastLimiter(), simulate.NewSeeded(1), collector, nil)
	defer h.Close()

	out := h.Handle(context.Background(), Request{RequestID: "req-1", TenantID: "tenant-0001"})

	require.NoError(t, out.Err)
	assert.Equal(t, bucket.DecisionOK, out.Decision)
	assert.Equal(t, 8, out.Successes)
	assert.Equal(t, 0, out.Failures)

	assert.Equal(t, int64(0), collector.IntegrityErrors())
	assert.Equal(t, int64(0), collector.Contaminations())
	// The ambient mechanism propagates by construction; no manual edges.
	assert.Equal(t, int64(0), collector.PropagationEdges())
}

func TestImplicit_AmbientAssertion(t *testing.T) {
	collector := metrics.NewCollector()
	h := NewImplicit(fastConfig(), fastLimiter(), simulate.NewSeeded(1), collector, nil)
	defer h.Close()

	req := Request{RequestID: "req-2", TenantID: "tenant-0001"}

	t.Run("missing scope is an integrity error", func(t *testing.T) {
		assert.False(t, h.assertAmbient(context.Background(), req))
		assert.Equal(t, int64(1), collector.IntegrityErrors())
	})

	t.Run("mismatched tenant is contamination", func(t *testing.T) {
		ctx := WithAmbient(context.Background(), req.RequestID, "tenant-0099", time.Now())
		assert.False(t, h.assertAmbient(ctx, req))
		assert.Equal(t, int64(1), collector.Contaminations())
	})

	t.Run("matching scope passes", func(t *testing.T) {
		ctx := WithAmbient(context.Background(), req.RequestID, req.TenantID, time.Now())
		assert.True(t, h.assertAmbient(ctx, req))
	})
}

func TestImplicit_DeadlineElapsedAtEntry(t *testing.T) {
	collector := metrics.NewCollector()
	cfg := fastConfig()
	cfg.Deadline = -time.Millisecond
	h := NewImplicit(cfg, fastLimiter(), simulate.NewSeeded(1), collector, nil)
	defer h.Close()

	out := h.Handle(context.Background(), Request{RequestID: "req-3", TenantID: "tenant-0001"})

	assert.ErrorIs(t, out.Err, ErrDeadlineExceeded)
	assert.Zero(t, out.Successes+out.Failures)
}

func TestImplicit_PartialFailureTolerated(t *testing.T) {
	collector := metrics.NewCollector()
	cfg := fastConfig()
	cfg.APIFailureRate = 1 // both API calls fail even after retries
	h := NewImplicit(cfg, fastLimiter(), simulate.NewSeeded(1), collector, nil)
	defer h.Close()

	out := h.Handle(context.Background(), Request{RequestID: "req-4", TenantID: "tenant-0001"})

	require.NoError(t, out.Err, "sub-operation failures must not fail the request")
	assert.Equal(t, 6, out.Successes)
	assert.Equal(t, 2, out.Failures)
}

func TestImplicit_HandleHeavy(t *testing.T) {
	collector := metrics.NewCollector()
	h := NewImplicit(fastConfig(), fastLimiter(), simulate.NewSeeded(1), collector, nil)
	defer h.Close()

	out := h.HandleHeavy(context.Background(), Request{RequestID: "req-5", TenantID: "tenant-0001"})

	assert.True(t, out.ConsumeOK)
	assert.Equal(t, auditFieldCount, out.AuditFields)
	assert.Equal(t, metricsBucketCount, out.MetricBuckets)
	assert.Zero(t, out.Fallbacks)
	assert.Empty(t, out.Errs)
}

func TestModeWatch_FedBySubscription(t *testing.T) {
	limiter := fastLimiter()

	watch := newModeWatch(bucket.ModeSoft)
	unsubscribe := limiter.Subscribe("tenant-0001", watch.update)

	limiter.SetMode("tenant-0001", bucket.ModePunitive)
	assert.Equal(t, bucket.ModePunitive, watch.current(), "mode changes arrive pushed")

	unsubscribe()
	limiter.SetMode("tenant-0001", bucket.ModeSoft)
	assert.Equal(t, bucket.ModePunitive, watch.current(), "an unsubscribed watch stops updating")
	assert.Equal(t, bucket.ModeSoft, limiter.Mode("tenant-0001"))
}

func TestImplicit_RetryHonorsPushedModeFlip(t *testing.T) {
	limiter := fastLimiter()
	cfg := fastConfig()
	cfg.APIFailureRate = 1
	cfg.Retry = RetryPolicy{MaxAttempts: 2, BackoffBase: 60 * time.Millisecond}
	h := NewImplicit(cfg, limiter, simulate.NewSeeded(1), metrics.NewCollector(), nil)
	defer h.Close()

	t.Run("punitive at entry stops retries", func(t *testing.T) {
		watch := newModeWatch(bucket.ModePunitive)
		result := h.apiWithRetry(context.Background(), watch)
		require.Error(t, result.Err)
		assert.Equal(t, 1, result.Attempts)
	})

	t.Run("flip during backoff cuts the retry budget", func(t *testing.T) {
		watch := newModeWatch(bucket.ModeSoft)
		unsubscribe := limiter.Subscribe("tenant-0002", watch.update)
		defer unsubscribe()

		// Flip lands inside the first 60ms backoff window; the watch
		// sees it without any limiter re-query on the retry path.
		go func() {
			time.Sleep(15 * time.Millisecond)
			limiter.SetMode("tenant-0002", bucket.ModePunitive)
		}()

		result := h.apiWithRetry(context.Background(), watch)
		require.Error(t, result.Err)
		assert.Equal(t, 2, result.Attempts, "second retry suppressed by the pushed flip")
	})

	t.Run("soft throughout uses the full budget", func(t *testing.T) {
		watch := newModeWatch(bucket.ModeSoft)
		result := h.apiWithRetry(context.Background(), watch)
		require.Error(t, result.Err)
		assert.Equal(t, 1+cfg.Retry.MaxAttempts, result.Attempts)
	})
}

func TestHandleHeavy_FallbacksSurfaceErrors(t *testing.T) {
	h := NewImplicit(fastConfig(), fastLimiter(), simulate.NewSeeded(1), metrics.NewCollector(), nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.HandleHeavy(ctx, Request{RequestID: "req-7", TenantID: "tenant-0001"})

	assert.False(t, out.ConsumeOK)
	assert.Equal(t, 2, out.Fallbacks)
	assert.Contains(t, out.Errs, ErrAuditUnbuilt)
	assert.Contains(t, out.Errs, ErrMetricsUnbuilt)
	assert.Equal(t, 1, out.AuditFields, "fallback record stands in")
	assert.Equal(t, metricsBucketCount, out.MetricBuckets, "fallback buckets stand in")
}

func TestBuildAuditRecord_RequiresAmbientScope(t *testing.T) {
	assert.Nil(t, buildAuditRecord(context.Background()))

	ctx := WithAmbient(context.Background(), "req-6", "tenant-0007", time.Now())
	record := buildAuditRecord(ctx)
	require.Len(t, record, auditFieldCount)
	assert.Contains(t, record["field_000"], "tenant-0007")
}

func TestStreamTransform_PreservesTenantTag(t *testing.T) {
	h := NewImplicit(fastConfig(), fastLimiter(), simulate.NewSeeded(1), metrics.NewCollector(), nil)
	defer h.Close()

	compressed, err := h.streamTransform(context.Background(), "tenant-0042")
	require.NoError(t, err)
	assert.Greater(t, compressed, 0)
}
