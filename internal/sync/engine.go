package sync

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope     = "ecotrack/sync"
	spanPass      = "sync.pass"
	metricSynced  = "ecotrack.sync.reports.synced"
	metricFailed  = "ecotrack.sync.reports.failed"
	metricSkipped = "ecotrack.sync.passes.skipped"
	metricDrained = "ecotrack.sync.tombstones.cleared"
)

// Engine drives periodic batch syncs: each pass probes the backend and, when
// it answers, runs [Synchronizer.SyncAll]. Create one with [NewEngine] and
// start it with [Engine.Run].
type Engine struct {
	sync     *Synchronizer
	prober   Prober
	interval time.Duration
	log      *slog.Logger

	// OTel instruments are never nil; they are no-ops when telemetry is disabled.
	tracer     trace.Tracer
	cntSynced  metric.Int64Counter
	cntFailed  metric.Int64Counter
	cntSkipped metric.Int64Counter
	cntDrained metric.Int64Counter
}

// NewEngine creates an Engine. If prober is nil every pass attempts a sync
// without checking reachability first.
func NewEngine(s *Synchronizer, prober Prober, interval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		sync:     s,
		prober:   prober,
		interval: interval,
		log:      logger,

		tracer:     tracer,
		cntSynced:  mustCounter(metricSynced, "Number of reports synced to the backend"),
		cntFailed:  mustCounter(metricFailed, "Number of report sync attempts that failed"),
		cntSkipped: mustCounter(metricSkipped, "Number of sync passes skipped (offline or already running)"),
		cntDrained: mustCounter(metricDrained, "Number of deferred remote deletes confirmed"),
	}
}

// pass runs one probe + sync, recording a trace span and metrics.
func (e *Engine) pass(ctx context.Context) (SyncResult, error) {
	ctx, span := e.tracer.Start(ctx, spanPass)
	defer span.End()

	if e.prober != nil {
		if err := e.prober.Probe(ctx); err != nil {
			e.log.Debug("backend unreachable, skipping sync pass", "error", err)
			e.cntSkipped.Add(ctx, 1)
			span.SetAttributes(attribute.Bool("sync.offline", true))
			return SyncResult{Skipped: true, Offline: true}, nil
		}
	}

	res, err := e.sync.SyncAll(ctx)

	// Counters are safe to record even when the span is a no-op.
	if res.Skipped {
		e.cntSkipped.Add(ctx, 1)
	}
	if res.Synced > 0 {
		e.cntSynced.Add(ctx, int64(res.Synced))
	}
	if res.Failed > 0 {
		e.cntFailed.Add(ctx, int64(res.Failed))
	}
	if res.TombstonesCleared > 0 {
		e.cntDrained.Add(ctx, int64(res.TombstonesCleared))
	}

	span.SetAttributes(
		attribute.Bool("sync.skipped", res.Skipped),
		attribute.Int("sync.attempted", res.Attempted),
		attribute.Int("sync.synced", res.Synced),
		attribute.Int("sync.failed", res.Failed),
		attribute.Int("sync.tombstones_cleared", res.TombstonesCleared),
	)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

// RunOnce performs a single pass and returns.
func (e *Engine) RunOnce(ctx context.Context) (SyncResult, error) {
	return e.pass(ctx)
}

// Run starts the polling loop. It blocks until ctx is cancelled, then waits
// for background syncs dispatched by the Synchronizer.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Run an immediate first pass.
	if _, err := e.pass(ctx); err != nil {
		e.log.Error("initial sync pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			e.sync.Wait()
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.pass(ctx); err != nil {
				e.log.Error("sync pass failed", "error", err)
			}
		}
	}
}
