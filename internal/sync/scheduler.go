package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/pimsync/internal/model"
)

const (
	otelScope        = "pimsync/sync"
	spanRun          = "sync.run"
	metricRuns       = "pimsync.sync.runs"
	metricDownloaded = "pimsync.sync.items.downloaded"
	metricUploaded   = "pimsync.sync.items.uploaded"
	metricDeleted    = "pimsync.sync.items.deleted"
	metricConflicts  = "pimsync.sync.conflicts"
	metricErrors     = "pimsync.sync.errors"

	// DefaultInterval is the periodic sync interval of accounts that do not
	// set one.
	DefaultInterval = 15 * time.Minute
)

// Scheduler is the trigger surface of the daemon: it runs every account on
// its periodic timer, forwards detector and manual requests to the
// [Orchestrator], and records a trace span and metrics for each run.
type Scheduler struct {
	orch *Orchestrator
	log  *slog.Logger

	triggers sync.WaitGroup

	// OTel instruments; no-op when telemetry is disabled.
	tracer       trace.Tracer
	cntRuns      metric.Int64Counter
	cntDown      metric.Int64Counter
	cntUp        metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// NewScheduler creates a Scheduler around orch.
func NewScheduler(orch *Orchestrator, logger *slog.Logger) *Scheduler {
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

	return &Scheduler{
		orch: orch,
		log:  logger,

		tracer:       tracer,
		cntRuns:      mustCounter(metricRuns, "Number of sync runs by outcome"),
		cntDown:      mustCounter(metricDownloaded, "Number of items downloaded from the server"),
		cntUp:        mustCounter(metricUploaded, "Number of items uploaded to the server"),
		cntDeleted:   mustCounter(metricDeleted, "Number of items deleted on either side"),
		cntConflicts: mustCounter(metricConflicts, "Number of conflicts decided during sync"),
		cntErrors:    mustCounter(metricErrors, "Number of failed sync runs"),
	}
}

// RunSync executes req synchronously, recording a span and metrics.
func (s *Scheduler) RunSync(ctx context.Context, req Request) (Report, error) {
	ctx, span := s.tracer.Start(ctx, spanRun, trace.WithAttributes(
		attribute.String("sync.account", req.AccountID),
		attribute.String("sync.resource", req.Resource.String()),
		attribute.Int64("sync.collection", req.CollectionID),
		attribute.String("sync.mode", req.Mode.String()),
	))
	defer span.End()

	rep, err := s.orch.RunSync(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rep, err
	}

	var down, up, deleted, conflicts, failed int
	for _, row := range rep.Rows {
		attrs := metric.WithAttributes(
			attribute.String("account", row.AccountID),
			attribute.String("resource", row.Resource.String()),
		)
		s.cntRuns.Add(ctx, 1, attrs, metric.WithAttributes(attribute.String("outcome", row.Outcome.String())))
		if row.Downloaded > 0 {
			s.cntDown.Add(ctx, int64(row.Downloaded), attrs)
		}
		if row.Uploaded > 0 {
			s.cntUp.Add(ctx, int64(row.Uploaded), attrs)
		}
		if row.Deleted > 0 {
			s.cntDeleted.Add(ctx, int64(row.Deleted), attrs)
		}
		if row.Conflicts > 0 {
			s.cntConflicts.Add(ctx, int64(row.Conflicts), attrs)
		}
		if row.Outcome == OutcomeFailed {
			s.cntErrors.Add(ctx, 1, attrs, metric.WithAttributes(attribute.String("kind", row.Kind.String())))
			failed++
		}
		down += row.Downloaded
		up += row.Uploaded
		deleted += row.Deleted
		conflicts += row.Conflicts
	}

	span.SetAttributes(
		attribute.Int("sync.downloaded", down),
		attribute.Int("sync.uploaded", up),
		attribute.Int("sync.deleted", deleted),
		attribute.Int("sync.conflicts", conflicts),
		attribute.Int("sync.failed_runs", failed),
	)
	if rerr := rep.Err(); rerr != nil {
		span.RecordError(rerr)
		span.SetStatus(codes.Error, "sync run failed")
	}
	return rep, nil
}

// Trigger starts req in the background. It satisfies [Trigger].
func (s *Scheduler) Trigger(ctx context.Context, req Request) {
	s.triggers.Add(1)
	go func() {
		defer s.triggers.Done()
		if _, err := s.RunSync(context.WithoutCancel(ctx), req); err != nil {
			s.log.Error("triggered sync rejected", "error", err)
		}
	}()
}

// Run starts the detector (when not nil) and one periodic loop per account,
// each beginning with an immediate full run. It blocks until ctx is
// cancelled, then cancels runs in flight and waits for them.
func (s *Scheduler) Run(ctx context.Context, detector *Detector) error {
	var wg sync.WaitGroup

	if detector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			detector.Run(ctx)
		}()
	}

	for _, acct := range s.orch.Accounts() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, acct)
		}()
	}

	<-ctx.Done()
	s.log.Info("sync scheduler shutting down")
	s.orch.Shutdown()
	wg.Wait()
	s.triggers.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, acct model.Account) {
	interval := acct.SyncInterval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	req := Request{AccountID: acct.ID, Mode: ModeFull}
	s.periodic(ctx, req)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.periodic(ctx, req)
		}
	}
}

func (s *Scheduler) periodic(ctx context.Context, req Request) {
	rep, err := s.RunSync(ctx, req)
	if err != nil {
		s.log.Error("periodic sync rejected", "account", req.AccountID, "error", err)
		return
	}
	if err := rep.Err(); err != nil {
		s.log.Error("periodic sync failed", "account", req.AccountID, "error", err)
	}
}
