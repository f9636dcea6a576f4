package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/state"
	"github.com/njoerd114/pimsync/internal/syncerr"
)

// Request asks for a sync run. Zero values widen the scope: an empty
// AccountID means every account, [model.ResourceAll] every enabled resource
// type, and a zero CollectionID every collection. A non-zero CollectionID
// implies its account and resource type.
type Request struct {
	AccountID    string
	Resource     model.ResourceType
	CollectionID int64
	Mode         Mode
}

// RunOutcome tags a [ReportRow].
type RunOutcome int

const (
	// OutcomeSucceeded means every collection of the run was synced.
	OutcomeSucceeded RunOutcome = iota
	// OutcomeFailed means the run gave up; Kind and Err say why.
	OutcomeFailed
	// OutcomeDeduplicated means an identical run was already in flight.
	OutcomeDeduplicated
	// OutcomeCancelled means the run was stopped. It is not a failure.
	OutcomeCancelled
)

func (o RunOutcome) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomeDeduplicated:
		return "deduplicated"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "succeeded"
	}
}

// ReportRow is the result of one (account, resource type) run, or of one
// collection when the request named it.
type ReportRow struct {
	AccountID    string
	Resource     model.ResourceType
	CollectionID int64
	Mode         Mode

	Outcome  RunOutcome
	Kind     syncerr.Kind
	Err      error
	Attempts int
	Elapsed  time.Duration

	Collections int
	Collected   int
	Downloaded  int
	Uploaded    int
	Deleted     int
	Conflicts   int
	Failed      int
}

// Report lists the rows of one [Orchestrator.RunSync] call.
type Report struct {
	Rows []ReportRow
}

// Err joins the errors of failed rows. Deduplicated and cancelled rows are
// not failures.
func (r Report) Err() error {
	var errs []error
	for _, row := range r.Rows {
		if row.Outcome == OutcomeFailed {
			errs = append(errs, fmt.Errorf("%s/%s: %w", row.AccountID, row.Resource, row.Err))
		}
	}
	return errors.Join(errs...)
}

// RetryPolicy bounds the retries of transient failures within one run.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Observer is told about every finished run row.
type Observer interface {
	ObserveRun(row ReportRow)
}

// Orchestrator turns sync requests into concurrent runs. Identical runs are
// coalesced: a request whose signature (account, resource type, collection,
// mode) is already in flight returns at once with [OutcomeDeduplicated].
// Resource types and accounts run in parallel and fail independently.
type Orchestrator struct {
	engines  map[string]*Engine
	order    []string
	cache    StateStore
	retry    RetryPolicy
	observer Observer
	log      *slog.Logger

	base     context.Context
	shutdown context.CancelFunc

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewOrchestrator creates an Orchestrator over one engine per account.
// observer may be nil.
func NewOrchestrator(engines []*Engine, cache StateStore, retry RetryPolicy, observer Observer, logger *slog.Logger) *Orchestrator {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = time.Second
	}
	base, shutdown := context.WithCancel(context.Background())
	o := &Orchestrator{
		engines:  make(map[string]*Engine, len(engines)),
		cache:    cache,
		retry:    retry,
		observer: observer,
		log:      logger,
		base:     base,
		shutdown: shutdown,
		inflight: make(map[string]context.CancelFunc),
	}
	for _, e := range engines {
		id := e.Account().ID
		o.engines[id] = e
		o.order = append(o.order, id)
	}
	return o
}

// Accounts returns the configured accounts in configuration order.
func (o *Orchestrator) Accounts() []model.Account {
	out := make([]model.Account, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.engines[id].Account())
	}
	return out
}

// Shutdown cancels every run in flight. Later requests end cancelled.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shutdown()
	for _, cancel := range o.inflight {
		cancel()
	}
}

// InFlight returns the signatures of the runs currently executing.
func (o *Orchestrator) InFlight() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.inflight))
	for sig := range o.inflight {
		out = append(out, sig)
	}
	return out
}

// leaf is one unit of deduplication.
type leaf struct {
	engine       *Engine
	resource     model.ResourceType
	collectionID int64
	mode         Mode
}

func (l leaf) signature() string {
	coll := "*"
	if l.collectionID != 0 {
		coll = strconv.FormatInt(l.collectionID, 10)
	}
	return l.engine.Account().ID + "|" + l.resource.String() + "|" + coll + "|" + l.mode.String()
}

func (l leaf) row() ReportRow {
	return ReportRow{
		AccountID:    l.engine.Account().ID,
		Resource:     l.resource,
		CollectionID: l.collectionID,
		Mode:         l.mode,
	}
}

// RunSync executes req and blocks until every run it started has finished.
// The error is only non-nil for a request that names an unknown account or
// collection; run failures are reported per row.
func (o *Orchestrator) RunSync(ctx context.Context, req Request) (Report, error) {
	groups, err := o.plan(ctx, req)
	if err != nil {
		return Report{}, err
	}

	var (
		rep Report
		idx [][]int
	)
	for _, leaves := range groups {
		var ids []int
		for _, l := range leaves {
			ids = append(ids, len(rep.Rows))
			rep.Rows = append(rep.Rows, l.row())
		}
		idx = append(idx, ids)
	}

	var g errgroup.Group
	for i, leaves := range groups {
		g.Go(func() error {
			o.runAccount(ctx, leaves, idx[i], rep.Rows)
			return nil
		})
	}
	_ = g.Wait()
	return rep, nil
}

// Validate reports the error RunSync would return for req without running
// anything.
func (o *Orchestrator) Validate(ctx context.Context, req Request) error {
	_, err := o.plan(ctx, req)
	return err
}

// plan expands a request into leaves grouped by account.
func (o *Orchestrator) plan(ctx context.Context, req Request) ([][]leaf, error) {
	if req.CollectionID != 0 {
		coll, err := o.cache.GetCollection(ctx, req.CollectionID)
		if errors.Is(err, state.ErrNotFound) {
			return nil, syncerr.New(syncerr.KindConfig, "plan sync", fmt.Errorf("unknown collection %d", req.CollectionID))
		}
		if err != nil {
			return nil, syncerr.LocalStore("plan sync", err)
		}
		eng, ok := o.engines[coll.AccountID]
		if !ok {
			return nil, syncerr.New(syncerr.KindConfig, "plan sync", fmt.Errorf("collection %d belongs to unconfigured account %q", coll.ID, coll.AccountID))
		}
		return [][]leaf{{{engine: eng, resource: coll.Resource, collectionID: coll.ID, mode: req.Mode}}}, nil
	}

	ids := o.order
	if req.AccountID != "" {
		if _, ok := o.engines[req.AccountID]; !ok {
			return nil, syncerr.New(syncerr.KindConfig, "plan sync", fmt.Errorf("unknown account %q", req.AccountID))
		}
		ids = []string{req.AccountID}
	}

	var groups [][]leaf
	for _, id := range ids {
		eng := o.engines[id]
		var leaves []leaf
		for _, r := range eng.Account().Resources(req.Resource) {
			leaves = append(leaves, leaf{engine: eng, resource: r, mode: req.Mode})
		}
		if len(leaves) > 0 {
			groups = append(groups, leaves)
		}
	}
	return groups, nil
}

// claim registers sig as in flight and returns the context the run must use.
// ok is false when an identical run is already executing.
func (o *Orchestrator) claim(ctx context.Context, sig string) (runCtx context.Context, release func(), ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[sig]; busy {
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	if o.base.Err() != nil {
		cancel()
	}
	o.inflight[sig] = cancel
	return runCtx, func() {
		o.mu.Lock()
		delete(o.inflight, sig)
		o.mu.Unlock()
		cancel()
	}, true
}

type claimedLeaf struct {
	index   int
	leaf    leaf
	ctx     context.Context
	release func()
}

// runAccount runs the leaves of one account: collections are discovered once
// for full-scope runs, then resource types run in parallel.
func (o *Orchestrator) runAccount(ctx context.Context, leaves []leaf, idx []int, rows []ReportRow) {
	var claimed []claimedLeaf
	for i, l := range leaves {
		runCtx, release, ok := o.claim(ctx, l.signature())
		if !ok {
			rows[idx[i]].Outcome = OutcomeDeduplicated
			o.log.Debug("sync already running", "signature", l.signature())
			o.observe(rows[idx[i]])
			continue
		}
		claimed = append(claimed, claimedLeaf{index: idx[i], leaf: l, ctx: runCtx, release: release})
	}
	if len(claimed) == 0 {
		return
	}

	first := claimed[0].leaf
	if first.mode == ModeFull && first.collectionID == 0 {
		dctx, stop := context.WithCancel(ctx)
		unhook := context.AfterFunc(o.base, stop)
		attempts := 0
		err := o.retrying(dctx, "discover", &attempts, func() error {
			return first.engine.RefreshCollections(dctx)
		})
		unhook()
		stop()
		if err != nil {
			for _, c := range claimed {
				row := &rows[c.index]
				row.Attempts = attempts
				finish(row, err)
				o.log.Warn("collection discovery failed", "account", row.AccountID, "error", err)
				o.observe(*row)
				c.release()
			}
			return
		}
	}

	var g errgroup.Group
	for _, c := range claimed {
		g.Go(func() error {
			defer c.release()
			row := &rows[c.index]
			o.runLeaf(c.ctx, c.leaf, row)
			o.observe(*row)
			return nil
		})
	}
	_ = g.Wait()
}

// runLeaf syncs the collections of one leaf, retrying transient failures.
// Collections run one after another; a permanent failure in one does not
// stop the others.
func (o *Orchestrator) runLeaf(ctx context.Context, l leaf, row *ReportRow) {
	start := time.Now()
	defer func() { row.Elapsed = time.Since(start) }()

	colls, err := o.collections(ctx, l)
	if err != nil {
		finish(row, err)
		return
	}
	row.Collections = len(colls)

	// A retry only re-runs collections that have not finished.
	results := make(map[int64]CollectionResult, len(colls))
	settled := make(map[int64]bool, len(colls))
	var permanent error
	err = o.retrying(ctx, l.signature(), &row.Attempts, func() error {
		for _, c := range colls {
			if settled[c.ID] {
				continue
			}
			res, err := l.engine.Sync(ctx, c, l.mode)
			prev := results[c.ID]
			prev.merge(res)
			results[c.ID] = prev
			if err == nil {
				settled[c.ID] = true
				continue
			}
			if syncerr.IsRetryable(err) || syncerr.KindOf(err) == syncerr.KindCancelled {
				return err
			}
			settled[c.ID] = true
			o.log.Error("collection sync failed",
				"account", row.AccountID, "collection", c.DisplayName, "kind", syncerr.KindOf(err).String(), "error", err)
			if permanent == nil {
				permanent = err
			}
		}
		return permanent
	})
	for _, c := range colls {
		row.add(results[c.ID])
	}
	finish(row, err)

	if row.Outcome == OutcomeSucceeded {
		o.log.Info("sync finished",
			"account", row.AccountID,
			"resource", row.Resource.String(),
			"mode", row.Mode.String(),
			"collections", row.Collections,
			"downloaded", row.Downloaded,
			"uploaded", row.Uploaded,
			"deleted", row.Deleted,
			"conflicts", row.Conflicts,
		)
	}
}

func (o *Orchestrator) collections(ctx context.Context, l leaf) ([]*state.Collection, error) {
	if l.collectionID != 0 {
		c, err := o.cache.GetCollection(ctx, l.collectionID)
		if err != nil {
			return nil, syncerr.LocalStore("load collection", err)
		}
		return []*state.Collection{c}, nil
	}
	all, err := o.cache.ListCollections(ctx, l.engine.Account().ID, l.resource)
	if err != nil {
		return nil, syncerr.LocalStore("list collections", err)
	}
	out := all[:0]
	for _, c := range all {
		if c.SyncEnabled {
			out = append(out, c)
		}
	}
	return out, nil
}

// retrying runs op until it succeeds, fails permanently, or the retry
// budget is spent. Only transport and local store failures are retried.
func (o *Orchestrator) retrying(ctx context.Context, what string, attempts *int, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retry.InitialInterval
	if o.retry.MaxInterval > 0 {
		b.MaxInterval = o.retry.MaxInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		*attempts++
		err := op()
		if err != nil && !syncerr.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.log.Warn("transient failure, retrying", "run", what, "retry_in", next.Round(time.Millisecond), "error", err)
		}),
	)
	return err
}

// finish records the outcome of err on row.
func finish(row *ReportRow, err error) {
	switch kind := syncerr.KindOf(err); {
	case err == nil:
		row.Outcome = OutcomeSucceeded
	case kind == syncerr.KindCancelled:
		row.Outcome, row.Kind = OutcomeCancelled, kind
	default:
		row.Outcome, row.Kind, row.Err = OutcomeFailed, kind, err
	}
}

func (o *Orchestrator) observe(row ReportRow) {
	if o.observer != nil {
		o.observer.ObserveRun(row)
	}
}

// ResolveConflict settles a pending user decision for itemID through the
// engine of the item's account.
func (o *Orchestrator) ResolveConflict(ctx context.Context, itemID int64, keepLocal bool) error {
	it, err := o.cache.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("reading item %d: %w", itemID, err)
	}
	coll, err := o.cache.GetCollection(ctx, it.CollectionID)
	if err != nil {
		return fmt.Errorf("reading collection %d: %w", it.CollectionID, err)
	}
	eng, ok := o.engines[coll.AccountID]
	if !ok {
		return syncerr.New(syncerr.KindConfig, "resolve conflict", fmt.Errorf("account %q is not configured", coll.AccountID))
	}
	return eng.ResolveConflict(ctx, itemID, keepLocal)
}
