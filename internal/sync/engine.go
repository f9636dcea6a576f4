package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/pimsync/internal/dav"
	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/state"
	"github.com/njoerd114/pimsync/internal/syncerr"
)

// Engine synchronises the collections of one account. It is safe for
// concurrent use on different collections; concurrent runs on the same
// collection are kept correct by entity tags and local revisions rather
// than by locking.
type Engine struct {
	account model.Account
	remote  RemoteClient
	cache   StateStore
	rec     *Reconciler
	log     *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine for account.
func NewEngine(account model.Account, remote RemoteClient, cache StateStore, rec *Reconciler, logger *slog.Logger) *Engine {
	return &Engine{
		account: account,
		remote:  remote,
		cache:   cache,
		rec:     rec,
		log:     logger.With("account", account.ID),
		now:     time.Now,
	}
}

// Account returns the account the engine serves.
func (e *Engine) Account() model.Account { return e.account }

// RefreshCollections discovers the account's collections on the server,
// records new ones, refreshes names and privileges of known ones, and drops
// collections that no longer exist remotely from the cache and the device.
// Nothing is dropped when discovery had to guess the home set, and a
// collection still holding unpushed edits or deletions is kept.
func (e *Engine) RefreshCollections(ctx context.Context) error {
	d, err := e.remote.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovering collections: %w", err)
	}

	seen := make(map[string]bool, len(d.Collections))
	for _, rc := range d.Collections {
		if !e.account.Enabled(rc.Resource) {
			continue
		}
		seen[rc.URL] = true
		c := &state.Collection{
			AccountID:   e.account.ID,
			Resource:    rc.Resource,
			URL:         rc.URL,
			DisplayName: rc.DisplayName,
			SyncEnabled: true,
			Visible:     true,
			CanWrite:    rc.CanWrite,
			CanDelete:   rc.CanDelete,
		}
		if err := e.cache.UpsertCollection(ctx, c); err != nil {
			return syncerr.LocalStore("record collection", err)
		}
	}
	if d.Fallback {
		e.log.Warn("server reported no home set, keeping unlisted collections", "listed", len(d.Collections))
		return nil
	}

	known, err := e.cache.ListCollections(ctx, e.account.ID, model.ResourceAll)
	if err != nil {
		return syncerr.LocalStore("list collections", err)
	}
	for _, c := range known {
		if seen[c.URL] {
			continue
		}
		st, err := e.cache.CollectionStats(ctx, c.ID)
		if err != nil {
			return syncerr.LocalStore("count pending changes", err)
		}
		if st.Dirty+st.Deleted > 0 {
			e.log.Warn("collection missing on server but holds unpushed changes, keeping it",
				"collection", c.DisplayName, "url", c.URL, "dirty", st.Dirty, "deleted", st.Deleted)
			continue
		}
		e.log.Info("collection removed", "collection", c.DisplayName, "url", c.URL)
		if err := e.rec.RemoveCollection(ctx, c); err != nil {
			return err
		}
		if err := e.cache.DeleteCollection(ctx, c.ID); err != nil {
			return syncerr.LocalStore("drop collection", err)
		}
	}
	return nil
}

// Sync runs one collection. In [ModeFull] it collects device edits, pulls,
// applies the pulled changes to the device and pushes. In [ModePushOnly] the
// pull is skipped and only conflict winners taken from the server while
// pushing reach the device.
func (e *Engine) Sync(ctx context.Context, coll *state.Collection, mode Mode) (CollectionResult, error) {
	res := CollectionResult{CollectionID: coll.ID}
	log := e.log.With("collection", coll.DisplayName, "mode", mode.String())

	collected, err := e.rec.CollectFromDevice(ctx, coll)
	res.Collected = collected
	if err != nil {
		return res, fmt.Errorf("collecting device changes: %w", err)
	}

	if _, created, err := e.rec.Materialize(ctx, coll); err != nil {
		return res, err
	} else if created {
		if err := e.reapply(ctx, coll, &res); err != nil {
			return res, err
		}
	}

	if mode == ModeFull {
		pulled, err := e.Pull(ctx, coll)
		res.Pull = pulled
		if err != nil {
			return res, fmt.Errorf("pulling: %w", err)
		}
		if err := e.follow(ctx, coll, pulled.Changed, pulled.Removed, &res); err != nil {
			return res, err
		}
	}

	pushed, err := e.Push(ctx, coll)
	res.Push = pushed
	if err != nil {
		return res, fmt.Errorf("pushing: %w", err)
	}
	if err := e.follow(ctx, coll, pushed.Changed, pushed.Removed, &res); err != nil {
		return res, err
	}

	log.Debug("collection synced",
		"pull", res.Pull.Kind.String(),
		"downloaded", res.Pull.Downloaded,
		"uploaded", res.Push.Uploaded,
		"deleted", res.Pull.DeletedRemotely+res.Push.Deleted,
		"conflicts", res.Pull.Conflicts+res.Push.Conflicts,
	)
	return res, nil
}

// follow mirrors cache changes onto the device.
func (e *Engine) follow(ctx context.Context, coll *state.Collection, changed, removed []*state.Item, res *CollectionResult) error {
	if len(changed) > 0 {
		applied, failed, err := e.rec.ApplyToDevice(ctx, coll, changed)
		res.DeviceApplied += applied
		res.DeviceFailed += failed
		if err != nil {
			return err
		}
	}
	return e.rec.RemoveFromDevice(ctx, removed)
}

// reapply writes every cached item of coll to a freshly created device
// collection.
func (e *Engine) reapply(ctx context.Context, coll *state.Collection, res *CollectionResult) error {
	items, err := e.cache.ListItems(ctx, coll.ID)
	if err != nil {
		return syncerr.LocalStore("list items", err)
	}
	return e.follow(ctx, coll, items, nil, res)
}

// ResolveConflict completes a pending user resolution for itemID. With
// keepLocal the local version is uploaded on the next push; otherwise the
// retained server version replaces it in the cache and on the device.
func (e *Engine) ResolveConflict(ctx context.Context, itemID int64, keepLocal bool) error {
	c, err := e.cache.GetConflict(ctx, itemID)
	if err != nil {
		return fmt.Errorf("reading conflict for item %d: %w", itemID, err)
	}
	it, err := e.cache.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("reading item %d: %w", itemID, err)
	}
	coll, err := e.cache.GetCollection(ctx, it.CollectionID)
	if err != nil {
		return fmt.Errorf("reading collection %d: %w", it.CollectionID, err)
	}

	var changed, removed []*state.Item
	switch {
	case keepLocal:
		href, etag := it.Href, c.RemoteETag
		if c.RemoteDeleted {
			href, etag = "", ""
		}
		if err := e.cache.SetRemoteRef(ctx, it.ID, href, etag); err != nil {
			return err
		}
	case c.RemoteDeleted:
		if err := e.cache.DeleteItem(ctx, it.ID); err != nil {
			return err
		}
		removed = append(removed, it)
	default:
		meta, err := model.ParsePayload(coll.Resource, c.RemotePayload)
		if err != nil {
			return fmt.Errorf("parsing retained server version: %w", err)
		}
		if err := e.cache.ApplyRemote(ctx, it.ID, it.Href, c.RemoteETag, c.RemotePayload, meta); err != nil {
			return err
		}
		updated, err := e.cache.GetItem(ctx, it.ID)
		if err != nil {
			return err
		}
		changed = append(changed, updated)
	}

	if err := e.cache.DeleteConflict(ctx, it.ID); err != nil {
		return err
	}
	e.log.Info("conflict resolved", "uid", it.UID, "keep_local", keepLocal)

	var res CollectionResult
	return e.follow(ctx, coll, changed, removed, &res)
}

// remoteVersion is the server side of an item as seen during pull or push.
type remoteVersion struct {
	Href    string
	ETag    string
	Data    []byte
	Meta    model.Meta
	Deleted bool
}

// settle decides a conflict for item and applies the decision to the cache.
// The returned outcome tells the caller whether the local version must still
// be uploaded. changed and removed collect items the device must follow.
func (e *Engine) settle(ctx context.Context, item *state.Item, remote remoteVersion, changed, removed *[]*state.Item) (Outcome, error) {
	local := Version{Payload: item.Payload, ModifiedAt: item.ModifiedAt, Deleted: item.Deleted}
	other := Version{Payload: remote.Data, ModifiedAt: remote.Meta.ModifiedAt, Deleted: remote.Deleted}
	outcome := Resolve(e.account.ConflictPolicy, local, other)

	e.log.Info("conflict",
		"uid", item.UID,
		"policy", e.account.ConflictPolicy.String(),
		"outcome", outcome.String(),
		"local_deleted", item.Deleted,
		"remote_deleted", remote.Deleted,
	)

	switch outcome {
	case KeepRemote:
		if remote.Deleted {
			if err := e.cache.DeleteItem(ctx, item.ID); err != nil {
				return outcome, syncerr.LocalStore("apply conflict winner", err)
			}
			*removed = append(*removed, item)
			return outcome, nil
		}
		if err := e.cache.ApplyRemote(ctx, item.ID, remote.Href, remote.ETag, remote.Data, remote.Meta); err != nil {
			return outcome, syncerr.LocalStore("apply conflict winner", err)
		}
		updated, err := e.cache.GetItem(ctx, item.ID)
		if err != nil {
			return outcome, syncerr.LocalStore("apply conflict winner", err)
		}
		*changed = append(*changed, updated)

	case KeepLocal, ForceLocal:
		// Rebase the local edit on the server's current version.
		href, etag := remote.Href, remote.ETag
		if remote.Deleted {
			href, etag = "", ""
		}
		if err := e.cache.SetRemoteRef(ctx, item.ID, href, etag); err != nil {
			return outcome, syncerr.LocalStore("rebase local edit", err)
		}
		item.Href, item.ETag = href, etag

	case NeedsUser:
		c := &state.Conflict{
			ItemID:           item.ID,
			RemoteETag:       remote.ETag,
			RemotePayload:    remote.Data,
			RemoteDeleted:    remote.Deleted,
			RemoteModifiedAt: remote.Meta.ModifiedAt,
			DetectedAt:       e.now().UTC(),
		}
		if err := e.cache.SaveConflict(ctx, c); err != nil {
			return outcome, syncerr.LocalStore("retain server version", err)
		}
		item.Conflicted = true
	}
	return outcome, nil
}

// isRemoteAbsent reports whether err means the resource no longer exists.
func isRemoteAbsent(err error) bool {
	return errors.Is(err, dav.ErrNotFound)
}
