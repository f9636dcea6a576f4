package sync

import (
	"context"
	"errors"

	"github.com/njoerd114/pimsync/internal/dav"
	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/state"
	"github.com/njoerd114/pimsync/internal/syncerr"
)

// Push uploads the local edits and deletions of coll.
//
// Every dirty item is uploaded, whether or not the server copy changed,
// guarded by If-Match on the last known entity tag or If-None-Match for a
// new resource. A failed precondition fetches the server copy and hands both
// versions to the conflict policy. Dirty flags are only cleared when the
// uploaded revision is still the latest. Transport and local store failures
// end the phase with every remaining flag intact; other per-item failures
// are counted and skipped.
func (e *Engine) Push(ctx context.Context, coll *state.Collection) (PushResult, error) {
	var res PushResult

	dirty, err := e.cache.ListDirty(ctx, coll.ID)
	if err != nil {
		return res, syncerr.LocalStore("list dirty items", err)
	}
	for _, it := range dirty {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch {
		case it.Conflicted:
			res.Pending++
			continue
		case !coll.CanWrite:
			res.Skipped++
			continue
		}
		if err := e.upload(ctx, coll, it, &res); err != nil {
			if stopsPhase(err) {
				return res, err
			}
			res.Failed++
			e.log.Warn("upload failed", "uid", it.UID, "error", err)
		}
	}

	deleted, err := e.cache.ListDeleted(ctx, coll.ID)
	if err != nil {
		return res, syncerr.LocalStore("list deleted items", err)
	}
	for _, it := range deleted {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch {
		case it.Href == "":
			if err := e.cache.DeleteItem(ctx, it.ID); err != nil {
				return res, syncerr.LocalStore("purge tombstone", err)
			}
			continue
		case it.Conflicted:
			res.Pending++
			continue
		case !coll.CanDelete:
			res.Skipped++
			continue
		}
		if err := e.remove(ctx, coll, it, &res); err != nil {
			if stopsPhase(err) {
				return res, err
			}
			res.Failed++
			e.log.Warn("delete failed", "uid", it.UID, "error", err)
		}
	}

	if res.Uploaded+res.Deleted+res.Conflicts+res.Failed+res.Skipped > 0 {
		e.log.Info("pushed collection",
			"collection", coll.DisplayName,
			"uploaded", res.Uploaded,
			"deleted", res.Deleted,
			"conflicts", res.Conflicts,
			"failed", res.Failed,
			"skipped", res.Skipped,
		)
	}
	return res, nil
}

// upload PUTs one dirty item. After a lost precondition race that the local
// version wins, the upload is retried once against the new entity tag.
func (e *Engine) upload(ctx context.Context, coll *state.Collection, it *state.Item, res *PushResult) error {
	for attempt := 0; ; attempt++ {
		href, pre := it.Href, dav.Precondition{IfMatch: it.ETag}
		if href == "" {
			href, pre = dav.MemberHref(coll.URL, it.UID, coll.Resource), dav.Precondition{IfNoneMatch: true}
		}

		etag, err := e.remote.Put(ctx, href, coll.Resource.ContentType(), it.Payload, pre)
		if err == nil {
			cleared, err := e.cache.MarkSynced(ctx, it.ID, it.LocalRev, href, etag)
			if err != nil {
				return syncerr.LocalStore("record upload", err)
			}
			if !cleared {
				e.log.Debug("item edited during upload, will push again", "uid", it.UID)
			}
			res.Uploaded++
			return nil
		}
		if !errors.Is(err, dav.ErrPreconditionFailed) || attempt > 0 {
			return err
		}

		res.Conflicts++
		remote, err := e.fetchRemote(ctx, coll, href)
		if err != nil {
			return err
		}
		outcome, err := e.settle(ctx, it, remote, &res.Changed, &res.Removed)
		if err != nil {
			return err
		}
		switch outcome {
		case KeepRemote:
			return nil
		case NeedsUser:
			res.Pending++
			return nil
		}
	}
}

// remove DELETEs one tombstoned item. A resource already gone counts as
// deleted.
func (e *Engine) remove(ctx context.Context, coll *state.Collection, it *state.Item, res *PushResult) error {
	for attempt := 0; ; attempt++ {
		err := e.remote.Delete(ctx, it.Href, it.ETag)
		if err == nil || isRemoteAbsent(err) {
			if err := e.cache.DeleteItem(ctx, it.ID); err != nil {
				return syncerr.LocalStore("purge tombstone", err)
			}
			res.Deleted++
			return nil
		}
		if !errors.Is(err, dav.ErrPreconditionFailed) || attempt > 0 {
			return err
		}

		res.Conflicts++
		remote, err := e.fetchRemote(ctx, coll, it.Href)
		if err != nil {
			return err
		}
		if remote.Deleted {
			if err := e.cache.DeleteItem(ctx, it.ID); err != nil {
				return syncerr.LocalStore("purge tombstone", err)
			}
			res.Deleted++
			return nil
		}
		outcome, err := e.settle(ctx, it, remote, &res.Changed, &res.Removed)
		if err != nil {
			return err
		}
		switch outcome {
		case KeepRemote:
			return nil
		case NeedsUser:
			res.Pending++
			return nil
		}
	}
}

// fetchRemote reads the server's current version of href.
func (e *Engine) fetchRemote(ctx context.Context, coll *state.Collection, href string) (remoteVersion, error) {
	obj, err := e.remote.Get(ctx, href)
	if isRemoteAbsent(err) {
		return remoteVersion{Href: href, Deleted: true}, nil
	}
	if err != nil {
		return remoteVersion{}, err
	}
	meta, err := model.ParsePayload(coll.Resource, obj.Data)
	if err != nil {
		return remoteVersion{}, syncerr.New(syncerr.KindItem, "parse server version", err)
	}
	return remoteVersion{Href: href, ETag: obj.ETag, Data: obj.Data, Meta: meta}, nil
}

// stopsPhase reports whether err makes further requests in this phase
// pointless.
func stopsPhase(err error) bool {
	switch syncerr.KindOf(err) {
	case syncerr.KindTransport, syncerr.KindCancelled, syncerr.KindLocalStore:
		return true
	default:
		return false
	}
}
