package sync

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/njoerd114/pimsync/internal/dav"
	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/state"
	"github.com/njoerd114/pimsync/internal/syncerr"
)

// multigetBatch caps the number of hrefs per multiget REPORT.
const multigetBatch = 50

// Pull brings server changes of coll into the cache.
//
// Unchanged collection tags end the pull early with [PullNotModified]. With a
// stored sync token only the delta is fetched; a token the server rejects
// falls back to enumerating every member. Items with local edits that also
// changed on the server go through the conflict policy before anything is
// overwritten. When some members could not be fetched the old tags are kept
// so the next pull tries again.
func (e *Engine) Pull(ctx context.Context, coll *state.Collection) (PullResult, error) {
	now := e.now().UTC()

	tags, err := e.remote.CollectionTags(ctx, coll.URL)
	if err != nil {
		return PullResult{}, fmt.Errorf("reading collection tags: %w", err)
	}
	if tagsUnchanged(coll, tags) {
		if err := e.cache.TouchCollection(ctx, coll.ID, now); err != nil {
			return PullResult{}, syncerr.LocalStore("touch collection", err)
		}
		coll.LastAttempted = now
		return PullResult{Kind: PullNotModified}, nil
	}

	var (
		res   = PullResult{Kind: PullApplied}
		token string
		retry bool
	)
	incremental := coll.SyncToken != "" && tags.SyncToken != ""
	if incremental {
		token, retry, err = e.pullDelta(ctx, coll, &res)
		if errors.Is(err, dav.ErrInvalidSyncToken) {
			e.log.Info("sync token rejected, enumerating collection", "collection", coll.DisplayName)
			if err := e.cache.ResetSyncToken(ctx, coll.ID); err != nil {
				return res, syncerr.LocalStore("reset sync token", err)
			}
			coll.CTag, coll.SyncToken = "", ""
			incremental = false
			err = nil
		}
		if err != nil {
			return res, err
		}
	}
	if !incremental {
		res.Full = true
		retry, err = e.pullAll(ctx, coll, &res)
		if err != nil {
			return res, err
		}
		token = tags.SyncToken
	}
	if token == "" {
		token = tags.SyncToken
	}

	if retry {
		if err := e.cache.TouchCollection(ctx, coll.ID, now); err != nil {
			return res, syncerr.LocalStore("touch collection", err)
		}
		coll.LastAttempted = now
	} else {
		if err := e.cache.SaveCollectionTags(ctx, coll.ID, tags.CTag, token, now); err != nil {
			return res, syncerr.LocalStore("store collection tags", err)
		}
		coll.CTag, coll.SyncToken = tags.CTag, token
		coll.LastAttempted, coll.LastSynced = now, now
	}

	if res.Downloaded+res.DeletedRemotely+res.Conflicts+res.Failed > 0 {
		e.log.Info("pulled collection",
			"collection", coll.DisplayName,
			"full", res.Full,
			"downloaded", res.Downloaded,
			"deleted", res.DeletedRemotely,
			"conflicts", res.Conflicts,
			"failed", res.Failed,
		)
	}
	return res, nil
}

// tagsUnchanged compares the stored tags with the server's. The ctag is
// preferred; a server without one is compared by sync token.
func tagsUnchanged(coll *state.Collection, tags dav.Tags) bool {
	if coll.CTag != "" && tags.CTag != "" {
		return coll.CTag == tags.CTag
	}
	if coll.SyncToken != "" && tags.SyncToken != "" {
		return coll.SyncToken == tags.SyncToken
	}
	return false
}

// pullAll enumerates every member of coll, fetches the new and changed ones
// and treats known items missing from the listing as deleted on the server.
func (e *Engine) pullAll(ctx context.Context, coll *state.Collection, res *PullResult) (retry bool, err error) {
	members, err := e.remote.ListMembers(ctx, coll.URL)
	if err != nil {
		return false, fmt.Errorf("listing members: %w", err)
	}
	known, err := e.cache.ListAllItems(ctx, coll.ID)
	if err != nil {
		return false, syncerr.LocalStore("list cached items", err)
	}

	byHref := make(map[string]*state.Item, len(known))
	for _, it := range known {
		if it.Href != "" {
			byHref[hrefKey(it.Href)] = it
		}
	}

	present := make(map[string]bool, len(members))
	var fetch []string
	for _, m := range members {
		key := hrefKey(m.Href)
		present[key] = true
		if it := byHref[key]; it != nil && m.ETag != "" && it.ETag == m.ETag {
			continue
		}
		fetch = append(fetch, m.Href)
	}

	retry, err = e.fetch(ctx, coll, fetch, res)
	if err != nil {
		return retry, err
	}

	for _, it := range known {
		if it.Href == "" || present[hrefKey(it.Href)] {
			continue
		}
		if err := e.remoteGone(ctx, it, res); err != nil {
			return retry, err
		}
	}
	return retry, nil
}

// pullDelta applies the changes reported since the stored sync token and
// returns the new token.
func (e *Engine) pullDelta(ctx context.Context, coll *state.Collection, res *PullResult) (token string, retry bool, err error) {
	changes, err := e.remote.SyncCollection(ctx, coll.URL, coll.SyncToken)
	if err != nil {
		return "", false, err
	}

	var fetch []string
	for _, m := range changes.Changed {
		it, err := e.cache.GetItemByHref(ctx, coll.ID, m.Href)
		switch {
		case err == nil && m.ETag != "" && it.ETag == m.ETag:
			continue // our own upload echoed back
		case err != nil && !errors.Is(err, state.ErrNotFound):
			return "", false, syncerr.LocalStore("look up item", err)
		}
		fetch = append(fetch, m.Href)
	}

	retry, err = e.fetch(ctx, coll, fetch, res)
	if err != nil {
		return "", retry, err
	}

	for _, href := range changes.Removed {
		if err := e.hrefGone(ctx, coll, href, res); err != nil {
			return "", retry, err
		}
	}
	return changes.SyncToken, retry, nil
}

// fetch downloads hrefs in batches and applies each object. retry is true
// when the server failed to deliver some of them.
func (e *Engine) fetch(ctx context.Context, coll *state.Collection, hrefs []string, res *PullResult) (retry bool, err error) {
	for start := 0; start < len(hrefs); start += multigetBatch {
		end := min(start+multigetBatch, len(hrefs))
		mg, err := e.remote.Multiget(ctx, coll.URL, coll.Resource, hrefs[start:end])
		if err != nil {
			return retry, fmt.Errorf("fetching members: %w", err)
		}
		for _, obj := range mg.Objects {
			if err := e.applyRemote(ctx, coll, obj, res); err != nil {
				return retry, err
			}
		}
		for _, href := range mg.Missing {
			if err := e.hrefGone(ctx, coll, href, res); err != nil {
				return retry, err
			}
		}
		for _, f := range mg.Failed {
			res.Failed++
			retry = true
			e.log.Warn("server failed to deliver member", "href", f.Href, "status", f.Status)
		}
	}
	return retry, nil
}

// applyRemote stores one downloaded object in the cache.
func (e *Engine) applyRemote(ctx context.Context, coll *state.Collection, obj dav.Object, res *PullResult) error {
	meta, err := model.ParsePayload(coll.Resource, obj.Data)
	if err != nil {
		res.Failed++
		e.log.Warn("skipping unparsable member", "href", obj.Href, "error", err)
		return nil
	}

	item, err := e.lookup(ctx, coll.ID, obj.Href, meta.UID)
	if err != nil {
		return err
	}

	if item == nil {
		it := &state.Item{
			CollectionID: coll.ID,
			UID:          meta.UID,
			Href:         obj.Href,
			ETag:         obj.ETag,
			ModifiedAt:   meta.ModifiedAt,
			Title:        meta.Title,
			StartsAt:     meta.StartsAt,
			EndsAt:       meta.EndsAt,
			Payload:      obj.Data,
		}
		if err := e.cache.InsertItem(ctx, it); err != nil {
			return syncerr.LocalStore("store downloaded item", err)
		}
		res.Downloaded++
		res.Changed = append(res.Changed, it)
		return nil
	}

	if !item.Dirty && !item.Deleted {
		if item.Href == obj.Href && item.ETag == obj.ETag {
			return nil
		}
		if err := e.cache.ApplyRemote(ctx, item.ID, obj.Href, obj.ETag, obj.Data, meta); err != nil {
			return syncerr.LocalStore("store downloaded item", err)
		}
		item.Href, item.ETag, item.Payload = obj.Href, obj.ETag, obj.Data
		item.Title, item.StartsAt, item.EndsAt, item.ModifiedAt = meta.Title, meta.StartsAt, meta.EndsAt, meta.ModifiedAt
		res.Downloaded++
		res.Changed = append(res.Changed, item)
		return nil
	}

	// Local edits pending. A server copy still at the version the edit was
	// based on is simply overwritten by the next push.
	if item.Href != "" && item.ETag == obj.ETag {
		return nil
	}
	if item.Conflicted {
		c, err := e.cache.GetConflict(ctx, item.ID)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return syncerr.LocalStore("load pending conflict", err)
		}
		if c != nil && c.RemoteETag == obj.ETag {
			return nil // already waiting for the user
		}
	}
	remote := remoteVersion{Href: obj.Href, ETag: obj.ETag, Data: obj.Data, Meta: meta}
	outcome, err := e.settle(ctx, item, remote, &res.Changed, &res.Removed)
	if err != nil {
		return err
	}
	res.Conflicts++
	if outcome == KeepRemote {
		res.Downloaded++
	}
	return nil
}

// lookup finds the cache item for a server object by href, then by UID.
// Tombstones are included. A nil item means the object is new.
func (e *Engine) lookup(ctx context.Context, collectionID int64, href, uid string) (*state.Item, error) {
	it, err := e.cache.GetItemByHref(ctx, collectionID, href)
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, syncerr.LocalStore("look up item", err)
	}
	it, err = e.cache.FindItemByUID(ctx, collectionID, uid)
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, syncerr.LocalStore("look up item", err)
	}
	return nil, nil
}

// hrefGone handles a server report that href no longer exists.
func (e *Engine) hrefGone(ctx context.Context, coll *state.Collection, href string, res *PullResult) error {
	it, err := e.cache.GetItemByHref(ctx, coll.ID, href)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return syncerr.LocalStore("look up item", err)
	}
	return e.remoteGone(ctx, it, res)
}

// remoteGone handles an item deleted on the server. A local tombstone is
// simply confirmed. A pending local edit is never dropped: the server
// reference is cleared so the next push re-creates the item.
func (e *Engine) remoteGone(ctx context.Context, it *state.Item, res *PullResult) error {
	switch {
	case it.Deleted:
		if err := e.cache.DeleteItem(ctx, it.ID); err != nil {
			return syncerr.LocalStore("purge tombstone", err)
		}
	case it.Dirty:
		if err := e.cache.SetRemoteRef(ctx, it.ID, "", ""); err != nil {
			return syncerr.LocalStore("queue re-creation", err)
		}
		// A retained server version no longer exists.
		if err := e.cache.DeleteConflict(ctx, it.ID); err != nil {
			return syncerr.LocalStore("drop stale conflict", err)
		}
		it.Href, it.ETag, it.Conflicted = "", "", false
		e.log.Info("edited item deleted on server, re-creating", "uid", it.UID)
	default:
		if err := e.cache.DeleteItem(ctx, it.ID); err != nil {
			return syncerr.LocalStore("drop deleted item", err)
		}
		res.DeletedRemotely++
		res.Removed = append(res.Removed, it)
	}
	return nil
}

// hrefKey normalises an href for comparison: absolute and relative forms and
// escaped and unescaped paths compare equal.
func hrefKey(href string) string {
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		return u.Path
	}
	return href
}
