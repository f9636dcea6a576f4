// Package sync implements the three-way synchronisation engine of pimsync.
// It keeps the remote DAV server, the local cache database and the
// device-native store consistent for calendars, address books and task
// lists.
//
// The package contains these components:
//
//   - [Engine] pulls and pushes one collection of one account.
//   - [Reconciler] moves items between the cache and the device-native store.
//   - [Resolve] decides concurrent edits according to a conflict policy.
//   - [Detector] debounces device-native change events into push-only runs.
//   - [Orchestrator] deduplicates, fans out and retries sync runs.
//   - [Scheduler] drives periodic runs and records traces and metrics.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/pimsync/internal/dav"
	"github.com/njoerd114/pimsync/internal/devstore"
	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/state"
)

// RemoteClient speaks the DAV protocol for one account.
// Implemented by [dav.Client].
type RemoteClient interface {
	Discover(ctx context.Context) (dav.Discovery, error)
	CollectionTags(ctx context.Context, collectionURL string) (dav.Tags, error)
	ListMembers(ctx context.Context, collectionURL string) ([]dav.Member, error)
	SyncCollection(ctx context.Context, collectionURL, token string) (dav.Changes, error)
	Multiget(ctx context.Context, collectionURL string, r model.ResourceType, hrefs []string) (dav.MultigetResult, error)
	Get(ctx context.Context, href string) (dav.Object, error)
	Put(ctx context.Context, href, contentType string, data []byte, pre dav.Precondition) (string, error)
	Delete(ctx context.Context, href, ifMatch string) error
}

// StateStore provides access to the cache database.
// Implemented by [state.Store].
type StateStore interface {
	UpsertCollection(ctx context.Context, c *state.Collection) error
	GetCollection(ctx context.Context, id int64) (*state.Collection, error)
	GetCollectionByDeviceID(ctx context.Context, deviceID int64) (*state.Collection, error)
	ListCollections(ctx context.Context, accountID string, r model.ResourceType) ([]*state.Collection, error)
	SetCollectionDeviceID(ctx context.Context, id int64, deviceID *int64) error
	DeleteCollection(ctx context.Context, id int64) error
	CollectionStats(ctx context.Context, collectionID int64) (state.Stats, error)

	SaveCollectionTags(ctx context.Context, id int64, ctag, syncToken string, at time.Time) error
	TouchCollection(ctx context.Context, id int64, at time.Time) error
	ResetSyncToken(ctx context.Context, id int64) error

	ListItems(ctx context.Context, collectionID int64) ([]*state.Item, error)
	ListAllItems(ctx context.Context, collectionID int64) ([]*state.Item, error)
	ListDirty(ctx context.Context, collectionID int64) ([]*state.Item, error)
	ListDeleted(ctx context.Context, collectionID int64) ([]*state.Item, error)
	GetItem(ctx context.Context, id int64) (*state.Item, error)
	FindItemByUID(ctx context.Context, collectionID int64, uid string) (*state.Item, error)
	GetItemByHref(ctx context.Context, collectionID int64, href string) (*state.Item, error)
	GetItemByDeviceID(ctx context.Context, collectionID, deviceID int64) (*state.Item, error)

	InsertItem(ctx context.Context, it *state.Item) error
	ApplyRemote(ctx context.Context, id int64, href, etag string, payload []byte, meta model.Meta) error
	SaveLocalEdit(ctx context.Context, id int64, payload []byte, meta model.Meta) error
	MarkDeleted(ctx context.Context, id int64, at time.Time) error
	MarkSynced(ctx context.Context, id, rev int64, href, etag string) (bool, error)
	SetRemoteRef(ctx context.Context, id int64, href, etag string) error
	SetItemDeviceID(ctx context.Context, id int64, deviceID *int64) error
	DeleteItem(ctx context.Context, id int64) error

	SaveConflict(ctx context.Context, c *state.Conflict) error
	GetConflict(ctx context.Context, itemID int64) (*state.Conflict, error)
	DeleteConflict(ctx context.Context, itemID int64) error
}

// DeviceStore is the device-native store as seen by the sync adapter.
// Implemented by [devstore.Store].
type DeviceStore interface {
	CreateCollection(ctx context.Context, c *devstore.Collection) error
	GetCollection(ctx context.Context, id int64) (*devstore.Collection, error)
	UpdateCollection(ctx context.Context, c *devstore.Collection) error
	DeleteCollection(ctx context.Context, id int64) error

	GetRow(ctx context.Context, id int64) (*devstore.Row, error)
	ChangedRows(ctx context.Context, collectionID int64) ([]*devstore.Row, error)
	DirtyCollections(ctx context.Context) ([]int64, error)

	UpsertRows(ctx context.Context, collectionID int64, rows []*devstore.Row) ([]devstore.RowError, error)
	DeleteRows(ctx context.Context, ids []int64) error
	ClearChanged(ctx context.Context, r *devstore.Row) error
}
