package sync

import (
	"fmt"
	"strings"

	"github.com/njoerd114/pimsync/internal/state"
)

// Mode selects which phases a sync run performs.
type Mode int

const (
	// ModeFull collects device edits, pulls, applies to the device and pushes.
	ModeFull Mode = iota
	// ModePushOnly collects device edits and pushes them without pulling.
	ModePushOnly
)

func (m Mode) String() string {
	if m == ModePushOnly {
		return "push-only"
	}
	return "full"
}

// ParseMode is the inverse of [Mode.String]. The empty string maps to
// [ModeFull].
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full":
		return ModeFull, nil
	case "push-only", "push":
		return ModePushOnly, nil
	default:
		return ModeFull, fmt.Errorf("unknown sync mode %q", s)
	}
}

// PullKind tags the variant of a [PullResult].
type PullKind int

const (
	// PullSkipped means no pull ran (push-only mode).
	PullSkipped PullKind = iota
	// PullNotModified means the collection tags were unchanged.
	PullNotModified
	// PullApplied means members were enumerated and changes applied.
	PullApplied
)

func (k PullKind) String() string {
	switch k {
	case PullNotModified:
		return "not-modified"
	case PullApplied:
		return "applied"
	default:
		return "skipped"
	}
}

// PullResult reports one pull. The counters are only meaningful for
// [PullApplied].
type PullResult struct {
	Kind PullKind

	// Full is true when the pull enumerated every member instead of using
	// the sync token.
	Full bool

	Downloaded      int
	DeletedRemotely int
	Conflicts       int
	Failed          int

	// Changed holds cache items whose remote version was applied; Removed
	// holds items deleted from the cache because the server deleted them.
	Changed []*state.Item
	Removed []*state.Item
}

// PushResult reports one push.
type PushResult struct {
	Uploaded  int
	Deleted   int
	Conflicts int
	Failed    int

	// Skipped counts uploads withheld from a read-only collection; Pending
	// counts items waiting for the user to resolve a conflict.
	Skipped int
	Pending int

	// Changed and Removed hold items where a conflict was decided in favour
	// of the server while pushing; the device must follow them.
	Changed []*state.Item
	Removed []*state.Item
}

// CollectResult reports one pass over the device-native change flags.
type CollectResult struct {
	Edited  int
	Created int
	Deleted int
	Failed  int
}

// CollectionResult is the outcome of [Engine.Sync] for one collection.
type CollectionResult struct {
	CollectionID int64
	Collected    CollectResult
	Pull         PullResult
	Push         PushResult

	// DeviceApplied and DeviceFailed count rows written to the device.
	DeviceApplied int
	DeviceFailed  int
}

// merge folds another attempt at the same collection into r. Work done adds
// up, since a retry does not redo applied changes. A failure seen again on
// the retry is the same failure, so failure counts take the larger value.
func (r *CollectionResult) merge(next CollectionResult) {
	r.CollectionID = next.CollectionID
	r.Collected.Edited += next.Collected.Edited
	r.Collected.Created += next.Collected.Created
	r.Collected.Deleted += next.Collected.Deleted
	r.Collected.Failed = max(r.Collected.Failed, next.Collected.Failed)

	r.Pull.Kind, r.Pull.Full = next.Pull.Kind, next.Pull.Full
	r.Pull.Downloaded += next.Pull.Downloaded
	r.Pull.DeletedRemotely += next.Pull.DeletedRemotely
	r.Pull.Conflicts += next.Pull.Conflicts
	r.Pull.Failed = max(r.Pull.Failed, next.Pull.Failed)

	r.Push.Uploaded += next.Push.Uploaded
	r.Push.Deleted += next.Push.Deleted
	r.Push.Conflicts += next.Push.Conflicts
	r.Push.Failed = max(r.Push.Failed, next.Push.Failed)
	r.Push.Skipped, r.Push.Pending = next.Push.Skipped, next.Push.Pending

	r.DeviceApplied += next.DeviceApplied
	r.DeviceFailed = max(r.DeviceFailed, next.DeviceFailed)
}

// add folds r into the running totals of a report row.
func (row *ReportRow) add(r CollectionResult) {
	row.Collected += r.Collected.Edited + r.Collected.Created + r.Collected.Deleted
	row.Downloaded += r.Pull.Downloaded
	row.Uploaded += r.Push.Uploaded
	row.Deleted += r.Pull.DeletedRemotely + r.Push.Deleted
	row.Conflicts += r.Pull.Conflicts + r.Push.Conflicts
	row.Failed += r.Collected.Failed + r.Pull.Failed + r.Push.Failed + r.DeviceFailed
}
