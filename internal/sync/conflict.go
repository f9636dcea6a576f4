package sync

import (
	"time"

	"github.com/njoerd114/pimsync/internal/model"
)

// Outcome is the decision taken for an item edited on both sides.
type Outcome int

const (
	// KeepRemote replaces the local version with the server's.
	KeepRemote Outcome = iota
	// KeepLocal keeps the local version because it is newer.
	KeepLocal
	// ForceLocal keeps the local version regardless of age.
	ForceLocal
	// NeedsUser retains both versions until the user picks one.
	NeedsUser
)

func (o Outcome) String() string {
	switch o {
	case KeepLocal:
		return "keep-local"
	case ForceLocal:
		return "force-local"
	case NeedsUser:
		return "needs-user"
	default:
		return "keep-remote"
	}
}

// Version is one side of a conflict. A deleted version carries no payload;
// its ModifiedAt is the time of the deletion when known.
type Version struct {
	Payload    []byte
	ModifiedAt time.Time
	Deleted    bool
}

// Resolve decides a conflict between the local and the remote version of
// one item. Objects are replaced whole; fields are never merged. When both
// sides hold the same content there is nothing to decide and the remote
// version is kept. Under last-modified-wins a tie goes to the server.
func Resolve(policy model.ConflictPolicy, local, remote Version) Outcome {
	if !local.Deleted && !remote.Deleted &&
		model.ContentHash(local.Payload) == model.ContentHash(remote.Payload) {
		return KeepRemote
	}

	switch policy {
	case model.PolicyServerWins:
		return KeepRemote
	case model.PolicyClientWins:
		return ForceLocal
	case model.PolicyAskUser:
		return NeedsUser
	default:
		if local.ModifiedAt.After(remote.ModifiedAt) {
			return KeepLocal
		}
		return KeepRemote
	}
}
