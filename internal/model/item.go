// Package model defines shared types used across the sync engine, the cache
// database, the DAV client and the device-native store.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ResourceType identifies which kind of collection a sync run targets.
type ResourceType int

const (
	// ResourceAll is a scope value meaning every enabled resource type.
	ResourceAll ResourceType = iota
	// ResourceCalendar is a CalDAV calendar holding VEVENTs.
	ResourceCalendar
	// ResourceAddressBook is a CardDAV address book holding vCards.
	ResourceAddressBook
	// ResourceTaskList is a CalDAV calendar holding VTODOs.
	ResourceTaskList
)

// ConcreteResources lists the resource types a sync can actually run for.
func ConcreteResources() []ResourceType {
	return []ResourceType{ResourceCalendar, ResourceAddressBook, ResourceTaskList}
}

// String returns the label used in config files, logs and dedup signatures.
func (r ResourceType) String() string {
	switch r {
	case ResourceCalendar:
		return "calendar"
	case ResourceAddressBook:
		return "addressbook"
	case ResourceTaskList:
		return "tasklist"
	default:
		return "all"
	}
}

// ParseResourceType is the inverse of [ResourceType.String]. The empty string
// maps to [ResourceAll].
func ParseResourceType(s string) (ResourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ResourceAll, nil
	case "calendar", "calendars", "events":
		return ResourceCalendar, nil
	case "addressbook", "contacts":
		return ResourceAddressBook, nil
	case "tasklist", "tasks":
		return ResourceTaskList, nil
	default:
		return ResourceAll, fmt.Errorf("unknown resource type %q", s)
	}
}

// Extension is the file extension of member resources created by this client.
func (r ResourceType) Extension() string {
	if r == ResourceAddressBook {
		return ".vcf"
	}
	return ".ics"
}

// ContentType is the media type sent with PUT requests.
func (r ResourceType) ContentType() string {
	if r == ResourceAddressBook {
		return "text/vcard; charset=utf-8"
	}
	return "text/calendar; charset=utf-8"
}

// Component is the iCalendar component a collection of this type holds, or ""
// for address books.
func (r ResourceType) Component() string {
	switch r {
	case ResourceCalendar:
		return "VEVENT"
	case ResourceTaskList:
		return "VTODO"
	default:
		return ""
	}
}

// ConflictPolicy decides which side wins when an item changed both locally
// and on the server.
type ConflictPolicy int

const (
	// PolicyLastModifiedWins keeps the payload with the newer modification time.
	PolicyLastModifiedWins ConflictPolicy = iota
	// PolicyServerWins discards local edits silently.
	PolicyServerWins
	// PolicyClientWins force-pushes the local payload.
	PolicyClientWins
	// PolicyAskUser retains both versions until the user picks one.
	PolicyAskUser
)

func (p ConflictPolicy) String() string {
	switch p {
	case PolicyServerWins:
		return "server-wins"
	case PolicyClientWins:
		return "client-wins"
	case PolicyAskUser:
		return "ask-user"
	default:
		return "last-modified-wins"
	}
}

// ParseConflictPolicy maps a config value to a policy. Empty means the default.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last-modified-wins":
		return PolicyLastModifiedWins, nil
	case "server-wins":
		return PolicyServerWins, nil
	case "client-wins":
		return PolicyClientWins, nil
	case "ask-user":
		return PolicyAskUser, nil
	default:
		return PolicyLastModifiedWins, fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Account is one remote server identity. The credential itself is never part
// of the account; it is looked up through the auth provider by ID.
type Account struct {
	ID       string
	BaseURL  string
	Username string

	Calendars bool
	Contacts  bool
	Tasks     bool

	ConflictPolicy ConflictPolicy
	SyncInterval   time.Duration
}

// Enabled reports whether the account syncs resources of type r.
func (a Account) Enabled(r ResourceType) bool {
	switch r {
	case ResourceCalendar:
		return a.Calendars
	case ResourceAddressBook:
		return a.Contacts
	case ResourceTaskList:
		return a.Tasks
	default:
		return a.Calendars || a.Contacts || a.Tasks
	}
}

// Resources returns the concrete resource types enabled for the account,
// narrowed to scope unless scope is [ResourceAll].
func (a Account) Resources(scope ResourceType) []ResourceType {
	var out []ResourceType
	for _, r := range ConcreteResources() {
		if scope != ResourceAll && scope != r {
			continue
		}
		if a.Enabled(r) {
			out = append(out, r)
		}
	}
	return out
}

// Meta is the subset of an item's payload the sync engine relies on. The
// rest of the payload is opaque.
type Meta struct {
	UID        string
	Title      string
	StartsAt   *time.Time
	EndsAt     *time.Time
	ModifiedAt time.Time
}

// ContentHash returns a SHA-256 hex digest of a payload after normalising line
// endings and trailing whitespace, so that byte-for-byte re-serialisations of
// the same object compare equal.
func ContentHash(payload []byte) string {
	s := strings.ReplaceAll(string(payload), "\r\n", "\n")
	s = strings.TrimRight(s, "\n ")
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
