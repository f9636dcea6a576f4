package sync

import (
	"testing"

	"github.com/njoerd114/pimsync/internal/model"
)

func TestResolve(t *testing.T) {
	older := Version{Payload: event("a", "old", t0), ModifiedAt: t0}
	newer := Version{Payload: event("a", "new", t1), ModifiedAt: t1}
	newerSameTime := Version{Payload: event("a", "other", t0), ModifiedAt: t0}
	gone := Version{Deleted: true}
	goneLate := Version{Deleted: true, ModifiedAt: t2}

	tests := []struct {
		name   string
		policy model.ConflictPolicy
		local  Version
		remote Version
		want   Outcome
	}{
		{"lmw local newer", model.PolicyLastModifiedWins, newer, older, KeepLocal},
		{"lmw remote newer", model.PolicyLastModifiedWins, older, newer, KeepRemote},
		{"lmw tie goes to server", model.PolicyLastModifiedWins, older, newerSameTime, KeepRemote},
		{"lmw edit beats older remote delete", model.PolicyLastModifiedWins, newer, gone, KeepLocal},
		{"lmw later local delete wins", model.PolicyLastModifiedWins, goneLate, newer, KeepLocal},
		{"server wins", model.PolicyServerWins, newer, older, KeepRemote},
		{"server wins on delete", model.PolicyServerWins, newer, gone, KeepRemote},
		{"client wins", model.PolicyClientWins, older, newer, ForceLocal},
		{"ask user", model.PolicyAskUser, newer, older, NeedsUser},
		{"ask user on delete", model.PolicyAskUser, newer, gone, NeedsUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.policy, tt.local, tt.remote)
			if got != tt.want {
				t.Errorf("Resolve = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolve_IdenticalContentIsNoConflict(t *testing.T) {
	local := Version{Payload: event("a", "same", t0), ModifiedAt: t2}
	// Same object re-serialised with bare LF line endings.
	remote := Version{Payload: []byte(
		"BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//pimsync//test//EN\nBEGIN:VEVENT\nUID:a\n" +
			"DTSTAMP:20260101T000000Z\nLAST-MODIFIED:20260301T090000Z\nDTSTART:20260310T090000Z\n" +
			"DTEND:20260310T100000Z\nSUMMARY:same\nEND:VEVENT\nEND:VCALENDAR\n"), ModifiedAt: t0}

	for _, p := range []model.ConflictPolicy{
		model.PolicyLastModifiedWins, model.PolicyServerWins, model.PolicyClientWins, model.PolicyAskUser,
	} {
		if got := Resolve(p, local, remote); got != KeepRemote {
			t.Errorf("Resolve(%v) = %v, want %v", p, got, KeepRemote)
		}
	}
}

func TestResolve_Deterministic(t *testing.T) {
	local := Version{Payload: event("a", "l", t1), ModifiedAt: t1}
	remote := Version{Payload: event("a", "r", t1), ModifiedAt: t1}
	first := Resolve(model.PolicyLastModifiedWins, local, remote)
	for range 100 {
		if got := Resolve(model.PolicyLastModifiedWins, local, remote); got != first {
			t.Fatalf("Resolve = %v, then %v", first, got)
		}
	}
}

func TestOutcomeString(t *testing.T) {
	tests := map[Outcome]string{
		KeepRemote: "keep-remote",
		KeepLocal:  "keep-local",
		ForceLocal: "force-local",
		NeedsUser:  "needs-user",
	}
	for o, want := range tests {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeFull, false},
		{"full", ModeFull, false},
		{"Push-Only", ModePushOnly, false},
		{"push", ModePushOnly, false},
		{"pull", ModeFull, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
