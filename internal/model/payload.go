package model

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
)

// ErrNoUID is returned when a payload carries no UID property.
var ErrNoUID = errors.New("payload has no UID")

// ParsePayload extracts [Meta] from an iCalendar or vCard payload depending on
// the resource type.
func ParsePayload(r ResourceType, data []byte) (Meta, error) {
	if r == ResourceAddressBook {
		return parseVCard(data)
	}
	return parseICal(r.Component(), data)
}

func parseICal(want string, data []byte) (Meta, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return Meta{}, fmt.Errorf("decoding iCalendar: %w", err)
	}

	// Pick the first component of the expected type; fall back to any
	// event or todo so mixed calendars still yield a UID.
	var comp *ical.Component
	for _, child := range cal.Children {
		if child.Name == want {
			comp = child
			break
		}
		if comp == nil && (child.Name == ical.CompEvent || child.Name == ical.CompToDo) {
			comp = child
		}
	}
	if comp == nil {
		return Meta{}, fmt.Errorf("no %s component in calendar object", want)
	}

	var m Meta
	if uid := comp.Props.Get(ical.PropUID); uid != nil {
		m.UID = strings.TrimSpace(uid.Value)
	}
	if m.UID == "" {
		return Meta{}, ErrNoUID
	}
	if summary, err := comp.Props.Text(ical.PropSummary); err == nil {
		m.Title = summary
	}

	if start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC); err == nil && !start.IsZero() {
		m.StartsAt = &start
	}
	endProp := ical.PropDateTimeEnd
	if comp.Name == ical.CompToDo {
		endProp = ical.PropDue
	}
	if end, err := comp.Props.DateTime(endProp, time.UTC); err == nil && !end.IsZero() {
		m.EndsAt = &end
	}

	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if mod, err := comp.Props.DateTime(name, time.UTC); err == nil && !mod.IsZero() {
			m.ModifiedAt = mod.UTC()
			break
		}
	}
	return m, nil
}

// revisionLayouts are the REV forms seen in the wild (RFC 6350 timestamp,
// basic and extended ISO 8601).
var revisionLayouts = []string{
	"20060102T150405Z",
	"20060102T150405Z0700",
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"20060102",
}

func parseVCard(data []byte) (Meta, error) {
	card, err := vcard.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return Meta{}, fmt.Errorf("decoding vCard: %w", err)
	}

	m := Meta{
		UID:   strings.TrimSpace(card.Value(vcard.FieldUID)),
		Title: card.Value(vcard.FieldFormattedName),
	}
	if m.UID == "" {
		return Meta{}, ErrNoUID
	}
	if rev := strings.TrimSpace(card.Value(vcard.FieldRevision)); rev != "" {
		for _, layout := range revisionLayouts {
			if t, err := time.Parse(layout, rev); err == nil {
				m.ModifiedAt = t.UTC()
				break
			}
		}
	}
	return m, nil
}

// SetUID returns data with its UID property set to uid. It is used for
// objects created on the device without one.
func SetUID(r ResourceType, data []byte, uid string) ([]byte, error) {
	var buf bytes.Buffer
	if r == ResourceAddressBook {
		card, err := vcard.NewDecoder(bytes.NewReader(data)).Decode()
		if err != nil {
			return nil, fmt.Errorf("decoding vCard: %w", err)
		}
		card.SetValue(vcard.FieldUID, uid)
		if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
			return nil, fmt.Errorf("encoding vCard: %w", err)
		}
		return buf.Bytes(), nil
	}

	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decoding iCalendar: %w", err)
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent || child.Name == ical.CompToDo {
			child.Props.SetText(ical.PropUID, uid)
		}
	}
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encoding iCalendar: %w", err)
	}
	return buf.Bytes(), nil
}
