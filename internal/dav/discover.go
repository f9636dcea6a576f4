package dav

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/njoerd114/pimsync/internal/model"
)

// RemoteCollection describes one calendar, task list or address book found
// during discovery.
type RemoteCollection struct {
	URL         string
	DisplayName string
	Resource    model.ResourceType
	CTag        string
	SyncToken   string
	CanWrite    bool
	CanDelete   bool
}

// Discovery is the result of [Client.Discover].
type Discovery struct {
	Collections []RemoteCollection
	// Fallback is set when the server reported no home set and the base URL
	// was listed instead. The listing may then be incomplete.
	Fallback bool
}

// Discover walks principal → home sets → collections and returns every
// calendar, task list and address book the account can see. A server that
// does not support principal or home-set lookups is treated as if the base
// URL were its home set. Authentication failures are errors.
func (c *Client) Discover(ctx context.Context) (Discovery, error) {
	var d Discovery
	principal, err := c.principal(ctx)
	if err != nil {
		return d, err
	}

	homes, err := c.homeSets(ctx, principal)
	if err != nil {
		return d, err
	}
	if len(homes) == 0 {
		homes = []string{c.base.String()}
		d.Fallback = true
	}

	var (
		out  []RemoteCollection
		seen = make(map[string]bool)
	)
	for _, home := range homes {
		ms, err := c.multistatusRequest(ctx, "PROPFIND", home, "1", propfindCollections)
		if err != nil {
			return Discovery{}, fmt.Errorf("listing collections under %s: %w", home, err)
		}
		for i := range ms.Responses {
			rc, ok := c.collectionFrom(&ms.Responses[i])
			if !ok || seen[normalizePath(rc.URL)] {
				continue
			}
			seen[normalizePath(rc.URL)] = true
			out = append(out, rc)
		}
	}
	c.logger.Debug("discovered collections", "count", len(out), "homes", len(homes), "fallback", d.Fallback)
	d.Collections = out
	return d, nil
}

// unsupported reports whether err means the server does not implement a
// lookup, as opposed to refusing it.
func unsupported(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	return false
}

// principal returns the current-user-principal href, or the base URL when
// the server does not report one.
func (c *Client) principal(ctx context.Context) (string, error) {
	ms, err := c.multistatusRequest(ctx, "PROPFIND", c.base.String(), "0", propfindPrincipal)
	if err != nil {
		if unsupported(err) {
			return c.base.String(), nil
		}
		return "", fmt.Errorf("finding principal: %w", err)
	}
	for i := range ms.Responses {
		p, ok := ms.Responses[i].okProp()
		if ok && p.CurrentUserPrincipal != nil && len(p.CurrentUserPrincipal.Hrefs) > 0 {
			return p.CurrentUserPrincipal.Hrefs[0], nil
		}
	}
	return c.base.String(), nil
}

func (c *Client) homeSets(ctx context.Context, principal string) ([]string, error) {
	ms, err := c.multistatusRequest(ctx, "PROPFIND", principal, "0", propfindHomeSets)
	if err != nil {
		if unsupported(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding home sets: %w", err)
	}

	var homes []string
	seen := make(map[string]bool)
	add := func(hp *hrefProp) {
		if hp == nil {
			return
		}
		for _, h := range hp.Hrefs {
			if h != "" && !seen[normalizePath(h)] {
				seen[normalizePath(h)] = true
				homes = append(homes, h)
			}
		}
	}
	for i := range ms.Responses {
		if p, ok := ms.Responses[i].okProp(); ok {
			add(p.CalendarHomeSet)
			add(p.AddressbookHomeSet)
		}
	}
	return homes, nil
}

// collectionFrom converts one PROPFIND response into a RemoteCollection.
// Non-collection members and plain WebDAV folders are rejected.
func (c *Client) collectionFrom(r *response) (RemoteCollection, bool) {
	p, ok := r.okProp()
	if !ok || p.ResourceType == nil {
		return RemoteCollection{}, false
	}

	var resource model.ResourceType
	switch {
	case p.ResourceType.AddressBook != nil:
		resource = model.ResourceAddressBook
	case p.ResourceType.Calendar != nil:
		resource = calendarKind(p.ComponentSet)
	default:
		return RemoteCollection{}, false
	}

	full, err := c.ResolveURL(r.href())
	if err != nil {
		return RemoteCollection{}, false
	}
	rc := RemoteCollection{
		URL:         full,
		DisplayName: p.DisplayName,
		Resource:    resource,
		CTag:        p.CTag,
		SyncToken:   p.SyncToken,
		CanWrite:    true,
		CanDelete:   true,
	}
	if p.PrivilegeSet != nil {
		rc.CanWrite = p.PrivilegeSet.has("all", "write", "write-content", "bind")
		rc.CanDelete = p.PrivilegeSet.has("all", "write", "unbind")
	}
	if rc.DisplayName == "" {
		rc.DisplayName = normalizePath(r.href())
	}
	return rc, true
}

// calendarKind decides between event calendar and task list. A calendar
// advertising VEVENT is an event calendar even when it also accepts VTODO.
func calendarKind(cs *componentSet) model.ResourceType {
	if cs == nil || len(cs.Comps) == 0 {
		return model.ResourceCalendar
	}
	hasTodo := false
	for _, comp := range cs.Comps {
		switch comp.Name {
		case "VEVENT":
			return model.ResourceCalendar
		case "VTODO":
			hasTodo = true
		}
	}
	if hasTodo {
		return model.ResourceTaskList
	}
	return model.ResourceCalendar
}
