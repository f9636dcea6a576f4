package dav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/syncerr"
)

// Tags are a collection's change tokens. Either may be empty when the server
// does not support it.
type Tags struct {
	CTag      string
	SyncToken string
}

// Member is one resource of a collection as listed by PROPFIND or
// sync-collection.
type Member struct {
	Href string
	ETag string
}

// Object is a fetched resource body.
type Object struct {
	Href string
	ETag string
	Data []byte
}

// ItemFailure is a per-resource error status inside a multistatus body.
type ItemFailure struct {
	Href   string
	Status int
}

// Changes is the delta reported by a sync-collection REPORT.
type Changes struct {
	SyncToken string
	Changed   []Member
	Removed   []string
}

// MultigetResult splits a multiget response by per-resource outcome.
type MultigetResult struct {
	Objects []Object
	Missing []string
	Failed  []ItemFailure
}

// CollectionTags fetches the ctag and sync token of a collection.
func (c *Client) CollectionTags(ctx context.Context, collectionURL string) (Tags, error) {
	ms, err := c.multistatusRequest(ctx, "PROPFIND", collectionURL, "0", propfindTags)
	if err != nil {
		return Tags{}, fmt.Errorf("fetching tags of %s: %w", collectionURL, err)
	}
	var tags Tags
	for i := range ms.Responses {
		if p, ok := ms.Responses[i].okProp(); ok {
			tags.CTag = strings.TrimSpace(p.CTag)
			tags.SyncToken = strings.TrimSpace(p.SyncToken)
			break
		}
	}
	return tags, nil
}

// ListMembers enumerates every member resource of a collection with its etag.
// The collection itself and sub-collections are omitted.
func (c *Client) ListMembers(ctx context.Context, collectionURL string) ([]Member, error) {
	ms, err := c.multistatusRequest(ctx, "PROPFIND", collectionURL, "1", propfindMembers)
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", collectionURL, err)
	}

	var out []Member
	for i := range ms.Responses {
		r := &ms.Responses[i]
		href := r.href()
		if href == "" || samePath(href, collectionURL) {
			continue
		}
		p, ok := r.okProp()
		if !ok {
			continue
		}
		if p.ResourceType != nil && p.ResourceType.Collection != nil {
			continue
		}
		out = append(out, Member{Href: href, ETag: p.GetETag})
	}
	return out, nil
}

// SyncCollection requests the changes since token (RFC 6578). An empty token
// asks for the initial state. [ErrInvalidSyncToken] is returned when the
// server rejects the token; callers fall back to a full enumeration.
func (c *Client) SyncCollection(ctx context.Context, collectionURL, token string) (Changes, error) {
	body, err := xml.Marshal(syncCollectionRequest{
		XmlnsD:    "DAV:",
		SyncToken: token,
		SyncLevel: "1",
	})
	if err != nil {
		return Changes{}, fmt.Errorf("encoding sync-collection request: %w", err)
	}

	ms, err := c.multistatusRequest(ctx, "REPORT", collectionURL, "1", xml.Header+string(body))
	if err != nil {
		if isInvalidSyncToken(err) {
			return Changes{}, syncerr.Protocol("sync-collection", ErrInvalidSyncToken)
		}
		return Changes{}, fmt.Errorf("sync-collection on %s: %w", collectionURL, err)
	}

	ch := Changes{SyncToken: strings.TrimSpace(ms.SyncToken)}
	for i := range ms.Responses {
		r := &ms.Responses[i]
		href := r.href()
		if href == "" || samePath(href, collectionURL) {
			continue
		}
		if code := statusCode(r.Status); code == http.StatusNotFound || code == http.StatusGone {
			ch.Removed = append(ch.Removed, href)
			continue
		}
		p, ok := r.okProp()
		if !ok {
			continue
		}
		if p.ResourceType != nil && p.ResourceType.Collection != nil {
			continue
		}
		ch.Changed = append(ch.Changed, Member{Href: href, ETag: p.GetETag})
	}
	return ch, nil
}

// isInvalidSyncToken recognises the valid-sync-token precondition failure.
// Servers answer 403 or 409, not all of them with the RFC error body.
func isInvalidSyncToken(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	body := strings.ToLower(se.Body)
	switch se.Code {
	case http.StatusConflict, http.StatusGone:
		return true
	case http.StatusForbidden:
		return strings.Contains(body, "valid-sync-token") || strings.Contains(body, "sync token") ||
			strings.Contains(body, "sync-token")
	}
	return false
}

// Multiget fetches the bodies of the given hrefs in one REPORT. The resource
// type selects calendar-multiget or addressbook-multiget.
func (c *Client) Multiget(ctx context.Context, collectionURL string, r model.ResourceType, hrefs []string) (MultigetResult, error) {
	if len(hrefs) == 0 {
		return MultigetResult{}, nil
	}

	req := multigetRequest{XmlnsD: "DAV:", Hrefs: hrefs}
	if r == model.ResourceAddressBook {
		req.XMLName = xml.Name{Local: "card:addressbook-multiget"}
		req.XmlnsA = "urn:ietf:params:xml:ns:carddav"
		req.Prop.AddressData = &struct{}{}
	} else {
		req.XMLName = xml.Name{Local: "cal:calendar-multiget"}
		req.XmlnsC = "urn:ietf:params:xml:ns:caldav"
		req.Prop.CalendarData = &struct{}{}
	}
	body, err := xml.Marshal(req)
	if err != nil {
		return MultigetResult{}, fmt.Errorf("encoding multiget request: %w", err)
	}

	ms, err := c.multistatusRequest(ctx, "REPORT", collectionURL, "1", xml.Header+string(body))
	if err != nil {
		return MultigetResult{}, fmt.Errorf("multiget on %s: %w", collectionURL, err)
	}

	var res MultigetResult
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		href := resp.href()
		if href == "" {
			continue
		}
		if code := statusCode(resp.Status); code != 0 && (code < 200 || code >= 300) {
			if code == http.StatusNotFound || code == http.StatusGone {
				res.Missing = append(res.Missing, href)
			} else {
				res.Failed = append(res.Failed, ItemFailure{Href: href, Status: code})
			}
			continue
		}
		p, ok := resp.okProp()
		if !ok {
			res.Failed = append(res.Failed, ItemFailure{Href: href, Status: firstStatus(resp)})
			continue
		}
		data := p.CalendarData
		if r == model.ResourceAddressBook {
			data = p.AddressData
		}
		res.Objects = append(res.Objects, Object{Href: href, ETag: p.GetETag, Data: []byte(data)})
	}
	return res, nil
}

func firstStatus(r *response) int {
	for _, ps := range r.Propstat {
		if code := statusCode(ps.Status); code != 0 {
			return code
		}
	}
	return 0
}

// Get fetches one resource body.
func (c *Client) Get(ctx context.Context, href string) (Object, error) {
	req, err := c.newRequest(ctx, http.MethodGet, href, nil)
	if err != nil {
		return Object{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return Object{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Object{}, statusError(req, resp)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, maxResponseBytes)); err != nil {
		return Object{}, syncerr.Transport("reading GET response", err)
	}
	return Object{Href: href, ETag: resp.Header.Get("ETag"), Data: buf.Bytes()}, nil
}
