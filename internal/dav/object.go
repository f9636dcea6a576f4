package dav

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/njoerd114/pimsync/internal/model"
)

// Precondition guards a write. With IfNoneMatch the resource must not exist;
// with a non-empty IfMatch its current etag must equal it. The zero value is
// an unconditional write.
type Precondition struct {
	IfMatch     string
	IfNoneMatch bool
}

// MemberHref builds the href of a new member named after uid inside the
// collection.
func MemberHref(collectionURL, uid string, r model.ResourceType) string {
	path := collectionURL
	if u, err := url.Parse(collectionURL); err == nil {
		path = u.Path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path + url.PathEscape(uid) + r.Extension()
}

// Put writes data to href and returns the new etag. When the server does not
// echo an ETag header the etag is read back with a depth-0 PROPFIND.
func (c *Client) Put(ctx context.Context, href, contentType string, data []byte, pre Precondition) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPut, href, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentType)
	if pre.IfNoneMatch {
		req.Header.Set("If-None-Match", "*")
	} else if pre.IfMatch != "" {
		req.Header.Set("If-Match", pre.IfMatch)
	}

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	default:
		return "", statusError(req, resp)
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	etag, err := c.ETag(ctx, href)
	if err != nil {
		return "", fmt.Errorf("reading etag after PUT %s: %w", href, err)
	}
	return etag, nil
}

// Delete removes href, guarded by ifMatch when non-empty. A resource that is
// already gone yields an error matching [ErrNotFound].
func (c *Client) Delete(ctx context.Context, href, ifMatch string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, href, nil)
	if err != nil {
		return err
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted:
		return nil
	default:
		return statusError(req, resp)
	}
}

// ETag reads the current etag of a single resource.
func (c *Client) ETag(ctx context.Context, href string) (string, error) {
	ms, err := c.multistatusRequest(ctx, "PROPFIND", href, "0", propfindMembers)
	if err != nil {
		return "", err
	}
	for i := range ms.Responses {
		if p, ok := ms.Responses[i].okProp(); ok {
			return p.GetETag, nil
		}
	}
	return "", nil
}
