// Package dav is a CalDAV/CardDAV client scoped to what the sync engine needs:
// collection discovery, change tokens, member enumeration, sync-collection
// and multiget reports, and conditional writes.
package dav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/njoerd114/pimsync/internal/syncerr"
)

// Sentinel errors matched with errors.Is against returned errors.
var (
	// ErrPreconditionFailed is returned when an If-Match / If-None-Match
	// precondition did not hold (HTTP 412).
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrNotFound is returned for 404 and 410 responses.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidSyncToken is returned by SyncCollection when the server no
	// longer accepts the supplied token.
	ErrInvalidSyncToken = errors.New("invalid sync token")
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 20

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

// Is maps status codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrPreconditionFailed:
		return e.Code == http.StatusPreconditionFailed
	case ErrNotFound:
		return e.Code == http.StatusNotFound || e.Code == http.StatusGone
	}
	return false
}

// kind classifies a status code for retry decisions.
func (e *StatusError) kind() syncerr.Kind {
	switch {
	case e.Code == http.StatusPreconditionFailed:
		return syncerr.KindPrecondition
	case e.Code == http.StatusTooManyRequests, e.Code == http.StatusRequestTimeout, e.Code >= 500:
		return syncerr.KindTransport
	default:
		return syncerr.KindProtocol
	}
}

// Options configures a [Client].
type Options struct {
	// BaseURL is the account's DAV root or principal URL.
	BaseURL string
	// TokenSource supplies the credential sent with every request. Nil
	// disables authentication.
	TokenSource oauth2.TokenSource
	// Transport is the underlying round tripper. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper
	// Timeout bounds each request. Defaults to 60s.
	Timeout time.Duration
	// RequestsPerSecond limits outbound requests. Zero means unlimited.
	RequestsPerSecond float64
	// Burst is the limiter burst size. Defaults to 1 when a limit is set.
	Burst int
	Logger *slog.Logger
}

// Client talks to one account's DAV server. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL %q: %w", opts.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", opts.BaseURL)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.TokenSource != nil {
		transport = &oauth2.Transport{Source: opts.TokenSource, Base: transport}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		base:   base,
		http:   &http.Client{Transport: transport, Timeout: timeout},
		logger: logger,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c, nil
}

// BaseURL returns the account root the client was created with.
func (c *Client) BaseURL() string { return c.base.String() }

// ResolveURL turns a server href (usually an absolute path) into a full URL.
func (c *Client) ResolveURL(href string) (string, error) {
	u, err := c.resolve(href)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (c *Client) resolve(href string) (*url.URL, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return nil, syncerr.Protocol("resolving href", fmt.Errorf("parsing %q: %w", href, err))
	}
	return c.base.ResolveReference(ref), nil
}

// newRequest builds a request against target, which may be a full URL or a
// server href.
func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	u, err := c.resolve(target)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	return req, nil
}

// do sends req after waiting for the rate limiter and classifies transport
// failures. The caller owns the response body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, syncerr.Transport("waiting for rate limiter", err)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		return nil, syncerr.Transport(req.Method+" "+req.URL.Path, err)
	}
	c.logger.Debug("dav request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
	)
	return resp, nil
}

// statusError drains resp and returns a classified error for its status.
func statusError(req *http.Request, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	se := &StatusError{
		Method: req.Method,
		URL:    req.URL.String(),
		Code:   resp.StatusCode,
		Body:   string(body),
	}
	return syncerr.New(se.kind(), "", se)
}

// multistatusRequest sends a PROPFIND or REPORT and decodes the 207 body.
func (c *Client) multistatusRequest(ctx context.Context, method, target, depth, body string) (*multistatus, error) {
	req, err := c.newRequest(ctx, method, target, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", depth)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, statusError(req, resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, syncerr.Transport("reading "+method+" response", err)
	}
	var ms multistatus
	if err := safeUnmarshalXML(data, &ms); err != nil {
		return nil, syncerr.Protocol("decoding "+method+" response", err)
	}
	return &ms, nil
}

// samePath reports whether two hrefs name the same resource, ignoring a
// trailing slash and percent-encoding differences.
func samePath(a, b string) bool {
	return normalizePath(a) == normalizePath(b)
}

func normalizePath(href string) string {
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	if p, err := url.PathUnescape(href); err == nil {
		href = p
	}
	return strings.TrimSuffix(href, "/")
}
