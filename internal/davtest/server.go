// Package davtest provides an in-memory CalDAV/CardDAV server for tests. It
// implements just enough of RFC 4918, 4791, 6352 and 6578 to drive the dav
// client and the sync engine end to end: discovery, ctag and sync-token
// tracking with tombstones, multiget, and conditional PUT/DELETE.
package davtest

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/njoerd114/pimsync/internal/model"
)

func init() {
	for _, method := range []string{"PROPFIND", "REPORT"} {
		chi.RegisterMethod(method)
	}
}

const (
	// PrincipalPath is the current-user-principal of the single test user.
	PrincipalPath = "/principals/user/"
	// HomePath is both the calendar and the address book home set.
	HomePath = "/dav/user/"

	tokenPrefix = "https://pimsync.test/sync/"
)

// Server is an in-memory DAV server backed by httptest.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	rev         int64
	etagSeq     int64
	collections map[string]*collection
	counts      map[string]int
	failures    map[string][]int
	omitETag    bool
	delay       time.Duration
}

type collection struct {
	path       string
	name       string
	resource   model.ResourceType
	readOnly   bool
	changeRev  int64
	minRev     int64
	objects    map[string]*object
	tombstones map[string]int64
}

type object struct {
	data []byte
	etag string
	rev  int64
}

// New starts a server. Callers must Close it.
func New() *Server {
	s := &Server{
		collections: make(map[string]*collection),
		counts:      make(map[string]int),
		failures:    make(map[string][]int),
	}

	r := chi.NewRouter()
	r.Use(s.middleware)
	r.MethodFunc("PROPFIND", "/*", s.propfind)
	r.MethodFunc("REPORT", "/*", s.report)
	r.Get("/*", s.get)
	r.Put("/*", s.put)
	r.Delete("/*", s.delete)

	s.Server = httptest.NewServer(r)
	return s
}

// AddCollection creates an empty collection at HomePath+name+"/" and returns
// its full URL.
func (s *Server) AddCollection(name, displayName string, r model.ResourceType) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := HomePath + name + "/"
	s.rev++
	s.collections[p] = &collection{
		path:       p,
		name:       displayName,
		resource:   r,
		changeRev:  s.rev,
		objects:    make(map[string]*object),
		tombstones: make(map[string]int64),
	}
	return s.URL + p
}

// SetReadOnly toggles the write privileges advertised for a collection and
// rejects writes to it.
func (s *Server) SetReadOnly(collectionURL string, ro bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.collections[s.pathOf(collectionURL)]; c != nil {
		c.readOnly = ro
	}
}

// PutObject stores data as a server-side edit, bypassing preconditions, and
// returns the href and new etag.
func (s *Server) PutObject(collectionURL, name string, data []byte) (href, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collections[s.pathOf(collectionURL)]
	href = c.path + name
	return href, s.store(c, href, data)
}

// RemoveObject deletes href as a server-side edit.
func (s *Server) RemoveObject(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.collections[path.Dir(strings.TrimSuffix(href, "/"))+"/"]; c != nil {
		s.remove(c, href)
	}
}

// Object returns the stored body and etag of href.
func (s *Server) Object(href string) (data []byte, etag string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collections[path.Dir(href)+"/"]
	if c == nil {
		return nil, "", false
	}
	o, ok := c.objects[href]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), o.data...), o.etag, true
}

// Hrefs lists the member hrefs of a collection in sorted order.
func (s *Server) Hrefs(collectionURL string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collections[s.pathOf(collectionURL)]
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.objects))
	for h := range c.objects {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// InvalidateTokens makes every sync token issued so far for the collection
// invalid, as a server does after pruning its change log.
func (s *Server) InvalidateTokens(collectionURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.collections[s.pathOf(collectionURL)]; c != nil {
		s.rev++
		c.changeRev = s.rev
		c.minRev = s.rev
		c.tombstones = make(map[string]int64)
	}
}

// Count returns how many requests of op were served. Ops are "PROPFIND",
// "GET", "PUT", "DELETE" and "REPORT:<report name>".
func (s *Server) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// ResetCounts zeroes all request counters.
func (s *Server) ResetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int)
}

// FailNext makes the next len(statuses) requests with the given HTTP method
// fail with those statuses, in order.
func (s *Server) FailNext(method string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], statuses...)
}

// OmitETag stops PUT responses from carrying an ETag header.
func (s *Server) OmitETag(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitETag = omit
}

// SetDelay delays every response by d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		delay := s.delay
		var fail int
		if q := s.failures[r.Method]; len(q) > 0 {
			fail, s.failures[r.Method] = q[0], q[1:]
		}
		if r.Method != "REPORT" {
			s.counts[r.Method]++
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if fail != 0 {
			http.Error(w, http.StatusText(fail), fail)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) pathOf(rawURL string) string {
	p := strings.TrimPrefix(rawURL, s.URL)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// store writes an object and bumps the revision. Caller holds s.mu.
func (s *Server) store(c *collection, href string, data []byte) string {
	s.rev++
	s.etagSeq++
	etag := `"` + strconv.FormatInt(s.etagSeq, 10) + `"`
	c.objects[href] = &object{data: append([]byte(nil), data...), etag: etag, rev: s.rev}
	delete(c.tombstones, href)
	c.changeRev = s.rev
	return etag
}

// remove deletes an object and records a tombstone. Caller holds s.mu.
func (s *Server) remove(c *collection, href string) {
	if _, ok := c.objects[href]; !ok {
		return
	}
	s.rev++
	delete(c.objects, href)
	c.tombstones[href] = s.rev
	c.changeRev = s.rev
}

func (s *Server) lookup(href string) (*collection, *object) {
	if c, ok := s.collections[href]; ok {
		return c, nil
	}
	c := s.collections[path.Dir(href)+"/"]
	if c == nil {
		return nil, nil
	}
	return c, c.objects[href]
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) propfind(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	depth := r.Header.Get("Depth")
	p := r.URL.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	var b msBuilder
	switch {
	case p == "/" || p == PrincipalPath:
		b.principal(p)
	case p == HomePath:
		b.plain(HomePath)
		if depth != "0" {
			for _, c := range s.sortedCollections() {
				b.collection(c)
			}
		}
	default:
		c, o := s.lookup(p)
		switch {
		case c == nil:
			http.NotFound(w, r)
			return
		case o == nil && c.path == p:
			b.collection(c)
			if depth != "0" {
				for _, h := range sortedHrefs(c) {
					b.member(h, c.objects[h].etag)
				}
			}
		case o != nil:
			b.member(p, o.etag)
		default:
			http.NotFound(w, r)
			return
		}
	}
	b.write(w, "")
}

type reportBody struct {
	XMLName   xml.Name
	SyncToken string   `xml:"DAV: sync-token"`
	Hrefs     []string `xml:"DAV: href"`
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body reportBody
	if err := xml.Unmarshal(data, &body); err != nil {
		http.Error(w, "malformed REPORT body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts["REPORT:"+body.XMLName.Local]++

	c := s.collections[r.URL.Path]
	if c == nil {
		http.NotFound(w, r)
		return
	}

	switch body.XMLName.Local {
	case "sync-collection":
		s.syncCollection(w, c, body.SyncToken)
	case "calendar-multiget", "addressbook-multiget":
		var b msBuilder
		for _, h := range body.Hrefs {
			if o, ok := c.objects[h]; ok {
				b.object(h, o, c.resource)
			} else {
				b.status(h, http.StatusNotFound)
			}
		}
		b.write(w, "")
	default:
		http.Error(w, "unsupported report", http.StatusForbidden)
	}
}

func (s *Server) syncCollection(w http.ResponseWriter, c *collection, token string) {
	var since int64
	if token != "" {
		n, err := strconv.ParseInt(strings.TrimPrefix(token, tokenPrefix), 10, 64)
		if err != nil || !strings.HasPrefix(token, tokenPrefix) || n < c.minRev {
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?><d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`)
			return
		}
		since = n
	}

	var b msBuilder
	for _, h := range sortedHrefs(c) {
		if o := c.objects[h]; o.rev > since {
			b.member(h, o.etag)
		}
	}
	if token != "" {
		for h, rev := range c.tombstones {
			if rev > since {
				b.status(h, http.StatusNotFound)
			}
		}
	}
	b.write(w, tokenPrefix+strconv.FormatInt(c.changeRev, 10))
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, o := s.lookup(r.URL.Path)
	var (
		data []byte
		etag string
	)
	if o != nil {
		data, etag = append([]byte(nil), o.data...), o.etag
	}
	s.mu.Unlock()

	if o == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("ETag", etag)
	_, _ = w.Write(data)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, o := s.lookup(r.URL.Path)
	if c == nil || c.path == r.URL.Path {
		http.Error(w, "no parent collection", http.StatusConflict)
		return
	}
	if c.readOnly {
		http.Error(w, "read-only collection", http.StatusForbidden)
		return
	}
	if r.Header.Get("If-None-Match") == "*" && o != nil {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	if m := r.Header.Get("If-Match"); m != "" && (o == nil || o.etag != m) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	etag := s.store(c, r.URL.Path, data)
	if !s.omitETag {
		w.Header().Set("ETag", etag)
	}
	if o == nil {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, o := s.lookup(r.URL.Path)
	if o == nil {
		http.NotFound(w, r)
		return
	}
	if c.readOnly {
		http.Error(w, "read-only collection", http.StatusForbidden)
		return
	}
	if m := r.Header.Get("If-Match"); m != "" && o.etag != m {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	s.remove(c, r.URL.Path)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sortedCollections() []*collection {
	out := make([]*collection, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

func sortedHrefs(c *collection) []string {
	out := make([]string, 0, len(c.objects))
	for h := range c.objects {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Multistatus rendering
// ---------------------------------------------------------------------------

type msBuilder struct {
	strings.Builder
}

func escape(s string) string {
	var sb strings.Builder
	_ = xml.EscapeText(&sb, []byte(s))
	return sb.String()
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

func (b *msBuilder) ok(href, props string) {
	fmt.Fprintf(b, "<d:response><d:href>%s</d:href><d:propstat><d:prop>%s</d:prop><d:status>%s</d:status></d:propstat></d:response>",
		escape(href), props, statusLine(http.StatusOK))
}

func (b *msBuilder) status(href string, code int) {
	fmt.Fprintf(b, "<d:response><d:href>%s</d:href><d:status>%s</d:status></d:response>", escape(href), statusLine(code))
}

func (b *msBuilder) plain(href string) {
	b.ok(href, "<d:resourcetype><d:collection/></d:resourcetype>")
}

func (b *msBuilder) principal(href string) {
	b.ok(href, fmt.Sprintf(
		"<d:current-user-principal><d:href>%s</d:href></d:current-user-principal>"+
			"<cal:calendar-home-set><d:href>%s</d:href></cal:calendar-home-set>"+
			"<card:addressbook-home-set><d:href>%s</d:href></card:addressbook-home-set>",
		PrincipalPath, HomePath, HomePath))
}

func (b *msBuilder) collection(c *collection) {
	rt := "<d:collection/><cal:calendar/>"
	comps := ""
	switch c.resource {
	case model.ResourceAddressBook:
		rt = "<d:collection/><card:addressbook/>"
	case model.ResourceTaskList:
		comps = `<cal:supported-calendar-component-set><cal:comp name="VTODO"/></cal:supported-calendar-component-set>`
	default:
		comps = `<cal:supported-calendar-component-set><cal:comp name="VEVENT"/></cal:supported-calendar-component-set>`
	}
	privs := "<d:privilege><d:read/></d:privilege><d:privilege><d:write/></d:privilege>"
	if c.readOnly {
		privs = "<d:privilege><d:read/></d:privilege>"
	}
	b.ok(c.path, fmt.Sprintf(
		"<d:resourcetype>%s</d:resourcetype><d:displayname>%s</d:displayname>%s"+
			"<d:current-user-privilege-set>%s</d:current-user-privilege-set>"+
			"<cs:getctag>ctag-%d</cs:getctag><d:sync-token>%s%d</d:sync-token>",
		rt, escape(c.name), comps, privs, c.changeRev, tokenPrefix, c.changeRev))
}

func (b *msBuilder) member(href, etag string) {
	b.ok(href, "<d:resourcetype/><d:getetag>"+escape(etag)+"</d:getetag>")
}

func (b *msBuilder) object(href string, o *object, r model.ResourceType) {
	el := "cal:calendar-data"
	if r == model.ResourceAddressBook {
		el = "card:address-data"
	}
	b.ok(href, fmt.Sprintf("<d:getetag>%s</d:getetag><%s>%s</%s>", escape(o.etag), el, escape(string(o.data)), el))
}

func (b *msBuilder) write(w http.ResponseWriter, syncToken string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?>`+
		`<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav" `+
		`xmlns:card="urn:ietf:params:xml:ns:carddav" xmlns:cs="http://calendarserver.org/ns/">`)
	_, _ = io.WriteString(w, b.String())
	if syncToken != "" {
		_, _ = io.WriteString(w, "<d:sync-token>"+escape(syncToken)+"</d:sync-token>")
	}
	_, _ = io.WriteString(w, "</d:multistatus>")
}
