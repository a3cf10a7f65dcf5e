// Package session holds per-instance session context: the ephemeral session
// id, first-touch campaign parameters and the landing page.
//
// One Context belongs to one SDK instance and lives exactly as long as it.
// Producers receive it explicitly; it can also ride on a context.Context:
//
//	ctx = session.WithContext(ctx, sess)
//	sess := session.FromContext(ctx)
package session

import (
	"context"
	"maps"
	"net/url"
	"strings"
	"sync"
	"time"
)

// UTM holds campaign parameters.
type UTM struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Term     string `json:"utm_term,omitempty"`
	Content  string `json:"utm_content,omitempty"`
}

// IsZero reports whether no parameter is set.
func (u UTM) IsZero() bool {
	return u == UTM{}
}

// Properties renders the set parameters as event properties.
func (u UTM) Properties() map[string]any {
	out := make(map[string]any, 5)
	for k, v := range map[string]string{
		"utm_source":   u.Source,
		"utm_medium":   u.Medium,
		"utm_campaign": u.Campaign,
		"utm_term":     u.Term,
		"utm_content":  u.Content,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// ParseUTM extracts campaign parameters from rawURL.
func ParseUTM(rawURL string) UTM {
	u, err := url.Parse(rawURL)
	if err != nil {
		return UTM{}
	}
	q := u.Query()
	return UTM{
		Source:   q.Get("utm_source"),
		Medium:   q.Get("utm_medium"),
		Campaign: q.Get("utm_campaign"),
		Term:     q.Get("utm_term"),
		Content:  q.Get("utm_content"),
	}
}

// StripQuery removes the query string and fragment from rawURL. Unparseable
// input is cut at the first '?' or '#'.
func StripQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
			return rawURL[:i]
		}
		return rawURL
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Context is the mutable session state of one SDK instance.
type Context struct {
	id        string
	startedAt time.Time

	mu          sync.RWMutex
	utm         UTM
	referrer    string
	landingPage string
	pageViews   int
	extra       map[string]any
}

// New starts a session.
func New(id string, startedAt time.Time) *Context {
	return &Context{id: id, startedAt: startedAt, extra: make(map[string]any)}
}

func (c *Context) ID() string {
	return c.id
}

func (c *Context) StartedAt() time.Time {
	return c.startedAt
}

// RecordPageView notes a navigation. The first page becomes the landing page
// and campaign parameters are kept first-touch: later URLs only fill them in
// when the session has none.
func (c *Context) RecordPageView(rawURL, referrer string) {
	utm := ParseUTM(rawURL)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageViews++
	if c.landingPage == "" {
		c.landingPage = StripQuery(rawURL)
		c.referrer = referrer
	}
	if c.utm.IsZero() && !utm.IsZero() {
		c.utm = utm
	}
}

func (c *Context) UTM() UTM {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.utm
}

func (c *Context) Referrer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.referrer
}

func (c *Context) LandingPage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.landingPage
}

func (c *Context) PageViews() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pageViews
}

// Set stores an arbitrary session-scoped value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.extra[key] = value
	c.mu.Unlock()
}

// Properties returns the session attributes attached to page events.
func (c *Context) Properties() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.utm.Properties()
	maps.Copy(out, c.extra)
	if c.landingPage != "" {
		out["landing_page"] = c.landingPage
	}
	if c.referrer != "" {
		out["initial_referrer"] = c.referrer
	}
	return out
}

type contextKey struct{}

// WithContext attaches sess to ctx.
func WithContext(ctx context.Context, sess *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sess)
}

// FromContext returns the session on ctx, or nil.
func FromContext(ctx context.Context) *Context {
	if sess, ok := ctx.Value(contextKey{}).(*Context); ok {
		return sess
	}
	return nil
}
