// Package session holds the authenticated identity and the protocol
// resumption state of one logged-in account.
package session

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// ErrNoUserCookie is returned when the cookie set carries no c_user cookie and
// no explicit user id was given.
var ErrNoUserCookie = errors.New("session: no c_user cookie in app state")

// BaseURL is the origin every authenticated request and the stream use.
const BaseURL = "https://www.facebook.com"

const defaultStreamHost = "wss://edge-chat.facebook.com/chat"

// Cookie is one entry of the app state produced by the login collaborator.
type Cookie struct {
	Key     string `json:"key" yaml:"key"`
	Value   string `json:"value" yaml:"value"`
	Domain  string `json:"domain" yaml:"domain"`
	Path    string `json:"path" yaml:"path"`
	Expires string `json:"expires,omitempty" yaml:"expires,omitempty"`
}

// Credentials seed a Context.
type Credentials struct {
	UserID   string
	Cookies  []Cookie
	FBDtsg   string
	Revision string
	Endpoint string
	Region   string

	// SequenceID is an optional cursor obtained during bootstrap.
	SequenceID int64
}

// Cursor is the resumption position in the delta stream. SyncToken is only
// meaningful together with the SequenceID that produced it.
type Cursor struct {
	SequenceID  int64
	HasSequence bool
	SyncToken   string
}

// Resumable reports whether the cursor carries a token that lets the server
// send only the diffs since SequenceID.
func (c Cursor) Resumable() bool {
	return c.HasSequence && c.SyncToken != ""
}

// Context is the long-lived state of one listening session. The cursor pair
// is guarded by a mutex and always replaced as a unit.
type Context struct {
	userID   string
	clientID string
	jar      http.CookieJar

	mu          sync.RWMutex
	fbDtsg      string
	revision    string
	endpoint    string
	region      string
	loggedIn    bool
	firstListen bool
	cursor      Cursor
}

// New builds a Context from credentials.
func New(creds Credentials) (*Context, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	userID := creds.UserID
	var cookies []*http.Cookie
	for _, c := range creds.Cookies {
		if c.Key == "" {
			continue
		}
		if c.Key == "c_user" && userID == "" {
			userID = c.Value
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		cookies = append(cookies, &http.Cookie{
			Name:   c.Key,
			Value:  c.Value,
			Domain: strings.TrimPrefix(c.Domain, "."),
			Path:   path,
		})
	}
	if userID == "" {
		return nil, ErrNoUserCookie
	}

	base, _ := url.Parse(BaseURL)
	jar.SetCookies(base, cookies)

	ctx := &Context{
		userID:      userID,
		clientID:    strconv.FormatInt(int64(rand.Int31()), 16),
		jar:         jar,
		fbDtsg:      creds.FBDtsg,
		revision:    creds.Revision,
		endpoint:    creds.Endpoint,
		region:      creds.Region,
		loggedIn:    true,
		firstListen: true,
	}
	if creds.SequenceID > 0 {
		ctx.cursor = Cursor{SequenceID: creds.SequenceID, HasSequence: true}
	}
	return ctx, nil
}

// UserID returns the account identity.
func (c *Context) UserID() string { return c.userID }

// ClientID returns the random per-process client identifier.
func (c *Context) ClientID() string { return c.clientID }

// Jar returns the cookie jar shared by HTTP requests and the stream dial.
func (c *Context) Jar() http.CookieJar { return c.jar }

// CookieHeader renders the cookies for the site origin as a Cookie header.
func (c *Context) CookieHeader() string {
	base, _ := url.Parse(BaseURL)
	parts := make([]string, 0)
	for _, ck := range c.jar.Cookies(base) {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// FBDtsg returns the anti-CSRF token attached to form posts.
func (c *Context) FBDtsg() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fbDtsg
}

// Revision returns the client revision attached to form posts.
func (c *Context) Revision() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// SetPageTokens records tokens scraped from an authenticated page.
func (c *Context) SetPageTokens(fbDtsg, revision string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fbDtsg != "" {
		c.fbDtsg = fbDtsg
	}
	if revision != "" {
		c.revision = revision
	}
}

// SetEndpoint records the stream endpoint and region.
func (c *Context) SetEndpoint(endpoint, region string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = endpoint
	c.region = region
}

// Endpoint returns the stream endpoint and region, either possibly empty.
func (c *Context) Endpoint() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint, c.region
}

// StreamURL builds the WebSocket URL for a connection with the given session
// id.
func (c *Context) StreamURL(sid int64) string {
	endpoint, region := c.Endpoint()
	switch {
	case endpoint != "":
		return fmt.Sprintf("%s&sid=%d", endpoint, sid)
	case region != "":
		return fmt.Sprintf("%s?region=%s&sid=%d", defaultStreamHost, strings.ToLower(region), sid)
	default:
		return fmt.Sprintf("%s?sid=%d", defaultStreamHost, sid)
	}
}

// LoggedIn reports whether the server still accepts the session.
func (c *Context) LoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loggedIn
}

// MarkLoggedOut records that a request was answered with "not logged in".
func (c *Context) MarkLoggedOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedIn = false
}

// CurrentCursor returns the cursor pair as one consistent snapshot.
func (c *Context) CurrentCursor() Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor
}

// Advance replaces the sequence id and sync token together.
func (c *Context) Advance(sequenceID int64, syncToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = Cursor{SequenceID: sequenceID, HasSequence: true, SyncToken: syncToken}
}

// AdvanceSequence moves the sequence id forward while keeping the current
// token, in the same critical section as the read of that token.
func (c *Context) AdvanceSequence(sequenceID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = Cursor{SequenceID: sequenceID, HasSequence: true, SyncToken: c.cursor.SyncToken}
}

// Invalidate drops the cursor so the next connect performs a fresh sync.
func (c *Context) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = Cursor{}
	c.firstListen = false
}

// BeginListen applies the listen-start reset and reports whether a sequence
// sync is needed before connecting. Only the first listen of a Context may
// trust a cursor seeded at construction; the sync token never survives.
func (c *Context) BeginListen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cursor := c.cursor
	if !c.firstListen {
		cursor = Cursor{}
	}
	cursor.SyncToken = ""
	c.cursor = cursor

	needsSync := !c.firstListen || !cursor.HasSequence
	c.firstListen = false
	return needsSync
}
