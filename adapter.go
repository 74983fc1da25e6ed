package offlinecache

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Adapter bundles the runtime collaborators the core consumes: the network
// transport, the clock, a mockable timer and a source of cache-bust tokens.
// Any equivalent implementation of these contracts suffices; tests install
// a manual clock and channel timers.
type Adapter struct {
	// ScopeURL is the origin the worker is registered for,
	// e.g. "http://localhost:8080". Used for localhost detection only;
	// request URLs are not resolved against it.
	ScopeURL string
	// Fetch performs a network request. HTTP-level errors are returned as
	// unsuccessful responses; only transport failures return an error.
	Fetch func(ctx context.Context, req *http.Request) (*http.Response, error)
	// Now is the millisecond-resolution clock.
	Now func() time.Time
	// Timer returns a channel that receives once after d.
	Timer func(d time.Duration) <-chan time.Time
	// Rand returns a token for cache-bust query values.
	Rand func() string
	Log  zerolog.Logger
}

// NewAdapter returns an adapter bound to the real network, clock and timers.
func NewAdapter(scopeURL string, fetch func(ctx context.Context, req *http.Request) (*http.Response, error), log zerolog.Logger) *Adapter {
	return &Adapter{
		ScopeURL: scopeURL,
		Fetch:    fetch,
		Now:      time.Now,
		Timer: func(d time.Duration) <-chan time.Time {
			return time.After(d)
		},
		Rand: uuid.NewString,
		Log:  log,
	}
}

// Time returns the current time in milliseconds.
func (a *Adapter) Time() int64 {
	return a.Now().UnixMilli()
}

// NewRequest builds a GET request for an absolute path within the scope.
func (a *Adapter) NewRequest(ctx context.Context, url string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}

// IsLocalhost reports whether the scope is a development origin. Versions
// initialize inline on localhost to ease development, instead of waiting
// for an idle period.
func (a *Adapter) IsLocalhost() bool {
	u, err := url.Parse(a.ScopeURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// requestURL normalizes a request to the absolute path (plus query) the
// manifest hash table and the caches are keyed by.
func requestURL(req *http.Request) string {
	return req.URL.RequestURI()
}

// cacheBust appends the cache-bust query parameter to a URL, preserving an
// existing query string.
func cacheBust(url, token string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "ngsw-cache-bust=" + token
}

// FetchEvent is one intercepted request: the request itself, the opaque ID
// of the originating client ("" during navigation preloads) and a WaitUntil
// hook that extends worker lifetime until background work settles.
type FetchEvent struct {
	Request  *http.Request
	ClientID string

	wg sync.WaitGroup
}

func NewFetchEvent(req *http.Request, clientID string) *FetchEvent {
	return &FetchEvent{Request: req, ClientID: clientID}
}

// WaitUntil runs fn in the background and keeps the event open until it
// returns. Used for cache writes that outlive the response.
func (e *FetchEvent) WaitUntil(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Wait blocks until all WaitUntil work has settled.
func (e *FetchEvent) Wait() {
	e.wg.Wait()
}
