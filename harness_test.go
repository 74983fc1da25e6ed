package offlinecache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/store"
)

// testClock is a manual clock whose timers fire when the clock is advanced
// past their deadline.
type testClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*testTimer
}

type testTimer struct {
	at    time.Time
	ch    chan time.Time
	fired bool
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1700000000000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Timer(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &testTimer{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, timer)
	return timer.ch
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	due := make([]*testTimer, 0)
	for _, timer := range c.timers {
		if !timer.fired && !timer.at.After(now) {
			timer.fired = true
			due = append(due, timer)
		}
	}
	c.mu.Unlock()
	for _, timer := range due {
		timer.ch <- now
	}
	// give goroutines waiting on the fired timers a chance to run
	time.Sleep(10 * time.Millisecond)
}

type testResponse struct {
	body   string
	header http.Header
	status int
}

// testServer is a canned origin. It records every request (cache-bust
// parameters stripped) so tests can assert exactly what hit the network.
type testServer struct {
	mu        sync.Mutex
	responses map[string]testResponse
	requests  []string
}

func newTestServer() *testServer {
	return &testServer{responses: make(map[string]testResponse)}
}

func (s *testServer) serve(url, body string) {
	s.serveWith(url, body, nil)
}

func (s *testServer) serveWith(url, body string, header http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[url] = testResponse{body: body, header: header, status: http.StatusOK}
}

func (s *testServer) remove(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.responses, url)
}

func (s *testServer) fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	uri := req.URL.RequestURI()
	plain := stripCacheBust(uri)
	s.mu.Lock()
	s.requests = append(s.requests, plain)
	canned, ok := s.responses[plain]
	s.mu.Unlock()
	if !ok {
		return store.NewResponse(http.StatusNotFound, nil, []byte("not found")), nil
	}
	header := make(http.Header)
	for k, vv := range canned.header {
		header[k] = vv
	}
	return store.NewResponse(canned.status, header, []byte(canned.body)), nil
}

func (s *testServer) countFor(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if req == url {
			count++
		}
	}
	return count
}

func (s *testServer) sawOnly(t *testing.T, urls ...string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, req := range s.requests {
		seen[req] = true
	}
	for _, url := range urls {
		if !seen[url] {
			t.Fatalf("Server never saw request for %s (saw %v)", url, s.requests)
		}
		delete(seen, url)
	}
	if len(seen) > 0 {
		t.Fatalf("Server saw unexpected requests: %v", s.requests)
	}
}

func (s *testServer) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func stripCacheBust(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	q.Del("ngsw-cache-bust")
	u.RawQuery = q.Encode()
	return u.RequestURI()
}

// serveManifest publishes a manifest derived from the currently served
// bodies: every url in hashedURLs gets a hash table entry.
func (s *testServer) serveManifest(t *testing.T, manifest *Manifest, hashedURLs ...string) string {
	t.Helper()
	if manifest.HashTable == nil {
		manifest.HashTable = make(map[string]string)
	}
	s.mu.Lock()
	for _, url := range hashedURLs {
		canned, ok := s.responses[url]
		if !ok {
			s.mu.Unlock()
			t.Fatalf("No response served for %s", url)
		}
		manifest.HashTable[url] = sha1Bytes([]byte(canned.body))
	}
	s.mu.Unlock()
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	s.serve("/ngsw.json", string(data))
	hash, err := HashManifest(manifest)
	if err != nil {
		t.Fatal(err)
	}
	return hash
}

type testEnv struct {
	clock   *testClock
	server  *testServer
	adapter *Adapter
	backend *store.MemBackend
	driver  *Driver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:   newTestClock(),
		server:  newTestServer(),
		backend: store.NewMemBackend(),
	}
	env.adapter = env.newAdapter()
	env.driver = NewDriver(env.adapter, env.backend, DriverConfig{})
	return env
}

func (env *testEnv) newAdapter() *Adapter {
	rand := 0
	var randMu sync.Mutex
	return &Adapter{
		ScopeURL: "http://localhost:8080",
		Fetch:    env.server.fetch,
		Now:      env.clock.Now,
		Timer:    env.clock.Timer,
		Rand: func() string {
			randMu.Lock()
			defer randMu.Unlock()
			rand++
			return fmt.Sprintf("%d", rand)
		},
		Log: zerolog.Nop(),
	}
}

// restart simulates a worker restart: a fresh driver over the same
// persistent store.
func (env *testEnv) restart() {
	env.adapter = env.newAdapter()
	env.driver = NewDriver(env.adapter, env.backend, DriverConfig{})
}

func (env *testEnv) request(t *testing.T, client, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	event := NewFetchEvent(req, client)
	res, err := env.driver.HandleFetch(event)
	if err != nil {
		t.Fatalf("HandleFetch(%s): %v", url, err)
	}
	return res
}

func (env *testEnv) expectBody(t *testing.T, client, url, body string) {
	t.Helper()
	res := env.request(t, client, url)
	if res == nil {
		t.Fatalf("Request for %s fell through to the network", url)
	}
	got, err := store.ReadBody(res)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Fatalf("Body for %s is %q, expected %q", url, got, body)
	}
}

func (env *testEnv) expectFallthrough(t *testing.T, client, url string) {
	t.Helper()
	if res := env.request(t, client, url); res != nil {
		t.Fatalf("Request for %s was handled, expected fall-through", url)
	}
}

// drainIdle triggers the idle scheduler and advances past its debounce.
func (env *testEnv) drainIdle(t *testing.T) {
	t.Helper()
	env.driver.Idle().Trigger()
	env.clock.Advance(time.Second)
	select {
	case <-env.driver.Idle().Empty():
	case <-time.After(2 * time.Second):
		t.Fatal("Idle queue did not drain")
	}
}

func bodyOf(t *testing.T, res *http.Response) string {
	t.Helper()
	if res == nil {
		t.Fatal("Response is nil")
	}
	body, err := store.ReadBody(res)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}
