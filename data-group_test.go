package offlinecache

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/offline-cache/offline-cache/db"
)

func newTestDataGroup(t *testing.T, env *testEnv, config DataGroupConfig) *DataGroup {
	t.Helper()
	group, err := NewDataGroup(env.adapter, env.backend, db.New(env.backend), config)
	if err != nil {
		t.Fatal(err)
	}
	return group
}

func dataGroupFetch(t *testing.T, group *DataGroup, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	event := NewFetchEvent(req, "client-1")
	res, err := group.HandleFetch(context.Background(), event)
	if err != nil {
		t.Fatalf("HandleFetch(%s %s): %v", method, url, err)
	}
	event.Wait()
	return res
}

func TestDataGroupLruEviction(t *testing.T) {
	env := newTestEnv(t)
	for _, url := range []string{"/api/a", "/api/b", "/api/c", "/api/d", "/api/e"} {
		env.server.serve(url, "data for "+url)
	}
	group := newTestDataGroup(t, env, DataGroupConfig{
		Name:     "api",
		Patterns: []string{"^/api/.*$"},
		MaxSize:  3,
		MaxAge:   5000,
	})

	for _, url := range []string{"/api/a", "/api/b", "/api/c", "/api/d", "/api/e"} {
		res := dataGroupFetch(t, group, http.MethodGet, url)
		if got := bodyOf(t, res); got != "data for "+url {
			t.Fatalf("Body for %s is %q", url, got)
		}
	}

	// the three most recent entries are cached
	for _, url := range []string{"/api/c", "/api/d", "/api/e"} {
		dataGroupFetch(t, group, http.MethodGet, url)
		if count := env.server.countFor(url); count != 1 {
			t.Fatalf("Server saw %d requests for %s, expected 1", count, url)
		}
	}
	// the two oldest were evicted and go to the network again
	for _, url := range []string{"/api/a", "/api/b"} {
		dataGroupFetch(t, group, http.MethodGet, url)
		if count := env.server.countFor(url); count != 2 {
			t.Fatalf("Server saw %d requests for %s, expected 2", count, url)
		}
	}
}

func TestDataGroupMaxAgeBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.server.serve("/api/thing", "fresh data")
	group := newTestDataGroup(t, env, DataGroupConfig{
		Name:     "api",
		Patterns: []string{"^/api/.*$"},
		MaxSize:  10,
		MaxAge:   5000,
	})

	dataGroupFetch(t, group, http.MethodGet, "/api/thing")

	// age == maxAge is still fresh
	env.clock.Advance(5000 * time.Millisecond)
	dataGroupFetch(t, group, http.MethodGet, "/api/thing")
	if count := env.server.countFor("/api/thing"); count != 1 {
		t.Fatalf("Server saw %d requests at the freshness boundary", count)
	}

	// one millisecond past maxAge is stale
	env.clock.Advance(time.Millisecond)
	dataGroupFetch(t, group, http.MethodGet, "/api/thing")
	if count := env.server.countFor("/api/thing"); count != 2 {
		t.Fatalf("Server saw %d requests past the freshness boundary", count)
	}
}

func TestDataGroupTimeoutServes504AndCachesInBackground(t *testing.T) {
	env := newTestEnv(t)
	env.server.serve("/api/slow", "slow data")

	release := make(chan struct{})
	slowFetch := env.adapter.Fetch
	env.adapter.Fetch = func(ctx context.Context, req *http.Request) (*http.Response, error) {
		<-release
		return slowFetch(ctx, req)
	}
	group := newTestDataGroup(t, env, DataGroupConfig{
		Name:      "api",
		Patterns:  []string{"^/api/.*$"},
		MaxSize:   10,
		MaxAge:    5000,
		TimeoutMs: 1000,
	})

	req, _ := http.NewRequest(http.MethodGet, "/api/slow", nil)
	event := NewFetchEvent(req, "client-1")
	done := make(chan *http.Response, 1)
	go func() {
		res, err := group.HandleFetch(context.Background(), event)
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	// let the handler register its timer before firing it
	time.Sleep(50 * time.Millisecond)
	env.clock.Advance(1500 * time.Millisecond)
	res := <-done
	if res == nil || res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("Response is %+v, expected 504", res)
	}

	// the real fetch finishes in the background and populates the cache
	close(release)
	event.Wait()
	env.adapter.Fetch = slowFetch
	cached := dataGroupFetch(t, group, http.MethodGet, "/api/slow")
	if got := bodyOf(t, cached); got != "slow data" {
		t.Fatalf("Cached body is %q", got)
	}
	if count := env.server.countFor("/api/slow"); count != 1 {
		t.Fatalf("Server saw %d requests, expected 1", count)
	}
}

func TestDataGroupMutationInvalidatesAndForwards(t *testing.T) {
	env := newTestEnv(t)
	env.server.serve("/api/thing", "v1")
	group := newTestDataGroup(t, env, DataGroupConfig{
		Name:     "api",
		Patterns: []string{"^/api/.*$"},
		MaxSize:  10,
		MaxAge:   60000,
	})

	dataGroupFetch(t, group, http.MethodGet, "/api/thing")
	env.server.serve("/api/thing", "v2")

	res := dataGroupFetch(t, group, http.MethodPost, "/api/thing")
	if res == nil {
		t.Fatal("Mutating request was not forwarded")
	}

	// the cached v1 entry was purged, so the next read hits the network
	fresh := dataGroupFetch(t, group, http.MethodGet, "/api/thing")
	if got := bodyOf(t, fresh); got != "v2" {
		t.Fatalf("Body after mutation is %q", got)
	}
}

func TestDataGroupOptionsAbstains(t *testing.T) {
	env := newTestEnv(t)
	env.server.serve("/api/thing", "data")
	group := newTestDataGroup(t, env, DataGroupConfig{
		Name:     "api",
		Patterns: []string{"^/api/.*$"},
		MaxSize:  10,
		MaxAge:   60000,
	})

	res := dataGroupFetch(t, group, http.MethodOptions, "/api/thing")
	if res != nil {
		t.Fatal("OPTIONS request was handled")
	}
	if count := env.server.countFor("/api/thing"); count != 0 {
		t.Fatalf("Server saw %d requests", count)
	}
}

func TestDataGroupUnmatchedUrlAbstains(t *testing.T) {
	env := newTestEnv(t)
	group := newTestDataGroup(t, env, DataGroupConfig{
		Name:     "api",
		Patterns: []string{"^/api/.*$"},
		MaxSize:  10,
		MaxAge:   60000,
	})
	if res := dataGroupFetch(t, group, http.MethodGet, "/other"); res != nil {
		t.Fatal("Unmatched url was handled")
	}
}

func TestDataGroupConcurrentRequests(t *testing.T) {
	env := newTestEnv(t)
	urls := []string{"/api/a", "/api/b", "/api/c", "/api/d", "/api/e"}
	for _, url := range urls {
		env.server.serve(url, "data for "+url)
	}
	group := newTestDataGroup(t, env, DataGroupConfig{
		Name:     "api",
		Patterns: []string{"^/api/.*$"},
		MaxSize:  3,
		MaxAge:   60000,
	})

	// overlapping requests for overlapping urls must serialize their
	// LRU and cache mutations
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, url := range urls {
			wg.Add(1)
			go func(url string) {
				defer wg.Done()
				req, _ := http.NewRequest(http.MethodGet, url, nil)
				event := NewFetchEvent(req, "client-1")
				res, err := group.HandleFetch(context.Background(), event)
				if err != nil || res == nil {
					t.Errorf("HandleFetch(%s): %v, %v", url, res, err)
					return
				}
				if got := bodyOf(t, res); got != "data for "+url {
					t.Errorf("Body for %s is %q", url, got)
				}
				event.Wait()
			}(url)
		}
	}
	wg.Wait()

	group.mu.Lock()
	defer group.mu.Unlock()
	lru := group.lruList()
	if lru.Size() > 3 {
		t.Fatalf("LRU size is %d, exceeds maxSize", lru.Size())
	}
	if lru.Size() != len(lru.State().Map) {
		t.Fatalf("Count %d does not match map size %d", lru.Size(), len(lru.State().Map))
	}
}

func TestDataGroupLruSurvivesRestart(t *testing.T) {
	env := newTestEnv(t)
	env.server.serve("/api/a", "a")
	env.server.serve("/api/b", "b")
	config := DataGroupConfig{
		Name:     "api",
		Patterns: []string{"^/api/.*$"},
		MaxSize:  2,
		MaxAge:   60000,
	}
	group := newTestDataGroup(t, env, config)
	dataGroupFetch(t, group, http.MethodGet, "/api/a")
	dataGroupFetch(t, group, http.MethodGet, "/api/b")

	// a new group over the same backend sees the persisted LRU and cache
	restarted := newTestDataGroup(t, env, config)
	dataGroupFetch(t, restarted, http.MethodGet, "/api/a")
	dataGroupFetch(t, restarted, http.MethodGet, "/api/b")
	if count := env.server.countFor("/api/a"); count != 1 {
		t.Fatalf("Server saw %d requests for /api/a", count)
	}
	if count := env.server.countFor("/api/b"); count != 1 {
		t.Fatalf("Server saw %d requests for /api/b", count)
	}

	restarted.mu.Lock()
	size := restarted.lruList().Size()
	restarted.mu.Unlock()
	if size != 2 {
		t.Fatalf("Rehydrated LRU size is %d", size)
	}
}
