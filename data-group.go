package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/db"
	"github.com/offline-cache/offline-cache/store"
)

type ageRecord struct {
	Age int64 `json:"age"`
}

// DataGroup caches dynamic API responses matching its patterns, bounded by
// an LRU of maxSize entries that expire after maxAge milliseconds. An
// optional network timeout races the fetch against a timer; the caller gets
// a synthetic 504 while the real request finishes in the background.
type DataGroup struct {
	adapter  *Adapter
	config   DataGroupConfig
	patterns []*regexp.Regexp
	cache    store.Cache
	lruTable *db.Table
	ageTable *db.Table
	log      zerolog.Logger

	// mu serializes every LRU, cache and age mutation: concurrent
	// requests and background timeout writes share this group.
	mu  sync.Mutex
	lru *LruList
}

func NewDataGroup(
	adapter *Adapter,
	backend store.Backend,
	database *db.Database,
	config DataGroupConfig,
) (*DataGroup, error) {
	patterns := make([]*regexp.Regexp, 0, len(config.Patterns))
	for _, pattern := range config.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("data group %q: compiling pattern %q: %w", config.Name, pattern, err)
		}
		patterns = append(patterns, re)
	}
	prefix := "data:" + config.Name
	return &DataGroup{
		adapter:  adapter,
		config:   config,
		patterns: patterns,
		cache:    backend.Open(prefix + ":cache"),
		lruTable: database.Open(prefix + ":lru"),
		ageTable: database.Open(prefix + ":age"),
		log:      adapter.Log.With().Str("dataGroup", config.Name).Logger(),
	}, nil
}

func (g *DataGroup) Name() string {
	return g.config.Name
}

func (g *DataGroup) matches(url string) bool {
	for _, re := range g.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// lruList lazily rehydrates the LRU from its persisted state. A read miss
// or corrupt state starts an empty list. The caller must hold g.mu.
func (g *DataGroup) lruList() *LruList {
	if g.lru != nil {
		return g.lru
	}
	var state LruState
	if err := g.lruTable.Read("lru", &state); err == nil {
		g.lru = LruFromState(&state)
	} else {
		g.lru = NewLruList()
	}
	return g.lru
}

// syncLru persists the current LRU snapshot. The caller must hold g.mu.
func (g *DataGroup) syncLru() {
	if g.lru == nil {
		return
	}
	if err := g.lruTable.Write("lru", g.lru.State()); err != nil {
		g.log.Warn().Err(err).Msg("Could not persist LRU state")
	}
}

// HandleFetch serves a matching request per its method: GET and HEAD go
// through the cache, OPTIONS is never touched, and mutating methods
// invalidate the cached entry before being forwarded. A nil response means
// the request is not this group's to handle.
func (g *DataGroup) HandleFetch(ctx context.Context, event *FetchEvent) (*http.Response, error) {
	req := event.Request
	url := requestURL(req)
	if !g.matches(url) {
		return nil, nil
	}
	switch req.Method {
	case http.MethodOptions:
		return nil, nil
	case http.MethodGet, http.MethodHead:
		return g.handleRead(ctx, event, url)
	default:
		return g.handleMutation(ctx, req, url)
	}
}

func (g *DataGroup) handleRead(ctx context.Context, event *FetchEvent, url string) (*http.Response, error) {
	req := event.Request
	g.mu.Lock()
	cached, err := g.loadFresh(req.Method, url)
	if err != nil {
		g.log.Debug().Err(err).Str("url", url).Msg("Could not read cached entry")
	}
	if cached != nil {
		g.lruList().Accessed(url)
		g.syncLru()
		g.mu.Unlock()
		return cached, nil
	}
	g.mu.Unlock()

	if g.config.TimeoutMs > 0 {
		return g.fetchWithTimeout(ctx, event, url)
	}
	res, err := g.fetchFromNetwork(ctx, req)
	if err != nil {
		return nil, err
	}
	g.cacheResponse(url, req, res)
	return res, nil
}

// loadFresh returns the cached response for url if present and within
// maxAge. An expired, unreadable or age-less entry is removed from both the
// cache and the LRU, turning the lookup into a miss. The caller must hold
// g.mu.
func (g *DataGroup) loadFresh(method, url string) (*http.Response, error) {
	res, err := g.cache.Match(method, url)
	if err == nil && res != nil {
		var age ageRecord
		ageErr := g.ageTable.Read(url, &age)
		if ageErr == nil && g.adapter.Time()-age.Age <= g.config.MaxAge {
			return res, nil
		}
		err = ageErr
	}
	if res != nil || err != nil {
		g.drop(url)
		g.syncLru()
	}
	return nil, err
}

// drop removes every trace of url: LRU node, GET and HEAD cache entries,
// age record. The caller must hold g.mu.
func (g *DataGroup) drop(url string) {
	g.lruList().Remove(url)
	if _, err := g.cache.Delete(http.MethodGet, url); err != nil {
		g.log.Warn().Err(err).Str("url", url).Msg("Could not delete cache entry")
	}
	if _, err := g.cache.Delete(http.MethodHead, url); err != nil {
		g.log.Warn().Err(err).Str("url", url).Msg("Could not delete cache entry")
	}
	if _, err := g.ageTable.Delete(url); err != nil {
		g.log.Warn().Err(err).Str("url", url).Msg("Could not delete age record")
	}
}

func (g *DataGroup) handleMutation(ctx context.Context, req *http.Request, url string) (*http.Response, error) {
	g.mu.Lock()
	g.drop(url)
	g.syncLru()
	g.mu.Unlock()
	return g.adapter.Fetch(ctx, req)
}

// fetchWithTimeout races the network against the configured timer. If the
// timer wins, the caller gets a synthetic 504 Gateway Timeout and the
// underlying fetch keeps running under the event's lifetime extension so
// its response can still populate the cache.
func (g *DataGroup) fetchWithTimeout(ctx context.Context, event *FetchEvent, url string) (*http.Response, error) {
	req := event.Request
	type fetchResult struct {
		res *http.Response
		err error
	}
	resultCh := make(chan fetchResult, 1)
	go func() {
		res, err := g.fetchFromNetwork(context.WithoutCancel(ctx), req)
		resultCh <- fetchResult{res, err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		g.cacheResponse(url, req, result.res)
		return result.res, nil
	case <-g.adapter.Timer(millis(g.config.TimeoutMs)):
		g.log.Debug().Str("url", url).Msg("Network timed out, serving 504")
		event.WaitUntil(func() {
			result := <-resultCh
			if result.err != nil {
				g.log.Debug().Err(result.err).Str("url", url).Msg("Background fetch failed")
				return
			}
			g.cacheResponse(url, req, result.res)
		})
		return store.NewResponse(http.StatusGatewayTimeout, nil, nil), nil
	}
}

func (g *DataGroup) fetchFromNetwork(ctx context.Context, req *http.Request) (*http.Response, error) {
	res, err := g.adapter.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := store.Buffer(res); err != nil {
		return nil, err
	}
	return res, nil
}

// cacheResponse writes a successful network response into the cache,
// evicting the LRU tail when the group is full. Unsuccessful responses are
// passed through uncached.
func (g *DataGroup) cacheResponse(url string, req *http.Request, res *http.Response) {
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	lru := g.lruList()
	if lru.Size() >= g.config.MaxSize {
		if victim := lru.Pop(); victim != "" && victim != url {
			g.log.Trace().Str("url", victim).Msg("Evicting LRU tail")
			if _, err := g.cache.Delete(http.MethodGet, victim); err != nil {
				g.log.Warn().Err(err).Str("url", victim).Msg("Could not delete cache entry")
			}
			if _, err := g.cache.Delete(http.MethodHead, victim); err != nil {
				g.log.Warn().Err(err).Str("url", victim).Msg("Could not delete cache entry")
			}
			if _, err := g.ageTable.Delete(victim); err != nil {
				g.log.Warn().Err(err).Str("url", victim).Msg("Could not delete age record")
			}
		}
	}
	lru.Accessed(url)
	if err := g.cache.Put(req.Method, url, res); err != nil {
		g.log.Warn().Err(err).Str("url", url).Msg("Could not write cache entry")
	}
	if err := g.ageTable.Write(url, ageRecord{Age: g.adapter.Time()}); err != nil {
		g.log.Warn().Err(err).Str("url", url).Msg("Could not write age record")
	}
	g.syncLru()
}
