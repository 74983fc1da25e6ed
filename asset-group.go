package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/db"
	"github.com/offline-cache/offline-cache/store"
)

// ResourceMetadata records when an unhashed resource was written to the
// cache, for Cache-Control / Expires staleness evaluation.
type ResourceMetadata struct {
	TS int64 `json:"ts"`
}

// CachedResource is a cached response plus its metadata, handed across
// versions during an update.
type CachedResource struct {
	Response *http.Response
	Metadata *ResourceMetadata
}

// UpdateSource is the read-only API a prior app version offers to a newly
// installing one, for reuse of hash-identical resources.
type UpdateSource interface {
	// LookupResourceWithHash returns the source's response for url only if
	// the source's own hash table pins url to exactly hash. The response
	// comes through the source's normal fetch path, which goes to the
	// network when url is not cached there.
	LookupResourceWithHash(ctx context.Context, url, hash string) (*http.Response, error)
	// LookupResourceWithoutHash returns the cached response and metadata
	// for an unhashed url, or nil if not cached.
	LookupResourceWithoutHash(ctx context.Context, url string) (*CachedResource, error)
	// PreviouslyCachedResources lists the unhashed urls the source has
	// cached.
	PreviouslyCachedResources(ctx context.Context) ([]string, error)
}

// AssetGroup is a versioned cache of static resources. The prefetch and
// lazy variants share all runtime behavior and differ only in how they
// initialize.
type AssetGroup interface {
	Name() string
	HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error)
	InitializeFully(ctx context.Context) error

	lookupWithoutHash(ctx context.Context, url string) (*CachedResource, error)
	unhashedResources(ctx context.Context) ([]string, error)
}

// inflightFetch is one in-progress network-and-cache operation. The result
// is kept as serialized bytes so every joiner materializes its own copy.
type inflightFetch struct {
	done  chan struct{}
	bytes []byte
	err   error
}

type assetGroup struct {
	adapter    *Adapter
	idle       *IdleScheduler
	config     AssetGroupConfig
	hashes     map[string]string
	cache      store.Cache
	metaTable  *db.Table
	urls       map[string]bool
	patterns   []*regexp.Regexp
	updateFrom UpdateSource
	log        zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*inflightFetch
}

func newAssetGroup(
	adapter *Adapter,
	idle *IdleScheduler,
	backend store.Backend,
	database *db.Database,
	manifestHash string,
	config AssetGroupConfig,
	hashes map[string]string,
	updateFrom UpdateSource,
) (*assetGroup, error) {
	patterns := make([]*regexp.Regexp, 0, len(config.Patterns))
	for _, pattern := range config.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("asset group %q: compiling pattern %q: %w", config.Name, pattern, err)
		}
		patterns = append(patterns, re)
	}
	urls := make(map[string]bool, len(config.URLs))
	for _, url := range config.URLs {
		urls[url] = true
	}
	prefix := manifestHash + ":assets:" + config.Name
	return &assetGroup{
		adapter:    adapter,
		idle:       idle,
		config:     config,
		hashes:     hashes,
		cache:      backend.Open(prefix + ":cache"),
		metaTable:  database.Open(prefix + ":meta"),
		urls:       urls,
		patterns:   patterns,
		updateFrom: updateFrom,
		log:        adapter.Log.With().Str("assetGroup", config.Name).Logger(),
		inflight:   make(map[string]*inflightFetch),
	}, nil
}

func (g *assetGroup) Name() string {
	return g.config.Name
}

func (g *assetGroup) matches(url string) bool {
	if g.urls[url] {
		return true
	}
	for _, re := range g.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// HandleFetch serves a matching request from the cache, falling back to a
// deduplicated network-and-cache operation. A nil response means the
// request is not this group's to handle.
func (g *assetGroup) HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return nil, nil
	}
	url := requestURL(req)
	if !g.matches(url) {
		return nil, nil
	}
	cached, err := g.cache.Match(http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if _, hashed := g.hashes[url]; hashed {
			// hash-pinned resources never go stale
			return cached, nil
		}
		if g.needsRevalidation(cached, url) {
			g.log.Trace().Str("url", url).Msg("Serving stale, scheduling revalidation")
			g.idle.Schedule("revalidate "+url, func(ctx context.Context) error {
				_, err := g.fetchAndCacheOnce(ctx, url)
				return err
			})
		}
		return cached, nil
	}
	return g.fetchAndCacheOnce(ctx, url)
}

// needsRevalidation evaluates staleness of an unhashed cached response from
// Cache-Control: max-age, falling back to Expires, else treating the entry
// as stale. The origin time for max-age comes from the metadata table,
// falling back to the Date header.
func (g *assetGroup) needsRevalidation(res *http.Response, url string) bool {
	cacheControl := parseCacheControl(res.Header.Get("Cache-Control"))
	if maxAgeStr, ok := cacheControl["max-age"]; ok {
		maxAgeSec, err := strconv.ParseInt(maxAgeStr, 10, 64)
		if err != nil {
			return true
		}
		var ts int64
		var meta ResourceMetadata
		if err := g.metaTable.Read(url, &meta); err == nil {
			ts = meta.TS
		} else if date := res.Header.Get("Date"); date != "" {
			parsed, err := http.ParseTime(date)
			if err != nil {
				return true
			}
			ts = parsed.UnixMilli()
		} else {
			return true
		}
		return g.adapter.Time()-ts > maxAgeSec*1000
	}
	if expires := res.Header.Get("Expires"); expires != "" {
		parsed, err := http.ParseTime(expires)
		if err != nil {
			return true
		}
		return g.adapter.Time() > parsed.UnixMilli()
	}
	return true
}

// fetchAndCacheOnce fetches url from the network, verifies it and writes it
// to the cache. Concurrent calls for the same url join the same in-progress
// operation instead of issuing a second request.
func (g *assetGroup) fetchAndCacheOnce(ctx context.Context, url string) (*http.Response, error) {
	g.mu.Lock()
	if pending, ok := g.inflight[url]; ok {
		g.mu.Unlock()
		<-pending.done
		if pending.err != nil {
			return nil, pending.err
		}
		return store.BytesToResponse(pending.bytes)
	}
	pending := &inflightFetch{done: make(chan struct{})}
	g.inflight[url] = pending
	g.mu.Unlock()

	// the in-flight entry is removed on every exit path
	defer func() {
		g.mu.Lock()
		delete(g.inflight, url)
		g.mu.Unlock()
		close(pending.done)
	}()

	res, err := g.fetchAndCache(ctx, url)
	if err != nil {
		pending.err = err
		return nil, err
	}
	pending.bytes, pending.err = store.ResponseToBytes(res)
	if pending.err != nil {
		return nil, pending.err
	}
	return store.BytesToResponse(pending.bytes)
}

func (g *assetGroup) fetchAndCache(ctx context.Context, url string) (*http.Response, error) {
	res, err := g.fetchFromNetwork(ctx, url)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("asset group %q: unexpected status %d for %s", g.config.Name, res.StatusCode, url)
	}
	if err := g.cache.Put(http.MethodGet, url, res); err != nil {
		return nil, err
	}
	if _, hashed := g.hashes[url]; !hashed {
		if err := g.metaTable.Write(url, ResourceMetadata{TS: g.adapter.Time()}); err != nil {
			g.log.Warn().Err(err).Str("url", url).Msg("Could not write resource metadata")
		}
	}
	return res, nil
}

// fetchFromNetwork retrieves url, verifying the body hash for hash-pinned
// resources. The first attempt goes through default HTTP caching; on a hash
// mismatch a single cache-busted retry is made before failing. The HTTP
// cache is almost always right, and one extra request on mismatch is
// cheaper than disabling it globally.
func (g *assetGroup) fetchFromNetwork(ctx context.Context, url string) (*http.Response, error) {
	hash, hashed := g.hashes[url]
	res, err := g.fetchURL(ctx, url)
	if err != nil {
		return nil, err
	}
	if !hashed {
		return res, nil
	}
	body, err := store.ReadBody(res)
	if err != nil {
		return nil, err
	}
	if sha1Bytes(body) == hash {
		return res, nil
	}
	g.log.Debug().Str("url", url).Msg("Hash mismatch, retrying with cache bust")
	res, err = g.fetchURL(ctx, cacheBust(url, g.adapter.Rand()))
	if err != nil {
		return nil, err
	}
	body, err = store.ReadBody(res)
	if err != nil {
		return nil, err
	}
	if actual := sha1Bytes(body); actual != hash {
		return nil, fmt.Errorf("asset group %q: hash mismatch for %s (expected %s, got %s)", g.config.Name, url, hash, actual)
	}
	return res, nil
}

func (g *assetGroup) fetchURL(ctx context.Context, url string) (*http.Response, error) {
	req, err := g.adapter.NewRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	res, err := g.adapter.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := store.Buffer(res); err != nil {
		return nil, err
	}
	return res, nil
}

// maybeUpdate copies url from the update source if the source holds a
// hash-identical copy, skipping the network entirely.
func (g *assetGroup) maybeUpdate(ctx context.Context, url string) (bool, error) {
	if g.updateFrom == nil {
		return false, nil
	}
	hash, hashed := g.hashes[url]
	if !hashed {
		return false, nil
	}
	res, err := g.updateFrom.LookupResourceWithHash(ctx, url, hash)
	if err != nil || res == nil {
		return false, err
	}
	if err := g.cache.Put(http.MethodGet, url, res); err != nil {
		return false, err
	}
	return true, nil
}

func (g *assetGroup) lookupWithoutHash(ctx context.Context, url string) (*CachedResource, error) {
	res, err := g.cache.Match(http.MethodGet, url)
	if err != nil || res == nil {
		return nil, err
	}
	resource := &CachedResource{Response: res}
	var meta ResourceMetadata
	if err := g.metaTable.Read(url, &meta); err == nil {
		resource.Metadata = &meta
	}
	return resource, nil
}

func (g *assetGroup) unhashedResources(ctx context.Context) ([]string, error) {
	keys, err := g.cache.Keys()
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0)
	for _, key := range keys {
		if key.Method != http.MethodGet {
			continue
		}
		if _, hashed := g.hashes[key.URL]; hashed {
			continue
		}
		urls = append(urls, key.URL)
	}
	return urls, nil
}

// carryOverUnhashed copies the unhashed resources the previous version had
// cached that still match this group, preserving their metadata.
func (g *assetGroup) carryOverUnhashed(ctx context.Context) error {
	urls, err := g.updateFrom.PreviouslyCachedResources(ctx)
	if err != nil {
		return err
	}
	for _, url := range urls {
		if !g.matches(url) {
			continue
		}
		if _, hashed := g.hashes[url]; hashed {
			continue
		}
		cached, err := g.cache.Match(http.MethodGet, url)
		if err != nil {
			return err
		}
		if cached != nil {
			continue
		}
		resource, err := g.updateFrom.LookupResourceWithoutHash(ctx, url)
		if err != nil {
			return err
		}
		if resource == nil {
			continue
		}
		if err := g.cache.Put(http.MethodGet, url, resource.Response); err != nil {
			return err
		}
		meta := ResourceMetadata{TS: g.adapter.Time()}
		if resource.Metadata != nil {
			meta = *resource.Metadata
		}
		if err := g.metaTable.Write(url, meta); err != nil {
			return err
		}
	}
	return nil
}

// PrefetchAssetGroup caches all listed urls during initialization.
type PrefetchAssetGroup struct {
	*assetGroup
}

func (g *PrefetchAssetGroup) InitializeFully(ctx context.Context) error {
	for _, url := range g.config.URLs {
		cached, err := g.cache.Match(http.MethodGet, url)
		if err != nil {
			return err
		}
		if cached != nil {
			continue
		}
		updated, err := g.maybeUpdate(ctx, url)
		if err != nil {
			return err
		}
		if updated {
			continue
		}
		if _, err := g.fetchAndCacheOnce(ctx, url); err != nil {
			return err
		}
	}
	if g.updateFrom != nil {
		return g.carryOverUnhashed(ctx)
	}
	return nil
}

// LazyAssetGroup caches listed urls on first request. Initialization only
// copies resources already held by the update source, best-effort, and
// never fetches missing ones.
type LazyAssetGroup struct {
	*assetGroup
}

func (g *LazyAssetGroup) InitializeFully(ctx context.Context) error {
	if g.updateFrom == nil {
		return nil
	}
	for _, url := range g.config.URLs {
		cached, err := g.cache.Match(http.MethodGet, url)
		if err != nil || cached != nil {
			continue
		}
		if _, err := g.maybeUpdate(ctx, url); err != nil {
			g.log.Debug().Err(err).Str("url", url).Msg("Could not copy resource from previous version")
		}
	}
	return nil
}

// parseCacheControl splits a Cache-Control header into its directives.
// Only max-age is consulted for freshness.
func parseCacheControl(header string) map[string]string {
	m := make(map[string]string)
	if header == "" {
		return m
	}
	for _, directive := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(directive), "=", 2)
		var val string
		if len(parts) > 1 {
			val = parts[1]
		}
		m[strings.ToLower(parts[0])] = val
	}
	return m
}
