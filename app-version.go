package offlinecache

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/db"
	"github.com/offline-cache/offline-cache/store"
)

// AppVersion is the runtime binding of one manifest: its asset groups, its
// data groups and its flattened url → hash lookup. Its identity is the
// manifest hash.
type AppVersion struct {
	adapter     *Adapter
	manifest    *Manifest
	hash        string
	hashTable   map[string]string
	assetGroups []AssetGroup
	dataGroups  []*DataGroup
	log         zerolog.Logger

	// okay is true until initialization fails for this version.
	okay bool
}

func NewAppVersion(
	adapter *Adapter,
	idle *IdleScheduler,
	backend store.Backend,
	database *db.Database,
	manifest *Manifest,
	hash string,
	updateFrom UpdateSource,
) (*AppVersion, error) {
	hashTable := make(map[string]string, len(manifest.HashTable))
	for url, h := range manifest.HashTable {
		hashTable[url] = h
	}
	v := &AppVersion{
		adapter:   adapter,
		manifest:  manifest,
		hash:      hash,
		hashTable: hashTable,
		log:       adapter.Log.With().Str("version", hash).Logger(),
		okay:      true,
	}
	for _, config := range manifest.AssetGroups {
		group, err := newAssetGroup(adapter, idle, backend, database, hash, config, hashTable, updateFrom)
		if err != nil {
			return nil, err
		}
		switch config.InstallMode {
		case InstallModeLazy:
			v.assetGroups = append(v.assetGroups, &LazyAssetGroup{assetGroup: group})
		case InstallModePrefetch, "":
			v.assetGroups = append(v.assetGroups, &PrefetchAssetGroup{assetGroup: group})
		default:
			return nil, fmt.Errorf("asset group %q: unknown install mode %q", config.Name, config.InstallMode)
		}
	}
	for _, config := range manifest.DataGroups {
		group, err := NewDataGroup(adapter, backend, database, config)
		if err != nil {
			return nil, err
		}
		v.dataGroups = append(v.dataGroups, group)
	}
	return v, nil
}

func (v *AppVersion) Hash() string {
	return v.hash
}

func (v *AppVersion) Manifest() *Manifest {
	return v.manifest
}

// Okay reports whether this version has not failed initialization.
func (v *AppVersion) Okay() bool {
	return v.okay
}

// InitializeFully initializes asset groups serially in declaration order.
// A failure marks the version as broken and aborts the chain; data groups
// need no initialization.
func (v *AppVersion) InitializeFully(ctx context.Context) error {
	for _, group := range v.assetGroups {
		if err := group.InitializeFully(ctx); err != nil {
			v.okay = false
			return err
		}
	}
	return nil
}

// HandleFetch dispatches a request to each asset group then each data group
// in declaration order; the first non-nil response wins. Abstention
// everywhere returns nil.
func (v *AppVersion) HandleFetch(ctx context.Context, event *FetchEvent) (*http.Response, error) {
	for _, group := range v.assetGroups {
		res, err := group.HandleFetch(ctx, event.Request)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	for _, group := range v.dataGroups {
		res, err := group.HandleFetch(ctx, event)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// LookupResourceWithHash returns a response for url only if this version
// pins url to exactly hash. The cache is authoritative because content was
// hash-verified at install time, so the lookup re-dispatches through the
// normal fetch path.
func (v *AppVersion) LookupResourceWithHash(ctx context.Context, url, hash string) (*http.Response, error) {
	if v.hashTable[url] != hash {
		return nil, nil
	}
	req, err := v.adapter.NewRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	for _, group := range v.assetGroups {
		res, err := group.HandleFetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// LookupResourceWithoutHash returns the cached response and metadata for an
// unhashed url, or nil if no group holds it.
func (v *AppVersion) LookupResourceWithoutHash(ctx context.Context, url string) (*CachedResource, error) {
	for _, group := range v.assetGroups {
		resource, err := group.lookupWithoutHash(ctx, url)
		if err != nil {
			return nil, err
		}
		if resource != nil {
			return resource, nil
		}
	}
	return nil, nil
}

// PreviouslyCachedResources lists the unhashed urls this version has cached
// across all its asset groups.
func (v *AppVersion) PreviouslyCachedResources(ctx context.Context) ([]string, error) {
	urls := make([]string, 0)
	seen := make(map[string]bool)
	for _, group := range v.assetGroups {
		groupURLs, err := group.unhashedResources(ctx)
		if err != nil {
			return nil, err
		}
		for _, url := range groupURLs {
			if !seen[url] {
				seen[url] = true
				urls = append(urls, url)
			}
		}
	}
	return urls, nil
}
