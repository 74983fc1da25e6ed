package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/db"
	"github.com/offline-cache/offline-cache/store"
)

// DriverState is the driver's three-valued ready state.
type DriverState int

const (
	// StateNormal accepts new clients onto the latest version.
	StateNormal DriverState = iota
	// StateExistingClientsOnly still serves clients already mapped to a
	// version; new clients fall through to the network.
	StateExistingClientsOnly
	// StateSafeMode declines every request until the worker restarts.
	StateSafeMode
)

func (s DriverState) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateExistingClientsOnly:
		return "EXISTING_CLIENTS_ONLY"
	case StateSafeMode:
		return "SAFE_MODE"
	}
	return "UNKNOWN"
}

const (
	controlTable         = "control"
	defaultManifestPath  = "/ngsw.json"
	defaultIdleThreshold = int64(100)
	defaultUpdateEvery   = 12 * time.Second
)

type DriverConfig struct {
	// ManifestPath is the path the manifest is fetched from.
	// Defaults to "/ngsw.json".
	ManifestPath string
	// IdleThresholdMs is the idle scheduler debounce delay.
	IdleThresholdMs int64
	// UpdateInterval gates the opportunistic background update check.
	// Defaults to 12 seconds.
	UpdateInterval time.Duration
}

type latestEntry struct {
	Latest string `json:"latest"`
}

// Driver routes each intercepted request to the correct app version, pins
// clients to a version for their lifetime, detects updates and degrades
// gracefully when a version is corrupt. It is process-wide state with
// lifecycle equal to the worker's; re-initialization on cold start is the
// recovery mechanism.
type Driver struct {
	adapter  *Adapter
	backend  store.Backend
	database *db.Database
	control  *db.Table
	idle     *IdleScheduler
	config   DriverConfig
	log      zerolog.Logger

	mu               sync.Mutex
	initialized      bool
	initErr          error
	state            DriverState
	versions         map[string]*AppVersion
	clientVersionMap map[string]string
	latestHash       string
}

func NewDriver(adapter *Adapter, backend store.Backend, config DriverConfig) *Driver {
	if config.ManifestPath == "" {
		config.ManifestPath = defaultManifestPath
	}
	if config.IdleThresholdMs == 0 {
		config.IdleThresholdMs = defaultIdleThreshold
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = defaultUpdateEvery
	}
	database := db.New(backend)
	return &Driver{
		adapter:          adapter,
		backend:          backend,
		database:         database,
		control:          database.Open(controlTable),
		idle:             NewIdleScheduler(adapter, config.IdleThresholdMs, adapter.Log),
		config:           config,
		log:              adapter.Log.With().Str("component", "driver").Logger(),
		state:            StateNormal,
		versions:         make(map[string]*AppVersion),
		clientVersionMap: make(map[string]string),
	}
}

// Idle exposes the idle scheduler so the host can wake it after each
// fetch-event completion.
func (d *Driver) Idle() *IdleScheduler {
	return d.idle
}

// State returns the current ready state.
func (d *Driver) State() DriverState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// DriverStatus is a point-in-time snapshot for operational introspection.
type DriverStatus struct {
	State    string `json:"state"`
	Latest   string `json:"latest"`
	Versions int    `json:"versions"`
	Clients  int    `json:"clients"`
}

func (d *Driver) Status() DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DriverStatus{
		State:    d.state.String(),
		Latest:   d.latestHash,
		Versions: len(d.versions),
		Clients:  len(d.clientVersionMap),
	}
}

// HandleFetch decides how to serve one intercepted request. A nil response
// with nil error means the caller should fall through to the network. The
// driver never panics out of the fetch path; an unexpected panic flips
// SAFE_MODE and declines.
func (d *Driver) HandleFetch(event *FetchEvent) (res *http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("error", r).Msg("Panic in fetch handler, entering SAFE_MODE")
			d.mu.Lock()
			d.state = StateSafeMode
			d.mu.Unlock()
			res, err = nil, nil
		}
	}()

	ctx := event.Request.Context()
	if initErr := d.ensureInitialized(ctx); initErr != nil {
		return nil, nil
	}

	d.mu.Lock()
	version := d.versionForEventLocked(event)
	d.mu.Unlock()
	if version == nil {
		return nil, nil
	}
	return version.HandleFetch(ctx, event)
}

// versionForEventLocked applies the assignment rules: pinned clients stay
// on their version, new clients are pinned to latest only in NORMAL, and
// client-less requests are served from latest without pinning.
func (d *Driver) versionForEventLocked(event *FetchEvent) *AppVersion {
	if d.state == StateSafeMode {
		return nil
	}
	client := event.ClientID
	if client != "" {
		if hash, ok := d.clientVersionMap[client]; ok {
			// the pinned version's cache is immutable and safe to read
			// even when the version is broken
			return d.versions[hash]
		}
		if d.state != StateNormal {
			return nil
		}
		d.clientVersionMap[client] = d.latestHash
		d.scheduleStateSaveLocked()
		return d.versions[d.latestHash]
	}
	if d.state != StateNormal {
		return nil
	}
	return d.versions[d.latestHash]
}

// ensureInitialized performs one-shot initialization on the first
// intercepted request. Any failure is fatal and latches SAFE_MODE until
// the worker restarts.
func (d *Driver) ensureInitialized(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return d.initErr
	}
	d.initialized = true
	if err := d.initializeLocked(ctx); err != nil {
		d.log.Error().Err(err).Msg("Initialization failed, entering SAFE_MODE")
		d.state = StateSafeMode
		d.initErr = err
		return err
	}
	go d.updateLoop(d.adapter.Timer(d.config.UpdateInterval))
	return nil
}

func (d *Driver) initializeLocked(ctx context.Context) error {
	var manifests map[string]*Manifest
	var assignments map[string]string
	var latest latestEntry

	errManifests := d.control.Read("manifests", &manifests)
	errAssignments := d.control.Read("assignments", &assignments)
	errLatest := d.control.Read("latest", &latest)

	if errManifests != nil || errAssignments != nil || errLatest != nil {
		// a read miss or corrupt state means a fresh install
		d.log.Debug().Msg("No usable persisted state, seeding from the network manifest")
		manifest, hash, err := d.fetchLatestManifest(ctx)
		if err != nil {
			return fmt.Errorf("seeding fresh state: %w", err)
		}
		manifests = map[string]*Manifest{hash: manifest}
		assignments = map[string]string{}
		latest = latestEntry{Latest: hash}
		if err := d.control.Write("manifests", manifests); err != nil {
			return err
		}
		if err := d.control.Write("assignments", assignments); err != nil {
			return err
		}
		if err := d.control.Write("latest", latest); err != nil {
			return err
		}
	}

	if _, ok := manifests[latest.Latest]; !ok {
		return fmt.Errorf("invariant violated: latest hash %s not in manifests", latest.Latest)
	}
	for client, hash := range assignments {
		if _, ok := manifests[hash]; !ok {
			return fmt.Errorf("invariant violated: client %s assigned to unknown hash %s", client, hash)
		}
	}

	// latest and the client map must be in place before any version
	// initializes, so a failing latest degrades the state correctly
	d.clientVersionMap = assignments
	d.latestHash = latest.Latest
	for hash, manifest := range manifests {
		version, err := NewAppVersion(d.adapter, d.idle, d.backend, d.database, manifest, hash, nil)
		if err != nil {
			return fmt.Errorf("constructing version %s: %w", hash, err)
		}
		d.versions[hash] = version
	}
	for _, version := range d.versions {
		d.scheduleInitializationLocked(version)
	}
	d.log.Info().Str("latest", d.latestHash).Int("versions", len(d.versions)).Msg("Driver initialized")
	return nil
}

// scheduleInitializationLocked queues full initialization of a version.
// Localhost scopes initialize inline to ease development.
func (d *Driver) scheduleInitializationLocked(version *AppVersion) {
	if d.adapter.IsLocalhost() {
		if err := version.InitializeFully(context.Background()); err != nil {
			d.versionFailedLocked(version, err)
		}
		return
	}
	d.idle.Schedule("init version "+version.Hash(), func(ctx context.Context) error {
		if err := version.InitializeFully(ctx); err != nil {
			d.VersionFailed(version, err)
			return err
		}
		return nil
	})
}

func (d *Driver) fetchLatestManifest(ctx context.Context) (*Manifest, string, error) {
	req, err := d.adapter.NewRequest(ctx, cacheBust(d.config.ManifestPath, d.adapter.Rand()))
	if err != nil {
		return nil, "", err
	}
	res, err := d.adapter.Fetch(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if err := store.Buffer(res); err != nil {
		return nil, "", err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, "", fmt.Errorf("manifest fetch returned status %d", res.StatusCode)
	}
	body, err := store.ReadBody(res)
	if err != nil {
		return nil, "", err
	}
	manifest, err := ParseManifest(body)
	if err != nil {
		return nil, "", err
	}
	hash, err := HashManifest(manifest)
	if err != nil {
		return nil, "", err
	}
	return manifest, hash, nil
}

// CheckForUpdate fetches the manifest and, if its hash is new, installs it
// as a fully initialized version and promotes it to latest. Failure during
// candidate initialization leaves all prior state unchanged.
func (d *Driver) CheckForUpdate(ctx context.Context) (bool, error) {
	if err := d.ensureInitialized(ctx); err != nil {
		return false, err
	}
	manifest, hash, err := d.fetchLatestManifest(ctx)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	if _, known := d.versions[hash]; known {
		d.mu.Unlock()
		return false, nil
	}
	previous := d.versions[d.latestHash]
	d.mu.Unlock()

	var updateFrom UpdateSource
	if previous != nil {
		updateFrom = previous
	}
	version, err := NewAppVersion(d.adapter, d.idle, d.backend, d.database, manifest, hash, updateFrom)
	if err != nil {
		return false, err
	}
	if err := version.InitializeFully(ctx); err != nil {
		return false, err
	}

	d.mu.Lock()
	d.versions[hash] = version
	d.latestHash = hash
	if d.state == StateExistingClientsOnly {
		// a successful update restores service for new clients
		d.state = StateNormal
	}
	d.mu.Unlock()
	if err := d.saveState(); err != nil {
		d.log.Warn().Err(err).Msg("Could not persist state after update")
	}
	d.idle.Schedule("cleanup caches", d.cleanupCaches)
	d.log.Info().Str("hash", hash).Msg("Installed new version")
	return true, nil
}

// updateLoop opportunistically checks for updates, gated by the configured
// interval. The timer is the adapter's, so tests drive it manually. The
// first timer is armed by the caller, so the interval counts from
// initialization.
func (d *Driver) updateLoop(timer <-chan time.Time) {
	for {
		<-timer
		d.mu.Lock()
		safe := d.state == StateSafeMode
		d.mu.Unlock()
		if safe {
			return
		}
		if _, err := d.CheckForUpdate(context.Background()); err != nil {
			d.log.Debug().Err(err).Msg("Background update check failed")
		}
		timer = d.adapter.Timer(d.config.UpdateInterval)
	}
}

// VersionFailed handles a broken version. If it is the latest, the driver
// drops to EXISTING_CLIENTS_ONLY and forgets client assignments so new
// clients reach the network; otherwise affected clients are re-pinned to
// latest.
func (d *Driver) VersionFailed(version *AppVersion, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.versionFailedLocked(version, err)
}

func (d *Driver) versionFailedLocked(version *AppVersion, err error) {
	hash := version.Hash()
	if _, known := d.versions[hash]; !known {
		return
	}
	d.log.Error().Err(err).Str("version", hash).Msg("Version failed")
	if hash == d.latestHash {
		d.state = StateExistingClientsOnly
		d.clientVersionMap = make(map[string]string)
	} else {
		for client, assigned := range d.clientVersionMap {
			if assigned == hash {
				d.clientVersionMap[client] = d.latestHash
			}
		}
	}
	d.scheduleStateSaveLocked()
}

// LookupResourceWithHash folds over all known versions, returning the first
// version's copy of url whose own hash table pins it to hash.
func (d *Driver) LookupResourceWithHash(ctx context.Context, url, hash string) (*http.Response, error) {
	d.mu.Lock()
	versions := make([]*AppVersion, 0, len(d.versions))
	for _, version := range d.versions {
		versions = append(versions, version)
	}
	d.mu.Unlock()
	for _, version := range versions {
		res, err := version.LookupResourceWithHash(ctx, url, hash)
		if err != nil {
			continue
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

func (d *Driver) scheduleStateSaveLocked() {
	d.idle.Schedule("persist state", func(ctx context.Context) error {
		return d.saveState()
	})
}

// saveState writes a consistent snapshot of the control table. The
// snapshot may briefly trail the in-memory state; correctness depends only
// on it being internally consistent.
func (d *Driver) saveState() error {
	d.mu.Lock()
	manifests := make(map[string]*Manifest, len(d.versions))
	for hash, version := range d.versions {
		manifests[hash] = version.Manifest()
	}
	assignments := make(map[string]string, len(d.clientVersionMap))
	for client, hash := range d.clientVersionMap {
		assignments[client] = hash
	}
	latest := latestEntry{Latest: d.latestHash}
	d.mu.Unlock()

	if err := d.control.Write("manifests", manifests); err != nil {
		return err
	}
	if err := d.control.Write("assignments", assignments); err != nil {
		return err
	}
	return d.control.Write("latest", latest)
}

// cleanupCaches deletes stores and tables belonging to versions no longer
// latest nor assigned to any live client.
func (d *Driver) cleanupCaches(ctx context.Context) error {
	d.mu.Lock()
	keep := map[string]bool{d.latestHash: true}
	for _, hash := range d.clientVersionMap {
		keep[hash] = true
	}
	dropped := make([]string, 0)
	for hash := range d.versions {
		if !keep[hash] {
			dropped = append(dropped, hash)
			delete(d.versions, hash)
		}
	}
	d.mu.Unlock()

	for _, hash := range dropped {
		d.log.Debug().Str("version", hash).Msg("Cleaning up unreferenced version")
		stores, err := d.backend.List(hash + ":assets:")
		if err != nil {
			return err
		}
		for _, name := range stores {
			if err := d.backend.Delete(name); err != nil {
				return err
			}
		}
		tables, err := d.database.List()
		if err != nil {
			return err
		}
		for _, table := range tables {
			if strings.HasPrefix(table, hash+":assets:") {
				if err := d.database.Delete(table); err != nil {
					return err
				}
			}
		}
	}
	if len(dropped) > 0 {
		return d.saveState()
	}
	return nil
}
