// Command offline-proxy runs the caching worker core as a local reverse
// proxy: requests are routed through the driver, which serves them from the
// versioned caches or lets them fall through to the origin.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/offline-cache/offline-cache"
	"github.com/offline-cache/offline-cache/store"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	providerFlag       string
	dbFilenameFlag     string
	redisAddrFlag      string
	manifestPathFlag   string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Store provider to use (sqlite, memory, redis)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for an in-memory db)")
	flag.StringVar(&redisAddrFlag, "redis", "localhost:6379", "Redis address for the redis provider")
	flag.StringVar(&manifestPathFlag, "manifest", "/ngsw.json", "Manifest path on the origin")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

const clientCookie = "offline-cache-client"

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := Config{
		Port:     portFlag,
		Origin:   originFlag,
		Provider: providerFlag,
		DB:       dbFilenameFlag,
		Redis:    redisAddrFlag,
		Manifest: manifestPathFlag,
	}
	if configFilenameFlag != "" {
		fileConfig, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		if config.Origin == "" {
			config.Origin = fileConfig.Origin
		}
		if fileConfig.Port > 0 {
			config.Port = fileConfig.Port
		}
		if fileConfig.Provider != "" {
			config.Provider = fileConfig.Provider
		}
		if fileConfig.DB != "" {
			config.DB = fileConfig.DB
		}
		if fileConfig.Redis != "" {
			config.Redis = fileConfig.Redis
		}
		if fileConfig.Manifest != "" {
			config.Manifest = fileConfig.Manifest
		}
	}

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	var backend store.Backend
	switch config.Provider {
	case "sqlite":
		dbFilename := config.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		backend, err = store.NewSQLiteBackend(dbFilename)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open sqlite store")
		}
	case "memory":
		backend = store.NewMemBackend()
	case "redis":
		backend = store.NewRedisBackend(config.Redis)
	default:
		log.Fatal().Msgf("Unsupported store provider: %s", config.Provider)
	}

	scope := fmt.Sprintf("http://localhost:%d", config.Port)
	adapter := offlinecache.NewAdapter(scope, originFetcher(*originURL), log.Logger)
	driver := offlinecache.NewDriver(adapter, backend, offlinecache.DriverConfig{
		ManifestPath: config.Manifest,
	})

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/.offline-cache/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(driver.Status())
	})
	r.Handle("/*", workerHandler(driver, adapter))

	log.Info().Msgf("Proxying port %v to %s", config.Port, originURL.String())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), r); err != nil {
		panic(err)
	}
}

// workerHandler interposes the driver on every request: resolve the client
// ID from a cookie (minting one for new browsing contexts), let the driver
// decide, and fall through to the origin on abstention. The idle scheduler
// is woken after each event.
func workerHandler(driver *offlinecache.Driver, adapter *offlinecache.Adapter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := ""
		if cookie, err := r.Cookie(clientCookie); err == nil {
			clientID = cookie.Value
		} else {
			clientID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:  clientCookie,
				Value: clientID,
				Path:  "/",
			})
		}

		event := offlinecache.NewFetchEvent(r, clientID)
		res, err := driver.HandleFetch(event)
		if err != nil {
			log.Debug().Err(err).Str("url", r.URL.String()).Msg("Fetch handler failed, falling through")
		}
		if res == nil {
			var fetchErr error
			res, fetchErr = adapter.Fetch(r.Context(), r)
			if fetchErr != nil {
				http.Error(w, "Could not connect to origin", http.StatusBadGateway)
				driver.Idle().Trigger()
				return
			}
		}
		defer res.Body.Close()
		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		if _, err := io.Copy(w, res.Body); err != nil {
			log.Error().Err(err).Msg("Could not write response body to client")
		}
		driver.Idle().Trigger()
	})
}

// originFetcher returns the adapter's network transport: a client bound to
// the origin that does not follow redirects and returns HTTP errors as
// responses.
func originFetcher(origin url.URL) func(ctx context.Context, req *http.Request) (*http.Response, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		uri := origin.String() + req.URL.RequestURI()
		// need to specifically set body to nil on the outgoing request if
		// content is zero length
		body := req.Body
		if req.ContentLength == 0 {
			body = nil
		}
		originReq, err := http.NewRequestWithContext(ctx, req.Method, uri, body)
		if err != nil {
			return nil, err
		}
		copyHeader(originReq.Header, req.Header)
		originReq.Header.Del("Connection")
		return client.Do(originReq)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
