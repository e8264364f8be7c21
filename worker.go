package offlinecache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/offline-cache/offline-cache/cache"
	"github.com/offline-cache/offline-cache/pkg/snapshot"
)

// generationPrefix plus the configured version makes up the name of the
// current cache generation.
const generationPrefix = "offline-cache-"

// ErrManifestFetch is returned from Install when a precache manifest entry
// cannot be fetched or stored.
var ErrManifestFetch = errors.New("could not precache manifest entry")

type Config struct {
	// Storage for response snapshots.
	Cache cache.Provider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Version identifies the current cache generation.
	// Bump it to invalidate everything on the next activation.
	Version string
	// Precache lists the paths stored during installation.
	Precache []string
	// StaticPrefixes and StaticExtensions select the cache-first strategy.
	StaticPrefixes   []string
	StaticExtensions []string
	// OfflinePath is the stored page served for failed navigations.
	// It is always included in the precache manifest.
	OfflinePath string
	// PrecacheBestEffort skips precache entries that fail instead of
	// aborting the installation.
	PrecacheBestEffort bool
}

// Worker is the request interception engine. It classifies every incoming
// request, serves it with one of two retrieval strategies against the
// current cache generation, and guarantees an offline substitute when both
// store and network are exhausted.
//
// The expected lifecycle is Install, then Activate, then serving traffic,
// but an already-populated store makes Install optional.
type Worker struct {
	provider     cache.Provider
	keyer        Keyer
	classifier   Classifier
	log          zerolog.Logger
	httpClient   http.Client
	reverseproxy httputil.ReverseProxy
	originURL    url.URL
	originHost   string
	version      string
	precache     []string
	offlinePath  string
	bestEffort   bool
}

// CreateWorker initializes the worker and sets up the needed variables.
// It does not touch the store; that happens during Install and Activate.
func CreateWorker(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	version := config.Version
	if version == "" {
		version = "v1"
	}
	offlinePath := config.OfflinePath
	if offlinePath == "" {
		offlinePath = "/offline"
	}
	precache := config.Precache
	if len(precache) == 0 {
		precache = []string{"/", offlinePath, "/manifest.webmanifest"}
	}
	// the offline fallback must be present after every installation
	if !containsString(precache, offlinePath) {
		precache = append(precache, offlinePath)
	}
	prefixes := config.StaticPrefixes
	if prefixes == nil {
		prefixes = []string{"/static/"}
	}
	extensions := config.StaticExtensions
	if extensions == nil {
		extensions = []string{"css", "js", "png", "jpg", "jpeg", "gif", "svg", "ico", "webp", "woff", "woff2"}
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}

	w := &Worker{
		provider:   config.Cache,
		keyer:      NewKeyer(config.OriginURL.String()),
		classifier: Classifier{StaticPrefixes: prefixes, StaticExtensions: extensions},
		log:        logger,
		httpClient: http.Client{
			Transport: transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		originURL:   config.OriginURL,
		originHost:  config.OriginHost,
		version:     version,
		precache:    precache,
		offlinePath: offlinePath,
		bestEffort:  config.PrecacheBestEffort,
	}

	w.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport: transport,
	}

	return w
}

// Generation returns the name of the current cache generation.
func (w *Worker) Generation() string {
	return generationPrefix + w.version
}

// current opens the current generation. Open is idempotent and cheap, so
// no handle is kept around between calls.
func (w *Worker) current() (cache.Store, error) {
	return w.provider.Open(w.Generation())
}

// Install populates the current generation with the precache manifest.
// Installation fails if any manifest entry cannot be fetched and stored,
// unless best-effort precaching is configured; the caller is expected to
// retry a failed installation rather than activate with missing resources.
func (w *Worker) Install(ctx context.Context) error {
	store, err := w.current()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, path := range w.precache {
		path := path
		g.Go(func() error {
			err := w.precachePath(ctx, store, path)
			if err != nil && w.bestEffort {
				w.log.Warn().Err(err).Str("path", path).Msg("Skipping failed precache entry")
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	w.log.Info().Str("generation", w.Generation()).Int("entries", len(w.precache)).Msg("Installed")
	return nil
}

func (w *Worker) precachePath(ctx context.Context, store cache.Store, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.originURL.String()+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrManifestFetch, path, err)
	}
	if w.originHost != "" {
		req.Host = w.originHost
	}
	res, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrManifestFetch, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %q: status %d", ErrManifestFetch, path, res.StatusCode)
	}
	snap, err := snapshot.FromResponse(res)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrManifestFetch, path, err)
	}
	if err := store.Put(w.keyer.PathIdentity(path), snap); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrManifestFetch, path, err)
	}
	w.log.Debug().Str("path", path).Msg("Precached")
	return nil
}

// Activate deletes every generation whose name is not the current one.
// Deletions run concurrently and are best-effort: failures are logged and
// the stale generation stays around until a later activation retries.
func (w *Worker) Activate(ctx context.Context) error {
	names, err := w.provider.Names()
	if err != nil {
		return err
	}
	current := w.Generation()
	var wg sync.WaitGroup
	for _, name := range names {
		if name == current {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := w.provider.Remove(name); err != nil {
				w.log.Warn().Err(err).Str("generation", name).Msg("Could not delete stale generation")
				return
			}
			w.log.Debug().Str("generation", name).Msg("Deleted stale generation")
		}(name)
	}
	wg.Wait()
	w.log.Info().Str("generation", current).Msg("Activated")
	return nil
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)
	switch w.classifier.Classify(r) {
	case CategoryBypass:
		// non-GET requests never touch the store
		w.reverseproxy.ServeHTTP(rw, r)
	case CategoryStaticAsset:
		w.cacheFirst(rw, r)
	case CategoryNavigation:
		w.networkFirst(rw, r, true)
	default:
		w.networkFirst(rw, r, false)
	}
}

// recover turns panics in the handler into the synthetic unavailable
// response instead of killing the connection.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).
			Str("path", r.URL.Path).Msg("Panic in worker handler")
		w.serviceUnavailable(rw)
	}
}

// cacheFirst serves static assets: a stored snapshot wins, the network is
// only used to fill misses. A miss that also fails on the network has no
// further fallback and terminates in the synthetic unavailable response.
func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request) {
	key := w.keyer.Identity(r)
	log := w.log.With().Str("key", key).Logger()

	store, err := w.current()
	if err != nil {
		// degrade to network-only
		log.Error().Err(err).Msg("Cache unavailable")
		store = nil
	} else if snap, ok, err := store.Get(key); err != nil {
		log.Warn().Err(err).Msg("Error reading from cache")
	} else if ok {
		log.Debug().Int("hit", 1).Msg("Serving stored snapshot")
		w.send(rw, snap, log)
		return
	}

	res, err := w.fetch(r)
	if err != nil {
		log.Warn().Err(err).Msg("Network failed with no stored snapshot")
		w.serviceUnavailable(rw)
		return
	}
	defer res.Body.Close()
	w.sendAndStore(rw, res, store, key, log)
}

// networkFirst serves navigations and dynamic content: the origin wins
// whenever it is reachable, the store is a resilience net only.
func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request, navigation bool) {
	key := w.keyer.Identity(r)
	log := w.log.With().Str("key", key).Logger()

	res, err := w.fetch(r)
	if err != nil {
		log.Debug().Err(err).Msg("Network failed, falling back to cache")
		w.fallback(rw, key, navigation, log)
		return
	}
	defer res.Body.Close()

	store, storeErr := w.current()
	if storeErr != nil {
		log.Error().Err(storeErr).Msg("Cache unavailable")
		store = nil
	}
	w.sendAndStore(rw, res, store, key, log)
}

// sendAndStore sends the origin response to the client, storing a copy
// first when the status is the canonical success code. Store failures only
// degrade future offline behavior and never fail the response.
func (w *Worker) sendAndStore(rw http.ResponseWriter, res *http.Response, store cache.Store, key string, log zerolog.Logger) {
	if res.StatusCode == http.StatusOK && store != nil {
		snap, err := snapshot.FromResponse(res)
		if err != nil {
			log.Warn().Err(err).Msg("Could not snapshot origin response")
		} else {
			if err := store.Put(key, snap); err != nil {
				log.Warn().Err(err).Msg("Could not write to cache")
			} else {
				log.Debug().Bool("stored", true).Msg("Cache write")
			}
			w.send(rw, snap, log)
			return
		}
	}
	// non-cacheable status: return as-is, do not store
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rw, res.Body); err != nil {
		log.Error().Err(err).Msg("Error writing to client")
	}
}

// fallback resolves a failed network-first request. Order: the request's
// own snapshot, then (for navigations) the offline page, then the
// synthetic unavailable response. Every intercepted GET resolves to some
// response, never an unhandled failure.
func (w *Worker) fallback(rw http.ResponseWriter, key string, navigation bool, log zerolog.Logger) {
	if store, err := w.current(); err != nil {
		log.Error().Err(err).Msg("Cache unavailable during fallback")
	} else {
		if snap, ok, err := store.Get(key); err != nil {
			log.Warn().Err(err).Msg("Error reading from cache")
		} else if ok {
			log.Debug().Int("hit", 1).Msg("Serving stored snapshot")
			w.send(rw, snap, log)
			return
		}
		if navigation {
			if snap, ok, err := store.Get(w.keyer.PathIdentity(w.offlinePath)); err == nil && ok {
				log.Debug().Str("fallback", w.offlinePath).Msg("Serving offline page")
				w.send(rw, snap, log)
				return
			}
		}
	}
	w.serviceUnavailable(rw)
}

func (w *Worker) send(rw http.ResponseWriter, snap snapshot.Snapshot, log zerolog.Logger) {
	if err := snap.Write(rw); err != nil {
		log.Error().Err(err).Msg("Error writing to client")
	}
}

func (w *Worker) serviceUnavailable(rw http.ResponseWriter) {
	rw.WriteHeader(http.StatusServiceUnavailable)
}

// fetch the resource specified in the incoming request from the origin
func (w *Worker) fetch(r *http.Request) (*http.Response, error) {
	uri := w.originURL.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequest(r.Method, uri, body)
	if err != nil {
		w.log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return nil, err
	}
	if w.originHost != "" {
		req.Host = w.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	return w.httpClient.Do(req)
}

func createDirector(scheme, host, hostHeader string) func(*http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		req.Host = hostHeader
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
