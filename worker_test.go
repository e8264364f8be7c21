package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sort"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/offline-cache/offline-cache/cache"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

// newTestWorker starts an origin test server and a worker proxying to it.
func newTestWorker(t *testing.T, origin http.Handler, config Config) (*Worker, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(origin)
	t.Cleanup(server.Close)
	originUrl, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if config.Cache == nil {
		config.Cache = cache.NewMemCache()
	}
	config.OriginURL = *originUrl
	return CreateWorker(config), server
}

func appOrigin() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("home"))
	})
	mux.HandleFunc("/offline", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("you are offline"))
	})
	mux.HandleFunc("/manifest.webmanifest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	return mux
}

func TestInstallPrecachesManifest(t *testing.T) {
	worker, _ := newTestWorker(t, appOrigin(), Config{})

	if err := worker.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	store, err := worker.provider.Open(worker.Generation())
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"/", "/offline", "/manifest.webmanifest"} {
		if _, ok, err := store.Get(worker.keyer.PathIdentity(path)); err != nil || !ok {
			t.Fatalf("Precache entry %s missing (ok %v, err %v)", path, ok, err)
		}
	}
}

func TestInstallFailsOnMissingManifestEntry(t *testing.T) {
	mux := appOrigin()
	worker, _ := newTestWorker(t, mux, Config{
		Precache: []string{"/", "/does-not-exist", "/offline"},
	})

	err := worker.Install(context.Background())
	if !errors.Is(err, ErrManifestFetch) {
		t.Fatalf("Install error is %v", err)
	}
}

func TestInstallBestEffortSkipsFailures(t *testing.T) {
	worker, _ := newTestWorker(t, appOrigin(), Config{
		Precache:           []string{"/", "/does-not-exist", "/offline"},
		PrecacheBestEffort: true,
	})

	if err := worker.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	store, _ := worker.provider.Open(worker.Generation())
	if _, ok, _ := store.Get(worker.keyer.PathIdentity("/")); !ok {
		t.Fatal("Healthy precache entry missing")
	}
	if _, ok, _ := store.Get(worker.keyer.PathIdentity("/does-not-exist")); ok {
		t.Fatal("Failed precache entry was stored")
	}
}

func TestActivatePurgesStaleGenerations(t *testing.T) {
	provider := cache.NewMemCache()
	for _, stale := range []string{"offline-cache-v1", "offline-cache-v2"} {
		if _, err := provider.Open(stale); err != nil {
			t.Fatal(err)
		}
	}
	worker, _ := newTestWorker(t, appOrigin(), Config{Cache: provider, Version: "v3"})

	if err := worker.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := worker.Activate(context.Background()); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	names, err := provider.Names()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "offline-cache-v3" {
		t.Fatalf("Generations after activation: %v", names)
	}
}

func TestNonGetPassesThrough(t *testing.T) {
	var sawMethod string
	mux := appOrigin()
	mux.HandleFunc("/eliminar/1", func(w http.ResponseWriter, r *http.Request) {
		sawMethod = r.Method
		w.Write([]byte("deleted"))
	})
	worker, _ := newTestWorker(t, mux, Config{})

	rr := httptest.NewRecorder()
	worker.ServeHTTP(rr, httptest.NewRequest("POST", "/eliminar/1", nil))

	if sawMethod != "POST" {
		t.Fatalf("Origin saw method %q", sawMethod)
	}
	if rr.Body.String() != "deleted" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	// no store read or write happened
	store, _ := worker.provider.Open(worker.Generation())
	keys := make([]string, 0)
	store.Keys(func(key string) { keys = append(keys, key) })
	if len(keys) != 0 {
		t.Fatalf("Store touched by pass-through: %v", keys)
	}
}

func TestCacheFirstServesRepeatsFromStore(t *testing.T) {
	var handleCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte("body{}"))
	})
	worker, _ := newTestWorker(t, mux, Config{})
	req := httptest.NewRequest("GET", "/style.css", nil)

	first := httptest.NewRecorder()
	worker.ServeHTTP(first, req)
	second := httptest.NewRecorder()
	worker.ServeHTTP(second, req)

	if handleCount != 1 {
		t.Fatalf("Origin called %d times", handleCount)
	}
	if first.Body.String() != "body{}" || second.Body.String() != "body{}" {
		t.Fatalf("Bodies are %q and %q", first.Body.String(), second.Body.String())
	}
	if ct := second.Result().Header.Get("Content-Type"); ct != "text/css" {
		t.Fatalf("Content-Type header is %s", ct)
	}
}

func TestNetworkFirstAlwaysHitsReachableOrigin(t *testing.T) {
	var handleCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/listar", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte(fmt.Sprintf("version %d", handleCount)))
	})
	worker, _ := newTestWorker(t, mux, Config{})
	req := httptest.NewRequest("GET", "/listar", nil)
	req.Header.Set("Accept", "text/html")

	worker.ServeHTTP(httptest.NewRecorder(), req)
	rr := httptest.NewRecorder()
	worker.ServeHTTP(rr, req)

	if handleCount != 2 {
		t.Fatalf("Origin called %d times", handleCount)
	}
	if rr.Body.String() != "version 2" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}

func TestNetworkFirstFallsBackToStoredSnapshot(t *testing.T) {
	worker, server := newTestWorker(t, appOrigin(), Config{})
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept", "text/html")

	// prime the store while the origin is reachable
	worker.ServeHTTP(httptest.NewRecorder(), req)
	server.Close()

	rr := httptest.NewRecorder()
	worker.ServeHTTP(rr, req)
	if rr.Body.String() != "home" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}

func TestNetworkFirstFallsBackToOfflinePage(t *testing.T) {
	worker, server := newTestWorker(t, appOrigin(), Config{})
	if err := worker.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	server.Close()

	// navigation never seen before, not in the store
	req := httptest.NewRequest("GET", "/dashboard", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rr := httptest.NewRecorder()
	worker.ServeHTTP(rr, req)

	if rr.Body.String() != "you are offline" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}

func TestOfflineFallbackNotUsedForNonNavigations(t *testing.T) {
	worker, server := newTestWorker(t, appOrigin(), Config{})
	if err := worker.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	server.Close()

	rr := httptest.NewRecorder()
	worker.ServeHTTP(rr, httptest.NewRequest("GET", "/exportar_csv", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestTerminalFallbackIsSyntheticUnavailable(t *testing.T) {
	worker, server := newTestWorker(t, appOrigin(), Config{})
	server.Close()

	for _, req := range []*http.Request{
		httptest.NewRequest("GET", "/anything", nil),
		httptest.NewRequest("GET", "/static/app.js", nil),
	} {
		rr := httptest.NewRecorder()
		worker.ServeHTTP(rr, req)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("Status for %s is %d", req.URL.Path, rr.Code)
		}
		if rr.Body.Len() != 0 {
			t.Fatalf("Body for %s is %q", req.URL.Path, rr.Body.String())
		}
	}
}

func TestNonCacheableStatusServedButNotStored(t *testing.T) {
	var handleCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/pending", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("accepted"))
	})
	worker, _ := newTestWorker(t, mux, Config{})
	req := httptest.NewRequest("GET", "/pending", nil)

	worker.ServeHTTP(httptest.NewRecorder(), req)
	rr := httptest.NewRecorder()
	worker.ServeHTTP(rr, req)

	if handleCount != 2 {
		t.Fatalf("Origin called %d times", handleCount)
	}
	if rr.Code != http.StatusAccepted || rr.Body.String() != "accepted" {
		t.Fatalf("Got %d %q", rr.Code, rr.Body.String())
	}
	store, _ := worker.provider.Open(worker.Generation())
	if _, ok, _ := store.Get(worker.keyer.Identity(req)); ok {
		t.Fatal("Non-cacheable response was stored")
	}
}

// TestInstallActivateIntercept runs the full lifecycle:
// install the default manifest, activate with a stale generation present,
// then intercept a static asset that is served from the network once and
// from the store afterwards.
func TestInstallActivateIntercept(t *testing.T) {
	var styleCount int
	mux := appOrigin()
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		styleCount++
		w.Write([]byte("body{}"))
	})
	provider := cache.NewMemCache()
	if _, err := provider.Open("offline-cache-v1"); err != nil {
		t.Fatal(err)
	}
	worker, _ := newTestWorker(t, mux, Config{
		Cache:    provider,
		Version:  "v2",
		Precache: []string{"/", "/offline", "/manifest.webmanifest"},
	})

	ctx := context.Background()
	if err := worker.Install(ctx); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := worker.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	names, _ := provider.Names()
	sort.Strings(names)
	if len(names) != 1 || names[0] != "offline-cache-v2" {
		t.Fatalf("Generations are %v", names)
	}

	req := httptest.NewRequest("GET", "/style.css", nil)
	rr := httptest.NewRecorder()
	worker.ServeHTTP(rr, req)
	if rr.Body.String() != "body{}" {
		t.Fatalf("Body is %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	worker.ServeHTTP(rr, req)
	if rr.Body.String() != "body{}" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if styleCount != 1 {
		t.Fatalf("Origin called %d times", styleCount)
	}
}

func TestWorkerMountedOnChiRouter(t *testing.T) {
	var handleCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/static/app.js", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("console.log(1)"))
	})
	worker, _ := newTestWorker(t, mux, Config{})

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	router.Handle("/*", worker)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/static/app.js", nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/static/app.js", nil))

	if handleCount != 1 {
		t.Fatalf("Origin called %d times", handleCount)
	}
	if rec.Body.String() != "console.log(1)" {
		t.Fatalf("Body is %s", rec.Body.String())
	}

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest("GET", "/healthz", nil))
	if health.Body.String() != "ok" {
		t.Fatalf("Health body is %s", health.Body.String())
	}
}
