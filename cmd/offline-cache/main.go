package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/offline-cache/offline-cache"
	"github.com/offline-cache/offline-cache/cache"
)

var (
	// CLI flags
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFlag             string
	configFlag         string
	versionIdFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.StringVar(&dbFlag, "db", "", "Cache DB: sqlite file name, 'memory', or 'leveldb:<dir>'")
	flag.StringVar(&versionIdFlag, "version-id", "", "Cache generation version id")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
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

	config, err := offlinecache.LoadFileConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	// flags override file and env config
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if dbFlag != "" {
		config.DB = dbFlag
	}
	if versionIdFlag != "" {
		config.Version = versionIdFlag
	}
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}

	originUrl, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	worker := offlinecache.CreateWorker(offlinecache.Config{
		Cache:              openProvider(config.DB),
		OriginURL:          *originUrl,
		OriginHost:         config.Host,
		Logger:             &log.Logger,
		Version:            config.Version,
		Precache:           config.Precache,
		StaticPrefixes:     config.StaticPrefixes,
		StaticExtensions:   config.StaticExtensions,
		OfflinePath:        config.OfflinePath,
		PrecacheBestEffort: config.PrecacheBestEffort,
	})

	// lifecycle: install fully completes before activation,
	// activation before serving
	ctx := context.Background()
	if err := worker.Install(ctx); err != nil {
		log.Fatal().Err(err).Msg("Installation failed")
	}
	if err := worker.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Activation failed")
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	router.Handle("/*", worker)

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, config.Origin, config.Host)
	err = http.ListenAndServe(fmt.Sprintf(":%d", config.Port), router)
	if err != nil {
		panic(err)
	}
}

// openProvider selects the cache provider based on the db config value:
// empty or "memory" for in-memory, "leveldb:<dir>" for LevelDB, anything
// else is an sqlite file name.
func openProvider(db string) cache.Provider {
	switch {
	case db == "" || db == "memory":
		return cache.NewMemCache()
	case strings.HasPrefix(db, "leveldb:"):
		provider, err := cache.NewLevelDBCache(strings.TrimPrefix(db, "leveldb:"))
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot open leveldb cache")
		}
		return provider
	default:
		return cache.NewSQLiteCache(db)
	}
}
