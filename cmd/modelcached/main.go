package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"modelcached/internal/config"
	"modelcached/internal/engine"
	"modelcached/internal/filestore"
	"modelcached/internal/httpapi"
	"modelcached/internal/metastore"
	"modelcached/internal/orchestrator"
	"modelcached/internal/resolver"
	"modelcached/internal/telemetry"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	addr := flag.String("addr", envOr("MODELCACHED_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	dataDir := flag.String("data-dir", envOr("MODELCACHED_DATA_DIR", "~/.modelcached"), "Directory for model files and metadata")
	appID := flag.String("app-id", envOr("MODELCACHED_APP_ID", ""), "Application identity sent to the backend")
	backendURL := flag.String("backend-url", envOr("MODELCACHED_BACKEND_URL", ""), "Base URL of the model-info backend")
	apiKey := flag.String("api-key", envOr("MODELCACHED_API_KEY", ""), "API key for the model-info backend")
	allowCellular := flag.Bool("allow-cellular", false, "Default cellular permission when a request omits it")
	maxAttempts := flag.Int("max-attempts", 0, "Transfer attempts per download before giving up (0=default)")
	requestTimeoutS := flag.Int("request-timeout-s", 0, "Per-attempt timeout in seconds (0=none)")
	logLevel := flag.String("log-level", envOr("MODELCACHED_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	corsOrigins := flag.String("cors-origins", envOr("MODELCACHED_CORS_ORIGINS", ""), "Comma-separated allowed CORS origins (empty disables CORS)")
	cfgPath := flag.String("config", envOr("MODELCACHED_CONFIG", ""), "Optional config file (.yaml/.json/.toml); flags win")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	// Config file fills in whatever the flags left unset.
	if *cfgPath != "" {
		fileCfg, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *cfgPath).Msg("failed to load config")
		}
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		applyFileConfig(fileCfg, set, addr, dataDir, appID, backendURL, apiKey, allowCellular, maxAttempts, requestTimeoutS, logLevel, corsOrigins)
	}
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		log = log.Level(lvl)
	}
	if *backendURL == "" {
		log.Fatal().Msg("backend url is required (-backend-url or MODELCACHED_BACKEND_URL)")
	}
	if *appID == "" {
		log.Fatal().Msg("app id is required (-app-id or MODELCACHED_APP_ID)")
	}

	files, err := filestore.New(*dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open data dir")
	}
	meta := metastore.NewFileStore(files.Root())

	res, err := resolver.New(resolver.Config{
		BaseURL:    *backendURL,
		APIKey:     *apiKey,
		AppID:      *appID,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     log.With().Str("component", "resolver").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build resolver")
	}

	eng := engine.New(files, engine.Config{
		Client:         &http.Client{},
		Prober:         engine.StaticProber{Network: engine.NetworkWiFi},
		MaxAttempts:    *maxAttempts,
		AttemptTimeout: time.Duration(*requestTimeoutS) * time.Second,
		Logger:         log.With().Str("component", "engine").Logger(),
	})

	orch, err := orchestrator.New(orchestrator.Config{
		AppID:    *appID,
		Resolver: res,
		Engine:   eng,
		Meta:     meta,
		Files:    files,
		Events:   telemetry.NewPublisher(prometheus.DefaultRegisterer),
		Logger:   log.With().Str("component", "orchestrator").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build orchestrator")
	}
	baseCtx, cancelBase := context.WithCancel(context.Background())
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetDefaultAllowCellular(*allowCellular)
	httpapi.SetLogger(log.With().Str("component", "httpapi").Logger())
	if origins := splitOrigins(*corsOrigins); len(origins) > 0 {
		httpapi.SetCORSOptions(true, origins,
			[]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			[]string{"Content-Type", "X-Log-Level"})
	}

	srv := &http.Server{Addr: *addr, Handler: httpapi.NewMux(orch)}
	go func() {
		log.Info().Str("addr", *addr).Str("data_dir", files.Root()).Str("app_id", *appID).
			Msg("modelcached listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
}

// splitOrigins turns a comma-separated origin list into a slice, dropping
// empty entries.
func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// applyFileConfig copies file values into flags the user did not set.
func applyFileConfig(cfg config.Config, set map[string]bool, addr, dataDir, appID, backendURL, apiKey *string, allowCellular *bool, maxAttempts, requestTimeoutS *int, logLevel, corsOrigins *string) {
	if !set["addr"] && cfg.Addr != "" {
		*addr = cfg.Addr
	}
	if !set["data-dir"] && cfg.DataDir != "" {
		*dataDir = cfg.DataDir
	}
	if !set["app-id"] && cfg.AppID != "" {
		*appID = cfg.AppID
	}
	if !set["backend-url"] && cfg.BackendURL != "" {
		*backendURL = cfg.BackendURL
	}
	if !set["api-key"] && cfg.APIKey != "" {
		*apiKey = cfg.APIKey
	}
	if !set["allow-cellular"] {
		*allowCellular = cfg.AllowCellular
	}
	if !set["max-attempts"] && cfg.MaxAttempts > 0 {
		*maxAttempts = cfg.MaxAttempts
	}
	if !set["request-timeout-s"] && cfg.RequestTimeoutS > 0 {
		*requestTimeoutS = cfg.RequestTimeoutS
	}
	if !set["log-level"] && cfg.LogLevel != "" {
		*logLevel = cfg.LogLevel
	}
	if !set["cors-origins"] && cfg.CORSOrigins != "" {
		*corsOrigins = cfg.CORSOrigins
	}
}
