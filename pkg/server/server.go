// Package server provides the public entry point for initializing the
// opsgate hub.
//
// This package exists in pkg/ (not internal/) so that deployments can
// import it and compose the hub with their own middleware or listeners:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/opsgate/opsgate/internal/adapter"
	"github.com/opsgate/opsgate/internal/api"
	"github.com/opsgate/opsgate/internal/api/handlers"
	"github.com/opsgate/opsgate/internal/api/middleware"
	"github.com/opsgate/opsgate/internal/catalog"
	"github.com/opsgate/opsgate/internal/config"
	"github.com/opsgate/opsgate/internal/credentials"
	"github.com/opsgate/opsgate/internal/gate"
	"github.com/opsgate/opsgate/internal/intent"
	"github.com/opsgate/opsgate/internal/mcpgw"
	"github.com/opsgate/opsgate/internal/notify"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/retention"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/telemetry"
	"github.com/opsgate/opsgate/pkg/models"
)

// Config is the public configuration for the hub.
type Config struct {
	Port         int
	Version      string
	StoreDriver  string
	DataDir      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized opsgate hub.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the journal store, exposed so embedders can close it and
	// health-check it themselves.
	Store store.Store

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc stops the retention janitor, drains the webhook
	// notifier and flushes telemetry. Call it on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		StoreDriver:  cfg.Store.Driver,
		DataDir:      cfg.DataDir,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all hub components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the hub with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}
	if pubCfg.StoreDriver != "" {
		cfg.Store.Driver = pubCfg.StoreDriver
	}
	if pubCfg.DataDir != "" {
		cfg.DataDir = pubCfg.DataDir
	}

	// Initialize telemetry first so every later component can trace.
	otelShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Catalog and policies share OPSGATE_CATALOG_FILE; both are loaded
	// once and immutable afterwards.
	cat, err := catalog.Load(cfg.Catalog.File)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	pol, err := policy.Load(cfg.Catalog.File)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load policies: %w", err)
	}

	ad := buildAdapter(cfg, st)
	creds := credentials.NewResolver(cfg.Adapter.DefaultCredential)

	var webhook *notify.Webhook
	var notifier gate.Notifier
	if cfg.Webhook.URL != "" {
		webhook = notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Secret)
		notifier = webhook
		log.Info().Str("url", cfg.Webhook.URL).Msg("✅ Webhook notifier initialized")
	}

	g := gate.New(st, cat, creds, pol, ad, notifier)
	gw := mcpgw.NewGateway(cat, ad, creds, cfg.Version, cfg.MCP.HighRisk)
	log.Info().Msg("✅ Approval gate initialized")
	log.Info().Str("high_risk", cfg.MCP.HighRisk).Msg("✅ MCP gateway initialized")

	janitorCancel := startJanitor(cfg, st)

	auth := middleware.NewAPIKeyAuth()
	h := handlers.New(st, cat, g, intent.NewParser(), gw, cfg.Version)
	router := api.NewRouter(h, auth)

	shutdown := func(ctx context.Context) error {
		if janitorCancel != nil {
			janitorCancel()
		}
		if webhook != nil {
			webhook.Close()
		}
		return otelShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        st,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		s, err := store.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		log.Info().Str("dir", cfg.DataDir).Msg("✅ SQLite journal store initialized")
		return s, nil
	case "memory":
		s := store.NewMemoryStore(cfg.DataDir)
		log.Info().Msg("✅ In-memory journal store initialized")
		log.Warn().Msg("⚠️  Memory store snapshots are debounced; a crash can lose recent writes")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildAdapter(cfg *config.Config, st store.Store) adapter.Adapter {
	if cfg.Adapter.URL != "" {
		log.Info().Str("url", cfg.Adapter.URL).Msg("✅ HTTP adapter initialized")
		return adapter.NewHTTPAdapter(cfg.Adapter.URL, cfg.Adapter.Timeout)
	}
	local := adapter.NewLocalAdapter(cfg.Adapter.Timeout)
	registerDevTools(local, st)
	log.Info().Msg("✅ Local adapter initialized (no OPSGATE_ADAPTER_URL, dev mode)")
	return local
}

func startJanitor(cfg *config.Config, st store.Store) context.CancelFunc {
	if cfg.Retention.MaxAgeDays <= 0 {
		return nil
	}

	var archiver *retention.LocalArchiver
	if cfg.Retention.Archive {
		archiver = retention.NewLocalArchiver(filepath.Join(cfg.DataDir, "archive"), true)
		if err := archiver.HealthCheck(); err != nil {
			log.Warn().Err(err).Msg("Archive path not writable, cycles will skip pruning")
		}
	}

	janitor := retention.NewJanitor(st, cfg.Retention.Interval, cfg.Retention.MaxAgeDays, archiver)
	ctx, cancel := context.WithCancel(context.Background())
	go janitor.Start(ctx)
	log.Info().Int("days", cfg.Retention.MaxAgeDays).Bool("archive", cfg.Retention.Archive).
		Msg("✅ Retention janitor started")
	return cancel
}

// registerDevTools backs the built-in commands with in-process stand-ins
// so a bare `go run` answers every command without a remote backend.
func registerDevTools(local *adapter.LocalAdapter, st store.Store) {
	started := time.Now()

	local.Register("ops.status", func(ctx context.Context, _ map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		return map[string]interface{}{
			"healthy": st.Ping(ctx) == nil,
			"uptime":  time.Since(started).Round(time.Second).String(),
		}, nil
	})

	// Insights over the hub's own journal.
	local.Register("ops.insights", func(ctx context.Context, args map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		ops, err := st.ListOperations(ctx, store.OperationFilter{Limit: 200})
		if err != nil {
			return nil, err
		}
		counts := map[string]int{}
		for _, op := range ops {
			counts[string(op.Status)]++
		}
		return map[string]interface{}{
			"project":    args["project_id"],
			"window":     args["window"],
			"operations": counts,
		}, nil
	})

	local.Register("ops.export", func(_ context.Context, args map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		return map[string]interface{}{
			"project": args["project_id"],
			"format":  args["format"],
			"url":     fmt.Sprintf("file://export-%s.%s", cast.ToString(args["project_id"]), cast.ToString(args["format"])),
		}, nil
	})

	local.Register("ops.sync", func(_ context.Context, args map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		return map[string]interface{}{"mode": args["mode"], "synced": 0}, nil
	})

	local.Register("ops.cleanup", func(_ context.Context, args map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		out := map[string]interface{}{
			"project":    args["project_id"],
			"older_than": args["older_than"],
			"deleted":    0,
		}
		if cast.ToBool(args["dry_run"]) {
			out["dry_run"] = true
		}
		return out, nil
	})

	local.Register("ops.archive", func(_ context.Context, args map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		return map[string]interface{}{"project": args["project_id"], "archived": true}, nil
	})
}
