package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenantcore/tenantd/internal/auth"
	"github.com/tenantcore/tenantd/internal/config"
	"github.com/tenantcore/tenantd/internal/dbindex"
	"github.com/tenantcore/tenantd/internal/health"
	"github.com/tenantcore/tenantd/internal/metrics"
	"github.com/tenantcore/tenantd/internal/opsserver"
	"github.com/tenantcore/tenantd/internal/pgconn"
	"github.com/tenantcore/tenantd/internal/tenant"
)

func main() {
	configPath := flag.String("config", "configs/tenantd.yaml", "path to configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	slog.Info("tenantd starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "instance", cfg.Cluster.InstanceName)

	m := metrics.New()
	t := tenant.New(cfg, tenant.Options{
		Server:  &serverLayer{cfg: cfg},
		Metrics: m,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := t.InitSysConn(ctx); err != nil {
		cancel()
		slog.Error("failed to open system connection", "err", err)
		os.Exit(1)
	}
	if err := t.Init(ctx); err != nil {
		cancel()
		slog.Error("tenant initialization failed", "err", err)
		os.Exit(1)
	}
	cancel()

	if err := t.StartAcceptingNewTasks(); err != nil {
		slog.Error("failed to start background tasks", "err", err)
		os.Exit(1)
	}
	t.StartRunning()

	hc := health.NewChecker(t, m, 10*time.Second, 3)
	hc.Start()

	ops := opsserver.NewServer(t, hc, m, cfg.OpsServer)
	if err := ops.Start(); err != nil {
		slog.Error("failed to start ops server", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		// Only the stmt-cache fan-out is hot-reloadable; connection and
		// pool topology changes require a restart.
		t.SetStmtCacheSize(newCfg.Pool.MaxBackendConnections)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("tenantd ready",
		"instance", cfg.Cluster.InstanceName,
		"ops_port", cfg.OpsServer.Port,
		"max_backend_connections", cfg.Pool.MaxBackendConnections)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	t.Stop()
	hc.Stop()
	if configWatcher != nil {
		_ = configWatcher.Stop()
	}
	_ = ops.Stop()
	t.WaitStopped()
	t.TerminateSysConn()

	slog.Info("tenantd stopped")
}

// serverLayer is the minimal stand-alone implementation of the server
// callbacks; an embedding server replaces it with its own.
type serverLayer struct {
	cfg *config.Config
}

func (s *serverLayer) GetSysQuery(name string) string {
	switch name {
	case "roles":
		return `SELECT json_agg(row_to_json(r)) FROM (SELECT rolname AS name, rolsuper AS superuser FROM pg_roles) r;`
	case "sysconfig":
		return `SELECT json_object_agg(name, setting) FROM pg_settings;`
	case "sysconfig_default":
		return `SELECT json_object_agg(name, boot_val) FROM pg_settings;`
	case "report_configs":
		return `SELECT ''::bytea;`
	default:
		return ""
	}
}

func (s *serverLayer) IntrospectGlobalSchemaJSON(ctx context.Context, conn *pgconn.BackendConn) ([]byte, error) {
	return conn.SqlFetchVal(ctx, `SELECT json_agg(nspname) FROM pg_namespace;`, nil, false)
}

func (s *serverLayer) IntrospectGlobalSchema(ctx context.Context, conn *pgconn.BackendConn) (any, error) {
	return s.IntrospectGlobalSchemaJSON(ctx, conn)
}

func (s *serverLayer) IntrospectUserSchemaJSON(ctx context.Context, conn *pgconn.BackendConn) ([]byte, error) {
	return conn.SqlFetchVal(ctx, `SELECT json_agg(row_to_json(c)) FROM (SELECT relname, relkind FROM pg_class WHERE relnamespace = 'public'::regnamespace) c;`, nil, false)
}

func (s *serverLayer) IntrospectDBConfig(ctx context.Context, conn *pgconn.BackendConn) ([]byte, error) {
	return conn.SqlFetchVal(ctx, `SELECT json_object_agg(name, setting) FROM pg_settings WHERE source = 'database';`, nil, false)
}

func (s *serverLayer) GetDBNames(ctx context.Context, conn *pgconn.BackendConn) ([]string, error) {
	rows, err := conn.SqlFetchCol(ctx, `SELECT datname FROM pg_database WHERE NOT datistemplate AND datname != $1;`,
		[][]byte{[]byte(s.cfg.Cluster.SystemDBName)})
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = string(r)
	}
	return names, nil
}

func (s *serverLayer) GetCompilerPool() tenant.CompilerPool { return nil }
func (s *serverLayer) GetStdSchema() any                    { return nil }

func (s *serverLayer) GetReportConfigTypedesc() map[dbindex.ProtocolVersion][]byte {
	return map[dbindex.ProtocolVersion][]byte{
		{Major: 1}: nil,
		{Major: 2}: nil,
	}
}

func (s *serverLayer) GetDefaultAuthMethod(transport auth.Transport) auth.Method {
	return auth.Method(s.cfg.Auth.DefaultMethod)
}

func (s *serverLayer) ConfigSettings() any { return nil }

func (s *serverLayer) ConfigLookup(name string, sysConfig any) []auth.Rule { return nil }

func (s *serverLayer) ReinitIdleGCCollector() {}

func (s *serverLayer) StmtCacheSize() int { return 0 }

func (s *serverLayer) InTestMode() bool { return false }
