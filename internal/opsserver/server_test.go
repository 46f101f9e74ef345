package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tenantcore/tenantd/internal/auth"
	"github.com/tenantcore/tenantd/internal/config"
	"github.com/tenantcore/tenantd/internal/dbindex"
	"github.com/tenantcore/tenantd/internal/health"
	"github.com/tenantcore/tenantd/internal/metrics"
	"github.com/tenantcore/tenantd/internal/pgconn"
	"github.com/tenantcore/tenantd/internal/tenant"
)

// stubServerLayer satisfies the tenant's server interface; the ops server
// only needs a constructed tenant, never an initialized one.
type stubServerLayer struct{}

func (stubServerLayer) GetSysQuery(string) string { return "" }
func (stubServerLayer) IntrospectGlobalSchemaJSON(context.Context, *pgconn.BackendConn) ([]byte, error) {
	return nil, nil
}
func (stubServerLayer) IntrospectGlobalSchema(context.Context, *pgconn.BackendConn) (any, error) {
	return nil, nil
}
func (stubServerLayer) IntrospectUserSchemaJSON(context.Context, *pgconn.BackendConn) ([]byte, error) {
	return nil, nil
}
func (stubServerLayer) IntrospectDBConfig(context.Context, *pgconn.BackendConn) ([]byte, error) {
	return nil, nil
}
func (stubServerLayer) GetDBNames(context.Context, *pgconn.BackendConn) ([]string, error) {
	return nil, nil
}
func (stubServerLayer) GetCompilerPool() tenant.CompilerPool { return nil }
func (stubServerLayer) GetStdSchema() any                    { return nil }
func (stubServerLayer) GetReportConfigTypedesc() map[dbindex.ProtocolVersion][]byte {
	return nil
}
func (stubServerLayer) GetDefaultAuthMethod(auth.Transport) auth.Method { return auth.MethodSCRAM }
func (stubServerLayer) ConfigSettings() any                             { return nil }
func (stubServerLayer) ConfigLookup(string, any) []auth.Rule            { return nil }
func (stubServerLayer) ReinitIdleGCCollector()                          {}
func (stubServerLayer) StmtCacheSize() int                              { return 0 }
func (stubServerLayer) InTestMode() bool                                { return true }

func newTestServer(t *testing.T) (*Server, *tenant.Tenant) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Cluster.Host = "127.0.0.1"
	cfg.Cluster.Port = 5432
	cfg.Cluster.SystemDBName = "__system__"
	cfg.Cluster.Username = "admin"
	cfg.Cluster.InstanceName = "test"
	cfg.Pool.MaxBackendConnections = 5
	cfg.Pool.SuggestedClientPoolMin = 10
	cfg.Pool.SuggestedClientPoolMax = 100

	m := metrics.New()
	tn := tenant.New(cfg, tenant.Options{Server: stubServerLayer{}, Metrics: m})
	hc := health.NewChecker(tn, m, time.Hour, 3)
	hc.Check()

	return NewServer(tn, hc, m, cfg.OpsServer), tn
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s, tn := newTestServer(t)

	rec := get(t, s, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("/status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding /status: %v", err)
	}
	if body["instance_name"] != "test" {
		t.Errorf("instance_name = %v", body["instance_name"])
	}
	if body["tenant_id"] != tn.TenantID() {
		t.Errorf("tenant_id = %v", body["tenant_id"])
	}
	if body["running"] != false {
		t.Error("an unstarted tenant must report running=false")
	}
}

func TestReadyReflectsLifecycle(t *testing.T) {
	s, tn := newTestServer(t)

	rec := get(t, s, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready before StartRunning = %d, want 503", rec.Code)
	}

	tn.StartRunning()
	rec = get(t, s, "/ready")
	if rec.Code != http.StatusOK {
		t.Errorf("/ready after StartRunning = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// The system connection was never opened: degraded, not yet unhealthy.
	rec := get(t, s, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health = %d, want 503 for a degraded tenant", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestDebugEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/debug")
	if rec.Code != http.StatusOK {
		t.Fatalf("/debug = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding /debug: %v", err)
	}
	if _, ok := body["params"]; !ok {
		t.Error("/debug missing params")
	}
	if _, ok := body["pg_pool"]; !ok {
		t.Error("/debug missing pool snapshot")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tenantd_") {
		t.Error("expected tenantd metrics in the exposition")
	}
}
