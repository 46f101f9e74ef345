// Package tenant implements the runtime core owning a single tenant's
// lifecycle against a backing relational cluster: the privileged system
// connection and its failover-aware reconnects, the capacity-bounded
// per-database connection pool, the in-memory database index built from
// backend introspection, and the readiness, HA, and sysevent coordination
// that keeps all of it current while peer servers mutate the cluster.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tenantcore/tenantd/internal/auth"
	"github.com/tenantcore/tenantd/internal/config"
	"github.com/tenantcore/tenantd/internal/connpool"
	"github.com/tenantcore/tenantd/internal/dbindex"
	"github.com/tenantcore/tenantd/internal/metrics"
	"github.com/tenantcore/tenantd/internal/pgconn"
	"github.com/tenantcore/tenantd/internal/readiness"
	"github.com/tenantcore/tenantd/internal/sysconn"
	"github.com/tenantcore/tenantd/internal/taskgroup"
)

// ParsedDatabase is the result of compiling one database's schema and
// config JSON.
type ParsedDatabase struct {
	UserSchema        any
	DatabaseConfig    any
	StateSerializer   any
	ExtConfigSettings any
	ProtocolVersion   dbindex.ProtocolVersion
}

// CompilerPool compiles schema artifacts out-of-process. May be absent,
// in which case raw JSON artifacts are stored unparsed.
type CompilerPool interface {
	ParseGlobalSchema(ctx context.Context, schemaJSON []byte) (any, error)
	ParseUserSchemaDBConfig(ctx context.Context, userSchemaJSON, dbConfigJSON []byte, globalSchema any) (*ParsedDatabase, error)
}

// Server is the surrounding server layer the tenant calls back into for
// queries, schema introspection, and server-wide policy. The tenant holds
// a non-owning reference; the server owns the tenant.
type Server interface {
	GetSysQuery(name string) string
	IntrospectGlobalSchemaJSON(ctx context.Context, conn *pgconn.BackendConn) ([]byte, error)
	IntrospectGlobalSchema(ctx context.Context, conn *pgconn.BackendConn) (any, error)
	IntrospectUserSchemaJSON(ctx context.Context, conn *pgconn.BackendConn) ([]byte, error)
	IntrospectDBConfig(ctx context.Context, conn *pgconn.BackendConn) ([]byte, error)
	GetDBNames(ctx context.Context, conn *pgconn.BackendConn) ([]string, error)
	GetCompilerPool() CompilerPool
	GetStdSchema() any
	GetReportConfigTypedesc() map[dbindex.ProtocolVersion][]byte
	GetDefaultAuthMethod(transport auth.Transport) auth.Method
	ConfigSettings() any
	ConfigLookup(name string, sysConfig any) []auth.Rule
	ReinitIdleGCCollector()
	StmtCacheSize() int
	InTestMode() bool
}

// HAWatcher is an optional HA backend that announces master switch-overs.
type HAWatcher interface {
	StartWatching(onSwitchOver func()) error
	StopWatching()
}

// AdaptiveHA is the optional adaptive high-availability monitor fed with
// connection-health observations.
type AdaptiveHA interface {
	SetStateFailover(callOnSwitchOver bool)
	OnPgconBroken(isSystemDB bool)
	OnPgconLost()
	OnPgconMade(isSystemDB bool)
}

// Options bundles the collaborators a Tenant is wired with.
type Options struct {
	Server     Server
	Metrics    *metrics.Collector
	HAWatcher  HAWatcher  // nil when the cluster has no HA backend
	AdaptiveHA AdaptiveHA // nil unless adaptive HA monitoring is enabled
}

// Tenant owns one logical database cluster within a server process.
type Tenant struct {
	cfg     *config.Config
	server  Server
	metrics *metrics.Collector
	ha      HAWatcher
	adaptive AdaptiveHA

	tenantID     string
	instanceName string
	serverID     string

	maxBackendConnections   int
	suggestedClientPoolSize int

	pool *connpool.ConnPool
	sys  *sysconn.SysConn

	idxMu sync.RWMutex
	idx   *dbindex.DbIndex // nil until Init builds it

	authState    *auth.AuthState
	readinessMon *readiness.Monitor

	group *taskgroup.Group

	initing              atomic.Bool
	running              atomic.Bool
	acceptingConnections atomic.Bool

	instMu       sync.RWMutex
	instanceData map[string]any

	rolesMu sync.RWMutex
	roles   map[string]map[string]any

	blockMu             sync.Mutex
	blockNewConnections map[string]struct{}

	reportMu         sync.RWMutex
	reportConfigData map[dbindex.ProtocolVersion][]byte

	ensureNotConnectedTimeout atomic.Int64 // nanoseconds, settable in tests
}

// serverSeq distinguishes tenants within one process, so a tenant can
// recognize (and skip) sysevents it published itself.
var serverSeq atomic.Int64

// New builds a Tenant from cfg and its collaborators. The tenant starts
// in the initing state; call InitSysConn and Init before StartRunning.
func New(cfg *config.Config, opts Options) *Tenant {
	t := &Tenant{
		cfg:                 cfg,
		server:              opts.Server,
		metrics:             opts.Metrics,
		ha:                  opts.HAWatcher,
		adaptive:            opts.AdaptiveHA,
		instanceName:        cfg.Cluster.InstanceName,
		tenantID:            fmt.Sprintf("%s@%s:%d", cfg.Cluster.InstanceName, cfg.Cluster.Host, cfg.Cluster.Port),
		blockNewConnections: make(map[string]struct{}),
		reportConfigData:    make(map[dbindex.ProtocolVersion][]byte),
		instanceData:        make(map[string]any),
		roles:               make(map[string]map[string]any),
		group:               taskgroup.New(context.Background()),
	}
	t.serverID = fmt.Sprintf("%d-%d", os.Getpid(), serverSeq.Add(1))
	t.initing.Store(true)
	t.ensureNotConnectedTimeout.Store(int64(defaultEnsureNotConnectedTimeout))

	t.maxBackendConnections = cfg.Pool.MaxBackendConnections
	t.suggestedClientPoolSize = clamp(
		cfg.Pool.MaxBackendConnections,
		cfg.Pool.SuggestedClientPoolMin,
		cfg.Pool.SuggestedClientPoolMax,
	)

	// One connection is reserved for the system DB.
	t.pool = connpool.New(t.maxBackendConnections-1, t.pgConnect, t.pgDisconnect)
	t.sys = sysconn.New(t.sysConnect, cfg.Cluster.SysEventChannel, t.dispatchSysevent)
	t.authState = auth.New(
		cfg.Auth.JWTSubAllowlistPath,
		cfg.Auth.JWTRevocationListPath,
		opts.Server.GetDefaultAuthMethod,
	)
	return t
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TenantID returns the opaque identifier derived from the cluster
// connection parameters.
func (t *Tenant) TenantID() string { return t.tenantID }

// InstanceName returns the configured instance name.
func (t *Tenant) InstanceName() string { return t.instanceName }

// MaxBackendConnections returns the configured backend connection cap.
func (t *Tenant) MaxBackendConnections() int { return t.maxBackendConnections }

// SuggestedClientPoolSize returns the client pool size hint advertised to
// connecting clients.
func (t *Tenant) SuggestedClientPoolSize() int { return t.suggestedClientPoolSize }

// GetInstanceData returns one key of the immutable instance metadata
// fetched from the system database at initialization.
func (t *Tenant) GetInstanceData(key string) any {
	t.instMu.RLock()
	defer t.instMu.RUnlock()
	return t.instanceData[key]
}

// GetRoles returns the role descriptors fetched from the system database.
func (t *Tenant) GetRoles() map[string]map[string]any {
	t.rolesMu.RLock()
	defer t.rolesMu.RUnlock()
	return t.roles
}

// SetRoles replaces the cached role descriptors.
func (t *Tenant) SetRoles(roles map[string]map[string]any) {
	t.rolesMu.Lock()
	t.roles = roles
	t.rolesMu.Unlock()
}

func (t *Tenant) dbIndex() *dbindex.DbIndex {
	t.idxMu.RLock()
	defer t.idxMu.RUnlock()
	return t.idx
}

// GetSysConfig returns the most recently committed system configuration.
func (t *Tenant) GetSysConfig() any {
	if idx := t.dbIndex(); idx != nil {
		return idx.GetSysConfig()
	}
	return nil
}

// GetGlobalSchema returns the cached global schema artifact.
func (t *Tenant) GetGlobalSchema() any {
	if idx := t.dbIndex(); idx != nil {
		return idx.GetGlobalSchema()
	}
	return nil
}

// GetDB returns the index entry for dbname, or an error if unknown.
func (t *Tenant) GetDB(dbname string) (*dbindex.DatabaseEntry, error) {
	return t.dbIndex().GetDB(dbname)
}

// MaybeGetDB returns the index entry for dbname if registered.
func (t *Tenant) MaybeGetDB(dbname string) (*dbindex.DatabaseEntry, bool) {
	if idx := t.dbIndex(); idx != nil {
		return idx.MaybeGetDB(dbname)
	}
	return nil, false
}

// IterDBs returns a snapshot of every registered database entry.
func (t *Tenant) IterDBs() []*dbindex.DatabaseEntry {
	if idx := t.dbIndex(); idx != nil {
		return idx.IterDBs()
	}
	return nil
}

// NewView opens a client session view against dbname.
func (t *Tenant) NewView(dbname string, queryCache bool, ver dbindex.ProtocolVersion) (*dbindex.View, error) {
	return t.dbIndex().NewView(dbname, queryCache, ver)
}

// RemoveView closes a client session view.
func (t *Tenant) RemoveView(v *dbindex.View) {
	if idx := t.dbIndex(); idx != nil {
		idx.RemoveView(v)
	}
}

// CheckJWT validates token claims against the tenant's subject allowlist
// and revocation list.
func (t *Tenant) CheckJWT(claims jwt.MapClaims) error {
	return t.authState.CheckJWT(claims)
}

// GetAuthMethod resolves the authentication method for user on transport.
func (t *Tenant) GetAuthMethod(user string, transport auth.Transport) auth.Method {
	return t.authState.GetAuthMethod(user, transport)
}

// Readiness returns the current readiness state and reason.
func (t *Tenant) Readiness() (readiness.State, string) {
	if t.readinessMon == nil {
		return readiness.StateDefault, ""
	}
	return t.readinessMon.State()
}

// IsOnline reports whether the tenant is not administratively offline.
func (t *Tenant) IsOnline() bool {
	state, _ := t.Readiness()
	return state.IsOnline()
}

// IsReady reports whether the tenant should advertise itself as ready.
func (t *Tenant) IsReady() bool {
	state, _ := t.Readiness()
	return state.IsReady()
}

// IsBlocked reports whether the tenant is hard-stopped.
func (t *Tenant) IsBlocked() bool {
	state, _ := t.Readiness()
	return state.IsBlocked()
}

// IsReadOnly reports whether the tenant is serving reads only.
func (t *Tenant) IsReadOnly() bool {
	state, _ := t.Readiness()
	return state.IsReadOnly()
}

// IsAcceptingConnections reports whether new client connections should be
// admitted right now.
func (t *Tenant) IsAcceptingConnections() bool {
	return t.acceptingConnections.Load() && t.running.Load()
}

// StopAcceptingConnections administratively rejects new client
// connections without stopping the tenant.
func (t *Tenant) StopAcceptingConnections() {
	t.acceptingConnections.Store(false)
}

// InitSysConn opens the singleton system connection. Called once before
// Init; a failure here is fatal to startup.
func (t *Tenant) InitSysConn(ctx context.Context) error {
	return t.sys.Init(ctx)
}

// Init introspects the system database and builds the tenant's in-memory
// state: instance data, roles, global schema, system config, the database
// index with per-database extension sets, the sys_auth table, the JWT
// lists, and the readiness monitor.
func (t *Tenant) Init(ctx context.Context) error {
	slog.Debug("starting database introspection", "tenant", t.instanceName)

	var globalSchemaJSON []byte
	var globalSchema any
	compilerPool := t.server.GetCompilerPool()

	err := t.sys.UseSysConn(ctx, func(conn *pgconn.BackendConn) error {
		data, err := conn.SqlFetchVal(ctx, sqlInstanceData, nil, false)
		if err != nil {
			return fmt.Errorf("fetching instance data: %w", err)
		}
		instanceData, err := decodeJSONMap(data)
		if err != nil {
			return fmt.Errorf("decoding instance data: %w", err)
		}
		t.instMu.Lock()
		t.instanceData = instanceData
		t.instMu.Unlock()

		if err := t.fetchRoles(ctx, conn); err != nil {
			return err
		}

		if compilerPool == nil {
			slog.Debug("parsing global schema locally")
			globalSchema, err = t.server.IntrospectGlobalSchema(ctx, conn)
			if err != nil {
				return fmt.Errorf("introspecting global schema: %w", err)
			}
		} else {
			globalSchemaJSON, err = t.server.IntrospectGlobalSchemaJSON(ctx, conn)
			if err != nil {
				return fmt.Errorf("introspecting global schema: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if globalSchemaJSON != nil {
		slog.Debug("parsing global schema")
		globalSchema, err = compilerPool.ParseGlobalSchema(ctx, globalSchemaJSON)
		if err != nil {
			return fmt.Errorf("parsing global schema: %w", err)
		}
	}

	slog.Info("loading system config", "tenant", t.instanceName)
	sysConfig, err := t.loadSysConfig(ctx, "sysconfig")
	if err != nil {
		return err
	}
	defaultSysConfig, err := t.loadSysConfig(ctx, "sysconfig_default")
	if err != nil {
		return err
	}
	if err := t.loadReportedConfig(ctx); err != nil {
		return err
	}

	idx := dbindex.New(dbindex.Params{
		StdSchema:          t.server.GetStdSchema(),
		GlobalSchema:       globalSchema,
		SysConfig:          sysConfig,
		DefaultSysConfig:   defaultSysConfig,
		ConfigSettingsSpec: t.server.ConfigSettings(),
	})
	t.idxMu.Lock()
	t.idx = idx
	t.idxMu.Unlock()

	if err := t.introspectDBs(ctx); err != nil {
		return err
	}

	t.populateSysAuth()

	if err := t.authState.LoadJWCrypto(); err != nil {
		return err
	}

	if path := t.cfg.Readiness.StateFilePath; path != "" {
		mon, err := readiness.New(path, func(state readiness.State, reason string) {
			t.acceptingConnections.Store(state.IsOnline())
			if !state.IsOnline() {
				slog.Warn("tenant taken offline by readiness state",
					"tenant", t.instanceName, "reason", reason)
			}
		})
		if err != nil {
			return fmt.Errorf("arming readiness watcher: %w", err)
		}
		t.readinessMon = mon
	}

	t.initing.Store(false)
	return nil
}

// populateSysAuth rebuilds the sys_auth rule table from the committed
// system config.
func (t *Tenant) populateSysAuth() {
	cfg := t.dbIndex().GetSysConfig()
	rules := t.server.ConfigLookup("auth", cfg)
	t.authState.SetSysAuth(rules)
}

// StartAcceptingNewTasks opens the background task group and begins
// watching the HA backend.
func (t *Tenant) StartAcceptingNewTasks() error {
	t.group.StartAcceptingTasks()
	if t.ha != nil {
		if err := t.ha.StartWatching(t.OnSwitchOver); err != nil {
			return fmt.Errorf("starting HA watcher: %w", err)
		}
	}
	return nil
}

// AcceptNewTasks reports whether background work may still be scheduled.
func (t *Tenant) AcceptNewTasks() bool { return t.group.IsAccepting() }

// StartRunning flips the tenant into normal operation.
func (t *Tenant) StartRunning() {
	t.running.Store(true)
	t.acceptingConnections.Store(true)
}

// IsRunning reports whether the tenant is in normal operation.
func (t *Tenant) IsRunning() bool { return t.running.Load() }

// Stop begins shutdown: no new tasks, no new connections, no HA watching.
// In-flight work keeps running until WaitStopped.
func (t *Tenant) Stop() {
	t.running.Store(false)
	t.group.StopAcceptingTasks()
	if t.ha != nil {
		t.ha.StopWatching()
	}
}

// WaitStopped blocks until every non-interruptable background task has
// completed, then tears down the pool and readiness watcher.
func (t *Tenant) WaitStopped() {
	t.group.Stop()
	t.pool.Close()
	if t.readinessMon != nil {
		_ = t.readinessMon.Stop()
	}
}

// TerminateSysConn forcibly closes the system connection.
func (t *Tenant) TerminateSysConn() {
	t.sys.Stop()
}

// spawn schedules fn on the tenant's task group, wrapping it so an
// escaped error is counted against site and logged before being dropped.
func (t *Tenant) spawn(site string, interruptable bool, fn func(ctx context.Context) error) {
	wrapped := func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			t.metrics.IncBackgroundError(t.instanceName, site)
			slog.Error("background task failed", "tenant", t.instanceName, "site", site, "err", err)
		}
	}
	if interruptable {
		t.group.SpawnInterruptable(site, wrapped)
	} else {
		t.group.SpawnJoined(site, wrapped)
	}
}
