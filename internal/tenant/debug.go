package tenant

import (
	"fmt"
	"sort"

	"github.com/tenantcore/tenantd/internal/connpool"
	"github.com/tenantcore/tenantd/internal/dbindex"
)

func formatProtocolVersion(v dbindex.ProtocolVersion) string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// DebugDatabaseInfo is the per-database slice of a debug snapshot.
type DebugDatabaseInfo struct {
	Name       string         `json:"name"`
	DBVer      int64          `json:"dbver"`
	Config     any            `json:"config"`
	Extensions []string       `json:"extensions"`
	Views      []DebugViewInfo `json:"connections"`
}

// DebugViewInfo describes one open client session view.
type DebugViewInfo struct {
	ID              int64  `json:"id"`
	QueryCache      bool   `json:"query_cache"`
	ProtocolVersion string `json:"protocol_version"`
}

// DebugInfo is a point-in-time JSON-able snapshot of the tenant's
// parameters, pool occupancy, and database index.
type DebugInfo struct {
	Params    DebugParams                  `json:"params"`
	Roles     []string                     `json:"user_roles"`
	Pool      connpool.Stats               `json:"pg_pool"`
	Databases map[string]DebugDatabaseInfo `json:"databases"`
}

// DebugParams holds the immutable tenant parameters.
type DebugParams struct {
	TenantID                string `json:"tenant_id"`
	InstanceName            string `json:"instance_name"`
	MaxBackendConnections   int    `json:"max_backend_connections"`
	SuggestedClientPoolSize int    `json:"suggested_client_pool_size"`
}

// GetDebugInfo assembles a debug snapshot for the ops surface.
func (t *Tenant) GetDebugInfo() DebugInfo {
	info := DebugInfo{
		Params: DebugParams{
			TenantID:                t.tenantID,
			InstanceName:            t.instanceName,
			MaxBackendConnections:   t.maxBackendConnections,
			SuggestedClientPoolSize: t.suggestedClientPoolSize,
		},
		Pool:      t.pool.Stats(),
		Databases: make(map[string]DebugDatabaseInfo),
	}

	for name := range t.GetRoles() {
		info.Roles = append(info.Roles, name)
	}
	sort.Strings(info.Roles)

	for _, entry := range t.IterDBs() {
		extensions := make([]string, 0, len(entry.Extensions))
		for ext := range entry.Extensions {
			extensions = append(extensions, ext)
		}
		sort.Strings(extensions)

		views := make([]DebugViewInfo, 0, len(entry.Views))
		for _, v := range entry.Views {
			views = append(views, DebugViewInfo{
				ID:         v.ID,
				QueryCache: v.QueryCache,
				ProtocolVersion: formatProtocolVersion(v.ProtocolVersion),
			})
		}
		sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

		info.Databases[entry.Name] = DebugDatabaseInfo{
			Name:       entry.Name,
			DBVer:      entry.DBVer,
			Config:     entry.DBConfig,
			Extensions: extensions,
			Views:      views,
		}
	}

	return info
}

// PoolStats exposes the pool occupancy snapshot for metrics reporting.
func (t *Tenant) PoolStats() connpool.Stats {
	return t.pool.Stats()
}

// PoolStatsCounts returns flattened pool occupancy counts for metrics
// reporting.
func (t *Tenant) PoolStatsCounts() (active, idle, pending, waiting int) {
	s := t.pool.Stats()
	for _, n := range s.IdleByDB {
		idle += n
	}
	return s.Active, idle, s.PendingConns, s.Waiting
}

// SysConnHealthy reports whether the system connection is currently
// present and healthy.
func (t *Tenant) SysConnHealthy() bool {
	return t.sys.IsHealthy()
}
