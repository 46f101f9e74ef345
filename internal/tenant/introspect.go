package tenant

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tenantcore/tenantd/internal/dbindex"
	"github.com/tenantcore/tenantd/internal/pgconn"
	"github.com/tenantcore/tenantd/internal/tenanterrors"
)

// SQL issued verbatim against the backend cluster.
const (
	sqlInstanceData = `SELECT json::json FROM edgedbinstdata.instdata WHERE key = 'instancedata';`

	sqlExtensions = `SELECT json_agg(name) FROM edgedb."_SchemaExtension";`

	sqlBackendIDs = `SELECT json_object_agg("id"::text, "backend_id")::text FROM edgedb."_SchemaType"`

	sqlReflectionCache = `
		SELECT json_agg(o.c)
		FROM (
			SELECT
				json_build_object(
					'eql_hash', t.eql_hash,
					'argnames', array_to_json(t.argnames)
				) AS c
			FROM
				ROWS FROM(edgedb._get_cached_reflection())
					AS t(eql_hash text, argnames text[])
		) AS o;`

	sqlStatActivity = `SELECT pid FROM pg_stat_activity WHERE datname = $1`
)

func decodeJSONMap(data []byte) (map[string]any, error) {
	out := make(map[string]any)
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchRoles refreshes the cached role descriptors from the system
// database, using the roles query template supplied by the server layer.
func (t *Tenant) fetchRoles(ctx context.Context, conn *pgconn.BackendConn) error {
	data, err := conn.SqlFetchVal(ctx, t.server.GetSysQuery("roles"), nil, true)
	if err != nil {
		return fmt.Errorf("fetching roles: %w", err)
	}
	var roleList []map[string]any
	if err := json.Unmarshal(data, &roleList); err != nil {
		return fmt.Errorf("decoding roles: %w", err)
	}
	roles := make(map[string]map[string]any, len(roleList))
	for _, r := range roleList {
		if name, ok := r["name"].(string); ok {
			roles[name] = r
		}
	}
	t.SetRoles(roles)
	return nil
}

// loadSysConfig fetches one of the named system-config documents over the
// system connection. The raw JSON is handed back opaque; interpreting it
// is the config spec's concern.
func (t *Tenant) loadSysConfig(ctx context.Context, queryName string) (any, error) {
	var raw []byte
	err := t.sys.UseSysConn(ctx, func(conn *pgconn.BackendConn) error {
		var err error
		raw, err = conn.SqlFetchVal(ctx, t.server.GetSysQuery(queryName), nil, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", queryName, err)
	}
	cfg, err := decodeJSONMap(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", queryName, err)
	}
	return cfg, nil
}

// loadReportedConfig rebuilds the per-protocol-version reported-config
// blobs: a type descriptor and the current config data, each framed with
// a big-endian length prefix.
func (t *Tenant) loadReportedConfig(ctx context.Context) error {
	var data []byte
	err := t.sys.UseSysConn(ctx, func(conn *pgconn.BackendConn) error {
		var err error
		data, err = conn.SqlFetchVal(ctx, t.server.GetSysQuery("report_configs"), nil, true)
		return err
	})
	if err != nil {
		return fmt.Errorf("loading reported config: %w", err)
	}

	blobs := make(map[dbindex.ProtocolVersion][]byte)
	for ver, typedesc := range t.server.GetReportConfigTypedesc() {
		blob := make([]byte, 0, 8+len(typedesc)+len(data))
		blob = binary.BigEndian.AppendUint32(blob, uint32(len(typedesc)))
		blob = append(blob, typedesc...)
		blob = binary.BigEndian.AppendUint32(blob, uint32(len(data)))
		blob = append(blob, data...)
		blobs[ver] = blob
	}

	t.reportMu.Lock()
	t.reportConfigData = blobs
	t.reportMu.Unlock()
	return nil
}

// GetReportConfigData returns the reported-config blob for the given
// protocol version, falling back to the nearest older version boundary.
func (t *Tenant) GetReportConfigData(ver dbindex.ProtocolVersion) []byte {
	t.reportMu.RLock()
	defer t.reportMu.RUnlock()
	if blob, ok := t.reportConfigData[ver]; ok {
		return blob
	}
	if ver.AtLeast(dbindex.ProtocolVersion{Major: 2}) {
		return t.reportConfigData[dbindex.ProtocolVersion{Major: 2}]
	}
	return t.reportConfigData[dbindex.ProtocolVersion{Major: 1}]
}

// acquireIntroPgcon acquires a pooled connection for introspection,
// returning (nil, nil) when the database no longer exists: it was dropped
// between us learning its name and connecting, so it is unregistered and
// skipped.
func (t *Tenant) acquireIntroPgcon(ctx context.Context, dbname string) (*pgconn.BackendConn, error) {
	conn, err := t.AcquirePgcon(ctx, dbname)
	if err != nil {
		var backendErr *tenanterrors.BackendError
		if errors.As(err, &backendErr) && backendErr.CodeIs(tenanterrors.CodeInvalidCatalogName) {
			slog.Warn("detected concurrently-dropped database; skipping", "db", dbname)
			if idx := t.dbIndex(); idx != nil && idx.HasDB(dbname) {
				idx.UnregisterDB(dbname)
			}
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// introspectExtensions reads the database's installed extension names.
func (t *Tenant) introspectExtensions(ctx context.Context, conn *pgconn.BackendConn) (map[string]struct{}, error) {
	data, err := conn.SqlFetchVal(ctx, sqlExtensions, nil, false)
	if err != nil {
		return nil, fmt.Errorf("introspecting extensions: %w", err)
	}
	extensions := make(map[string]struct{})
	if len(data) > 0 {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return nil, fmt.Errorf("decoding extension names: %w", err)
		}
		for _, name := range names {
			extensions[name] = struct{}{}
		}
	}
	return extensions, nil
}

// IntrospectDB fully (re-)introspects one database: schema, reflection
// cache, backend type ids, config, and extensions. If the database is
// already registered its entry is replaced; if it was concurrently
// dropped this is a no-op. Remote notifications always funnel through a
// full re-introspection because arbitrarily many other events may have
// happened between the notification being sent and received.
func (t *Tenant) IntrospectDB(ctx context.Context, dbname string) error {
	slog.Info("introspecting database", "db", dbname)
	started := time.Now()
	defer func() {
		t.metrics.ObserveIntrospection(t.instanceName, time.Since(started))
	}()

	conn, err := t.acquireIntroPgcon(ctx, dbname)
	if err != nil || conn == nil {
		return err
	}

	var (
		userSchemaJSON, dbConfigJSON []byte
		reflectionCache              map[string][]string
		backendIDs                   map[string]string
		extensions                   map[string]struct{}
	)
	err = func() error {
		var err error
		userSchemaJSON, err = t.server.IntrospectUserSchemaJSON(ctx, conn)
		if err != nil {
			return fmt.Errorf("introspecting user schema: %w", err)
		}

		reflectionJSON, err := conn.SqlFetchVal(ctx, sqlReflectionCache, nil, false)
		if err != nil {
			return fmt.Errorf("introspecting reflection cache: %w", err)
		}
		reflectionCache, err = decodeReflectionCache(reflectionJSON)
		if err != nil {
			return err
		}

		backendIDsJSON, err := conn.SqlFetchVal(ctx, sqlBackendIDs, nil, false)
		if err != nil {
			return fmt.Errorf("introspecting backend ids: %w", err)
		}
		backendIDs, err = decodeBackendIDs(backendIDsJSON)
		if err != nil {
			return err
		}

		dbConfigJSON, err = t.server.IntrospectDBConfig(ctx, conn)
		if err != nil {
			return fmt.Errorf("introspecting database config: %w", err)
		}

		extensions, err = t.introspectExtensions(ctx, conn)
		return err
	}()
	t.ReleasePgcon(dbname, conn, err != nil)
	if err != nil {
		return err
	}

	entry := &dbindex.DatabaseEntry{
		Name:            dbname,
		ReflectionCache: reflectionCache,
		BackendIDs:      backendIDs,
		Extensions:      extensions,
	}

	var parsed *ParsedDatabase
	if pool := t.server.GetCompilerPool(); pool != nil {
		parsed, err = pool.ParseUserSchemaDBConfig(ctx, userSchemaJSON, dbConfigJSON, t.GetGlobalSchema())
		if err != nil {
			return fmt.Errorf("parsing user schema for %s: %w", dbname, err)
		}
		entry.UserSchema = parsed.UserSchema
		entry.DBConfig = parsed.DatabaseConfig
		entry.ExtConfigSettings = parsed.ExtConfigSettings
	} else {
		entry.UserSchema = userSchemaJSON
		entry.DBConfig = dbConfigJSON
	}

	idx := t.dbIndex()
	idx.RegisterDB(entry)
	if parsed != nil {
		idx.SetStateSerializer(dbname, parsed.ProtocolVersion, parsed.StateSerializer)
	}
	return nil
}

func decodeReflectionCache(data []byte) (map[string][]string, error) {
	cache := make(map[string][]string)
	if len(data) == 0 {
		return cache, nil
	}
	var rows []struct {
		EQLHash  string   `json:"eql_hash"`
		ArgNames []string `json:"argnames"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding reflection cache: %w", err)
	}
	for _, r := range rows {
		cache[r.EQLHash] = r.ArgNames
	}
	return cache, nil
}

func decodeBackendIDs(data []byte) (map[string]string, error) {
	ids := make(map[string]string)
	if len(data) == 0 {
		return ids, nil
	}
	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding backend ids: %w", err)
	}
	for id, backendID := range raw {
		ids[id] = backendID.String()
	}
	return ids, nil
}

// earlyIntrospectDB learns just a database's extension set, enough to
// admit connections for extension-gated transports before the full schema
// has been parsed.
func (t *Tenant) earlyIntrospectDB(ctx context.Context, dbname string) error {
	slog.Info("introspecting extensions for database", "db", dbname)

	conn, err := t.acquireIntroPgcon(ctx, dbname)
	if err != nil || conn == nil {
		return err
	}

	idx := t.dbIndex()
	err = func() error {
		if idx.HasDB(dbname) {
			return nil
		}
		extensions, err := t.introspectExtensions(ctx, conn)
		if err != nil {
			return err
		}
		// Re-check: a concurrent full introspection may have registered a
		// richer entry while we were reading extensions.
		if !idx.HasDB(dbname) {
			idx.RegisterDB(&dbindex.DatabaseEntry{
				Name:       dbname,
				Extensions: extensions,
			})
		}
		return nil
	}()
	t.ReleasePgcon(dbname, conn, err != nil)
	return err
}

// introspectDBs early-introspects every database the cluster reports,
// concurrently. Databases dropped between listing and introspection are
// skipped.
func (t *Tenant) introspectDBs(ctx context.Context) error {
	var dbnames []string
	err := t.sys.UseSysConn(ctx, func(conn *pgconn.BackendConn) error {
		var err error
		dbnames, err = t.server.GetDBNames(ctx, conn)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing databases: %w", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(dbnames))
	for i, dbname := range dbnames {
		wg.Add(1)
		go func(i int, dbname string) {
			defer wg.Done()
			errs[i] = t.earlyIntrospectDB(ctx, dbname)
		}(i, dbname)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// reintrospectGlobalSchema re-fetches and re-parses the cluster-wide
// schema and roles after a global-schema-changes event.
func (t *Tenant) reintrospectGlobalSchema(ctx context.Context) error {
	if !t.initing.Load() && !t.running.Load() {
		slog.Warn("global-schema-changes event received during shutdown; ignoring")
		return nil
	}

	var schemaJSON []byte
	err := t.sys.UseSysConn(ctx, func(conn *pgconn.BackendConn) error {
		var err error
		schemaJSON, err = t.server.IntrospectGlobalSchemaJSON(ctx, conn)
		if err != nil {
			return err
		}
		return t.fetchRoles(ctx, conn)
	})
	if err != nil {
		return fmt.Errorf("reintrospecting global schema: %w", err)
	}

	var schema any = schemaJSON
	if pool := t.server.GetCompilerPool(); pool != nil {
		schema, err = pool.ParseGlobalSchema(ctx, schemaJSON)
		if err != nil {
			return fmt.Errorf("parsing global schema: %w", err)
		}
	}
	t.dbIndex().UpdateGlobalSchema(schema)
	return nil
}
