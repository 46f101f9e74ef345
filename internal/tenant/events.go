package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tenantcore/tenantd/internal/pgconn"
	"github.com/tenantcore/tenantd/internal/tenanterrors"
)

const defaultEnsureNotConnectedTimeout = 10 * time.Second

// Sysevent names published and consumed on the cluster-wide channel.
const (
	eventSchemaChanges         = "schema-changes"
	eventDatabaseChanges       = "database-changes"
	eventDatabaseConfigChanges = "database-config-changes"
	eventSystemConfigChanges   = "system-config-changes"
	eventGlobalSchemaChanges   = "global-schema-changes"
	eventEnsureDatabaseNotUsed = "ensure-database-not-used"
	eventDatabaseQuarantine    = "database-quarantine"
)

// SignalSysevent publishes a named event on the cluster-wide channel for
// peer servers to observe. A no-op once the tenant is neither initing nor
// running, so stray background tasks in flight during shutdown don't
// trip over a closed system connection.
func (t *Tenant) SignalSysevent(ctx context.Context, event string, kwargs map[string]string) error {
	if !t.initing.Load() && !t.running.Load() {
		return nil
	}
	tagged := make(map[string]string, len(kwargs)+1)
	for k, v := range kwargs {
		tagged[k] = v
	}
	tagged["server_id"] = t.serverID
	err := t.sys.UseSysConn(ctx, func(conn *pgconn.BackendConn) error {
		return conn.SignalSysevent(ctx, t.cfg.Cluster.SysEventChannel, event, tagged)
	})
	if err != nil {
		t.metrics.IncBackgroundError(t.instanceName, "signal_sysevent")
		return fmt.Errorf("signalling sysevent %s: %w", event, err)
	}
	return nil
}

// dispatchSysevent routes one notification from the system connection's
// LISTEN channel to the matching callback. Runs on the connection's read
// loop, so every branch must only schedule work, never block.
func (t *Tenant) dispatchSysevent(channel, payload string) {
	var msg struct {
		Event    string `json:"event"`
		DBName   string `json:"dbname"`
		ServerID string `json:"server_id"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slog.Warn("malformed sysevent payload", "channel", channel, "err", err)
		return
	}
	if msg.ServerID == t.serverID {
		// Our own publication echoed back; the local side effects already
		// happened synchronously.
		return
	}
	t.metrics.SyseventReceived(t.instanceName, msg.Event)

	switch msg.Event {
	case eventSchemaChanges:
		t.OnRemoteDDL(msg.DBName)
	case eventDatabaseChanges:
		t.OnRemoteDatabaseChanges()
	case eventDatabaseConfigChanges:
		t.OnRemoteDatabaseConfigChange(msg.DBName)
	case eventSystemConfigChanges:
		t.OnRemoteSystemConfigChange()
	case eventGlobalSchemaChanges:
		t.OnGlobalSchemaChange()
	case eventEnsureDatabaseNotUsed, eventDatabaseQuarantine:
		t.OnRemoteDatabaseQuarantine(msg.DBName)
	default:
		slog.Warn("unknown sysevent", "event", msg.Event)
	}
}

// OnRemoteDDL schedules a full re-introspection of dbname after a peer
// server announced a schema change.
func (t *Tenant) OnRemoteDDL(dbname string) {
	t.spawn("on_remote_ddl", true, func(ctx context.Context) error {
		return t.IntrospectDB(ctx, dbname)
	})
}

// OnRemoteDatabaseConfigChange schedules a full re-introspection of
// dbname after a peer server changed its database-level config.
func (t *Tenant) OnRemoteDatabaseConfigChange(dbname string) {
	t.spawn("on_remote_database_config_change", true, func(ctx context.Context) error {
		return t.IntrospectDB(ctx, dbname)
	})
}

// OnLocalDatabaseConfigChange schedules a full re-introspection of dbname
// after a local session committed a database-level config change. The
// full pass is deliberate: it is safer to refresh everything than to
// patch individual pieces.
func (t *Tenant) OnLocalDatabaseConfigChange(dbname string) {
	t.spawn("on_local_database_config_change", true, func(ctx context.Context) error {
		return t.IntrospectDB(ctx, dbname)
	})
}

// OnRemoteDatabaseChanges reconciles the database index against the
// cluster's current database list: new names are early-introspected,
// vanished ones dropped.
func (t *Tenant) OnRemoteDatabaseChanges() {
	t.spawn("on_remote_database_changes", true, func(ctx context.Context) error {
		var dbnames []string
		err := t.sys.UseSysConn(ctx, func(conn *pgconn.BackendConn) error {
			var err error
			dbnames, err = t.server.GetDBNames(ctx, conn)
			return err
		})
		if err != nil {
			return fmt.Errorf("listing databases: %w", err)
		}

		current := make(map[string]struct{}, len(dbnames))
		for _, dbname := range dbnames {
			current[dbname] = struct{}{}
		}

		idx := t.dbIndex()
		var errs []error
		for _, dbname := range dbnames {
			if !idx.HasDB(dbname) {
				if err := t.earlyIntrospectDB(ctx, dbname); err != nil {
					errs = append(errs, err)
				}
			}
		}

		for _, entry := range idx.IterDBs() {
			if _, ok := current[entry.Name]; !ok {
				t.OnAfterDropDB(entry.Name)
			}
		}
		return errors.Join(errs...)
	})
}

// OnRemoteSystemConfigChange reloads the system config, publishes it to
// the index, refreshes the sys_auth table derived from it, and nudges the
// idle-connection garbage collector whose cadence it controls.
func (t *Tenant) OnRemoteSystemConfigChange() {
	t.spawn("on_remote_system_config_change", true, func(ctx context.Context) error {
		cfg, err := t.loadSysConfig(ctx, "sysconfig")
		if err != nil {
			return err
		}
		t.dbIndex().UpdateSysConfig(cfg)
		t.populateSysAuth()
		t.server.ReinitIdleGCCollector()
		return nil
	})
}

// OnGlobalSchemaChange schedules a re-fetch and re-parse of the
// cluster-wide schema.
func (t *Tenant) OnGlobalSchemaChange() {
	t.spawn("on_global_schema_change", true, func(ctx context.Context) error {
		return t.reintrospectGlobalSchema(ctx)
	})
}

// OnRemoteDatabaseQuarantine blocks new connections to dbname and prunes
// its idle pooled connections, honoring a peer server's drain request.
func (t *Tenant) OnRemoteDatabaseQuarantine(dbname string) {
	if !t.group.IsAccepting() {
		return
	}
	t.blockConnections(dbname)
	t.spawn("remote_db_quarantine", true, func(ctx context.Context) error {
		t.pool.PruneInactiveConnections(dbname)
		return nil
	})
}

// OnSwitchOver reacts to an HA master change: the serial advances so
// every connect in flight to the old master is rejected, all pooled
// connections are pruned, and the system connection is forced into a
// reconnect.
func (t *Tenant) OnSwitchOver() {
	t.metrics.HASwitchover(t.instanceName)

	t.spawn("prune_all_connections", true, func(ctx context.Context) error {
		t.pool.PruneAllConnections()
		return nil
	})

	t.sys.OnSwitchOver()

	if t.adaptive != nil {
		t.adaptive.SetStateFailover(false)
	}
}

// OnSysPgconFailoverSignal handles failover evidence observed on the
// system connection. With adaptive HA the monitor decides; with a
// dedicated HA backend that backend will call OnSwitchOver itself;
// otherwise switch over locally so reconnection happens sooner.
func (t *Tenant) OnSysPgconFailoverSignal() {
	if !t.running.Load() {
		return
	}
	if t.adaptive != nil {
		t.adaptive.SetStateFailover(true)
	} else if t.ha == nil {
		t.OnSwitchOver()
	}
}

// OnSysPgconParameterStatusUpdated watches asynchronous parameter-status
// reports on the system connection; in_hot_standby flipping on is strong
// evidence of a failover.
func (t *Tenant) OnSysPgconParameterStatusUpdated(name, value string) {
	if name == "in_hot_standby" && value == "on" {
		t.OnSysPgconFailoverSignal()
	}
}

// OnSysPgconConnectionLost records the outage, feeds the adaptive HA
// monitor, and hands the reconnect off to the system connection's own
// state machine.
func (t *Tenant) OnSysPgconConnectionLost(err error) {
	if t.running.Load() {
		if err == nil {
			slog.Error("connection to the system database is closed")
		} else {
			slog.Error("connection to the system database is broken", "err", err)
		}
		t.sys.SetUnavailableMsg("Connection is lost, please check server log for the reason.")
	}
	t.sys.OnConnectionLost(err)
	t.onPgconBroken(true)
}

// AllowDatabaseConnections lifts a connection block placed by
// EnsureDatabaseNotConnected or a quarantine event.
func (t *Tenant) AllowDatabaseConnections(dbname string) {
	t.blockMu.Lock()
	delete(t.blockNewConnections, dbname)
	t.blockMu.Unlock()
}

// IsDatabaseConnectable reports whether new connections to dbname are
// currently admitted.
func (t *Tenant) IsDatabaseConnectable(dbname string) bool {
	if dbname == t.cfg.Cluster.SystemDBName {
		return false
	}
	t.blockMu.Lock()
	defer t.blockMu.Unlock()
	_, blocked := t.blockNewConnections[dbname]
	return !blocked
}

func (t *Tenant) blockConnections(dbname string) {
	t.blockMu.Lock()
	t.blockNewConnections[dbname] = struct{}{}
	t.blockMu.Unlock()
}

// EnsureDatabaseNotConnected drains dbname ahead of destructive DDL:
// local views fail it immediately, then new connections are blocked, idle
// pooled connections pruned, peers signalled to do the same, and the
// cluster polled until no backend session on dbname remains.
func (t *Tenant) EnsureDatabaseNotConnected(ctx context.Context, dbname string) error {
	idx := t.dbIndex()
	if idx != nil && idx.CountConnections(dbname) > 0 {
		// Open client sessions locally; raise the same error the backend
		// itself would have.
		return tenanterrors.NewExecutionError(
			"database %q is being accessed by other users", dbname)
	}

	t.blockConnections(dbname)
	t.pool.PruneInactiveConnections(dbname)

	if err := t.SignalSysevent(ctx, eventEnsureDatabaseNotUsed, map[string]string{"dbname": dbname}); err != nil {
		return err
	}

	timeout := time.Duration(t.ensureNotConnectedTimeout.Load())
	deadline := time.Now().Add(timeout)
	backoff := 50 * time.Millisecond
	for {
		err := t.pgEnsureDatabaseNotConnected(ctx, dbname)
		if err == nil {
			return nil
		}
		var execErr *tenanterrors.ExecutionError
		if !errors.As(err, &execErr) {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > time.Second {
			backoff = time.Second
		}
	}
}

func (t *Tenant) pgEnsureDatabaseNotConnected(ctx context.Context, dbname string) error {
	var pids [][]byte
	err := t.sys.UseSysConn(ctx, func(conn *pgconn.BackendConn) error {
		var err error
		pids, err = conn.SqlFetchCol(ctx, sqlStatActivity, [][]byte{[]byte(dbname)})
		return err
	})
	if err != nil {
		return err
	}
	if len(pids) > 0 {
		return tenanterrors.NewExecutionError(
			"database %q is being accessed by other users", dbname)
	}
	return nil
}

// OnBeforeDropDB guards a DROP DATABASE: the currently open database
// cannot be dropped, and any other target must be fully drained first.
func (t *Tenant) OnBeforeDropDB(ctx context.Context, dbname, currentDBName string) error {
	if currentDBName == dbname {
		return tenanterrors.NewExecutionError(
			"cannot drop the currently open database %q", dbname)
	}
	return t.EnsureDatabaseNotConnected(ctx, dbname)
}

// OnBeforeCreateDBFromTemplate guards CREATE DATABASE ... TEMPLATE: the
// template must not be the currently open database and must be drained.
func (t *Tenant) OnBeforeCreateDBFromTemplate(ctx context.Context, dbname, currentDBName string) error {
	if currentDBName == dbname {
		return tenanterrors.NewExecutionError(
			"cannot create database using currently open database %q as a template database", dbname)
	}
	return t.EnsureDatabaseNotConnected(ctx, dbname)
}

// OnAfterDropDB removes a dropped database from the index and lifts any
// connection block left behind by the drain.
func (t *Tenant) OnAfterDropDB(dbname string) {
	if idx := t.dbIndex(); idx != nil && idx.HasDB(dbname) {
		idx.UnregisterDB(dbname)
	}
	t.AllowDatabaseConnections(dbname)
}
