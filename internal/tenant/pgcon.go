package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tenantcore/tenantd/internal/pgconn"
	"github.com/tenantcore/tenantd/internal/tenanterrors"
)

// ErrOutdatedMaster is returned when a backend connection finished
// establishing only after the HA master serial had already advanced; the
// connection is to the old master and has been terminated.
var ErrOutdatedMaster = errors.New("connected to outdated Postgres master")

func (t *Tenant) clusterAddr() string {
	return fmt.Sprintf("%s:%d", t.cfg.Cluster.Host, t.cfg.Cluster.Port)
}

func (t *Tenant) authParams() pgconn.AuthParams {
	return pgconn.AuthParams{
		User:     t.cfg.Cluster.Username,
		Password: t.cfg.Cluster.Password,
	}
}

// pgConnect is the pool's connect callback: it opens a connection to
// dbname and rejects it if the HA master serial advanced while the dial
// was in flight, so a connection straddling a failover never enters the
// pool.
func (t *Tenant) pgConnect(ctx context.Context, dbname string) (*pgconn.BackendConn, error) {
	conn, err := t.pgConnectTo(ctx, dbname,
		func(error) { t.onPgconBroken(false) }, nil)
	if err != nil {
		return nil, err
	}
	if size := t.server.StmtCacheSize(); size > 0 {
		conn.SetStmtCacheSize(size)
	}
	return conn, nil
}

// pgDisconnect is the pool's disconnect callback.
func (t *Tenant) pgDisconnect(conn *pgconn.BackendConn) {
	t.metrics.BackendConnectionClosed(t.instanceName)
	conn.Terminate()
}

// sysConnect opens the singleton system connection, routing its loss
// callback, sysevent notifications, and parameter-status updates back
// into the tenant.
func (t *Tenant) sysConnect(ctx context.Context) (*pgconn.BackendConn, error) {
	conn, err := t.pgConnectTo(ctx, t.cfg.Cluster.SystemDBName,
		t.OnSysPgconConnectionLost, t.dispatchSysevent)
	if err != nil {
		return nil, err
	}
	conn.OnParameterStatus(t.OnSysPgconParameterStatusUpdated)
	return conn, nil
}

// pgConnectTo dials and authenticates against dbname, comparing the HA
// master serial before and after so a connection established across a
// failover boundary is terminated instead of handed out.
func (t *Tenant) pgConnectTo(ctx context.Context, dbname string, onLost pgconn.LostFunc, onNotify pgconn.NotifyFunc) (*pgconn.BackendConn, error) {
	serial := t.sys.HASerial()
	started := time.Now()
	conn, err := pgconn.Open(ctx, t.clusterAddr(), dbname, t.authParams(), onLost, onNotify)
	t.metrics.ObserveEstablishmentLatency(t.instanceName, time.Since(started))
	if err != nil {
		t.metrics.BackendConnectionFailed(t.instanceName)
		return nil, err
	}
	if serial != t.sys.HASerial() {
		conn.Terminate()
		return nil, ErrOutdatedMaster
	}
	conn.SetTenant(t)
	if t.adaptive != nil {
		t.adaptive.OnPgconMade(dbname == t.cfg.Cluster.SystemDBName)
	}
	t.metrics.BackendConnectionEstablished(t.instanceName)
	return conn, nil
}

// AcquirePgcon returns a healthy pooled connection to dbname. Unhealthy
// connections handed out by the pool are discarded and the acquire
// retried, at most once per pool slot, before giving up.
func (t *Tenant) AcquirePgcon(ctx context.Context, dbname string) (*pgconn.BackendConn, error) {
	if msg := t.sys.UnavailableMsg(); msg != "" {
		return nil, tenanterrors.NewBackendUnavailableError("Postgres is not available: " + msg)
	}

	for i := 0; i < t.maxBackendConnections-1; i++ {
		conn, err := t.pool.Acquire(ctx, dbname)
		if err != nil {
			return nil, err
		}
		if conn.IsHealthy() {
			return conn, nil
		}
		slog.Warn("acquired an unhealthy backend connection; discarding", "db", dbname)
		t.pool.Release(conn, true)
	}

	return nil, tenanterrors.NewBackendUnavailableError(
		"no healthy backend connection available at the moment, please try again")
}

// ReleasePgcon returns conn to the pool; unhealthy or discarded
// connections are destroyed and their capacity reclaimed.
func (t *Tenant) ReleasePgcon(dbname string, conn *pgconn.BackendConn, discard bool) {
	if !conn.IsHealthy() && !discard {
		slog.Warn("released an unhealthy backend connection; discarding", "db", dbname)
		discard = true
	}
	t.pool.Release(conn, discard)
}

// GetActivePgconNum returns the number of fully established backend
// connections currently tracked by the pool.
func (t *Tenant) GetActivePgconNum() int {
	return t.pool.CurrentCapacity() - t.pool.GetPendingConns()
}

// SetStmtCacheSize fans the new prepared-statement cache size out over
// every pooled connection.
func (t *Tenant) SetStmtCacheSize(size int) {
	t.pool.IterateConnections(func(conn *pgconn.BackendConn) {
		conn.SetStmtCacheSize(size)
	})
}

// CancelPgconOperation asks the backend to cancel whatever con is
// currently executing, via pg_cancel_backend on the system connection.
// Returns true iff the backend confirmed the signal was delivered.
func (t *Tenant) CancelPgconOperation(ctx context.Context, con *pgconn.BackendConn) (bool, error) {
	var cancelled bool
	err := t.sys.UseSysConn(ctx, func(syscon *pgconn.BackendConn) error {
		if con.IsIdle() {
			// The query results may have arrived while we were acquiring
			// the system connection.
			return nil
		}
		if !con.StartPgCancellation() {
			return nil
		}
		defer con.FinishPgCancellation()

		result, err := syscon.SqlFetchVal(ctx,
			fmt.Sprintf("SELECT pg_cancel_backend(%d);", con.BackendPID()), nil, false)
		if err != nil {
			return err
		}
		cancelled = len(result) > 0 && (result[0] == 't' || result[0] == 1)
		return nil
	})
	return cancelled, err
}

// CancelAndDiscardPgcon cancels con's in-flight operation if the tenant
// is still running, then discards the connection unconditionally.
func (t *Tenant) CancelAndDiscardPgcon(ctx context.Context, con *pgconn.BackendConn, dbname string) {
	if t.running.Load() {
		if _, err := t.CancelPgconOperation(ctx, con); err != nil {
			slog.Warn("failed to cancel backend operation", "db", dbname, "err", err)
		}
	}
	t.ReleasePgcon(dbname, con, true)
}

// onPgconBroken feeds a broken-connection observation to the adaptive HA
// monitor, if one is attached.
func (t *Tenant) onPgconBroken(isSystemDB bool) {
	if t.adaptive != nil {
		t.adaptive.OnPgconBroken(isSystemDB)
	}
}
