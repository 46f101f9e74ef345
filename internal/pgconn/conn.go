// Package pgconn implements BackendConn, one physical session to a backend
// Postgres-flavored database: the startup/authentication handshake, scalar
// and columnar query helpers, async sysevent listening, and the health and
// cancellation primitives the connection pool and system connection build
// on top of.
package pgconn

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tenantcore/tenantd/internal/tenanterrors"
)

// AuthParams carries the credentials and startup parameters used to open a
// connection.
type AuthParams struct {
	User     string
	Password string
	Database string
	Extra    map[string]string // additional startup parameters (e.g. options)
}

// NotifyFunc is invoked for every NotificationResponse the backend delivers
// on a channel this connection is LISTENing on.
type NotifyFunc func(channel, payload string)

// LostFunc is invoked exactly once when the connection is lost or aborted.
type LostFunc func(err error)

// BackendConn is one live connection to a backend database.
type BackendConn struct {
	conn       net.Conn
	dbname     string
	backendPID uint32
	backendKey uint32

	healthy        atomic.Bool
	closedExpected atomic.Bool
	cancelling     atomic.Bool
	isSystemDB     atomic.Bool

	lostOnce sync.Once
	onLost   LostFunc
	onNotify NotifyFunc

	paramMu       sync.Mutex
	onParamStatus func(name, value string)

	frames  chan frame
	readErr chan error

	mu            sync.Mutex
	idle          bool
	stmtCacheSize int
	createdAt     time.Time
	lastUsed      time.Time
	tenantRef     any
}

// Open dials addr, performs the startup/authentication handshake against
// dbname, and returns a ready-to-query BackendConn. onLost is fired exactly
// once if the connection is later aborted or dies; onNotify receives any
// NotificationResponse delivered while this connection is listening.
func Open(ctx context.Context, addr, dbname string, auth AuthParams, onLost LostFunc, onNotify NotifyFunc) (*BackendConn, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	params := map[string]string{"user": auth.User, "database": dbname}
	for k, v := range auth.Extra {
		params[k] = v
	}
	if err := writeStartupMessage(conn, params); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending startup message: %w", err)
	}

	bc := &BackendConn{
		conn:      conn,
		dbname:    dbname,
		onLost:    onLost,
		onNotify:  onNotify,
		frames:    make(chan frame, 16),
		readErr:   make(chan error, 1),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		idle:      true,
	}

	if err := bc.handshake(auth); err != nil {
		conn.Close()
		return nil, err
	}

	bc.healthy.Store(true)
	go bc.readLoop()
	return bc, nil
}

func (bc *BackendConn) handshake(auth AuthParams) error {
	for {
		fr, err := readFrame(bc.conn)
		if err != nil {
			return fmt.Errorf("reading startup response: %w", err)
		}

		switch fr.typ {
		case msgAuthentication:
			if len(fr.payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(fr.payload[:4])
			switch authType {
			case authOK:
				continue
			case authCleartext:
				if err := writePasswordMessage(bc.conn, auth.Password); err != nil {
					return err
				}
			case authMD5:
				if len(fr.payload) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				salt := fr.payload[4:8]
				if err := writePasswordMessage(bc.conn, computeMD5Password(auth.User, auth.Password, salt)); err != nil {
					return err
				}
			case authSASL:
				if err := scramSHA256Auth(bc.conn, auth.User, auth.Password, fr.payload); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}

		case msgParameterStatus:
			// discarded during handshake; picked up post-handshake via readLoop if needed

		case msgBackendKeyData:
			if len(fr.payload) >= 8 {
				bc.backendPID = binary.BigEndian.Uint32(fr.payload[:4])
				bc.backendKey = binary.BigEndian.Uint32(fr.payload[4:8])
			}

		case msgReadyForQuery:
			return nil

		case msgErrorResponse:
			return classifyError(fr.payload)

		default:
			continue
		}
	}
}

// readLoop continuously drains the connection. NotificationResponse frames
// are dispatched straight to onNotify so they never reach a synchronous
// caller's response stream; every other frame is forwarded on bc.frames for
// sql_fetch_val/col (or the listen/signal acknowledgement) to consume.
func (bc *BackendConn) readLoop() {
	for {
		fr, err := readFrame(bc.conn)
		if err != nil {
			if !bc.closedExpected.Load() {
				bc.healthy.Store(false)
				bc.fireLost(err)
			}
			close(bc.frames)
			return
		}
		if fr.typ == msgNotificationResp {
			if bc.onNotify != nil {
				channel, payload := parseNotification(fr.payload)
				bc.onNotify(channel, payload)
			}
			continue
		}
		// ParameterStatus and NoticeResponse can arrive while the connection
		// is idle with nobody draining frames; consume them here so they
		// never clog the frame channel.
		if fr.typ == msgParameterStatus {
			bc.paramMu.Lock()
			cb := bc.onParamStatus
			bc.paramMu.Unlock()
			if cb != nil {
				name, value := parseNullTerminatedPair(fr.payload)
				cb(name, value)
			}
			continue
		}
		if fr.typ == msgNoticeResponse {
			continue
		}
		bc.frames <- fr
	}
}

func (bc *BackendConn) fireLost(err error) {
	bc.lostOnce.Do(func() {
		if bc.onLost != nil {
			bc.onLost(err)
		}
	})
}

func classifyError(payload []byte) error {
	fields := errorFields(payload)
	sqlstate := fields['C']
	msg := fields['M']
	code := tenanterrors.CodeUnknown
	switch sqlstate {
	case "3D000":
		code = tenanterrors.CodeInvalidCatalogName
	case "0A000":
		code = tenanterrors.CodeFeatureNotSupported
	case "57P03":
		code = tenanterrors.CodeCannotConnectNow
	case "25006":
		code = tenanterrors.CodeReadOnlySQLTxn
	}
	return tenanterrors.NewBackendError(code, msg)
}

func (bc *BackendConn) nextFrame(ctx context.Context) (frame, error) {
	select {
	case fr, ok := <-bc.frames:
		if !ok {
			select {
			case err := <-bc.readErr:
				return frame{}, err
			default:
				return frame{}, fmt.Errorf("connection closed")
			}
		}
		return fr, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// SqlFetchVal executes query and returns the first column of the first row,
// or nil if the result set was empty. usePrepStmt selects the extended
// query protocol (Parse/Bind/Execute) so args can be bound; otherwise the
// simple query protocol is used and args are not sent.
func (bc *BackendConn) SqlFetchVal(ctx context.Context, query string, args [][]byte, usePrepStmt bool) ([]byte, error) {
	rows, err := bc.execute(ctx, query, args, usePrepStmt)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// SqlFetchCol executes query and returns the first column across all rows.
func (bc *BackendConn) SqlFetchCol(ctx context.Context, query string, args [][]byte) ([][]byte, error) {
	return bc.execute(ctx, query, args, len(args) > 0)
}

func (bc *BackendConn) execute(ctx context.Context, query string, args [][]byte, extended bool) ([][]byte, error) {
	bc.mu.Lock()
	bc.idle = false
	bc.lastUsed = time.Now()
	bc.mu.Unlock()
	defer func() {
		bc.mu.Lock()
		bc.idle = true
		bc.lastUsed = time.Now()
		bc.mu.Unlock()
	}()

	if extended {
		if err := bc.sendExtendedQuery(query, args); err != nil {
			return nil, err
		}
	} else {
		if err := writeMsg(bc.conn, msgQuery, append([]byte(query), 0)); err != nil {
			return nil, fmt.Errorf("sending query: %w", err)
		}
	}

	var rows [][]byte
	for {
		fr, err := bc.nextFrame(ctx)
		if err != nil {
			return nil, err
		}
		switch fr.typ {
		case msgDataRow:
			if v := firstColumn(fr.payload); v != nil {
				rows = append(rows, v)
			}
		case msgCommandComplete, msgEmptyQueryResponse, msgRowDescription,
			msgParseComplete, msgBindComplete, msgParameterDesc, msgNoData:
			continue
		case msgErrorResponse:
			// drain to ReadyForQuery before returning, mirroring libpq.
			bc.drainToReady(ctx)
			return nil, classifyError(fr.payload)
		case msgReadyForQuery:
			return rows, nil
		default:
			continue
		}
	}
}

func (bc *BackendConn) drainToReady(ctx context.Context) {
	for {
		fr, err := bc.nextFrame(ctx)
		if err != nil || fr.typ == msgReadyForQuery {
			return
		}
	}
}

func (bc *BackendConn) sendExtendedQuery(query string, args [][]byte) error {
	var parse []byte
	parse = append(parse, 0) // unnamed statement
	parse = append(parse, query...)
	parse = append(parse, 0)
	parse = append(parse, 0, 0) // 0 parameter type OIDs specified
	if err := writeMsg(bc.conn, msgParse, parse); err != nil {
		return fmt.Errorf("sending Parse: %w", err)
	}

	var bind []byte
	bind = append(bind, 0, 0) // unnamed portal, unnamed statement
	bind = append(bind, 0, 0) // 0 parameter format codes (all text)
	paramCount := make([]byte, 2)
	binary.BigEndian.PutUint16(paramCount, uint16(len(args)))
	bind = append(bind, paramCount...)
	for _, a := range args {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(a)))
		bind = append(bind, lenBuf...)
		bind = append(bind, a...)
	}
	bind = append(bind, 0, 0) // 0 result format codes (all text)
	if err := writeMsg(bc.conn, msgBind, bind); err != nil {
		return fmt.Errorf("sending Bind: %w", err)
	}

	execBuf := []byte{0, 0, 0, 0, 0} // unnamed portal, max rows 0 (all)
	if err := writeMsg(bc.conn, msgExecute, execBuf); err != nil {
		return fmt.Errorf("sending Execute: %w", err)
	}
	if err := writeMsg(bc.conn, msgSync, nil); err != nil {
		return fmt.Errorf("sending Sync: %w", err)
	}
	return nil
}

func firstColumn(dataRow []byte) []byte {
	if len(dataRow) < 2 {
		return nil
	}
	numCols := binary.BigEndian.Uint16(dataRow[:2])
	if numCols == 0 {
		return nil
	}
	off := 2
	if off+4 > len(dataRow) {
		return nil
	}
	l := int32(binary.BigEndian.Uint32(dataRow[off : off+4]))
	off += 4
	if l < 0 {
		return nil // SQL NULL
	}
	if off+int(l) > len(dataRow) {
		return nil
	}
	return dataRow[off : off+int(l)]
}

// ListenForSysevent subscribes this connection to the tenant's shared event
// channel. Notifications arrive via the onNotify callback given to Open.
func (bc *BackendConn) ListenForSysevent(ctx context.Context, channel string) error {
	_, err := bc.execute(ctx, fmt.Sprintf("LISTEN %s", channel), nil, false)
	return err
}

// SignalSysevent publishes a JSON-ish event on the shared channel for peer
// tenants to observe. kwargs values are embedded as a flat JSON object.
func (bc *BackendConn) SignalSysevent(ctx context.Context, channel, event string, kwargs map[string]string) error {
	payload := fmt.Sprintf(`{"event":%q`, event)
	for k, v := range kwargs {
		payload += fmt.Sprintf(`,%q:%q`, k, v)
	}
	payload += "}"
	escaped := make([]byte, 0, len(payload))
	for _, b := range []byte(payload) {
		if b == '\'' {
			escaped = append(escaped, '\'', '\'')
		} else {
			escaped = append(escaped, b)
		}
	}
	query := fmt.Sprintf("NOTIFY %s, '%s'", channel, string(escaped))
	_, err := bc.execute(ctx, query, nil, false)
	return err
}

// OnParameterStatus installs a callback invoked for every asynchronous
// ParameterStatus the backend reports, e.g. in_hot_standby flipping on
// after a failover.
func (bc *BackendConn) OnParameterStatus(fn func(name, value string)) {
	bc.paramMu.Lock()
	bc.onParamStatus = fn
	bc.paramMu.Unlock()
}

// MarkAsSystemDB flags this connection as the tenant's singleton system
// connection, affecting only notification-routing bookkeeping elsewhere.
func (bc *BackendConn) MarkAsSystemDB() { bc.isSystemDB.Store(true) }

// IsSystemDB reports whether MarkAsSystemDB was called on this connection.
func (bc *BackendConn) IsSystemDB() bool { return bc.isSystemDB.Load() }

// IsHealthy returns false once the transport has closed or the last I/O
// failed.
func (bc *BackendConn) IsHealthy() bool { return bc.healthy.Load() }

// Abort forcibly drops the connection and fires the connection-lost
// callback exactly once.
func (bc *BackendConn) Abort() {
	bc.healthy.Store(false)
	bc.fireLost(nil)
	bc.closedExpected.Store(true)
	bc.conn.Close()
}

// Terminate performs a clean close without invoking the connection-lost
// callback.
func (bc *BackendConn) Terminate() {
	bc.closedExpected.Store(true)
	bc.healthy.Store(false)
	_ = writeMsg(bc.conn, msgTerminate, nil)
	bc.conn.Close()
}

// StartPgCancellation brackets an outstanding cancellation; it returns false
// if a cancellation is already in flight, so concurrent cancels are
// rejected.
func (bc *BackendConn) StartPgCancellation() bool {
	return bc.cancelling.CompareAndSwap(false, true)
}

// FinishPgCancellation closes the bracket opened by StartPgCancellation.
func (bc *BackendConn) FinishPgCancellation() { bc.cancelling.Store(false) }

// IsCancelling reports whether a cancellation is currently in flight.
func (bc *BackendConn) IsCancelling() bool { return bc.cancelling.Load() }

// SetStmtCacheSize records the desired prepared-statement cache size for
// this connection. Exposed for ConnPool.IterateConnections fan-out.
func (bc *BackendConn) SetStmtCacheSize(n int) {
	bc.mu.Lock()
	bc.stmtCacheSize = n
	bc.mu.Unlock()
}

// StmtCacheSize returns the last value set by SetStmtCacheSize.
func (bc *BackendConn) StmtCacheSize() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.stmtCacheSize
}

// DBName returns the database this connection was opened against.
func (bc *BackendConn) DBName() string { return bc.dbname }

// BackendPID returns the backend process id reported at startup.
func (bc *BackendConn) BackendPID() uint32 { return bc.backendPID }

// IsIdle reports whether the connection is between queries (not executing).
func (bc *BackendConn) IsIdle() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.idle
}

// SetTenant installs the back-reference to the owning tenant. Only set
// after a successful open whose HA master serial at open-start still
// matches the serial at open-end.
func (bc *BackendConn) SetTenant(t any) {
	bc.mu.Lock()
	bc.tenantRef = t
	bc.mu.Unlock()
}

// Tenant returns the back-reference installed by SetTenant, or nil.
func (bc *BackendConn) Tenant() any {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.tenantRef
}

// CreatedAt returns when this connection was established.
func (bc *BackendConn) CreatedAt() time.Time { return bc.createdAt }

// LastUsed returns when this connection was last used.
func (bc *BackendConn) LastUsed() time.Time {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.lastUsed
}

// IsExpired reports whether the connection has exceeded its max lifetime.
func (bc *BackendConn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(bc.createdAt) > maxLifetime
}
