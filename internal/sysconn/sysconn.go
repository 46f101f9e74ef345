// Package sysconn implements SysConn, the tenant's single privileged
// connection to the system database: the channel schema-change
// notifications, HA switch-over signals, and cross-server sysevents
// arrive on. There is exactly one per tenant, cycling through
// disconnected -> connecting -> listening -> healthy as it dials,
// authenticates, and subscribes, and back to disconnected whenever the
// transport dies. The ready gate is a swappable channel: closed once
// a healthy connection is adopted, replaced with a fresh open channel
// when the connection is lost again.
package sysconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tenantcore/tenantd/internal/pgconn"
	"github.com/tenantcore/tenantd/internal/tenanterrors"
)

// ReconnectInterval bounds how long the reconnect loop waits between
// attempts absent an explicit wake-up signal.
const ReconnectInterval = 3 * time.Second

// Connector dials and authenticates a fresh connection to the system
// database. Supplied by the owning tenant.
type Connector func(ctx context.Context) (*pgconn.BackendConn, error)

// NotifyFunc is forwarded every NotificationResponse delivered on the
// system connection once it is listening.
type NotifyFunc func(channel, payload string)

// SysConn is the tenant's singleton system connection and its reconnect
// state machine.
type SysConn struct {
	connect      Connector
	sysChannel   string
	onNotify     NotifyFunc

	acquireMu sync.Mutex // serializes UseSysConn callers

	connMu sync.RWMutex
	conn   *pgconn.BackendConn

	evtMu   sync.Mutex
	readyCh chan struct{}

	haSerial atomic.Int64

	running      atomic.Bool
	reconnecting atomic.Bool
	reconnectWake chan struct{}

	unavailMu  sync.Mutex
	unavailMsg string

	fatalMu  sync.Mutex
	fatalErr error
	fatalCh  chan struct{}
}

// New creates a SysConn. channel is the LISTEN channel name used for
// cross-tenant sysevents.
func New(connect Connector, channel string, onNotify NotifyFunc) *SysConn {
	s := &SysConn{
		connect:       connect,
		sysChannel:    channel,
		onNotify:      onNotify,
		readyCh:       make(chan struct{}),
		reconnectWake: make(chan struct{}, 1),
		fatalCh:       make(chan struct{}),
	}
	return s
}

// Init performs the initial synchronous connect-and-listen, called once
// during tenant startup before the tenant is marked ready. Unlike later
// reconnects, a failure here is returned to the caller instead of being
// retried in the background.
func (s *SysConn) Init(ctx context.Context) error {
	s.running.Store(true)
	conn, err := s.connectOnce(ctx)
	if err != nil {
		return fmt.Errorf("initial system connection failed: %w", err)
	}
	if err := s.adoptConnection(ctx, conn); err != nil {
		conn.Terminate()
		return err
	}
	return nil
}

func (s *SysConn) adoptConnection(ctx context.Context, conn *pgconn.BackendConn) error {
	conn.MarkAsSystemDB()
	if err := conn.ListenForSysevent(ctx, s.sysChannel); err != nil {
		return fmt.Errorf("subscribing to sysevent channel: %w", err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.ClearUnavailableMsg()
	s.markReady()
	return nil
}

// connectOnce dials a new connection and rejects it if the HA master
// serial changed while the dial was in flight, so a connection
// established across a failover boundary is never adopted.
func (s *SysConn) connectOnce(ctx context.Context) (*pgconn.BackendConn, error) {
	before := s.haSerial.Load()
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	after := s.haSerial.Load()
	if before != after {
		conn.Terminate()
		return nil, fmt.Errorf("connected to outdated postgres master")
	}
	return conn, nil
}

// markReady closes the current ready gate, waking every UseSysConn caller
// blocked in it.
func (s *SysConn) markReady() {
	s.evtMu.Lock()
	select {
	case <-s.readyCh:
		// already closed
	default:
		close(s.readyCh)
	}
	s.evtMu.Unlock()
}

// clearReady installs a fresh, open gate so subsequent UseSysConn callers
// block until the next markReady.
func (s *SysConn) clearReady() {
	s.evtMu.Lock()
	select {
	case <-s.readyCh:
		s.readyCh = make(chan struct{})
	default:
		// already open
	}
	s.evtMu.Unlock()
}

func (s *SysConn) readyGate() chan struct{} {
	s.evtMu.Lock()
	defer s.evtMu.Unlock()
	return s.readyCh
}

// UseSysConn runs fn with the current healthy system connection, waiting
// for a reconnect if the connection is currently absent or unhealthy.
// At most one caller is inside UseSysConn at a time.
func (s *SysConn) UseSysConn(ctx context.Context, fn func(*pgconn.BackendConn) error) error {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil || !conn.IsHealthy() {
		if conn != nil {
			conn.Abort()
		}
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		s.clearReady()
		s.triggerReconnect()

		select {
		case <-s.readyGate():
		case <-ctx.Done():
			return ctx.Err()
		case <-s.fatalCh:
			return s.FatalErr()
		}

		s.connMu.RLock()
		conn = s.conn
		s.connMu.RUnlock()
		if conn == nil {
			if msg := s.UnavailableMsg(); msg != "" {
				return tenanterrors.NewBackendUnavailableError(msg)
			}
			return tenanterrors.NewBackendUnavailableError("system connection unavailable")
		}
	}

	return fn(conn)
}

// OnConnectionLost is registered as the BackendConn's loss callback for
// the system connection. err is nil when the loss was an explicit Abort.
func (s *SysConn) OnConnectionLost(err error) {
	if !s.running.Load() {
		s.markReady()
		return
	}
	slog.Warn("system connection lost", "err", err)
	s.connMu.Lock()
	s.conn = nil
	s.connMu.Unlock()
	s.clearReady()
	s.triggerReconnect()
}

func (s *SysConn) triggerReconnect() {
	if s.reconnecting.CompareAndSwap(false, true) {
		go s.reconnectLoop()
		return
	}
	select {
	case s.reconnectWake <- struct{}{}:
	default:
	}
}

// reconnectLoop retries the connect-and-listen sequence until it
// succeeds, the tenant stops running, or a non-retryable BackendError is
// observed, in which case it publishes the error via FatalErr/Fatal()
// instead of retrying forever.
func (s *SysConn) reconnectLoop() {
	defer s.reconnecting.Store(false)

	for s.running.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := s.connectOnce(ctx)
		cancel()

		if err == nil {
			if adoptErr := s.adoptConnection(context.Background(), conn); adoptErr != nil {
				conn.Terminate()
				err = adoptErr
			} else {
				return
			}
		}

		var backendErr *tenanterrors.BackendError
		if errors.As(err, &backendErr) && !backendErr.IsRetryableDuringReconnect() {
			s.setFatal(err)
			return
		}

		slog.Warn("system connection reconnect attempt failed, retrying", "err", err)
		select {
		case <-time.After(ReconnectInterval):
		case <-s.reconnectWake:
		}
	}
}

func (s *SysConn) setFatal(err error) {
	s.fatalMu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
		close(s.fatalCh)
	}
	s.fatalMu.Unlock()
	s.SetUnavailableMsg(err.Error())
}

// FatalErr returns the error that caused the reconnect loop to give up
// permanently, or nil if it has not.
func (s *SysConn) FatalErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}

// Fatal returns a channel closed exactly once the reconnect loop has
// given up permanently.
func (s *SysConn) Fatal() <-chan struct{} { return s.fatalCh }

// OnSwitchOver bumps the HA master serial, invalidating any connect in
// flight, and forces the current connection to be dropped and
// reconnected.
func (s *SysConn) OnSwitchOver() {
	s.haSerial.Add(1)
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		conn.Abort()
	} else {
		s.clearReady()
		s.triggerReconnect()
	}
}

// HASerial returns the current HA master serial. Every backend connect
// attempt, pooled ones included, reads this before dialing and compares
// after, discarding connections that straddle a failover.
func (s *SysConn) HASerial() int64 { return s.haSerial.Load() }

// IsHealthy reports whether the system connection is currently present
// and healthy.
func (s *SysConn) IsHealthy() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn != nil && s.conn.IsHealthy()
}

// SetUnavailableMsg records the reason the backend became unavailable,
// first-wins: once set, it is only cleared explicitly.
func (s *SysConn) SetUnavailableMsg(msg string) {
	s.unavailMu.Lock()
	if s.unavailMsg == "" {
		s.unavailMsg = msg
	}
	s.unavailMu.Unlock()
}

// ClearUnavailableMsg resets the unavailability reason, called once the
// backend is confirmed reachable again.
func (s *SysConn) ClearUnavailableMsg() {
	s.unavailMu.Lock()
	s.unavailMsg = ""
	s.unavailMu.Unlock()
}

// UnavailableMsg returns the current unavailability reason, or "" if the
// backend is considered reachable.
func (s *SysConn) UnavailableMsg() string {
	s.unavailMu.Lock()
	defer s.unavailMu.Unlock()
	return s.unavailMsg
}

// Stop marks the SysConn as no longer running and terminates its
// connection without triggering a reconnect.
func (s *SysConn) Stop() {
	s.running.Store(false)
	s.markReady()
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		conn.Terminate()
	}
}
