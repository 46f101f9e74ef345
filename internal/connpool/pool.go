// Package connpool implements ConnPool, the capacity-bounded multiplexer
// that lets a single tenant share one backend-connection budget across many
// databases. Connections are keyed by dbname, idle connections are tracked
// per key, and saturation is resolved by evicting the least-recently-used
// idle connection from any other key rather than failing the caller.
package connpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tenantcore/tenantd/internal/pgconn"
	"github.com/tenantcore/tenantd/internal/tenanterrors"
)

// Connector dials and authenticates a new backend connection for dbname.
// Disconnector performs the corresponding teardown. Both are supplied by
// the owning tenant.
type Connector func(ctx context.Context, dbname string) (*pgconn.BackendConn, error)
type Disconnector func(conn *pgconn.BackendConn)

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	MaxCapacity     int            `json:"max_capacity"`
	CurrentCapacity int            `json:"current_capacity"`
	PendingConns    int            `json:"pending_conns"`
	Active          int            `json:"active"`
	IdleByDB        map[string]int `json:"idle_by_db"`
	Waiting         int            `json:"waiting"`
}

type idleConn struct {
	conn     *pgconn.BackendConn
	lastUsed time.Time
}

// ConnPool multiplexes one tenant's backend-connection budget across every
// database that tenant serves.
type ConnPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	connect    Connector
	disconnect Disconnector

	maxCapacity int // max backend connections minus the one reserved for the system connection
	current     int // connections that exist right now, idle + active + pending
	pending     int // dials in flight
	waiting     int

	idle   map[string][]*idleConn // dbname -> idle conns, oldest first
	active map[*pgconn.BackendConn]string

	closed bool
}

// New constructs a ConnPool with the given capacity and connect/disconnect
// callbacks.
func New(maxCapacity int, connect Connector, disconnect Disconnector) *ConnPool {
	p := &ConnPool{
		connect:     connect,
		disconnect:  disconnect,
		maxCapacity: maxCapacity,
		idle:        make(map[string][]*idleConn),
		active:      make(map[*pgconn.BackendConn]string),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns a healthy connection to dbname, reusing an idle one if
// available, dialing a new one if there is spare capacity, or evicting the
// globally least-recently-used idle connection from another database when
// saturated. It blocks (honoring ctx) only when no idle connection exists
// anywhere and capacity is fully committed to other active connections.
func (p *ConnPool) Acquire(ctx context.Context, dbname string) (*pgconn.BackendConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, tenanterrors.NewBackendUnavailableError("pool closed")
		}

		if conns := p.idle[dbname]; len(conns) > 0 {
			ic := conns[len(conns)-1]
			p.idle[dbname] = conns[:len(conns)-1]
			if !ic.conn.IsHealthy() {
				p.current--
				p.disconnectAsync(ic.conn)
				p.mu.Unlock()
				continue
			}
			p.active[ic.conn] = dbname
			p.mu.Unlock()
			return ic.conn, nil
		}

		if p.current < p.maxCapacity {
			p.current++
			p.pending++
			p.mu.Unlock()

			conn, err := p.connect(ctx, dbname)
			p.mu.Lock()
			p.pending--
			if err != nil {
				p.current--
				p.cond.Broadcast()
				p.mu.Unlock()
				return nil, fmt.Errorf("establishing backend connection to %s: %w", dbname, err)
			}
			p.active[conn] = dbname
			p.mu.Unlock()
			return conn, nil
		}

		if victim, victimDB, ok := p.evictLRULocked(dbname); ok {
			p.mu.Unlock()
			p.disconnectAsync(victim)
			slog.Debug("evicted idle connection under saturation", "from_db", victimDB, "for_db", dbname)
			continue
		}

		p.waiting++
		waitErrCh := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-waitErrCh:
			}
		}()
		p.cond.Wait()
		close(waitErrCh)
		p.waiting--
		p.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acquiring connection to %s: %w", dbname, err)
		}
	}
}

// evictLRULocked finds the globally oldest idle connection belonging to a
// database OTHER than dbname and removes it from the idle map. Caller must
// hold p.mu.
func (p *ConnPool) evictLRULocked(excludeDB string) (*pgconn.BackendConn, string, bool) {
	var (
		oldestDB   string
		oldestIdx  = -1
		oldestTime time.Time
	)
	for db, conns := range p.idle {
		if db == excludeDB || len(conns) == 0 {
			continue
		}
		for i, ic := range conns {
			if oldestIdx == -1 || ic.lastUsed.Before(oldestTime) {
				oldestDB = db
				oldestIdx = i
				oldestTime = ic.lastUsed
			}
		}
	}
	if oldestIdx == -1 {
		return nil, "", false
	}
	conns := p.idle[oldestDB]
	victim := conns[oldestIdx]
	p.idle[oldestDB] = append(conns[:oldestIdx], conns[oldestIdx+1:]...)
	p.current--
	return victim.conn, oldestDB, true
}

// Release returns conn to the pool. If discard is true, or the connection
// is unhealthy, it is torn down instead of going idle.
func (p *ConnPool) Release(conn *pgconn.BackendConn, discard bool) {
	p.mu.Lock()
	dbname, ok := p.active[conn]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, conn)

	if discard || !conn.IsHealthy() {
		p.current--
		p.mu.Unlock()
		p.disconnectAsync(conn)
		p.cond.Signal()
		return
	}

	p.idle[dbname] = append(p.idle[dbname], &idleConn{conn: conn, lastUsed: time.Now()})
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *ConnPool) disconnectAsync(conn *pgconn.BackendConn) {
	if p.disconnect != nil {
		p.disconnect(conn)
	}
}

// PruneAllConnections tears down every idle and active connection across
// every database, used on HA switch-over.
func (p *ConnPool) PruneAllConnections() {
	p.mu.Lock()
	var toClose []*pgconn.BackendConn
	for db, conns := range p.idle {
		for _, ic := range conns {
			toClose = append(toClose, ic.conn)
		}
		delete(p.idle, db)
	}
	for conn := range p.active {
		toClose = append(toClose, conn)
		delete(p.active, conn)
	}
	p.current -= len(toClose)
	if p.current < 0 {
		p.current = 0
	}
	p.mu.Unlock()

	for _, conn := range toClose {
		conn.Abort()
	}
	p.cond.Broadcast()
}

// PruneInactiveConnections tears down idle connections for one database,
// used before dropping or recreating it.
func (p *ConnPool) PruneInactiveConnections(dbname string) int {
	p.mu.Lock()
	conns := p.idle[dbname]
	delete(p.idle, dbname)
	p.current -= len(conns)
	p.mu.Unlock()

	for _, ic := range conns {
		ic.conn.Terminate()
	}
	if len(conns) > 0 {
		p.cond.Broadcast()
	}
	return len(conns)
}

// CountConnections returns the number of connections (idle + active)
// currently open against dbname, used by ensure_database_not_connected.
func (p *ConnPool) CountConnections(dbname string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle[dbname])
	for _, d := range p.active {
		if d == dbname {
			n++
		}
	}
	return n
}

// IterateConnections calls fn for every connection the pool tracks: idle
// ones first, in a stable (dbname, then oldest-first) order, then
// checked-out ones in no particular order. Used to fan out
// SetStmtCacheSize without holding the pool lock across each call.
func (p *ConnPool) IterateConnections(fn func(*pgconn.BackendConn)) {
	p.mu.Lock()
	dbs := make([]string, 0, len(p.idle))
	for db := range p.idle {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)
	var snapshot []*pgconn.BackendConn
	for _, db := range dbs {
		for _, ic := range p.idle[db] {
			snapshot = append(snapshot, ic.conn)
		}
	}
	for conn := range p.active {
		snapshot = append(snapshot, conn)
	}
	p.mu.Unlock()

	for _, conn := range snapshot {
		fn(conn)
	}
}

// GetPendingConns returns the number of dials currently in flight.
func (p *ConnPool) GetPendingConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// CurrentCapacity returns the number of connections currently open,
// counting idle, active, and pending dials.
func (p *ConnPool) CurrentCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Stats returns a point-in-time snapshot of pool occupancy.
func (p *ConnPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idleByDB := make(map[string]int, len(p.idle))
	for db, conns := range p.idle {
		idleByDB[db] = len(conns)
	}
	return Stats{
		MaxCapacity:     p.maxCapacity,
		CurrentCapacity: p.current,
		PendingConns:    p.pending,
		Active:          len(p.active),
		IdleByDB:        idleByDB,
		Waiting:         p.waiting,
	}
}

// Close tears down every connection and rejects further Acquire calls.
func (p *ConnPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var toClose []*pgconn.BackendConn
	for db, conns := range p.idle {
		for _, ic := range conns {
			toClose = append(toClose, ic.conn)
		}
		delete(p.idle, db)
	}
	for conn := range p.active {
		toClose = append(toClose, conn)
	}
	p.mu.Unlock()

	for _, conn := range toClose {
		conn.Terminate()
	}
	p.cond.Broadcast()
}
