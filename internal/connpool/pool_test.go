package connpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tenantcore/tenantd/internal/pgconn"
	"github.com/tenantcore/tenantd/internal/pgtest"
)

func startBackend(t *testing.T) *pgtest.Backend {
	t.Helper()
	b, err := pgtest.Start()
	if err != nil {
		t.Fatalf("starting fake backend: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func newPool(t *testing.T, b *pgtest.Backend, capacity int) *ConnPool {
	t.Helper()
	connect := func(ctx context.Context, dbname string) (*pgconn.BackendConn, error) {
		return pgconn.Open(ctx, b.Addr(), dbname, pgconn.AuthParams{User: "admin"}, nil, nil)
	}
	disconnect := func(conn *pgconn.BackendConn) { conn.Terminate() }
	p := New(capacity, connect, disconnect)
	t.Cleanup(p.Close)
	return p
}

func TestAcquireRelease(t *testing.T) {
	b := startBackend(t)
	p := newPool(t, b, 4)

	ctx := context.Background()
	conn, err := p.Acquire(ctx, "app")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := p.CurrentCapacity(); got != 1 {
		t.Errorf("CurrentCapacity = %d, want 1", got)
	}

	p.Release(conn, false)
	if got := p.CurrentCapacity(); got != 1 {
		t.Errorf("CurrentCapacity after release = %d, want 1 (idle retained)", got)
	}

	// The idle connection is reused, not re-dialed.
	again, err := p.Acquire(ctx, "app")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if again != conn {
		t.Error("expected the idle connection to be reused")
	}
	p.Release(again, false)
}

func TestReleaseDiscardDestroys(t *testing.T) {
	b := startBackend(t)
	p := newPool(t, b, 4)

	conn, err := p.Acquire(context.Background(), "app")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(conn, true)

	if got := p.CurrentCapacity(); got != 0 {
		t.Errorf("CurrentCapacity after discard = %d, want 0", got)
	}
	if conn.IsHealthy() {
		t.Error("discarded connection must be terminated")
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	b := startBackend(t)
	const capacity = 3
	p := newPool(t, b, capacity)

	ctx := context.Background()
	var conns []*pgconn.BackendConn
	for i := 0; i < capacity; i++ {
		conn, err := p.Acquire(ctx, "app")
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		conns = append(conns, conn)
	}
	if got := p.CurrentCapacity(); got != capacity {
		t.Fatalf("CurrentCapacity = %d, want %d", got, capacity)
	}

	// A fourth acquire must block until a release frees a slot.
	acquired := make(chan *pgconn.BackendConn, 1)
	go func() {
		conn, err := p.Acquire(ctx, "app")
		if err != nil {
			t.Errorf("blocked Acquire: %v", err)
			acquired <- nil
			return
		}
		acquired <- conn
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire must block at capacity")
	case <-time.After(200 * time.Millisecond):
	}

	p.Release(conns[0], false)
	select {
	case conn := <-acquired:
		if conn == nil {
			t.Fatal("blocked Acquire failed")
		}
		if got := p.CurrentCapacity(); got > capacity {
			t.Errorf("CurrentCapacity = %d exceeds cap %d", got, capacity)
		}
		p.Release(conn, false)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Acquire never resumed after release")
	}

	for _, conn := range conns[1:] {
		p.Release(conn, false)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	b := startBackend(t)
	p := newPool(t, b, 1)

	conn, err := p.Acquire(context.Background(), "app")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(conn, false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "other")
	if err == nil {
		t.Fatal("expected context deadline error on saturated pool")
	}
}

func TestSaturationEvictsLRUIdleOfOtherDB(t *testing.T) {
	b := startBackend(t)
	p := newPool(t, b, 2)

	ctx := context.Background()
	oldIdle, err := p.Acquire(ctx, "olddb")
	if err != nil {
		t.Fatalf("Acquire olddb: %v", err)
	}
	newIdle, err := p.Acquire(ctx, "newdb")
	if err != nil {
		t.Fatalf("Acquire newdb: %v", err)
	}
	p.Release(oldIdle, false)
	time.Sleep(10 * time.Millisecond) // ensure distinct lastUsed ordering
	p.Release(newIdle, false)

	// Saturated, no idle conn for "app": the LRU idle conn (olddb's) must
	// be evicted to make room.
	conn, err := p.Acquire(ctx, "app")
	if err != nil {
		t.Fatalf("Acquire app: %v", err)
	}
	defer p.Release(conn, false)

	if oldIdle.IsHealthy() {
		t.Error("expected the least-recently-used idle connection to be evicted")
	}
	if !newIdle.IsHealthy() {
		t.Error("the more recently used idle connection must survive")
	}
	if got := p.CurrentCapacity(); got != 2 {
		t.Errorf("CurrentCapacity = %d, want 2", got)
	}
}

func TestPruneInactiveConnections(t *testing.T) {
	b := startBackend(t)
	p := newPool(t, b, 4)

	ctx := context.Background()
	appConn, _ := p.Acquire(ctx, "app")
	otherConn, _ := p.Acquire(ctx, "other")
	appActive, _ := p.Acquire(ctx, "app")
	p.Release(appConn, false)
	p.Release(otherConn, false)

	pruned := p.PruneInactiveConnections("app")
	if pruned != 1 {
		t.Errorf("pruned %d connections, want 1", pruned)
	}
	if appConn.IsHealthy() {
		t.Error("idle app connection must be terminated")
	}
	if !otherConn.IsHealthy() {
		t.Error("idle connection of another db must survive")
	}
	if !appActive.IsHealthy() {
		t.Error("checked-out app connection must survive prune of idle ones")
	}
	p.Release(appActive, false)
}

func TestPruneAllConnections(t *testing.T) {
	b := startBackend(t)
	p := newPool(t, b, 4)

	ctx := context.Background()
	idle, _ := p.Acquire(ctx, "app")
	active, _ := p.Acquire(ctx, "other")
	p.Release(idle, false)

	p.PruneAllConnections()

	if idle.IsHealthy() || active.IsHealthy() {
		t.Error("prune-all must abort idle and active connections alike")
	}
	if got := p.CurrentCapacity(); got != 0 {
		t.Errorf("CurrentCapacity after prune-all = %d, want 0", got)
	}
}

func TestCountConnections(t *testing.T) {
	b := startBackend(t)
	p := newPool(t, b, 4)

	ctx := context.Background()
	c1, _ := p.Acquire(ctx, "app")
	c2, _ := p.Acquire(ctx, "app")
	c3, _ := p.Acquire(ctx, "other")
	p.Release(c1, false)

	if got := p.CountConnections("app"); got != 2 {
		t.Errorf("CountConnections(app) = %d, want 2", got)
	}
	if got := p.CountConnections("other"); got != 1 {
		t.Errorf("CountConnections(other) = %d, want 1", got)
	}
	if got := p.CountConnections("missing"); got != 0 {
		t.Errorf("CountConnections(missing) = %d, want 0", got)
	}
	p.Release(c2, false)
	p.Release(c3, false)
}

func TestIterateConnections(t *testing.T) {
	b := startBackend(t)
	p := newPool(t, b, 4)

	ctx := context.Background()
	c1, _ := p.Acquire(ctx, "app")
	c2, _ := p.Acquire(ctx, "other")
	p.Release(c1, false)
	p.Release(c2, false)

	seen := 0
	p.IterateConnections(func(conn *pgconn.BackendConn) {
		conn.SetStmtCacheSize(128)
		seen++
	})
	if seen != 2 {
		t.Errorf("iterated %d connections, want 2", seen)
	}
	if c1.StmtCacheSize() != 128 || c2.StmtCacheSize() != 128 {
		t.Error("stmt cache size fan-out missed a connection")
	}
}

func TestConcurrentAcquireReleaseAccounting(t *testing.T) {
	b := startBackend(t)
	const capacity = 4
	p := newPool(t, b, capacity)

	var wg sync.WaitGroup
	var peak atomic.Int64
	dbs := []string{"app", "other", "third"}
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			conn, err := p.Acquire(ctx, dbs[i%len(dbs)])
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if cur := int64(p.CurrentCapacity()); cur > peak.Load() {
				peak.Store(cur)
			}
			time.Sleep(time.Millisecond)
			p.Release(conn, i%5 == 0)
		}(i)
	}
	wg.Wait()

	if peak.Load() > capacity {
		t.Errorf("capacity exceeded under concurrency: peak %d > %d", peak.Load(), capacity)
	}
	if got := p.CurrentCapacity(); got > capacity {
		t.Errorf("final CurrentCapacity = %d exceeds cap", got)
	}
}

func TestAcquireAfterCloseFails(t *testing.T) {
	b := startBackend(t)
	p := newPool(t, b, 2)
	p.Close()

	_, err := p.Acquire(context.Background(), "app")
	if err == nil {
		t.Fatal("expected error acquiring from a closed pool")
	}
}
