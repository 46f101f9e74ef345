package health

import (
	"sync"
	"testing"
	"time"

	"github.com/tenantcore/tenantd/internal/metrics"
)

type fakeTenant struct {
	mu         sync.Mutex
	sysHealthy bool
	online     bool
	active     int
}

func (f *fakeTenant) InstanceName() string { return "test" }

func (f *fakeTenant) SysConnHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sysHealthy
}

func (f *fakeTenant) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeTenant) GetActivePgconNum() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeTenant) PoolStatsCounts() (int, int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, 0, 0, 0
}

func (f *fakeTenant) set(sysHealthy, online bool) {
	f.mu.Lock()
	f.sysHealthy = sysHealthy
	f.online = online
	f.mu.Unlock()
}

func TestHealthyTenant(t *testing.T) {
	ft := &fakeTenant{sysHealthy: true, online: true, active: 2}
	c := NewChecker(ft, metrics.New(), time.Hour, 3)

	st := c.Check()
	if st.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", st.Status)
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy must be true")
	}
	if st.ActiveConnections != 2 {
		t.Errorf("active = %d, want 2", st.ActiveConnections)
	}
}

func TestOfflineIsDegraded(t *testing.T) {
	ft := &fakeTenant{sysHealthy: true, online: false}
	c := NewChecker(ft, metrics.New(), time.Hour, 3)

	if st := c.Check(); st.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", st.Status)
	}
}

func TestUnhealthyOnlyAfterThreshold(t *testing.T) {
	ft := &fakeTenant{sysHealthy: false, online: true}
	c := NewChecker(ft, metrics.New(), time.Hour, 3)

	if st := c.Check(); st.Status != StatusDegraded {
		t.Errorf("first failure: status = %s, want degraded", st.Status)
	}
	c.Check()
	if st := c.Check(); st.Status != StatusUnhealthy {
		t.Errorf("third failure: status = %s, want unhealthy", st.Status)
	}

	// One good probe resets the failure streak.
	ft.set(true, true)
	if st := c.Check(); st.Status != StatusHealthy {
		t.Errorf("recovery: status = %s, want healthy", st.Status)
	}
	ft.set(false, true)
	if st := c.Check(); st.Status != StatusDegraded {
		t.Errorf("post-recovery failure: status = %s, want degraded", st.Status)
	}
}

func TestStartStop(t *testing.T) {
	ft := &fakeTenant{sysHealthy: true, online: true}
	c := NewChecker(ft, metrics.New(), 10*time.Millisecond, 3)
	c.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.GetStatus().Status == StatusHealthy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.GetStatus().Status != StatusHealthy {
		t.Error("periodic probe never ran")
	}

	c.Stop()
	c.Stop() // idempotent
}
