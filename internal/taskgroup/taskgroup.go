// Package taskgroup tracks the background goroutines a running tenant
// spawns in response to async events (schema-change notifications, HA
// switch-over, config reloads). It distinguishes interruptable tasks,
// fire-and-forget work that is simply abandoned on shutdown, from joined
// tasks, which Stop waits for.
package taskgroup

import (
	"context"
	"log/slog"
	"sync"
)

// Group tracks goroutines spawned on behalf of a running tenant.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	joined   sync.WaitGroup
	accepting bool
}

// New creates a Group bound to parent. Cancelling the returned context
// (via Stop, or parent's own cancellation) is the signal interruptable
// tasks should watch for.
func New(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the group's context, cancelled by Stop.
func (g *Group) Context() context.Context { return g.ctx }

// StartAcceptingTasks flips the group into a state where Spawn calls are
// honored. Mirrors start_accepting_new_tasks; before this is called,
// Spawn is a no-op, matching the tenant's refusal to schedule background
// work before it has finished initializing.
func (g *Group) StartAcceptingTasks() {
	g.mu.Lock()
	g.accepting = true
	g.mu.Unlock()
}

// StopAcceptingTasks flips Spawn back to a no-op, used while shutting
// down so in-flight events don't schedule new work behind Stop's back.
func (g *Group) StopAcceptingTasks() {
	g.mu.Lock()
	g.accepting = false
	g.mu.Unlock()
}

// IsAccepting reports whether Spawn calls are currently honored.
func (g *Group) IsAccepting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepting
}

// SpawnInterruptable runs fn in its own goroutine, abandoned (not waited
// on) when Stop is called. Used for event-driven background work like
// prune_all_connections on switch-over, where waiting for completion would
// just delay shutdown without buying correctness. Panics inside fn are
// recovered and logged with site for operators to correlate against
// background-error metrics; they do not crash the process.
func (g *Group) SpawnInterruptable(site string, fn func(ctx context.Context)) {
	if !g.IsAccepting() {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in interruptable task", "site", site, "panic", r)
			}
		}()
		fn(g.ctx)
	}()
}

// SpawnJoined runs fn in its own goroutine and blocks Stop until it
// returns. Used for work that must complete, or at least be given the
// chance to observe cancellation and unwind cleanly, before the tenant is
// considered stopped.
func (g *Group) SpawnJoined(site string, fn func(ctx context.Context)) {
	if !g.IsAccepting() {
		return
	}
	g.joined.Add(1)
	go func() {
		defer g.joined.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in joined task", "site", site, "panic", r)
			}
		}()
		fn(g.ctx)
	}()
}

// Stop cancels the group's context, stops accepting new tasks, and waits
// for every joined task to return. Interruptable tasks are left running
// and simply observe g.Context().Done() on their own schedule.
func (g *Group) Stop() {
	g.StopAcceptingTasks()
	g.cancel()
	g.joined.Wait()
}
