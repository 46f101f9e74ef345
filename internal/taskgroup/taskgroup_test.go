package taskgroup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpawnBeforeAcceptingIsNoOp(t *testing.T) {
	g := New(context.Background())

	var ran atomic.Bool
	g.SpawnInterruptable("test", func(ctx context.Context) { ran.Store(true) })
	g.SpawnJoined("test", func(ctx context.Context) { ran.Store(true) })

	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Error("tasks must not run before StartAcceptingTasks")
	}
}

func TestStopWaitsForJoinedTasks(t *testing.T) {
	g := New(context.Background())
	g.StartAcceptingTasks()

	var finished atomic.Bool
	g.SpawnJoined("slow", func(ctx context.Context) {
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	})

	g.Stop()
	if !finished.Load() {
		t.Error("Stop must wait for joined tasks to finish")
	}
}

func TestStopAbandonsInterruptableTasks(t *testing.T) {
	g := New(context.Background())
	g.StartAcceptingTasks()

	started := make(chan struct{})
	interrupted := make(chan struct{})
	g.SpawnInterruptable("long", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(interrupted)
	})
	<-started

	done := make(chan struct{})
	go func() {
		g.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop must not wait for interruptable tasks")
	}

	// The abandoned task still observes cancellation.
	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("interruptable task never saw the cancelled context")
	}
}

func TestStopPreventsFurtherSpawns(t *testing.T) {
	g := New(context.Background())
	g.StartAcceptingTasks()
	g.Stop()

	var ran atomic.Bool
	g.SpawnInterruptable("late", func(ctx context.Context) { ran.Store(true) })
	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Error("tasks must not run after Stop")
	}
}

func TestPanicInTaskIsRecovered(t *testing.T) {
	g := New(context.Background())
	g.StartAcceptingTasks()

	g.SpawnJoined("panicky", func(ctx context.Context) {
		panic("boom")
	})
	// Stop returning at all proves the panic did not kill the process or
	// leak the joined counter.
	g.Stop()
}

func TestIsAccepting(t *testing.T) {
	g := New(context.Background())
	if g.IsAccepting() {
		t.Error("a fresh group must not accept tasks")
	}
	g.StartAcceptingTasks()
	if !g.IsAccepting() {
		t.Error("expected accepting after StartAcceptingTasks")
	}
	g.StopAcceptingTasks()
	if g.IsAccepting() {
		t.Error("expected not accepting after StopAcceptingTasks")
	}
}
