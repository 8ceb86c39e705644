package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ludash/controlplane/internal/store"
	"github.com/ludash/controlplane/internal/store/storetest"
)

type fakeChecker struct {
	mu    sync.Mutex
	calls []int64
}

func (f *fakeChecker) Check(_ context.Context, hostID int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, hostID)
	f.mu.Unlock()
	return nil
}

type fakeDigester struct {
	mu      sync.Mutex
	batches [][]CheckResult
}

func (f *fakeDigester) Digest(_ context.Context, batch []CheckResult) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
}

func testConfig() Config {
	return Config{StartupDelay: time.Millisecond, TickInterval: time.Hour, StaleHorizon: time.Hour}
}

func TestSweepChecksEveryStaleHost(t *testing.T) {
	st := storetest.New()
	id1, _ := st.CreateHost(context.Background(), &store.Host{Hostname: "a", Port: 22, Username: "root"})
	id2, _ := st.CreateHost(context.Background(), &store.Host{Hostname: "b", Port: 22, Username: "root"})

	checker := &fakeChecker{}
	digester := &fakeDigester{}
	s := New(st, checker, digester, testConfig(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	checker.mu.Lock()
	defer checker.mu.Unlock()
	if len(checker.calls) != 2 {
		t.Fatalf("expected 2 checks, got %d: %+v", len(checker.calls), checker.calls)
	}
	seen := map[int64]bool{}
	for _, id := range checker.calls {
		seen[id] = true
	}
	if !seen[id1] || !seen[id2] {
		t.Errorf("expected both hosts checked, got %+v", checker.calls)
	}

	digester.mu.Lock()
	defer digester.mu.Unlock()
	if len(digester.batches) != 1 || len(digester.batches[0]) != 2 {
		t.Fatalf("expected one batch of 2 results, got %+v", digester.batches)
	}
}

func TestSweepSkipsFreshHosts(t *testing.T) {
	st := storetest.New()
	id, _ := st.CreateHost(context.Background(), &store.Host{Hostname: "a", Port: 22, Username: "root"})
	err := st.ReplaceUpdates(context.Background(), id, "apt", []store.CachedUpdate{
		{Package: "curl", CachedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("ReplaceUpdates: %v", err)
	}

	checker := &fakeChecker{}
	digester := &fakeDigester{}
	s := New(st, checker, digester, testConfig(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	checker.mu.Lock()
	defer checker.mu.Unlock()
	if len(checker.calls) != 0 {
		t.Errorf("expected a host with a fresh cache to not be swept, got calls %+v", checker.calls)
	}
}

// TestSchedulerRestartIsIdempotent verifies restart is
// idempotent" requirement: starting a second Scheduler against the same
// store after the first has stopped sweeps the same stale hosts again
// without any lingering state from the first run.
func TestSchedulerRestartIsIdempotent(t *testing.T) {
	st := storetest.New()
	id, _ := st.CreateHost(context.Background(), &store.Host{Hostname: "a", Port: 22, Username: "root"})

	checkerA := &fakeChecker{}
	sA := New(st, checkerA, &fakeDigester{}, testConfig(), zerolog.Nop())
	ctxA, cancelA := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_ = sA.Run(ctxA)
	cancelA()

	checkerB := &fakeChecker{}
	sB := New(st, checkerB, &fakeDigester{}, testConfig(), zerolog.Nop())
	ctxB, cancelB := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelB()
	_ = sB.Run(ctxB)

	checkerA.mu.Lock()
	callsA := len(checkerA.calls)
	checkerA.mu.Unlock()
	checkerB.mu.Lock()
	callsB := len(checkerB.calls)
	checkerB.mu.Unlock()

	if callsA != 1 || callsB != 1 {
		t.Errorf("expected host %d checked once per scheduler instance, got A=%d B=%d", id, callsA, callsB)
	}
}
