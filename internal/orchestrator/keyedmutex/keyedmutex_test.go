package keyedmutex

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLockExcludesSameKey(t *testing.T) {
	m := New()
	release, err := m.Lock(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "host-1"); err == nil {
		t.Fatal("expected second lock on the same key to block until timeout")
	}

	release()

	release2, err := m.Lock(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	release2()
}

func TestLockDifferentKeysDoNotBlock(t *testing.T) {
	m := New()
	release1, err := m.Lock(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("Lock host-1: %v", err)
	}
	defer release1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release2, err := m.Lock(ctx, "host-2")
	if err != nil {
		t.Fatalf("Lock host-2 should not be blocked by host-1: %v", err)
	}
	release2()
}

func TestQueuedWaitersEachAcquireInTurn(t *testing.T) {
	m := New()
	release, err := m.Lock(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	const waiters = 5
	var wg sync.WaitGroup
	order := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.Lock(context.Background(), "host-1")
			if err != nil {
				t.Errorf("waiter %d: Lock: %v", i, err)
				return
			}
			order <- i
			time.Sleep(5 * time.Millisecond)
			r()
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let goroutines queue up
	release()
	wg.Wait()
	close(order)

	count := 0
	for range order {
		count++
	}
	if count != waiters {
		t.Fatalf("expected all %d waiters to eventually acquire the lock, got %d", waiters, count)
	}
}

func TestLockCanceledContextDoesNotLeakLock(t *testing.T) {
	m := New()
	release, err := m.Lock(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "host-1"); err == nil {
		t.Fatal("expected timeout")
	}

	release()

	release2, err := m.Lock(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("lock should be available after original holder released: %v", err)
	}
	release2()
}
