package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	km := New()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	km.Lock("a")
	wg.Add(1)
	go func() {
		defer wg.Done()
		km.Lock("a")
		defer km.Unlock("a")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	km.Unlock("a")

	wg.Wait()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected holder then waiter, got %v", order)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	km := New()
	km.Lock("a")
	defer km.Unlock("a")

	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestEntriesReleased(t *testing.T) {
	km := New()
	for i := 0; i < 100; i++ {
		km.Lock("k")
		km.Unlock("k")
	}
	if n := km.Len(); n != 0 {
		t.Fatalf("expected no retained entries, got %d", n)
	}
}
