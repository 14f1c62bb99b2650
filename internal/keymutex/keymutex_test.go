package keymutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyMutex_SerialisesSameKey(t *testing.T) {
	m := New[string]()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("entity-1")
			defer unlock()

			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside.Load())
	}
	if m.Len() != 0 {
		t.Errorf("Len() after release = %d, want 0", m.Len())
	}
}

func TestKeyMutex_DifferentKeysDoNotBlock(t *testing.T) {
	var m KeyMutex[int]

	unlockA := m.Lock(1)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := m.Lock(2)
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyMutex_UnlockIsIdempotent(t *testing.T) {
	m := New[string]()

	unlock := m.Lock("k")
	unlock()
	unlock()

	// A second double-unlock must not have released someone else's hold.
	unlock2 := m.Lock("k")
	acquired := make(chan struct{})
	go func() {
		u := m.Lock("k")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock2()
	<-acquired
}
