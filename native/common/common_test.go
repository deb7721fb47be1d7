package common

import (
	"errors"
	"sync"
	"testing"
)

func TestGuardPaused(t *testing.T) {
	pauses := NewPauses("Escrow")
	if err := Guard(pauses, "escrow"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	if err := Guard(pauses, "dispute"); err != nil {
		t.Fatalf("dispute should not be paused: %v", err)
	}
	pauses.Set("escrow", false)
	if err := Guard(pauses, "escrow"); err != nil {
		t.Fatalf("expected resumed module, got %v", err)
	}
	if err := Guard(nil, "escrow"); err != nil {
		t.Fatalf("nil view should never pause: %v", err)
	}
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	var km KeyedMutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("escrow_1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
	if km.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", km.Len())
	}
}
