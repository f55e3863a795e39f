package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesPerKey(t *testing.T) {
	var m Map[string]
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("a")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
	if n := m.Len(); n != 0 {
		t.Errorf("entries left = %d", n)
	}
}

func TestIndependentKeys(t *testing.T) {
	var m Map[int]
	unlockA := m.Lock(1)

	done := make(chan struct{})
	go func() {
		unlock := m.Lock(2)
		unlock()
		close(done)
	}()
	<-done

	unlockA()
	unlockA() // second call is a no-op
	if n := m.Len(); n != 0 {
		t.Errorf("entries left = %d", n)
	}
}
