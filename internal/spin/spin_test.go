package spin

import (
	"runtime"
	"sync"
	"testing"
)

func TestMutexTryLock(t *testing.T) {
	var m Mutex

	if !m.TryLock() {
		t.Fatalf("TryLock() = false on free lock, want true")
	}
	if m.TryLock() {
		t.Fatalf("TryLock() = true on held lock, want false")
	}
	m.Unlock()
	if !m.TryLock() {
		t.Fatalf("TryLock() = false after Unlock, want true")
	}
}

func TestMutexConcurrentIncrements(t *testing.T) {
	oldProcs := runtime.GOMAXPROCS(4)
	defer runtime.GOMAXPROCS(oldProcs)

	const (
		workers   = 8
		perWorker = 5_000
	)

	var (
		m       Mutex
		counter int
		wg      sync.WaitGroup
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != workers*perWorker {
		t.Fatalf("counter = %d, want %d", counter, workers*perWorker)
	}
}

func TestMutexUnlockUnlockedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Unlock() of unlocked mutex did not panic")
		}
	}()
	var m Mutex
	m.Unlock()
}
