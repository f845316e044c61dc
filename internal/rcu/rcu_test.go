package rcu

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type version struct {
	n    int
	dead atomic.Bool
}

func TestRetireWaitsForReaders(t *testing.T) {
	var d Domain
	v := NewValue(&d, &version{n: 1})

	g := d.Enter()
	var old *version
	v.Read(func(cur *version) { old = cur })

	v.Swap(&version{n: 2}, func(p *version) { p.dead.Store(true) })
	d.Collect()
	require.False(t, old.dead.Load(), "version reclaimed while a reader was active")
	require.Equal(t, 1, d.Pending())

	g.Exit()
	d.Synchronize()
	require.True(t, old.dead.Load())
	require.Equal(t, 0, d.Pending())
}

func TestConcurrentReadersNeverSeeReclaimed(t *testing.T) {
	var d Domain
	v := NewValue(&d, &version{n: 0})

	var wg sync.WaitGroup
	var bad atomic.Int64
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v.Read(func(cur *version) {
					if cur.dead.Load() {
						bad.Add(1)
					}
				})
			}
		}()
	}

	var mu sync.Mutex
	for i := 1; i <= 200; i++ {
		v.Update(&mu, func(cur *version) *version {
			return &version{n: cur.n + 1}
		}, func(p *version) { p.dead.Store(true) })
	}
	close(stop)
	wg.Wait()
	d.Synchronize()

	require.Zero(t, bad.Load())
	v.Read(func(cur *version) { require.Equal(t, 200, cur.n) })
}
