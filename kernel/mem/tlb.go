package mem

import (
	"golang.org/x/sync/errgroup"

	"github.com/doublegate/VeridianOS-sub004/internal/spin"
)

type tlbKey struct {
	asid uint64
	vpn  uint64
}

type tlbEntry struct {
	frame Frame
	flags Flags
}

// tlb is the translation cache of one core.
type tlb struct {
	mu      spin.Mutex
	entries map[tlbKey]tlbEntry
}

func newTLB() *tlb {
	return &tlb{entries: make(map[tlbKey]tlbEntry)}
}

func (t *tlb) lookup(asid, vpn uint64) (tlbEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tlbKey{asid, vpn}]
	return e, ok
}

func (t *tlb) fill(asid, vpn uint64, e tlbEntry) {
	t.mu.Lock()
	t.entries[tlbKey{asid, vpn}] = e
	t.mu.Unlock()
}

// invalidate drops the entries of asid for pages [vpn, vpn+n). n == 0
// drops every entry of asid.
func (t *tlb) invalidate(asid, vpn, n uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for k := range t.entries {
		if k.asid != asid {
			continue
		}
		if n != 0 && (k.vpn < vpn || k.vpn >= vpn+n) {
			continue
		}
		delete(t.entries, k)
		dropped++
	}
	return dropped
}

func (t *tlb) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// shootdown invalidates [vpn, vpn+n) of asid on every core in the mask
// and waits until all of them are done.
func (m *Manager) shootdown(asid uint64, cores uint64, vpn, n uint64) {
	if cores == 0 {
		return
	}
	var g errgroup.Group
	for i, t := range m.tlbs {
		if cores&(1<<uint(i)) == 0 {
			continue
		}
		t := t
		g.Go(func() error {
			t.invalidate(asid, vpn, n)
			return nil
		})
	}
	_ = g.Wait()
	m.shootdowns.Add(1)
}

// CachedTranslations returns the number of entries in the translation
// cache of core.
func (m *Manager) CachedTranslations(core int) int {
	return m.tlbs[core].size()
}
