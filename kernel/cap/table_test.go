package cap

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

func newPortObject(t *testing.T, id ObjectID) (*Object, *atomic.Bool) {
	t.Helper()
	var destroyed atomic.Bool
	obj := NewObject(id, KindPort, nil, func(*Object) { destroyed.Store(true) })
	return obj, &destroyed
}

func TestCreateUsesLowestFreeSlot(t *testing.T) {
	tab := NewTable(4, nil)
	obj, _ := newPortObject(t, 1)

	a, err := tab.Create(obj, RightsAll, 0)
	require.NoError(t, err)
	b, err := tab.Create(obj, RightRead, 0)
	require.NoError(t, err)
	require.Equal(t, Index(0), a)
	require.Equal(t, Index(1), b)

	require.NoError(t, tab.Delete(a))
	c, err := tab.Create(obj, RightRead, 0)
	require.NoError(t, err)
	require.Equal(t, Index(0), c)
}

func TestCreateQuota(t *testing.T) {
	tab := NewTable(2, nil)
	obj, _ := newPortObject(t, 1)

	for i := 0; i < 2; i++ {
		_, err := tab.Create(obj, RightRead, 0)
		require.NoError(t, err)
	}
	_, err := tab.Create(obj, RightRead, 0)
	require.ErrorIs(t, err, kerr.TableExhausted)

	_, err = tab.Derive(0, RightRead, 0)
	require.ErrorIs(t, err, kerr.TableExhausted)
	require.Equal(t, int64(3), obj.Refs())
}

func TestDeriveNeverEscalates(t *testing.T) {
	tab := NewTable(0, nil)
	obj, _ := newPortObject(t, 1)
	parentRights := RightRead | RightWrite | RightTransfer
	parent, err := tab.Create(obj, parentRights, 7)
	require.NoError(t, err)

	for r := Rights(0); r <= RightsAll; r++ {
		child, err := tab.Derive(parent, r, 9)
		if r.SubsetOf(parentRights) {
			require.NoError(t, err, "rights %v", r)
			c, ok := tab.Lookup(child)
			require.True(t, ok)
			require.True(t, c.Rights.SubsetOf(parentRights))
			require.Equal(t, uint64(9), c.Badge)
			require.NoError(t, tab.Delete(child))
		} else {
			require.ErrorIs(t, err, kerr.RightsEscalation, "rights %v", r)
		}
	}
}

func TestResolve(t *testing.T) {
	tab := NewTable(0, nil)
	obj, _ := newPortObject(t, 1)
	idx, err := tab.Create(obj, RightRead|RightWrite, 0)
	require.NoError(t, err)

	ref, err := tab.Resolve(idx, RightWrite)
	require.NoError(t, err)
	require.Same(t, obj, ref.Object())
	require.Equal(t, int64(3), obj.Refs())
	ref.Release()
	ref.Release()
	require.Equal(t, int64(2), obj.Refs())

	_, err = tab.Resolve(idx, RightExecute)
	require.ErrorIs(t, err, kerr.PermissionDenied)

	_, err = tab.Resolve(42, RightRead)
	require.ErrorIs(t, err, kerr.InvalidCapability)

	_, err = tab.ResolveKind(idx, KindThread, RightRead)
	require.ErrorIs(t, err, kerr.InvalidCapability)
	require.Equal(t, int64(2), obj.Refs())
}

func TestRevokeInvalidatesEveryTable(t *testing.T) {
	a := NewTable(0, nil)
	b := NewTable(0, nil)
	obj, _ := newPortObject(t, 1)

	owner, err := a.Create(obj, RightsAll, 0)
	require.NoError(t, err)
	derived, err := a.Derive(owner, RightRead|RightDuplicate, 0)
	require.NoError(t, err)
	remote, err := a.Transfer(derived, b)
	require.NoError(t, err)

	require.NoError(t, a.Revoke(owner))

	_, err = a.Resolve(derived, RightRead)
	require.ErrorIs(t, err, kerr.InvalidCapability)
	_, err = b.Resolve(remote, RightRead)
	require.ErrorIs(t, err, kerr.InvalidCapability)
	_, ok := a.Lookup(owner)
	require.False(t, ok)

	_, err = a.Derive(derived, RightRead, 0)
	require.ErrorIs(t, err, kerr.InvalidCapability)
	require.Equal(t, 1, b.Sweep())
}

func TestRevokeRequiresRight(t *testing.T) {
	tab := NewTable(0, nil)
	obj, _ := newPortObject(t, 1)
	idx, err := tab.Create(obj, RightRead, 0)
	require.NoError(t, err)

	require.ErrorIs(t, tab.Revoke(idx), kerr.PermissionDenied)
	require.Equal(t, uint64(0), obj.Generation())
}

func TestRevocationFinalityUnderConcurrentResolve(t *testing.T) {
	oldProcs := runtime.GOMAXPROCS(4)
	defer runtime.GOMAXPROCS(oldProcs)

	for round := 0; round < 20; round++ {
		owner := NewTable(0, nil)
		obj, _ := newPortObject(t, ObjectID(round))
		root, err := owner.Create(obj, RightsAll, 0)
		require.NoError(t, err)

		const resolvers = 4
		tables := make([]*Table, resolvers)
		indexes := make([]Index, resolvers)
		for i := range tables {
			tables[i] = NewTable(0, nil)
			d, err := owner.Derive(root, RightRead|RightDuplicate, 0)
			require.NoError(t, err)
			indexes[i], err = owner.Transfer(d, tables[i])
			require.NoError(t, err)
		}

		var revoked atomic.Bool
		var g errgroup.Group
		start := make(chan struct{})
		for i := range tables {
			tab, idx := tables[i], indexes[i]
			g.Go(func() error {
				<-start
				for {
					after := revoked.Load()
					ref, err := tab.Resolve(idx, RightRead)
					if err == nil {
						ref.Release()
						if after {
							return kerr.Newf(kerr.InvalidState, "resolve", "succeeded after revoke")
						}
						continue
					}
					if kerr.KindOf(err) != kerr.InvalidCapability {
						return err
					}
					return nil
				}
			})
		}
		close(start)
		runtime.Gosched()
		require.NoError(t, owner.Revoke(root))
		revoked.Store(true)
		require.NoError(t, g.Wait())
	}
}

func TestTransferModes(t *testing.T) {
	src := NewTable(0, nil)
	dst := NewTable(0, nil)
	obj, _ := newPortObject(t, 1)

	dup, err := src.Create(obj, RightRead|RightDuplicate, 1)
	require.NoError(t, err)
	mv, err := src.Create(obj, RightWrite|RightTransfer, 2)
	require.NoError(t, err)
	none, err := src.Create(obj, RightRead, 3)
	require.NoError(t, err)

	d1, err := src.Transfer(dup, dst)
	require.NoError(t, err)
	_, ok := src.Lookup(dup)
	require.True(t, ok, "copy must keep the source")

	d2, err := src.Transfer(mv, dst)
	require.NoError(t, err)
	_, ok = src.Lookup(mv)
	require.False(t, ok, "move must clear the source")

	_, err = src.Transfer(none, dst)
	require.ErrorIs(t, err, kerr.TransferDenied)

	c1, _ := dst.Lookup(d1)
	c2, _ := dst.Lookup(d2)
	require.Equal(t, uint64(1), c1.Badge)
	require.Equal(t, RightWrite|RightTransfer, c2.Rights)
	require.Equal(t, 2, dst.Len())
}

func TestObjectDestroyedWithLastReference(t *testing.T) {
	tab := NewTable(0, nil)
	obj, destroyed := newPortObject(t, 1)

	idx, err := tab.Create(obj, RightsAll, 0)
	require.NoError(t, err)
	obj.Release() // creation reference
	require.False(t, destroyed.Load())

	ref, err := tab.Resolve(idx, RightRead)
	require.NoError(t, err)
	require.NoError(t, tab.Delete(idx))
	require.False(t, destroyed.Load(), "resolved reference keeps the object alive")

	ref.Release()
	require.True(t, destroyed.Load())
	require.False(t, obj.Retain())

	_, err = tab.Create(obj, RightRead, 0)
	require.ErrorIs(t, err, kerr.InvalidCapability)
}

type countingObserver struct {
	mu        sync.Mutex
	installed int
	removed   int
	revoked   []uint64
}

func (o *countingObserver) CapInstalled(Capability) {
	o.mu.Lock()
	o.installed++
	o.mu.Unlock()
}

func (o *countingObserver) CapRemoved(Capability) {
	o.mu.Lock()
	o.removed++
	o.mu.Unlock()
}

func (o *countingObserver) Revoked(gen uint64) {
	o.mu.Lock()
	o.revoked = append(o.revoked, gen)
	o.mu.Unlock()
}

func TestObserverCallbacks(t *testing.T) {
	obs := &countingObserver{}
	obj := NewObject(1, KindPort, obs, nil)
	a := NewTable(0, nil)
	b := NewTable(0, nil)

	idx, err := a.Create(obj, RightsAll, 0)
	require.NoError(t, err)
	d, err := a.Derive(idx, RightRead|RightTransfer, 0)
	require.NoError(t, err)
	_, err = a.Transfer(d, b)
	require.NoError(t, err)
	require.NoError(t, a.Revoke(idx))
	b.Close()

	require.Equal(t, 3, obs.installed)
	require.Equal(t, 3, obs.removed)
	require.Equal(t, []uint64{1}, obs.revoked)
}

type liveObserver struct {
	mu   sync.Mutex
	live int
	low  int
}

func (o *liveObserver) CapInstalled(Capability) {
	o.mu.Lock()
	o.live++
	o.mu.Unlock()
}

func (o *liveObserver) CapRemoved(Capability) {
	o.mu.Lock()
	o.live--
	o.low = min(o.low, o.live)
	o.mu.Unlock()
}

func (o *liveObserver) Revoked(uint64) {}

func TestObserverSeesTableOrder(t *testing.T) {
	obs := &liveObserver{}
	obj := NewObject(1, KindPort, obs, nil)
	tab := NewTable(0, nil)
	owner, err := tab.Create(obj, RightsAll, 0)
	require.NoError(t, err)
	obs.low = 1

	const rounds = 2000
	var done atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		defer done.Store(true)
		for i := 0; i < rounds; i++ {
			if _, err := tab.Derive(owner, RightRead, 0); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for {
			finished := done.Load()
			for i := Index(0); i <= rounds && tab.Len() > 1; i++ {
				if _, ok := tab.Lookup(i); ok && i != owner {
					if err := tab.Delete(i); err != nil {
						return err
					}
				}
			}
			if finished && tab.Len() == 1 {
				return nil
			}
			runtime.Gosched()
		}
	})
	require.NoError(t, g.Wait())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, 1, obs.live)
	if obs.low < 1 {
		t.Fatalf("live capabilities dropped to %d while the owner held one", obs.low)
	}
}

func TestInheritInto(t *testing.T) {
	parent := NewTable(0, nil)
	child := NewTable(0, nil)
	obj, _ := newPortObject(t, 1)

	_, err := parent.Create(obj, RightRead|RightWrite|RightDuplicate, 0)
	require.NoError(t, err)
	_, err = parent.Create(obj, RightRead|RightTransfer, 0)
	require.NoError(t, err)

	n, err := parent.InheritInto(child, RightRead|RightDuplicate)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	c, ok := child.Lookup(0)
	require.True(t, ok)
	require.Equal(t, RightRead|RightDuplicate, c.Rights)
}

func TestRightsString(t *testing.T) {
	if got := (RightRead | RightTransfer | RightRevoke).String(); got != "r---t--R" {
		t.Fatalf("String() = %q, want %q", got, "r---t--R")
	}
}
