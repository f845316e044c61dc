// Package cap implements capabilities, kernel objects and the
// per-process capability table through which every object is reached.
package cap

import (
	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/internal/klog"
	"github.com/doublegate/VeridianOS-sub004/internal/spin"
	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

// Index is a slot number in a capability table.
type Index uint32

// DefaultQuota is the slot quota of a table created with quota 0.
const DefaultQuota = 256

// Capability grants rights over one generation of a kernel object.
//
// It is a plain value; authority comes from holding it in a table slot.
type Capability struct {
	Object     *Object
	Rights     Rights
	Badge      uint64
	Generation uint64
}

// Valid reports whether the capability still refers to the live
// generation of its object.
func (c Capability) Valid() bool {
	return c.Object != nil && c.Generation == c.Object.Generation()
}

// Restrict returns a capability with a reduced set of rights.
func (c Capability) Restrict(rights Rights) Capability {
	c.Rights &= rights
	return c
}

func (c Capability) same(o Capability) bool {
	return c.Object == o.Object && c.Generation == o.Generation &&
		c.Rights == o.Rights && c.Badge == o.Badge
}

type slot struct {
	used bool
	cap  Capability
}

// Table is a per-process capability table.
type Table struct {
	mu    spin.Mutex
	slots []slot
	used  int
	quota int
	log   *zap.Logger
}

// NewTable creates an empty table holding at most quota capabilities.
func NewTable(quota int, logger *zap.Logger) *Table {
	if quota <= 0 {
		quota = DefaultQuota
	}
	return &Table{
		quota: quota,
		log:   klog.OrNop(logger),
	}
}

// Quota returns the slot quota.
func (t *Table) Quota() int { return t.quota }

// Len returns the number of occupied slots, stale ones included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// allocLocked returns the lowest free slot.
func (t *Table) allocLocked() (Index, bool) {
	if t.used >= t.quota {
		return 0, false
	}
	for i := range t.slots {
		if !t.slots[i].used {
			return Index(i), true
		}
	}
	t.slots = append(t.slots, slot{})
	return Index(len(t.slots) - 1), true
}

func (t *Table) setLocked(idx Index, c Capability) {
	t.slots[idx] = slot{used: true, cap: c}
	t.used++
}

func (t *Table) clearLocked(idx Index) Capability {
	c := t.slots[idx].cap
	t.slots[idx] = slot{}
	t.used--
	return c
}

func (t *Table) lookupLocked(idx Index) (Capability, bool) {
	if int(idx) >= len(t.slots) || !t.slots[idx].used {
		return Capability{}, false
	}
	return t.slots[idx].cap, true
}

func installed(c Capability) {
	if obs, ok := c.Object.Body().(Observer); ok {
		obs.CapInstalled(c)
	}
}

func removed(c Capability) {
	if obs, ok := c.Object.Body().(Observer); ok {
		obs.CapRemoved(c)
	}
}

// Create installs a new capability for the current generation of obj.
func (t *Table) Create(obj *Object, rights Rights, badge uint64) (Index, error) {
	if obj == nil {
		return 0, kerr.New(kerr.InvalidArgument, "cap create")
	}
	return t.install(Capability{
		Object:     obj,
		Rights:     rights,
		Badge:      badge,
		Generation: obj.Generation(),
	}, "cap create")
}

// Install places a copy of c into the lowest free slot.
func (t *Table) Install(c Capability) (Index, error) {
	return t.install(c, "cap install")
}

func (t *Table) install(c Capability, op string) (Index, error) {
	if !c.Valid() {
		return 0, kerr.New(kerr.InvalidCapability, op)
	}
	if !c.Object.Retain() {
		return 0, kerr.Newf(kerr.InvalidCapability, op, "%v destroyed", c.Object)
	}

	t.mu.Lock()
	idx, ok := t.allocLocked()
	if !ok {
		t.mu.Unlock()
		c.Object.Release()
		return 0, kerr.Newf(kerr.TableExhausted, op, "quota %d", t.quota)
	}
	t.setLocked(idx, c)
	installed(c)
	t.mu.Unlock()
	return idx, nil
}

// Lookup returns the capability in the slot without validating it.
func (t *Table) Lookup(idx Index) (Capability, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(idx)
}

// Derive installs a copy of the capability at idx with rights reduced to
// rights and a new badge.
func (t *Table) Derive(idx Index, rights Rights, badge uint64) (Index, error) {
	const op = "cap derive"

	t.mu.Lock()
	src, ok := t.lookupLocked(idx)
	if !ok || !src.Valid() {
		t.mu.Unlock()
		return 0, kerr.Newf(kerr.InvalidCapability, op, "index %d", idx)
	}
	if !rights.SubsetOf(src.Rights) {
		t.mu.Unlock()
		return 0, kerr.Newf(kerr.RightsEscalation, op, "%v not within %v", rights, src.Rights)
	}
	if !src.Object.Retain() {
		t.mu.Unlock()
		return 0, kerr.Newf(kerr.InvalidCapability, op, "%v destroyed", src.Object)
	}
	dst, ok := t.allocLocked()
	if !ok {
		t.mu.Unlock()
		src.Object.Release()
		return 0, kerr.Newf(kerr.TableExhausted, op, "quota %d", t.quota)
	}
	derived := Capability{
		Object:     src.Object,
		Rights:     rights,
		Badge:      badge,
		Generation: src.Generation,
	}
	t.setLocked(dst, derived)
	installed(derived)
	t.mu.Unlock()
	return dst, nil
}

// Ref is a validated object reference returned by Resolve. The object
// cannot be destroyed until Release is called.
type Ref struct {
	Index Index
	Cap   Capability
}

// Object returns the resolved object.
func (r *Ref) Object() *Object { return r.Cap.Object }

// Release drops the short-lived reference taken by Resolve.
func (r *Ref) Release() {
	if r.Cap.Object != nil {
		r.Cap.Object.Release()
		r.Cap.Object = nil
	}
}

// Resolve validates the capability at idx against required and returns a
// live reference to its object.
func (t *Table) Resolve(idx Index, required Rights) (*Ref, error) {
	const op = "cap resolve"

	t.mu.Lock()
	c, ok := t.lookupLocked(idx)
	t.mu.Unlock()

	if !ok {
		return nil, kerr.Newf(kerr.InvalidCapability, op, "index %d empty", idx)
	}
	if !c.Valid() {
		return nil, kerr.Newf(kerr.InvalidCapability, op, "index %d stale", idx)
	}
	if !c.Rights.Has(required) {
		return nil, kerr.Newf(kerr.PermissionDenied, op, "index %d has %v, need %v",
			idx, c.Rights, required)
	}
	if !c.Object.Retain() {
		return nil, kerr.Newf(kerr.InvalidCapability, op, "index %d destroyed", idx)
	}
	// A revoke racing with the retain above wins.
	if !c.Valid() {
		c.Object.Release()
		return nil, kerr.Newf(kerr.InvalidCapability, op, "index %d stale", idx)
	}
	return &Ref{Index: idx, Cap: c}, nil
}

// ResolveKind is Resolve restricted to objects of kind.
func (t *Table) ResolveKind(idx Index, kind Kind, required Rights) (*Ref, error) {
	ref, err := t.Resolve(idx, required)
	if err != nil {
		return nil, err
	}
	if ref.Object().Kind() != kind {
		got := ref.Object().Kind()
		ref.Release()
		return nil, kerr.Newf(kerr.InvalidCapability, "cap resolve",
			"index %d is %v, want %v", idx, got, kind)
	}
	return ref, nil
}

// Revoke invalidates every capability referencing the current generation
// of the object at idx, in every table, and removes the local slot.
func (t *Table) Revoke(idx Index) error {
	const op = "cap revoke"

	t.mu.Lock()
	c, ok := t.lookupLocked(idx)
	if !ok || !c.Valid() {
		t.mu.Unlock()
		return kerr.Newf(kerr.InvalidCapability, op, "index %d", idx)
	}
	if !c.Rights.Has(RightRevoke) {
		t.mu.Unlock()
		return kerr.Newf(kerr.PermissionDenied, op, "index %d has %v", idx, c.Rights)
	}
	t.clearLocked(idx)
	removed(c)
	t.mu.Unlock()

	gen := c.Object.Invalidate()

	t.log.Debug("revoked",
		zap.Stringer("object", c.Object),
		zap.Uint64("generation", gen))

	c.Object.Release()
	return nil
}

// Delete removes the capability at idx. Stale capabilities can be
// deleted.
func (t *Table) Delete(idx Index) error {
	t.mu.Lock()
	if _, ok := t.lookupLocked(idx); !ok {
		t.mu.Unlock()
		return kerr.Newf(kerr.InvalidCapability, "cap delete", "index %d empty", idx)
	}
	c := t.clearLocked(idx)
	removed(c)
	t.mu.Unlock()

	c.Object.Release()
	return nil
}

// CompareAndDelete removes the capability at idx only if the slot still
// holds c.
func (t *Table) CompareAndDelete(idx Index, c Capability) bool {
	t.mu.Lock()
	cur, ok := t.lookupLocked(idx)
	if !ok || !cur.same(c) {
		t.mu.Unlock()
		return false
	}
	t.clearLocked(idx)
	removed(cur)
	t.mu.Unlock()

	cur.Object.Release()
	return true
}

// TransferMode tells whether a transfer copies or moves the capability.
type TransferMode uint8

// Transfer modes.
const (
	TransferCopy TransferMode = iota + 1
	TransferMove
)

// ModeFor returns the transfer mode the rights authorize: copy with
// RightDuplicate, otherwise move with RightTransfer.
func ModeFor(rights Rights) (TransferMode, bool) {
	switch {
	case rights.Has(RightDuplicate):
		return TransferCopy, true
	case rights.Has(RightTransfer):
		return TransferMove, true
	default:
		return 0, false
	}
}

// CheckTransfer validates the capability at idx for transfer and returns
// a snapshot of it together with the mode.
func (t *Table) CheckTransfer(idx Index) (Capability, TransferMode, error) {
	const op = "cap transfer"

	c, ok := t.Lookup(idx)
	if !ok || !c.Valid() {
		return Capability{}, 0, kerr.Newf(kerr.InvalidCapability, op, "index %d", idx)
	}
	mode, ok := ModeFor(c.Rights)
	if !ok {
		return Capability{}, 0, kerr.Newf(kerr.TransferDenied, op, "index %d has %v", idx, c.Rights)
	}
	return c, mode, nil
}

// Transfer copies (RightDuplicate) or moves (RightTransfer) the
// capability at idx into dest and returns its index there.
func (t *Table) Transfer(idx Index, dest *Table) (Index, error) {
	c, mode, err := t.CheckTransfer(idx)
	if err != nil {
		return 0, err
	}
	return t.TransferSnapshot(idx, c, mode, dest)
}

// TransferSnapshot completes a transfer validated earlier with
// CheckTransfer. A move fails with InvalidCapability if the source slot
// no longer holds c.
func (t *Table) TransferSnapshot(idx Index, c Capability, mode TransferMode, dest *Table) (Index, error) {
	const op = "cap transfer"

	if !c.Valid() {
		return 0, kerr.Newf(kerr.InvalidCapability, op, "index %d stale", idx)
	}
	dst, err := dest.install(c, op)
	if err != nil {
		return 0, err
	}
	if mode == TransferMove && dest != t {
		if !t.CompareAndDelete(idx, c) {
			_ = dest.Delete(dst)
			return 0, kerr.Newf(kerr.InvalidCapability, op, "index %d changed", idx)
		}
	}
	return dst, nil
}

// InheritInto copies every valid capability carrying RightDuplicate into
// dest with rights masked by mask. It returns the number copied.
func (t *Table) InheritInto(dest *Table, mask Rights) (int, error) {
	t.mu.Lock()
	var caps []Capability
	for _, s := range t.slots {
		if s.used && s.cap.Rights.Has(RightDuplicate) && s.cap.Valid() {
			caps = append(caps, s.cap.Restrict(mask))
		}
	}
	t.mu.Unlock()

	var n int
	for _, c := range caps {
		if _, err := dest.install(c, "cap inherit"); err != nil {
			if kerr.KindOf(err) == kerr.TableExhausted {
				return n, err
			}
			continue
		}
		n++
	}
	return n, nil
}

// Sweep deletes every stale capability and returns how many were removed.
func (t *Table) Sweep() int {
	t.mu.Lock()
	var stale []Capability
	for i := range t.slots {
		if t.slots[i].used && !t.slots[i].cap.Valid() {
			c := t.clearLocked(Index(i))
			removed(c)
			stale = append(stale, c)
		}
	}
	t.mu.Unlock()

	for _, c := range stale {
		c.Object.Release()
	}
	return len(stale)
}

// Close removes every capability. It is used on process teardown.
func (t *Table) Close() {
	t.mu.Lock()
	var caps []Capability
	for i := range t.slots {
		if t.slots[i].used {
			c := t.clearLocked(Index(i))
			removed(c)
			caps = append(caps, c)
		}
	}
	t.slots = nil
	t.mu.Unlock()

	for _, c := range caps {
		c.Object.Release()
	}
}
