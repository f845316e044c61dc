package cap

import (
	"fmt"
	"sync/atomic"
)

// Kind identifies the variant of a kernel object.
type Kind uint8

// Kernel object kinds.
const (
	KindProcess Kind = iota + 1
	KindThread
	KindAddressSpace
	KindPort
	KindMemoryRegion
	KindInterrupt
)

var kindNames = map[Kind]string{
	KindProcess:      "process",
	KindThread:       "thread",
	KindAddressSpace: "address_space",
	KindPort:         "port",
	KindMemoryRegion: "memory_region",
	KindInterrupt:    "interrupt",
}

func (k Kind) String() string {
	name, ok := kindNames[k]
	if ok {
		return name
	}
	return fmt.Sprintf("{Kind %d}", k)
}

// ObjectID is a kernel-wide object identifier.
type ObjectID uint64

// Observer is implemented by object bodies that track the capabilities
// referencing them. CapInstalled and CapRemoved run under the lock of the
// table that changed, in the order of its changes, and must not call
// into a table. Revoked runs without a table lock held.
type Observer interface {
	CapInstalled(c Capability)
	CapRemoved(c Capability)
	Revoked(generation uint64)
}

// Object is a reference-counted kernel object. The body holds the
// variant state and is selected by Kind.
type Object struct {
	id       ObjectID
	kind     Kind
	body     any
	gen      atomic.Uint64
	refs     atomic.Int64
	released atomic.Bool
	release  func(*Object)
}

// NewObject creates an object holding one reference owned by the
// caller. release runs once when the last reference is dropped.
func NewObject(id ObjectID, kind Kind, body any, release func(*Object)) *Object {
	obj := &Object{
		id:      id,
		kind:    kind,
		body:    body,
		release: release,
	}
	obj.refs.Store(1)
	return obj
}

// ID returns the object identifier.
func (o *Object) ID() ObjectID { return o.id }

// Kind returns the object variant.
func (o *Object) Kind() Kind { return o.kind }

// Body returns the variant state.
func (o *Object) Body() any { return o.body }

// Generation returns the current generation.
func (o *Object) Generation() uint64 {
	return o.gen.Load()
}

// Refs returns the current reference count.
func (o *Object) Refs() int64 {
	return o.refs.Load()
}

// Released reports whether the object has been destroyed.
func (o *Object) Released() bool {
	return o.released.Load()
}

// Retain adds a reference. It fails once the object has been released;
// a dead object is never resurrected.
func (o *Object) Retain() bool {
	for {
		n := o.refs.Load()
		if n <= 0 {
			return false
		}
		if o.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference and destroys the object with the last one.
func (o *Object) Release() {
	n := o.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("cap: %v object %d released too many times", o.kind, o.id))
	}
	if n == 0 && o.released.CompareAndSwap(false, true) {
		if o.release != nil {
			o.release(o)
		}
	}
}

// Invalidate increments the generation, invalidating every capability
// issued against the previous one, and notifies the body's Observer.
func (o *Object) Invalidate() uint64 {
	gen := o.gen.Add(1)
	if obs, ok := o.body.(Observer); ok {
		obs.Revoked(gen)
	}
	return gen
}

func (o *Object) String() string {
	return fmt.Sprintf("%v#%d@%d", o.kind, o.id, o.Generation())
}
