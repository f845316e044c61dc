package mem

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

// VirtAddr is a virtual byte address.
type VirtAddr uint64

// User address space bounds.
const (
	UserBase VirtAddr = 0x400000
	UserTop  VirtAddr = 1 << 47
)

func (va VirtAddr) vpn() uint64 { return uint64(va) >> PageShift }
func (va VirtAddr) offset() int { return int(va & (PageSize - 1)) }

// Range is a virtual address range.
type Range struct {
	Start VirtAddr
	Len   uint64
}

// End returns the first address past the range.
func (r Range) End() VirtAddr { return r.Start + VirtAddr(r.Len) }

// Overlaps reports whether r and o share any address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

func (r Range) pages() uint64 { return r.Len >> PageShift }

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x)", uint64(r.Start), uint64(r.End()))
}

func (r Range) validate(op string) error {
	switch {
	case r.Len == 0:
		return kerr.Newf(kerr.InvalidArgument, op, "empty range")
	case uint64(r.Start)%PageSize != 0 || r.Len%PageSize != 0:
		return kerr.Newf(kerr.InvalidArgument, op, "range %v is not page aligned", r)
	case r.End() < r.Start || r.End() > UserTop:
		return kerr.Newf(kerr.InvalidArgument, op, "range %v outside the address space", r)
	}
	return nil
}

// BackingKind is the source of a mapping's frames.
type BackingKind uint8

// Backing kinds.
const (
	BackingAnonymous BackingKind = iota
	BackingFrames
	BackingDevice
	BackingShared
)

var backingNames = map[BackingKind]string{
	BackingAnonymous: "anonymous",
	BackingFrames:    "frames",
	BackingDevice:    "device",
	BackingShared:    "shared",
}

func (k BackingKind) String() string {
	name, ok := backingNames[k]
	if ok {
		return name
	}
	return fmt.Sprintf("{BackingKind %d}", k)
}

// Backing describes where the frames of a new mapping come from.
type Backing struct {
	Kind   BackingKind
	Hint   Hint
	Block  Block
	Base   Frame
	Frames uint64
}

// Anonymous backs a mapping with fresh zero-filled frames.
func Anonymous(hint Hint) Backing {
	return Backing{Kind: BackingAnonymous, Hint: hint}
}

// FrameSet backs a mapping with an allocated block. Ownership of the
// block moves into the mapping.
func FrameSet(b Block) Backing {
	return Backing{Kind: BackingFrames, Block: b}
}

// Device backs a mapping with frames outside every zone. They are never
// freed.
func Device(base Frame, frames uint64) Backing {
	return Backing{Kind: BackingDevice, Base: base, Frames: frames}
}

// Placement selects frames for anonymous mappings.
type Placement struct {
	Policy Policy
	Node   int
}

// Mapping describes one mapped region.
type Mapping struct {
	Range   Range
	Flags   Flags
	Backing BackingKind
}

// AddressSpace is a set of non-overlapping mapped regions and the page
// tables translating them.
type AddressSpace struct {
	m    *Manager
	asid uint64

	mu        sync.RWMutex
	pt        *pageTables
	regions   []Mapping // sorted by start
	destroyed bool

	cores atomic.Uint64 // cores that may cache translations
}

// NewAddressSpace returns an empty address space.
func (m *Manager) NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		m:    m,
		asid: m.asids.Add(1),
		pt:   newPageTables(),
	}
}

// ASID returns the address space identifier used to tag cached
// translations.
func (s *AddressSpace) ASID() uint64 { return s.asid }

// Mappings returns the live regions in address order.
func (s *AddressSpace) Mappings() []Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Mapping(nil), s.regions...)
}

// MappingAt returns the region containing va.
func (s *AddressSpace) MappingAt(va VirtAddr) (Mapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.regions {
		if va >= m.Range.Start && va < m.Range.End() {
			return m, true
		}
	}
	return Mapping{}, false
}

// Tables returns the number of page table nodes in use.
func (s *AddressSpace) Tables() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pt.tables
}

func (s *AddressSpace) overlapsLocked(r Range) bool {
	for _, m := range s.regions {
		if m.Range.Overlaps(r) {
			return true
		}
	}
	return false
}

func (s *AddressSpace) insertLocked(m Mapping) {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].Range.Start >= m.Range.Start
	})
	s.regions = append(s.regions, Mapping{})
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = m
}

// installLocked maps n pages at vpn to consecutive frames from f, using
// large entries where both sides are aligned.
func (s *AddressSpace) installLocked(vpn uint64, f Frame, n uint64, flags Flags) {
	for i := uint64(0); i < n; {
		v, pf := vpn+i, f+Frame(i)
		if v%LargePageFrames == 0 && uint64(pf)%LargePageFrames == 0 && n-i >= LargePageFrames {
			s.pt.mapLarge(v, pf, flags)
			i += LargePageFrames
			continue
		}
		s.pt.mapPage(v, pf, flags)
		i++
	}
}

// Map creates a mapping of r. The address space is unchanged when Map
// fails.
func (s *AddressSpace) Map(r Range, b Backing, flags Flags, pl Placement) (Mapping, error) {
	const op = "map"
	if err := s.m.checkHalted(op); err != nil {
		return Mapping{}, err
	}
	if err := r.validate(op); err != nil {
		return Mapping{}, err
	}
	flags &^= FlagCOW | FlagDevice | FlagShared | FlagLarge | flagPresent

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return Mapping{}, kerr.Newf(kerr.InvalidState, op, "address space %d destroyed", s.asid)
	}
	if s.overlapsLocked(r) {
		return Mapping{}, kerr.Newf(kerr.Overlap, op, "range %v", r)
	}

	pages := r.pages()
	var blocks []Block
	switch b.Kind {
	case BackingAnonymous:
		var err error
		blocks, err = s.allocateLocked(r, b.Hint, pl)
		if err != nil {
			return Mapping{}, err
		}
	case BackingFrames:
		if b.Block.Frames != pages {
			return Mapping{}, kerr.Newf(kerr.InvalidArgument, op,
				"block %v does not cover %d pages", b.Block, pages)
		}
		if !s.m.Allocated(b.Block) {
			return Mapping{}, kerr.Newf(kerr.InvalidState, op, "block %v is not allocated", b.Block)
		}
		if s.m.mapped(b.Block.Start, b.Block.Frames) {
			return Mapping{}, kerr.Newf(kerr.InvalidState, op, "block %v is already mapped", b.Block)
		}
		blocks = []Block{b.Block}
	case BackingDevice:
		if b.Frames != pages {
			return Mapping{}, kerr.Newf(kerr.InvalidArgument, op,
				"device range of %d frames does not cover %d pages", b.Frames, pages)
		}
		for _, z := range s.m.zones {
			if b.Base < z.end() && z.base < b.Base+Frame(b.Frames) {
				return Mapping{}, kerr.Newf(kerr.InvalidArgument, op,
					"device frames %#x overlap zone %d", uint64(b.Base), z.id)
			}
		}
		flags |= FlagDevice
		blocks = []Block{{Start: b.Base, Frames: b.Frames}}
	default:
		return Mapping{}, kerr.Newf(kerr.InvalidArgument, op, "backing %v", b.Kind)
	}

	vpn := r.Start.vpn()
	for _, blk := range blocks {
		if b.Kind != BackingDevice {
			s.m.retain(blk.Start, blk.Frames)
		}
		s.installLocked(vpn, blk.Start, blk.Frames, flags)
		vpn += blk.Frames
	}
	m := Mapping{Range: r, Flags: flags, Backing: b.Kind}
	s.insertLocked(m)
	s.m.log.Debug("mapped",
		zap.Uint64("asid", s.asid),
		zap.Stringer("range", r),
		zap.Stringer("flags", flags),
		zap.Stringer("backing", b.Kind))
	return m, nil
}

// allocateLocked reserves frames for an anonymous mapping of r in blocks
// of at most 2^MaxOrder frames. Nothing stays allocated on failure.
func (s *AddressSpace) allocateLocked(r Range, hint Hint, pl Placement) ([]Block, error) {
	var blocks []Block
	vpn := r.Start.vpn()
	for left := r.pages(); left > 0; {
		piece := min(left, uint64(1)<<MaxOrder)
		req := Request{Frames: piece, Align: 1, Hint: hint, Policy: pl.Policy, Node: pl.Node}
		if vpn%LargePageFrames == 0 && piece >= LargePageFrames {
			req.Frames = piece - piece%LargePageFrames
			req.Align = LargePageFrames
		}
		blk, err := s.m.Allocate(req)
		if err != nil && req.Align > 1 {
			req.Align = 1
			blk, err = s.m.Allocate(req)
		}
		if err != nil {
			for _, b := range blocks {
				err = multierr.Append(err, s.m.Free(b))
			}
			return nil, err
		}
		blocks = append(blocks, blk)
		vpn += blk.Frames
		left -= blk.Frames
	}
	return blocks, nil
}

// unmapLocked clears the page table entries of [lo, hi) and returns the
// frames whose mapping reference must be dropped.
func (s *AddressSpace) unmapLocked(lo, hi uint64) []Frame {
	var frames []Frame
	for vpn := lo; vpn < hi; {
		if vpn%LargePageFrames == 0 && vpn+LargePageFrames <= hi {
			if f, flags, ok := s.pt.unmapLarge(vpn); ok {
				if flags&FlagDevice == 0 {
					for i := Frame(0); i < LargePageFrames; i++ {
						frames = append(frames, f+i)
					}
				}
				vpn += LargePageFrames
				continue
			}
		}
		if f, flags, ok := s.pt.unmap(vpn); ok && flags&FlagDevice == 0 {
			frames = append(frames, f)
		}
		vpn++
	}
	return frames
}

// flush invalidates cached translations of n pages at vpn, widened to
// large page boundaries since a demoted large entry may be cached for
// any page it covered.
func (s *AddressSpace) flush(vpn, n uint64) {
	lo := vpn &^ (LargePageFrames - 1)
	hi := (vpn + n + LargePageFrames - 1) &^ (LargePageFrames - 1)
	s.m.shootdown(s.asid, s.cores.Load(), lo, hi-lo)
}

func (s *AddressSpace) releaseFrames(frames []Frame) error {
	var err error
	for _, f := range frames {
		err = multierr.Append(err, s.m.release(f))
	}
	return err
}

// Unmap removes every mapped page in r. Cached translations are
// invalidated on all cores before the frames are released.
func (s *AddressSpace) Unmap(r Range) error {
	const op = "unmap"
	if err := s.m.checkHalted(op); err != nil {
		return err
	}
	if err := r.validate(op); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return kerr.Newf(kerr.InvalidState, op, "address space %d destroyed", s.asid)
	}

	var frames []Frame
	kept := s.regions[:0:0]
	hit := false
	for _, m := range s.regions {
		if !m.Range.Overlaps(r) {
			kept = append(kept, m)
			continue
		}
		hit = true
		lo := max(m.Range.Start, r.Start)
		hi := min(m.Range.End(), r.End())
		frames = append(frames, s.unmapLocked(lo.vpn(), hi.vpn())...)
		if m.Range.Start < lo {
			left := m
			left.Range = Range{Start: m.Range.Start, Len: uint64(lo - m.Range.Start)}
			kept = append(kept, left)
		}
		if hi < m.Range.End() {
			right := m
			right.Range = Range{Start: hi, Len: uint64(m.Range.End() - hi)}
			kept = append(kept, right)
		}
	}
	if !hit {
		return kerr.Newf(kerr.InvalidArgument, op, "nothing mapped in %v", r)
	}
	s.regions = kept

	s.flush(r.Start.vpn(), r.pages())
	s.m.log.Debug("unmapped",
		zap.Uint64("asid", s.asid),
		zap.Stringer("range", r),
		zap.Int("frames", len(frames)))
	return s.releaseFrames(frames)
}

func (s *AddressSpace) checkCore(op string, core int) error {
	if core < 0 || core >= len(s.m.tlbs) {
		return kerr.Newf(kerr.InvalidArgument, op, "no core %d", core)
	}
	return nil
}

// translateLocked resolves vpn through the translation cache of core,
// walking the page tables on a miss.
func (s *AddressSpace) translateLocked(op string, core int, vpn uint64) (Frame, Flags, error) {
	if s.destroyed {
		return InvalidFrame, 0, kerr.Newf(kerr.InvalidState, op, "address space %d destroyed", s.asid)
	}
	t := s.m.tlbs[core]
	if e, ok := t.lookup(s.asid, vpn); ok {
		return e.frame, e.flags, nil
	}
	f, flags, ok := s.pt.lookup(vpn)
	if !ok {
		return InvalidFrame, 0, kerr.Newf(kerr.InvalidArgument, op, "no mapping at %#x", vpn<<PageShift)
	}
	s.cores.Or(1 << uint(core))
	t.fill(s.asid, vpn, tlbEntry{frame: f, flags: flags})
	return f, flags, nil
}

// Translate returns the physical address and flags of va as seen from
// core.
func (s *AddressSpace) Translate(core int, va VirtAddr) (PhysAddr, Flags, error) {
	const op = "translate"
	if err := s.checkCore(op, core); err != nil {
		return 0, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, flags, err := s.translateLocked(op, core, va.vpn())
	if err != nil {
		return 0, 0, err
	}
	return f.Address() + PhysAddr(va.offset()), flags, nil
}

// Read copies len(buf) bytes at va into buf.
func (s *AddressSpace) Read(core int, va VirtAddr, buf []byte) error {
	const op = "read"
	if err := s.checkCore(op, core); err != nil {
		return err
	}
	for done := 0; done < len(buf); {
		cur := va + VirtAddr(done)
		n := min(PageSize-cur.offset(), len(buf)-done)
		s.mu.RLock()
		f, flags, err := s.translateLocked(op, core, cur.vpn())
		if err == nil && flags&FlagRead == 0 {
			err = kerr.Newf(kerr.PermissionDenied, op, "page %#x is not readable", uint64(cur))
		}
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		s.m.phys.read(f, cur.offset(), buf[done:done+n])
		s.mu.RUnlock()
		done += n
	}
	return nil
}

// Write copies data to va. Copy-on-write pages are duplicated first.
func (s *AddressSpace) Write(core int, va VirtAddr, data []byte) error {
	const op = "write"
	if err := s.checkCore(op, core); err != nil {
		return err
	}
	for done := 0; done < len(data); {
		cur := va + VirtAddr(done)
		n := min(PageSize-cur.offset(), len(data)-done)
		s.mu.RLock()
		f, flags, err := s.translateLocked(op, core, cur.vpn())
		if err == nil && flags&FlagWrite == 0 {
			err = kerr.Newf(kerr.PermissionDenied, op, "page %#x is not writable", uint64(cur))
		}
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		if flags&FlagCOW != 0 {
			s.mu.RUnlock()
			if err := s.breakCOW(cur.vpn()); err != nil {
				return err
			}
			continue
		}
		s.m.phys.write(f, cur.offset(), data[done:done+n])
		s.mu.RUnlock()
		done += n
	}
	return nil
}

// hintFor returns the hint that selects tier first.
func hintFor(t Tier) Hint {
	switch t {
	case TierAttached:
		return HintColdData
	case TierPersistent:
		return HintPersistent
	default:
		return HintAuto
	}
}

// breakCOW gives this address space a private copy of the page at vpn.
// The last sharer keeps the frame.
func (s *AddressSpace) breakCOW(vpn uint64) error {
	const op = "cow fault"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return kerr.Newf(kerr.InvalidState, op, "address space %d destroyed", s.asid)
	}
	f, flags, ok := s.pt.lookup(vpn)
	if !ok {
		return kerr.Newf(kerr.InvalidArgument, op, "no mapping at %#x", vpn<<PageShift)
	}
	if flags&FlagCOW == 0 {
		return nil
	}
	private := flags &^ (FlagCOW | FlagShared | FlagLarge)
	if s.m.FrameRefs(f) == 1 {
		s.pt.update(vpn, f, private)
		s.flush(vpn, 1)
		return nil
	}

	tier, node, _ := s.m.tierOf(f)
	blk, err := s.m.Allocate(Request{Frames: 1, Hint: hintFor(tier), Node: node})
	if err != nil {
		return err
	}
	s.m.phys.copyFrame(blk.Start, f)
	s.m.retain(blk.Start, 1)
	s.pt.update(vpn, blk.Start, private)
	s.flush(vpn, 1)
	return s.m.release(f)
}

// Share maps the frames behind r in src into dst at at, read-only. With
// cow set the writable source pages become copy-on-write so that later
// writes by src are not visible through dst.
func Share(src *AddressSpace, r Range, dst *AddressSpace, at VirtAddr, cow bool) (Mapping, error) {
	const op = "share"
	if src.m != dst.m {
		return Mapping{}, kerr.Newf(kerr.InvalidArgument, op, "address spaces of different managers")
	}
	dr := Range{Start: at, Len: r.Len}
	if err := dr.validate(op); err != nil {
		return Mapping{}, err
	}
	dst.mu.RLock()
	overlap := dst.overlapsLocked(dr)
	dst.mu.RUnlock()
	if overlap {
		return Mapping{}, kerr.Newf(kerr.Overlap, op, "range %v", dr)
	}

	pin, err := src.Pin(r, cow)
	if err != nil {
		return Mapping{}, err
	}
	m, err := pin.MapInto(dst, at)
	return m, multierr.Append(err, pin.Release())
}

// FindFree returns the lowest free range of length bytes at or above
// UserBase.
func (s *AddressSpace) FindFree(length uint64) (VirtAddr, error) {
	const op = "find free"
	if length == 0 {
		return 0, kerr.Newf(kerr.InvalidArgument, op, "zero length")
	}
	length = (length + PageSize - 1) &^ (PageSize - 1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cand := UserBase
	for _, m := range s.regions {
		if m.Range.End() <= cand {
			continue
		}
		if m.Range.Start >= cand+VirtAddr(length) {
			break
		}
		cand = m.Range.End()
	}
	if cand+VirtAddr(length) > UserTop {
		return 0, kerr.Newf(kerr.OutOfMemory, op, "no free range of %d bytes", length)
	}
	return cand, nil
}

// Destroy unmaps every region and flushes the cached translations of the
// address space. Later operations fail with InvalidState.
func (s *AddressSpace) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	var frames []Frame
	for _, m := range s.regions {
		frames = append(frames, s.unmapLocked(m.Range.Start.vpn(), m.Range.End().vpn())...)
	}
	s.regions = nil
	s.destroyed = true
	s.m.shootdown(s.asid, s.cores.Load(), 0, 0)
	return s.releaseFrames(frames)
}
