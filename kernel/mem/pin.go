package mem

import (
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

type pinnedPage struct {
	frame Frame
	flags Flags
}

// Pinned holds a reference on every frame behind a range of an address
// space. The frames stay allocated until Release, even if the range is
// unmapped in the meantime.
type Pinned struct {
	m        *Manager
	src      Range
	pages    []pinnedPage
	released atomic.Bool
}

// Pin takes references on the frames behind r, which must be mapped and
// readable. With cow set the writable pages of r become copy-on-write so
// that later writes through s are not visible through the pin.
func (s *AddressSpace) Pin(r Range, cow bool) (*Pinned, error) {
	const op = "pin"
	if err := s.m.checkHalted(op); err != nil {
		return nil, err
	}
	if err := r.validate(op); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, kerr.Newf(kerr.InvalidState, op, "address space %d destroyed", s.asid)
	}
	pages := make([]pinnedPage, r.pages())
	for i := range pages {
		vpn := r.Start.vpn() + uint64(i)
		f, flags, ok := s.pt.lookup(vpn)
		if !ok {
			return nil, kerr.Newf(kerr.InvalidArgument, op, "no mapping at %#x", vpn<<PageShift)
		}
		if flags&FlagRead == 0 {
			return nil, kerr.Newf(kerr.PermissionDenied, op, "page %#x is not readable", vpn<<PageShift)
		}
		pages[i] = pinnedPage{frame: f, flags: flags}
	}

	for _, p := range pages {
		if p.flags&FlagDevice == 0 {
			s.m.retain(p.frame, 1)
		}
	}
	if cow {
		marked := false
		for i, p := range pages {
			if p.flags&FlagWrite == 0 || p.flags&FlagDevice != 0 {
				continue
			}
			s.pt.update(r.Start.vpn()+uint64(i), p.frame, p.flags|FlagCOW|FlagShared)
			marked = true
		}
		if marked {
			s.flush(r.Start.vpn(), r.pages())
		}
	}
	return &Pinned{m: s.m, src: r, pages: pages}, nil
}

// Len returns the pinned length in bytes.
func (p *Pinned) Len() uint64 { return p.src.Len }

// Read copies the pinned bytes starting at off into buf.
func (p *Pinned) Read(off uint64, buf []byte) error {
	const op = "pinned read"
	if p.released.Load() {
		return kerr.Newf(kerr.InvalidState, op, "pin of %v released", p.src)
	}
	if off > p.src.Len || uint64(len(buf)) > p.src.Len-off {
		return kerr.Newf(kerr.InvalidArgument, op, "%d bytes at %d outside %d", len(buf), off, p.src.Len)
	}
	for done := 0; done < len(buf); {
		cur := off + uint64(done)
		page, in := cur>>PageShift, int(cur&(PageSize-1))
		n := min(PageSize-in, len(buf)-done)
		p.m.phys.read(p.pages[page].frame, in, buf[done:done+n])
		done += n
	}
	return nil
}

// MapInto maps the pinned frames read-only into dst at at. The mapping
// holds its own frame references.
func (p *Pinned) MapInto(dst *AddressSpace, at VirtAddr) (Mapping, error) {
	const op = "share"
	if dst.m != p.m {
		return Mapping{}, kerr.Newf(kerr.InvalidArgument, op, "address spaces of different managers")
	}
	if err := p.m.checkHalted(op); err != nil {
		return Mapping{}, err
	}
	if p.released.Load() {
		return Mapping{}, kerr.Newf(kerr.InvalidState, op, "pin of %v released", p.src)
	}
	dr := Range{Start: at, Len: p.src.Len}
	if err := dr.validate(op); err != nil {
		return Mapping{}, err
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.destroyed {
		return Mapping{}, kerr.Newf(kerr.InvalidState, op, "address space %d destroyed", dst.asid)
	}
	if dst.overlapsLocked(dr) {
		return Mapping{}, kerr.Newf(kerr.Overlap, op, "range %v", dr)
	}
	shared := FlagRead | FlagUser | FlagShared
	dvpn := at.vpn()
	for i, pg := range p.pages {
		if pg.flags&FlagDevice == 0 {
			p.m.retain(pg.frame, 1)
		}
		dst.pt.mapPage(dvpn+uint64(i), pg.frame, shared|pg.flags&FlagDevice)
	}
	m := Mapping{Range: dr, Flags: shared, Backing: BackingShared}
	dst.insertLocked(m)
	p.m.log.Debug("shared",
		zap.Uint64("dst", dst.asid),
		zap.Stringer("range", p.src),
		zap.Stringer("at", dr))
	return m, nil
}

// Release drops the pin references. Frames unmapped since Pin return to
// their zone. Release is idempotent.
func (p *Pinned) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, pg := range p.pages {
		if pg.flags&FlagDevice == 0 {
			err = multierr.Append(err, p.m.release(pg.frame))
		}
	}
	return err
}
