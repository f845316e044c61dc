package mem

import "strings"

// Flags are the protection and state bits of a mapping.
type Flags uint16

// Mapping flags.
const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExec
	FlagUser
	FlagCOW
	FlagDevice
	FlagShared
	FlagLarge

	flagPresent
)

var flagLetters = []struct {
	flag   Flags
	letter byte
}{
	{FlagRead, 'r'},
	{FlagWrite, 'w'},
	{FlagExec, 'x'},
	{FlagUser, 'u'},
	{FlagCOW, 'c'},
	{FlagDevice, 'd'},
	{FlagShared, 's'},
	{FlagLarge, 'L'},
}

func (f Flags) String() string {
	var b strings.Builder
	for _, fl := range flagLetters {
		if f&fl.flag != 0 {
			b.WriteByte(fl.letter)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

const (
	levels          = 4
	entriesPerTable = 512
	levelShift      = 9
)

// pte is one page table entry. A present entry at level 0, or a large
// entry at level 1, is a leaf; any other present entry points to the
// next level.
type pte struct {
	next  *ptes
	frame Frame
	flags Flags
}

func (e *pte) present() bool { return e.flags&flagPresent != 0 }

func (e *pte) leaf(level int) bool {
	return e.present() && (level == 0 || e.flags&FlagLarge != 0)
}

type ptes struct {
	entries [entriesPerTable]pte
	used    int
}

// pageTables is a lazily built four-level radix tree mapping virtual
// page numbers to frames.
type pageTables struct {
	root   *ptes
	tables int
}

func newPageTables() *pageTables {
	return &pageTables{root: new(ptes), tables: 1}
}

func index(vpn uint64, level int) int {
	return int(vpn>>(levelShift*uint(level))) & (entriesPerTable - 1)
}

// walk descends to the table at level holding vpn, creating
// intermediate tables when alloc is set. Large entries above level are
// demoted on the way down.
func (p *pageTables) walk(vpn uint64, level int, alloc bool) *ptes {
	t := p.root
	for l := levels - 1; l > level; l-- {
		e := &t.entries[index(vpn, l)]
		if !e.present() {
			if !alloc {
				return nil
			}
			e.next = new(ptes)
			e.flags = flagPresent
			t.used++
			p.tables++
		} else if e.flags&FlagLarge != 0 {
			if !alloc {
				return nil
			}
			p.demote(e)
		}
		t = e.next
	}
	return t
}

// demote replaces a large entry with a full table of small entries.
func (p *pageTables) demote(e *pte) {
	next := new(ptes)
	flags := e.flags &^ FlagLarge
	for i := range next.entries {
		next.entries[i] = pte{frame: e.frame + Frame(i), flags: flags}
	}
	next.used = entriesPerTable
	e.next = next
	e.frame = 0
	e.flags = flagPresent
	p.tables++
}

// lookup returns the translation of vpn.
func (p *pageTables) lookup(vpn uint64) (Frame, Flags, bool) {
	t := p.root
	for l := levels - 1; l >= 0; l-- {
		e := &t.entries[index(vpn, l)]
		if !e.present() {
			return InvalidFrame, 0, false
		}
		if e.leaf(l) {
			off := vpn & (uint64(1)<<(levelShift*uint(l)) - 1)
			return e.frame + Frame(off), e.flags &^ flagPresent, true
		}
		t = e.next
	}
	return InvalidFrame, 0, false
}

// mapPage installs a small leaf entry.
func (p *pageTables) mapPage(vpn uint64, f Frame, flags Flags) {
	t := p.walk(vpn, 0, true)
	e := &t.entries[index(vpn, 0)]
	if !e.present() {
		t.used++
	}
	*e = pte{frame: f, flags: flags&^FlagLarge | flagPresent}
}

// mapLarge installs a leaf entry covering LargePageFrames pages. vpn and
// f must both be aligned and the slot must be empty.
func (p *pageTables) mapLarge(vpn uint64, f Frame, flags Flags) {
	t := p.walk(vpn, 1, true)
	e := &t.entries[index(vpn, 1)]
	if !e.present() {
		t.used++
	}
	*e = pte{frame: f, flags: flags | FlagLarge | flagPresent}
}

// update replaces the leaf entry of a mapped page, demoting a large
// entry first.
func (p *pageTables) update(vpn uint64, f Frame, flags Flags) bool {
	if _, _, ok := p.lookup(vpn); !ok {
		return false
	}
	t := p.walk(vpn, 0, true)
	t.entries[index(vpn, 0)] = pte{frame: f, flags: flags&^FlagLarge | flagPresent}
	return true
}

// unmap clears the leaf entry of vpn and returns it. Emptied tables are
// reclaimed.
func (p *pageTables) unmap(vpn uint64) (Frame, Flags, bool) {
	f, flags, ok := p.lookup(vpn)
	if !ok {
		return InvalidFrame, 0, false
	}
	var path [levels]*ptes
	t := p.root
	for l := levels - 1; l > 0; l-- {
		path[l] = t
		e := &t.entries[index(vpn, l)]
		if e.flags&FlagLarge != 0 {
			p.demote(e)
		}
		t = e.next
	}
	path[0] = t
	t.entries[index(vpn, 0)] = pte{}
	t.used--
	p.reclaim(vpn, &path, 0)
	return f, flags, true
}

// unmapLarge clears a whole large entry at vpn if one is installed.
func (p *pageTables) unmapLarge(vpn uint64) (Frame, Flags, bool) {
	var path [levels]*ptes
	t := p.root
	for l := levels - 1; l > 1; l-- {
		path[l] = t
		e := &t.entries[index(vpn, l)]
		if !e.present() {
			return InvalidFrame, 0, false
		}
		t = e.next
	}
	path[1] = t
	e := &t.entries[index(vpn, 1)]
	if !e.present() || e.flags&FlagLarge == 0 {
		return InvalidFrame, 0, false
	}
	f, flags := e.frame, e.flags&^flagPresent
	*e = pte{}
	t.used--
	p.reclaim(vpn, &path, 1)
	return f, flags, true
}

// reclaim frees the empty tables on the path of vpn starting at level.
func (p *pageTables) reclaim(vpn uint64, path *[levels]*ptes, level int) {
	for l := level; l < levels-1 && path[l].used == 0; l++ {
		parent := path[l+1]
		parent.entries[index(vpn, l+1)] = pte{}
		parent.used--
		p.tables--
	}
}
