package mem

import (
	"github.com/doublegate/VeridianOS-sub004/internal/bitmap"
	"github.com/doublegate/VeridianOS-sub004/internal/spin"
	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

// chunkOrder is the buddy order of a single-frame bitmap chunk.
const (
	chunkOrder  = 6
	chunkFrames = 1 << chunkOrder
)

// chunk hands out the frames of one buddy block one at a time.
type chunk struct {
	base Frame
	used uint64 // bit i set: base+i allocated
}

// zone manages one boot memory region: buddy free lists over aligned
// blocks, bitmap chunks for single frames and an allocation bitmap used
// to detect double frees.
type zone struct {
	mu    spin.Mutex
	id    int
	tier  Tier
	node  int
	base  Frame
	count uint64

	free   [MaxOrder + 1]map[Frame]struct{}
	chunks map[Frame]*chunk
	alloc  *bitmap.Bitmap
	avail  uint64

	allocs    uint64
	frees     uint64
	splits    uint64
	coalesces uint64
}

func newZone(id int, r Region) *zone {
	z := &zone{
		id:     id,
		tier:   r.Tier,
		node:   r.Node,
		base:   r.Base,
		count:  r.Frames,
		chunks: make(map[Frame]*chunk),
		alloc:  bitmap.New(r.Frames),
	}
	for i := range z.free {
		z.free[i] = make(map[Frame]struct{})
	}
	z.addRange(r.Base, r.Frames)
	z.avail = r.Frames
	return z
}

func (z *zone) end() Frame {
	return z.base + Frame(z.count)
}

func (z *zone) contains(f Frame) bool {
	return f >= z.base && f < z.end()
}

// addRange inserts [start, start+n) into the free lists as maximal
// aligned blocks without coalescing.
func (z *zone) addRange(start Frame, n uint64) {
	end := start + Frame(n)
	for f := start; f < end; {
		order := maxOrderAt(f, end)
		z.free[order][f] = struct{}{}
		f += 1 << order
	}
}

// maxOrderAt returns the largest order of a block aligned at f that
// fits below end.
func maxOrderAt(f, end Frame) int {
	order := 0
	for order < MaxOrder {
		size := Frame(1) << (order + 1)
		if f%size != 0 || f+size > end {
			break
		}
		order++
	}
	return order
}

// lowest returns the lowest free block of the order.
func (z *zone) lowest(order int) (Frame, bool) {
	best := InvalidFrame
	for f := range z.free[order] {
		if f < best {
			best = f
		}
	}
	return best, best != InvalidFrame
}

// takeBlockLocked removes a block of the order from the free lists,
// splitting a larger one if needed.
func (z *zone) takeBlockLocked(order int) (Frame, bool) {
	for o := order; o <= MaxOrder; o++ {
		f, ok := z.lowest(o)
		if !ok {
			continue
		}
		delete(z.free[o], f)
		for o > order {
			o--
			z.free[o][f+Frame(1)<<o] = struct{}{}
			z.splits++
		}
		return f, true
	}
	return InvalidFrame, false
}

// freeBlockLocked returns an aligned block to the free lists and
// coalesces it with its buddies.
func (z *zone) freeBlockLocked(f Frame, order int) {
	for order < MaxOrder {
		buddy := f ^ (Frame(1) << order)
		if buddy < z.base || buddy+Frame(1)<<order > z.end() {
			break
		}
		if _, ok := z.free[order][buddy]; !ok {
			break
		}
		delete(z.free[order], buddy)
		if buddy < f {
			f = buddy
		}
		order++
		z.coalesces++
	}
	z.free[order][f] = struct{}{}
}

// freeRangeLocked returns [start, start+n) to the buddy lists.
func (z *zone) freeRangeLocked(start Frame, n uint64) {
	end := start + Frame(n)
	for f := start; f < end; {
		order := maxOrderAt(f, end)
		z.freeBlockLocked(f, order)
		f += 1 << order
	}
}

// allocate reserves n frames aligned to align frames.
func (z *zone) allocate(n, align uint64) (Frame, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if n > z.avail {
		return InvalidFrame, false
	}
	if n == 1 && align <= 1 {
		if f, ok := z.allocOneLocked(); ok {
			return f, true
		}
	}

	order := orderFor(n)
	if a := orderFor(align); a > order {
		order = a
	}
	f, ok := z.takeBlockLocked(order)
	if !ok {
		return InvalidFrame, false
	}
	if tail := uint64(1)<<order - n; tail > 0 {
		z.freeRangeLocked(f+Frame(n), tail)
	}
	z.alloc.SetRange(uint64(f-z.base), n)
	z.avail -= n
	z.allocs++
	return f, true
}

// allocOneLocked hands out a single frame from a bitmap chunk, carving a
// new chunk from the buddy lists when every chunk is full.
func (z *zone) allocOneLocked() (Frame, bool) {
	var c *chunk
	for _, cand := range z.chunks {
		if cand.used == ^uint64(0) {
			continue
		}
		if c == nil || cand.base < c.base {
			c = cand
		}
	}
	if c == nil {
		base, ok := z.takeBlockLocked(chunkOrder)
		if !ok {
			return InvalidFrame, false
		}
		c = &chunk{base: base}
		z.chunks[base] = c
	}

	i := 0
	for c.used&(1<<i) != 0 {
		i++
	}
	c.used |= 1 << i
	f := c.base + Frame(i)
	z.alloc.Set(uint64(f - z.base))
	z.avail--
	z.allocs++
	return f, true
}

// release returns [start, start+n) to the zone. Frames that are not
// allocated indicate corrupted ownership and are reported as fatal.
func (z *zone) release(start Frame, n uint64) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	rel := uint64(start - z.base)
	if !z.alloc.AllSet(rel, n) {
		return kerr.Newf(kerr.MemoryCorruptionDetected, "frame free",
			"zone %d: frames [%#x+%d] not allocated", z.id, uint64(start), n)
	}
	z.alloc.ClearRange(rel, n)
	z.avail += n
	z.frees++

	end := start + Frame(n)
	for f := start; f < end; {
		cbase := f &^ (chunkFrames - 1)
		if c, ok := z.chunks[cbase]; ok {
			c.used &^= 1 << (f - cbase)
			if c.used == 0 {
				delete(z.chunks, cbase)
				z.freeBlockLocked(cbase, chunkOrder)
			}
			f++
			continue
		}
		run := f
		for run < end {
			if _, ok := z.chunks[run&^(chunkFrames-1)]; ok {
				break
			}
			run++
		}
		z.freeRangeLocked(f, uint64(run-f))
		f = run
	}
	return nil
}

// allocated reports whether every frame of [start, start+n) is allocated.
func (z *zone) allocated(start Frame, n uint64) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.alloc.AllSet(uint64(start-z.base), n)
}

// freeFrames returns the number of frames available for allocation.
func (z *zone) freeFrames() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.avail
}

// check verifies that free lists, chunks and the allocation
// bitmap agree. It is used by tests and the debug consistency check.
func (z *zone) check() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	var inFree uint64
	for order, list := range z.free {
		for f := range list {
			size := uint64(1) << order
			if uint64(f)%size != 0 || !z.contains(f) || !z.contains(f+Frame(size)-1) {
				return kerr.Newf(kerr.MemoryCorruptionDetected, "zone check",
					"zone %d: bad block %#x order %d", z.id, uint64(f), order)
			}
			if z.alloc.AnySet(uint64(f-z.base), size) {
				return kerr.Newf(kerr.MemoryCorruptionDetected, "zone check",
					"zone %d: free block %#x order %d has allocated frames", z.id, uint64(f), order)
			}
			inFree += size
		}
	}
	for base, c := range z.chunks {
		for i := 0; i < chunkFrames; i++ {
			set := c.used&(1<<i) != 0
			if set != z.alloc.On(uint64(base-z.base)+uint64(i)) {
				return kerr.Newf(kerr.MemoryCorruptionDetected, "zone check",
					"zone %d: chunk %#x frame %d disagrees with bitmap", z.id, uint64(base), i)
			}
			if !set {
				inFree++
			}
		}
	}
	if inFree != z.avail || inFree+z.alloc.Count() != z.count {
		return kerr.Newf(kerr.MemoryCorruptionDetected, "zone check",
			"zone %d: free %d avail %d allocated %d total %d",
			z.id, inFree, z.avail, z.alloc.Count(), z.count)
	}
	return nil
}
