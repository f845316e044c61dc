// Package mem implements the tiered physical frame allocator and the
// per-process address spaces built on top of it.
package mem

import (
	"fmt"
	"math"
)

// Page geometry.
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// MaxOrder is the largest buddy block order (2^MaxOrder frames).
	MaxOrder = 10

	// LargePageFrames is the number of frames covered by one large
	// mapping entry.
	LargePageFrames = 512
	LargePageSize   = LargePageFrames * PageSize
)

// Frame is a physical page index.
type Frame uint64

// InvalidFrame is returned by allocators when they fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// FrameFromAddress returns the frame containing the physical address.
func FrameFromAddress(addr PhysAddr) Frame {
	return Frame(addr >> PageShift)
}

// PhysAddr is a physical byte address.
type PhysAddr uint64

// Tier is a class of physical memory.
type Tier uint8

// Memory tiers in fallback preference order.
const (
	TierLocal Tier = iota
	TierAttached
	TierPersistent
	numTiers
)

var tierNames = map[Tier]string{
	TierLocal:      "local",
	TierAttached:   "attached",
	TierPersistent: "persistent",
}

func (t Tier) String() string {
	name, ok := tierNames[t]
	if ok {
		return name
	}
	return fmt.Sprintf("{Tier %d}", t)
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Hint tells the allocator what the frames will be used for.
type Hint uint8

// Allocation hints.
const (
	HintAuto Hint = iota
	HintLowLatency
	HintHighBandwidth
	HintPersistent
	HintColdData
)

var hintNames = map[Hint]string{
	HintAuto:          "auto",
	HintLowLatency:    "low_latency",
	HintHighBandwidth: "high_bandwidth",
	HintPersistent:    "persistent",
	HintColdData:      "cold_data",
}

func (h Hint) String() string {
	name, ok := hintNames[h]
	if ok {
		return name
	}
	return fmt.Sprintf("{Hint %d}", h)
}

// tier returns the tier matching the hint.
func (h Hint) tier() Tier {
	switch h {
	case HintPersistent:
		return TierPersistent
	case HintColdData:
		return TierAttached
	default:
		return TierLocal
	}
}

// tierOrder returns the tiers to try for the hint: the matching tier
// first, then the fixed preference order.
func (h Hint) tierOrder() []Tier {
	first := h.tier()
	order := []Tier{first}
	for t := TierLocal; t < numTiers; t++ {
		if t != first {
			order = append(order, t)
		}
	}
	return order
}

// Block is a run of contiguous frames from one zone.
type Block struct {
	Start  Frame
	Frames uint64
	Tier   Tier
	Node   int
}

// End returns the first frame past the block.
func (b Block) End() Frame {
	return b.Start + Frame(b.Frames)
}

// Contains reports whether f lies in the block.
func (b Block) Contains(f Frame) bool {
	return f >= b.Start && f < b.End()
}

func (b Block) String() string {
	return fmt.Sprintf("[%#x+%d %v n%d]", uint64(b.Start), b.Frames, b.Tier, b.Node)
}

// orderFor returns the smallest order whose block holds n frames.
func orderFor(n uint64) int {
	order := 0
	for uint64(1)<<order < n {
		order++
	}
	return order
}

func isPow2(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}
