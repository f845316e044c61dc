// Package bitmap implements a fixed-size bitmap backed by 64-bit words.
package bitmap

import "math/bits"

// Bitmap is a fixed-size set of bits.
type Bitmap struct {
	size  uint64
	words []uint64
}

// New returns a bitmap holding size bits, all clear.
func New(size uint64) *Bitmap {
	return &Bitmap{
		size:  size,
		words: make([]uint64, (size+63)/64),
	}
}

// Len returns the number of bits.
func (b *Bitmap) Len() uint64 {
	return b.size
}

// On reports whether bit i is set.
func (b *Bitmap) On(i uint64) bool {
	return b.words[i>>6]&(1<<(i&63)) != 0
}

// Set sets bit i.
func (b *Bitmap) Set(i uint64) {
	b.words[i>>6] |= 1 << (i & 63)
}

// Clear clears bit i.
func (b *Bitmap) Clear(i uint64) {
	b.words[i>>6] &^= 1 << (i & 63)
}

// SetRange sets bits [from, from+n).
func (b *Bitmap) SetRange(from, n uint64) {
	for i := from; i < from+n; i++ {
		b.Set(i)
	}
}

// ClearRange clears bits [from, from+n).
func (b *Bitmap) ClearRange(from, n uint64) {
	for i := from; i < from+n; i++ {
		b.Clear(i)
	}
}

// AllSet reports whether every bit in [from, from+n) is set.
func (b *Bitmap) AllSet(from, n uint64) bool {
	for i := from; i < from+n; i++ {
		if !b.On(i) {
			return false
		}
	}
	return true
}

// AnySet reports whether any bit in [from, from+n) is set.
func (b *Bitmap) AnySet(from, n uint64) bool {
	for i := from; i < from+n; i++ {
		if b.On(i) {
			return true
		}
	}
	return false
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint64 {
	var n int
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return uint64(n)
}

// FirstClear returns the index of the lowest clear bit, or false if all
// bits are set.
func (b *Bitmap) FirstClear() (uint64, bool) {
	for wi, w := range b.words {
		if w == ^uint64(0) {
			continue
		}
		i := uint64(wi)*64 + uint64(bits.TrailingZeros64(^w))
		if i >= b.size {
			return 0, false
		}
		return i, true
	}
	return 0, false
}
