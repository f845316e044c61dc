package mem

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/VeridianOS-sub004/kernel/kerr"
)

const rw = FlagRead | FlagWrite | FlagUser

func pages(n uint64) uint64 { return n * PageSize }

// userPage returns the address n pages above UserBase.
func userPage(n uint64) VirtAddr { return UserBase + VirtAddr(pages(n)) }

func TestMapReadWrite(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()

	r := Range{Start: UserBase, Len: pages(4)}
	_, err := s.Map(r, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, s.Read(0, UserBase+100, buf))
	require.Equal(t, make([]byte, 16), buf, "fresh pages read as zero")

	msg := []byte("spans the first page boundary")
	at := UserBase + PageSize - 10
	require.NoError(t, s.Write(0, at, msg))
	got := make([]byte, len(msg))
	require.NoError(t, s.Read(1, at, got))
	require.Equal(t, msg, got)

	err = s.Read(0, r.End(), buf)
	require.True(t, errors.Is(err, kerr.InvalidArgument), "got %v", err)
}

func TestMapOverlapLeavesSpaceUnchanged(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()

	_, err := s.Map(Range{Start: UserBase, Len: pages(4)}, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)
	before := s.Mappings()
	free := m.FreeFrames(TierLocal)

	_, err = s.Map(Range{Start: userPage(3), Len: pages(4)}, Anonymous(HintAuto), rw, Placement{})
	require.True(t, errors.Is(err, kerr.Overlap), "got %v", err)

	if diff := cmp.Diff(before, s.Mappings()); diff != "" {
		t.Fatalf("Mappings() changed after overlap (-before +after):\n%s", diff)
	}
	require.Equal(t, free, m.FreeFrames(TierLocal))
}

func TestMapRejectsUnaligned(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()
	for _, r := range []Range{
		{Start: UserBase + 1, Len: PageSize},
		{Start: UserBase, Len: 100},
		{Start: UserBase, Len: 0},
		{Start: UserTop - PageSize, Len: pages(2)},
	} {
		_, err := s.Map(r, Anonymous(HintAuto), rw, Placement{})
		if !errors.Is(err, kerr.InvalidArgument) {
			t.Fatalf("Map(%v) = %v, want InvalidArgument", r, err)
		}
	}
}

func TestMapOutOfMemoryRollsBack(t *testing.T) {
	m := newTestManager(t, Region{Base: 0x40, Frames: 64, Tier: TierLocal})
	s := m.NewAddressSpace()

	_, err := s.Map(Range{Start: UserBase, Len: pages(100)}, Anonymous(HintAuto), rw, Placement{})
	require.True(t, errors.Is(err, kerr.OutOfMemory), "got %v", err)
	require.Equal(t, uint64(64), m.FreeFrames(TierLocal))
	require.Empty(t, s.Mappings())
}

func TestUnmapShootsDownEveryCore(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()
	free := m.FreeFrames(TierLocal)

	r := Range{Start: UserBase, Len: pages(8)}
	_, err := s.Map(r, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)

	for core := 0; core < 3; core++ {
		_, _, err := s.Translate(core, userPage(2))
		require.NoError(t, err)
		require.Equal(t, 1, m.CachedTranslations(core))
	}

	require.NoError(t, s.Unmap(r))
	for core := 0; core < 4; core++ {
		require.Zero(t, m.CachedTranslations(core))
		_, _, err := s.Translate(core, userPage(2))
		require.True(t, errors.Is(err, kerr.InvalidArgument), "core %d: got %v", core, err)
	}
	require.Equal(t, free, m.FreeFrames(TierLocal))
	require.Equal(t, uint64(1), m.Stats().Shootdowns)

	err = s.Unmap(r)
	require.True(t, errors.Is(err, kerr.InvalidArgument), "got %v", err)
}

func TestPartialUnmapSplitsRegion(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()

	_, err := s.Map(Range{Start: UserBase, Len: pages(4)}, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)
	require.NoError(t, s.Unmap(Range{Start: userPage(1), Len: pages(2)}))

	want := []Mapping{
		{Range: Range{Start: UserBase, Len: pages(1)}, Flags: rw, Backing: BackingAnonymous},
		{Range: Range{Start: userPage(3), Len: pages(1)}, Flags: rw, Backing: BackingAnonymous},
	}
	if diff := cmp.Diff(want, s.Mappings()); diff != "" {
		t.Fatalf("Mappings() mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Map(Range{Start: userPage(1), Len: pages(2)}, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err, "the hole can be mapped again")
}

func TestLargeMapping(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()

	r := Range{Start: UserBase, Len: LargePageSize}
	_, err := s.Map(r, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)
	require.Equal(t, 3, s.Tables(), "root, one directory and one leaf directory")

	_, flags, err := s.Translate(0, userPage(7))
	require.NoError(t, err)
	require.NotZero(t, flags&FlagLarge)

	require.NoError(t, s.Write(0, userPage(9), []byte{42}))
	require.NoError(t, s.Unmap(Range{Start: UserBase, Len: pages(1)}))

	_, flags, err = s.Translate(0, userPage(9))
	require.NoError(t, err)
	require.Zero(t, flags&FlagLarge, "partial unmap demotes the large entry")
	b := make([]byte, 1)
	require.NoError(t, s.Read(0, userPage(9), b))
	require.Equal(t, byte(42), b[0])

	require.NoError(t, s.Destroy())
	require.Equal(t, uint64(2048+1024), m.FreeFrames(TierLocal))
}

func TestFrameSetOwnership(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()

	blk, err := m.Allocate(Request{Frames: 4})
	require.NoError(t, err)

	_, err = s.Map(Range{Start: UserBase, Len: pages(3)}, FrameSet(blk), rw, Placement{})
	require.True(t, errors.Is(err, kerr.InvalidArgument), "got %v", err)

	r := Range{Start: UserBase, Len: pages(4)}
	_, err = s.Map(r, FrameSet(blk), rw, Placement{})
	require.NoError(t, err)
	require.Equal(t, 1, m.FrameRefs(blk.Start))

	err = m.Free(blk)
	require.True(t, errors.Is(err, kerr.InvalidState), "got %v", err)

	other := m.NewAddressSpace()
	_, err = other.Map(r, FrameSet(blk), rw, Placement{})
	require.True(t, errors.Is(err, kerr.InvalidState), "got %v", err)

	require.NoError(t, s.Unmap(r))
	require.False(t, m.Allocated(blk), "frames return to the zone with the last mapping")
	require.False(t, m.Halted())
}

func TestDeviceMapping(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()

	_, err := s.Map(Range{Start: UserBase, Len: pages(1)}, Device(0x1000, 1), rw, Placement{})
	require.True(t, errors.Is(err, kerr.InvalidArgument), "device frames inside a zone: got %v", err)

	r := Range{Start: UserBase, Len: pages(2)}
	_, err = s.Map(r, Device(0x100000, 2), rw, Placement{})
	require.NoError(t, err)

	pa, flags, err := s.Translate(0, UserBase+PageSize+8)
	require.NoError(t, err)
	require.Equal(t, Frame(0x100001).Address()+8, pa)
	require.NotZero(t, flags&FlagDevice)

	require.NoError(t, s.Write(0, UserBase, []byte("mmio")))
	require.NoError(t, s.Unmap(r))
	require.False(t, m.Halted())
}

func TestShareReadOnly(t *testing.T) {
	m := newTestManager(t)
	src := m.NewAddressSpace()
	dst := m.NewAddressSpace()

	r := Range{Start: UserBase, Len: pages(2)}
	_, err := src.Map(r, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)
	require.NoError(t, src.Write(0, UserBase, []byte("hello")))

	at := userPage(16)
	_, err = Share(src, r, dst, at, false)
	require.NoError(t, err)

	got := make([]byte, 5)
	require.NoError(t, dst.Read(1, at, got))
	require.Equal(t, "hello", string(got))

	err = dst.Write(1, at, []byte("x"))
	require.True(t, errors.Is(err, kerr.PermissionDenied), "got %v", err)

	require.NoError(t, src.Write(0, UserBase, []byte("HELLO")))
	require.NoError(t, dst.Read(1, at, got))
	require.Equal(t, "HELLO", string(got), "read-only share sees the same frame")

	_, err = Share(src, r, dst, at, false)
	require.True(t, errors.Is(err, kerr.Overlap), "got %v", err)
}

func TestShareCopyOnWrite(t *testing.T) {
	m := newTestManager(t)
	src := m.NewAddressSpace()
	dst := m.NewAddressSpace()
	free := m.FreeFrames(TierLocal)

	r := Range{Start: UserBase, Len: pages(1)}
	_, err := src.Map(r, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)
	require.NoError(t, src.Write(0, UserBase, []byte("hello")))

	// Cache the writable translation before sharing.
	_, _, err = src.Translate(0, UserBase)
	require.NoError(t, err)

	at := userPage(16)
	_, err = Share(src, r, dst, at, true)
	require.NoError(t, err)

	before, _, err := src.Translate(0, UserBase)
	require.NoError(t, err)
	require.NoError(t, src.Write(0, UserBase, []byte("bye!!")))
	after, flags, err := src.Translate(0, UserBase)
	require.NoError(t, err)
	require.NotEqual(t, before, after, "the writer gets a private frame")
	require.Zero(t, flags&FlagCOW)

	got := make([]byte, 5)
	require.NoError(t, dst.Read(0, at, got))
	require.Equal(t, "hello", string(got))
	require.NoError(t, src.Read(0, UserBase, got))
	require.Equal(t, "bye!!", string(got))

	require.NoError(t, dst.Destroy())
	require.NoError(t, src.Destroy())
	require.Equal(t, free, m.FreeFrames(TierLocal))
}

func TestCopyOnWriteLastSharerKeepsFrame(t *testing.T) {
	m := newTestManager(t)
	src := m.NewAddressSpace()
	dst := m.NewAddressSpace()

	r := Range{Start: UserBase, Len: pages(1)}
	_, err := src.Map(r, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)
	at := userPage(16)
	_, err = Share(src, r, dst, at, true)
	require.NoError(t, err)
	require.NoError(t, dst.Unmap(Range{Start: at, Len: pages(1)}))

	before, _, err := src.Translate(0, UserBase)
	require.NoError(t, err)
	require.NoError(t, src.Write(0, UserBase, []byte{1}))
	after, _, err := src.Translate(0, UserBase)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestPinSurvivesUnmap(t *testing.T) {
	m := newTestManager(t)
	src := m.NewAddressSpace()
	dst := m.NewAddressSpace()
	free := m.FreeFrames(TierLocal)

	r := Range{Start: UserBase, Len: pages(2)}
	_, err := src.Map(r, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)
	require.NoError(t, src.Write(0, userPage(1)-3, []byte("pinned")))

	pin, err := src.Pin(r, false)
	require.NoError(t, err)
	require.Equal(t, pages(2), pin.Len())
	require.NoError(t, src.Unmap(r))
	require.Less(t, m.FreeFrames(TierLocal), free, "pinned frames stay allocated")

	got := make([]byte, 6)
	require.NoError(t, pin.Read(PageSize-3, got))
	require.Equal(t, "pinned", string(got))
	err = pin.Read(pages(2)-2, got)
	require.True(t, errors.Is(err, kerr.InvalidArgument), "got %v", err)

	at := userPage(16)
	mp, err := pin.MapInto(dst, at)
	require.NoError(t, err)
	require.Equal(t, BackingShared, mp.Backing)
	require.NoError(t, dst.Read(0, at+PageSize-3, got))
	require.Equal(t, "pinned", string(got))

	require.NoError(t, pin.Release())
	require.NoError(t, pin.Release())
	err = pin.Read(0, got)
	require.True(t, errors.Is(err, kerr.InvalidState), "got %v", err)

	require.NoError(t, dst.Unmap(mp.Range))
	require.Equal(t, free, m.FreeFrames(TierLocal))
	require.NoError(t, m.Check())
}

func TestPinRejectsBadRange(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()
	_, err := s.Map(Range{Start: UserBase, Len: pages(1)}, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)
	_, err = s.Map(Range{Start: userPage(4), Len: pages(1)}, Anonymous(HintAuto), FlagWrite|FlagUser, Placement{})
	require.NoError(t, err)
	free := m.FreeFrames(TierLocal)

	tests := []struct {
		name string
		r    Range
		want kerr.Kind
	}{
		{"runs off mapping", Range{Start: UserBase, Len: pages(2)}, kerr.InvalidArgument},
		{"unmapped", Range{Start: userPage(8), Len: pages(1)}, kerr.InvalidArgument},
		{"unaligned", Range{Start: UserBase + 8, Len: pages(1)}, kerr.InvalidArgument},
		{"unreadable", Range{Start: userPage(4), Len: pages(1)}, kerr.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Pin(tt.r, true)
			if kind := kerr.KindOf(err); kind != tt.want {
				t.Fatalf("Pin(%v) = %v, want %v", tt.r, err, tt.want)
			}
			require.Equal(t, free, m.FreeFrames(TierLocal))
		})
	}

	_, flags, err := s.Translate(0, UserBase)
	require.NoError(t, err)
	require.Zero(t, flags&FlagCOW, "a rejected pin leaves the source writable")
}

func TestFindFree(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()

	va, err := s.FindFree(10)
	require.NoError(t, err)
	require.Equal(t, UserBase, va)

	_, err = s.Map(Range{Start: UserBase, Len: pages(2)}, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)
	_, err = s.Map(Range{Start: userPage(3), Len: pages(1)}, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)

	va, err = s.FindFree(PageSize)
	require.NoError(t, err)
	require.Equal(t, userPage(2), va)

	va, err = s.FindFree(pages(2))
	require.NoError(t, err)
	require.Equal(t, userPage(4), va)
}

func TestDestroy(t *testing.T) {
	m := newTestManager(t)
	s := m.NewAddressSpace()
	free := m.FreeFrames(TierLocal)

	_, err := s.Map(Range{Start: UserBase, Len: pages(5)}, Anonymous(HintAuto), rw, Placement{})
	require.NoError(t, err)
	_, _, err = s.Translate(2, UserBase)
	require.NoError(t, err)

	require.NoError(t, s.Destroy())
	require.Equal(t, free, m.FreeFrames(TierLocal))
	require.Zero(t, m.CachedTranslations(2))
	require.Equal(t, 1, s.Tables())

	_, err = s.Map(Range{Start: UserBase, Len: pages(1)}, Anonymous(HintAuto), rw, Placement{})
	require.True(t, errors.Is(err, kerr.InvalidState), "got %v", err)
	require.NoError(t, s.Destroy())
}

func TestPageTableReclaim(t *testing.T) {
	pt := newPageTables()
	pt.mapPage(0x12345, 7, FlagRead)
	require.Equal(t, 4, pt.tables)

	f, flags, ok := pt.lookup(0x12345)
	require.True(t, ok)
	require.Equal(t, Frame(7), f)
	require.Equal(t, FlagRead, flags)

	_, _, ok = pt.unmap(0x12345)
	require.True(t, ok)
	require.Equal(t, 1, pt.tables)
	_, _, ok = pt.lookup(0x12345)
	require.False(t, ok)
}

func TestFlagsString(t *testing.T) {
	if got, want := (FlagRead | FlagWrite | FlagCOW).String(), "rw--c---"; got != want {
		t.Fatalf("Flags.String() = %q, want %q", got, want)
	}
}
