package kerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{InvalidCapability, "invalid capability"},
		{QueueFull, "queue full"},
		{Kind(200), "{Kind 200}"},
	}
	for _, test := range tests {
		if got := test.kind.String(); got != test.want {
			t.Errorf("Kind(%d).String() = %q, want %q", test.kind, got, test.want)
		}
	}
}

func TestErrorIsKind(t *testing.T) {
	err := fmt.Errorf("port send: %w", New(PortClosed, "send"))

	require.ErrorIs(t, err, PortClosed)
	require.NotErrorIs(t, err, QueueFull)
	require.Equal(t, PortClosed, KindOf(err))
	require.Equal(t, "port send: send: port closed", err.Error())
}

func TestWrapKeepsKind(t *testing.T) {
	inner := New(OutOfMemory, "allocate")
	err := Wrap(Unknown, "map", inner)

	require.Equal(t, OutOfMemory, err.Kind)
	require.True(t, errors.Is(err, inner))
}

func TestFatal(t *testing.T) {
	require.True(t, IsFatal(Newf(MemoryCorruptionDetected, "free", "frame %#x", 0x10)))
	require.False(t, IsFatal(New(Overlap, "map")))
	require.False(t, IsFatal(nil))
	require.Equal(t, Unknown, KindOf(errors.New("plain")))
}
