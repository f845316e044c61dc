package sched

import (
	"fmt"
)

// CoreType tags heterogeneous cores.
type CoreType uint8

// Core types.
const (
	CorePerformance CoreType = iota
	CoreEfficiency
)

var coreTypeNames = map[CoreType]string{
	CorePerformance: "performance",
	CoreEfficiency:  "efficiency",
}

func (c CoreType) String() string {
	name, ok := coreTypeNames[c]
	if ok {
		return name
	}
	return fmt.Sprintf("{CoreType %d}", c)
}

// ParseCoreType parses a core type name. "perf" and "eff" are accepted
// as short forms.
func ParseCoreType(s string) (CoreType, error) {
	switch s {
	case "performance", "perf":
		return CorePerformance, nil
	case "efficiency", "eff":
		return CoreEfficiency, nil
	}
	return 0, fmt.Errorf("unknown core type %q", s)
}

// CoreInfo describes one core.
type CoreInfo struct {
	ID     int
	Type   CoreType
	Node   int
	Online bool
}

// Topology is an immutable snapshot of the cores. It is replaced as a
// whole and read without locks.
type Topology struct {
	Cores []CoreInfo
}

func (t *Topology) clone() *Topology {
	return &Topology{Cores: append([]CoreInfo(nil), t.Cores...)}
}

// Online returns the IDs of the cores that accept work.
func (t Topology) Online() []int {
	var ids []int
	for _, c := range t.Cores {
		if c.Online {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
