// Package device defines the identities shared by every warden component:
// grid positions, lockable resources, node kinds and locking modes.
package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ResolveByPosition marks a Resource that must be looked up by zone and
// position instead of entity id.
const ResolveByPosition int32 = -1

// Vec3i is an integer grid position.
type Vec3i struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	Z int32 `json:"z"`
}

// ParseVec3i parses "x,y,z".
func ParseVec3i(s string) (Vec3i, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Invalid, fmt.Errorf("device: position %q is not x,y,z", s)
	}
	var out [3]int32
	for i, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return Invalid, fmt.Errorf("device: position %q: %w", s, err)
		}
		out[i] = int32(n)
	}
	return Vec3i{X: out[0], Y: out[1], Z: out[2]}, nil
}

// Invalid is the sentinel position used when no position applies.
var Invalid = Vec3i{X: math.MinInt32, Y: math.MinInt32, Z: math.MinInt32}

func (v Vec3i) String() string {
	return fmt.Sprintf("%d,%d,%d", v.X, v.Y, v.Z)
}

// Resource identifies a lockable device.
type Resource struct {
	Zone     uint16 `json:"zone"`
	Pos      Vec3i  `json:"pos"`
	EntityID int32  `json:"entity"`
}

// At returns a position-addressed resource.
func At(zone uint16, pos Vec3i) Resource {
	return Resource{Zone: zone, Pos: pos, EntityID: ResolveByPosition}
}

// ByPosition reports whether r resolves through its zone and position.
func (r Resource) ByPosition() bool { return r.EntityID == ResolveByPosition }

// Key returns the lock table key of r. It only depends on zone and position,
// so a resource must be resolved before its key is meaningful when it was
// addressed by entity id.
func (r Resource) Key() string {
	return fmt.Sprintf("%d:%s", r.Zone, r.Pos)
}

func (r Resource) String() string {
	if r.ByPosition() {
		return r.Key()
	}
	return fmt.Sprintf("%s#%d", r.Key(), r.EntityID)
}

// Batch is an ordered set of resources locked or unlocked as one unit.
type Batch struct {
	Entries []Resource
	Holder  int32
	Context string
}

// Primary returns the first entry of the batch.
func (b Batch) Primary() (Resource, bool) {
	if len(b.Entries) == 0 {
		return Resource{}, false
	}
	return b.Entries[0], true
}

// Kind classifies a node of the wiring graph.
type Kind uint8

const (
	KindRelay Kind = iota
	KindControl
	KindLeaf
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindLeaf:
		return "leaf"
	default:
		return "relay"
	}
}

// ParseKind maps a textual kind to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "control":
		return KindControl, nil
	case "leaf":
		return KindLeaf, nil
	case "relay", "":
		return KindRelay, nil
	}
	return KindRelay, fmt.Errorf("device: unknown kind %q", s)
}

// Mode is the locking strategy of a session.
type Mode uint8

const (
	// ModeSingle holds exactly one device lock and hands it off while cycling.
	ModeSingle Mode = iota
	// ModeBulk locks every discovered device up front and holds them all.
	ModeBulk
)

func (m Mode) String() string {
	if m == ModeBulk {
		return "bulk"
	}
	return "single"
}

// ParseMode maps "single" or "bulk" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single", "":
		return ModeSingle, nil
	case "bulk":
		return ModeBulk, nil
	}
	return ModeSingle, fmt.Errorf("device: unknown mode %q", s)
}
