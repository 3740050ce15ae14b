package conduit

import (
	"fmt"
	"strings"

	"conduitnet.ai/internal/sim/filter"
	"conduitnet.ai/internal/sim/fluid"
)

type Vec3i struct {
	X int
	Y int
	Z int
}

func (v Vec3i) ToArray() [3]int { return [3]int{v.X, v.Y, v.Z} }

// Dir is the face of a conduit block a port connects through.
type Dir uint8

const (
	Down Dir = iota
	Up
	North
	South
	West
	East
)

var dirNames = [...]string{"down", "up", "north", "south", "west", "east"}

func (d Dir) String() string {
	if int(d) < len(dirNames) {
		return dirNames[d]
	}
	return fmt.Sprintf("dir(%d)", uint8(d))
}

func ParseDir(s string) (Dir, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range dirNames {
		if name == s {
			return Dir(i), true
		}
	}
	return 0, false
}

// PortKey is a port's identity within a network. Nothing else takes part in equality.
type PortKey struct {
	Pos Vec3i
	Dir Dir
}

func (k PortKey) String() string {
	return fmt.Sprintf("%d,%d,%d/%s", k.Pos.X, k.Pos.Y, k.Pos.Z, k.Dir)
}

// Channel tags a port's input/output side; output only reaches inputs on the same channel.
type Channel string

// Endpoint is the reservoir a port fronts. The network never owns it.
type Endpoint interface {
	// Available reports what could be drained right now without draining it.
	Available() fluid.Stack
	// Drain removes up to req and returns what was removed.
	Drain(req fluid.Stack) fluid.Stack
	// Fill inserts up to req and returns the accepted amount.
	Fill(req fluid.Stack) int
	// Offer is Fill without side effects.
	Offer(req fluid.Stack) int
	Tanks() []fluid.TankInfo
}

// Validator is implemented by endpoints that can be torn down.
type Validator interface {
	Valid() bool
}

type Port struct {
	Key PortKey

	Priority int

	AcceptsOutput         bool
	CanExtract            bool
	SelfFeed              bool
	RoundRobin            bool
	SupportsMultipleTanks bool

	InputColor  Channel
	OutputColor Channel

	// InputFilter gates fluid arriving at this port; OutputFilter gates fluid it sends.
	InputFilter  filter.Filter
	OutputFilter filter.Filter

	SpeedUpgrades int

	Endpoint Endpoint
	Valid    bool
}

func (p *Port) IsValid() bool {
	if p == nil || !p.Valid || p.Endpoint == nil {
		return false
	}
	if v, ok := p.Endpoint.(Validator); ok && !v.Valid() {
		return false
	}
	return true
}
