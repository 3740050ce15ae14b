package conduit

import (
	"math"
	"sort"

	"conduitnet.ai/internal/sim/conduit/logic/roundrobin"
	"conduitnet.ai/internal/sim/fluid"
)

// Rates are the per-tick caps before the speed multiplier is applied.
type Rates struct {
	ExtractRatePerTick int `json:"extract_rate_per_tick"`
	MaxIOPerTick       int `json:"max_io_per_tick"`
}

// SpeedFunc returns the positive multiplier applied to both rate caps for a port.
type SpeedFunc func(p *Port) float64

// Transfer records one committed fill into a target.
type Transfer struct {
	From  PortKey
	To    PortKey
	Stack fluid.Stack
}

type Options struct {
	ID         string
	Rates      Rates
	Speed      SpeedFunc
	OnTransfer func(Transfer)
}

// Network distributes fluid between a fixed set of ports. It is not safe for
// concurrent use; the owning tick loop calls it from one goroutine.
type Network struct {
	id         string
	rates      Rates
	speed      SpeedFunc
	onTransfer func(Transfer)

	// ports is kept sorted by priority, highest first, ties in insertion order.
	ports     []*Port
	byKey     map[PortKey]*Port
	rotations map[PortKey]*roundrobin.Ring[*Port]

	filling bool
}

func New(opts Options) *Network {
	return &Network{
		id:         opts.ID,
		rates:      opts.Rates,
		speed:      opts.Speed,
		onTransfer: opts.OnTransfer,
		byKey:      map[PortKey]*Port{},
		rotations:  map[PortKey]*roundrobin.Ring[*Port]{},
	}
}

func (n *Network) ID() string { return n.id }

func (n *Network) Rates() Rates { return n.rates }

// SetOnTransfer replaces the hook called for every committed target fill.
func (n *Network) SetOnTransfer(fn func(Transfer)) { n.onTransfer = fn }

// ConnectionChanged inserts p or replaces the port with the same key.
// The replacement moves to the back of its priority band.
func (n *Network) ConnectionChanged(p Port) {
	np := p
	if old, ok := n.byKey[p.Key]; ok {
		for i, cur := range n.ports {
			if cur == old {
				n.ports = append(n.ports[:i], n.ports[i+1:]...)
				break
			}
		}
	}
	n.ports = append(n.ports, &np)
	n.byKey[np.Key] = &np
	sort.SliceStable(n.ports, func(i, j int) bool { return n.ports[i].Priority > n.ports[j].Priority })
}

// Invalidate marks a port's endpoint as gone. The port stays indexed and is skipped.
func (n *Network) Invalidate(key PortKey) bool {
	p, ok := n.byKey[key]
	if !ok {
		return false
	}
	p.Valid = false
	return true
}

func (n *Network) Port(key PortKey) (Port, bool) {
	p, ok := n.byKey[key]
	if !ok {
		return Port{}, false
	}
	return *p, true
}

// Ports returns copies in distribution order.
func (n *Network) Ports() []Port {
	out := make([]Port, 0, len(n.ports))
	for _, p := range n.ports {
		out = append(out, *p)
	}
	return out
}

func (n *Network) Len() int { return len(n.ports) }

// Cursors returns the persisted rotation offset of every origin seen so far.
func (n *Network) Cursors() map[PortKey]int {
	out := make(map[PortKey]int, len(n.rotations))
	for k, r := range n.rotations {
		out[k] = r.Offset()
	}
	return out
}

func (n *Network) RestoreCursors(cursors map[PortKey]int) {
	for k, off := range cursors {
		n.rotation(k).SetOffset(off)
	}
}

// TankInfosVisibleTo lists the sub-reservoirs of every other valid port.
func (n *Network) TankInfosVisibleTo(key PortKey) []fluid.TankInfo {
	out := make([]fluid.TankInfo, 0, len(n.ports))
	for _, p := range n.ports {
		if p.Key == key || !p.IsValid() {
			continue
		}
		out = append(out, p.Endpoint.Tanks()...)
	}
	return out
}

func (n *Network) rotation(key PortKey) *roundrobin.Ring[*Port] {
	r, ok := n.rotations[key]
	if !ok {
		r = roundrobin.New(&n.ports)
		n.rotations[key] = r
	}
	return r
}

func (n *Network) speedOf(p *Port) float64 {
	if n.speed == nil {
		return 1
	}
	m := n.speed(p)
	if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return 1
	}
	return m
}

// scaled saturates at math.MaxInt instead of wrapping.
func (n *Network) scaled(rate int, p *Port) int {
	f := float64(rate) * n.speedOf(p)
	if f >= math.MaxInt {
		return math.MaxInt
	}
	return int(f)
}
