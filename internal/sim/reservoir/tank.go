package reservoir

import "conduitnet.ai/internal/sim/fluid"

// Tank holds one fluid type at a time up to Capacity.
type Tank struct {
	Contents fluid.Stack
	Capacity int
	// Locked restricts the tank to one fluid type when set.
	Locked fluid.ID

	detached bool
}

func NewTank(capacity int) *Tank { return &Tank{Capacity: capacity} }

func NewTankWith(capacity int, contents fluid.Stack) *Tank {
	t := &Tank{Capacity: capacity}
	if !contents.IsEmpty() {
		t.Contents = contents.WithAmount(min(contents.Amount, capacity))
	}
	return t
}

func (t *Tank) Available() fluid.Stack {
	if t.Contents.IsEmpty() {
		return fluid.Stack{}
	}
	return t.Contents
}

func (t *Tank) Fill(req fluid.Stack) int {
	n := t.accept(req)
	if n > 0 {
		t.Contents = fluid.New(req.Fluid, t.Contents.Amount+n)
	}
	return n
}

func (t *Tank) Offer(req fluid.Stack) int { return t.accept(req) }

func (t *Tank) Drain(req fluid.Stack) fluid.Stack {
	if t.detached || t.Contents.IsEmpty() || req.Amount <= 0 {
		return fluid.Stack{}
	}
	if req.Fluid != "" && req.Fluid != t.Contents.Fluid {
		return fluid.Stack{}
	}
	n := min(req.Amount, t.Contents.Amount)
	out := fluid.New(t.Contents.Fluid, n)
	t.Contents.Amount -= n
	if t.Contents.Amount <= 0 {
		t.Contents = fluid.Stack{}
	}
	return out
}

func (t *Tank) Tanks() []fluid.TankInfo { return []fluid.TankInfo{t.info()} }

func (t *Tank) Free() int { return max(0, t.Capacity-t.Contents.Amount) }

// Detach tears the tank down; ports fronting it become invalid.
func (t *Tank) Detach() { t.detached = true }

func (t *Tank) Valid() bool { return !t.detached }

func (t *Tank) info() fluid.TankInfo {
	return fluid.TankInfo{Contents: t.Available(), Capacity: t.Capacity, CanFill: true, CanDrain: true}
}

func (t *Tank) accept(req fluid.Stack) int {
	if req.IsEmpty() || t.detached {
		return 0
	}
	if t.Locked != "" && req.Fluid != t.Locked {
		return 0
	}
	if !t.Contents.IsEmpty() && !t.Contents.FluidEqual(req) {
		return 0
	}
	return min(req.Amount, t.Free())
}
