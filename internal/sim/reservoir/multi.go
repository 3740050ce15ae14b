package reservoir

import "conduitnet.ai/internal/sim/fluid"

// MultiTank exposes several tanks behind one endpoint, e.g. a machine with
// separate input and output fluids.
type MultiTank struct {
	parts []*Tank
}

func NewMulti(parts ...*Tank) *MultiTank { return &MultiTank{parts: parts} }

func (m *MultiTank) Part(i int) *Tank {
	if i < 0 || i >= len(m.parts) {
		return nil
	}
	return m.parts[i]
}

func (m *MultiTank) Len() int { return len(m.parts) }

// Available reports the first non-empty tank.
func (m *MultiTank) Available() fluid.Stack {
	for _, t := range m.parts {
		if s := t.Available(); !s.IsEmpty() {
			return s
		}
	}
	return fluid.Stack{}
}

// Fill tops up tanks already holding the fluid before starting empty ones.
func (m *MultiTank) Fill(req fluid.Stack) int {
	return m.fill(req, true)
}

func (m *MultiTank) Offer(req fluid.Stack) int {
	return m.fill(req, false)
}

func (m *MultiTank) fill(req fluid.Stack, commit bool) int {
	if req.IsEmpty() {
		return 0
	}
	total := 0
	for pass := 0; pass < 2 && total < req.Amount; pass++ {
		for _, t := range m.parts {
			if total >= req.Amount {
				break
			}
			holds := t.Contents.FluidEqual(req)
			if (pass == 0) != holds {
				continue
			}
			rest := req.WithAmount(req.Amount - total)
			if commit {
				total += t.Fill(rest)
			} else {
				total += t.Offer(rest)
			}
		}
	}
	return total
}

func (m *MultiTank) Drain(req fluid.Stack) fluid.Stack {
	if req.Amount <= 0 {
		return fluid.Stack{}
	}
	id := req.Fluid
	if id == "" {
		id = m.Available().Fluid
	}
	var out fluid.Stack
	for _, t := range m.parts {
		if out.Amount >= req.Amount {
			break
		}
		got := t.Drain(fluid.New(id, req.Amount-out.Amount))
		if got.IsEmpty() {
			continue
		}
		out = fluid.New(got.Fluid, out.Amount+got.Amount)
	}
	return out
}

func (m *MultiTank) Tanks() []fluid.TankInfo {
	out := make([]fluid.TankInfo, 0, len(m.parts))
	for _, t := range m.parts {
		out = append(out, t.info())
	}
	return out
}

func (m *MultiTank) Detach() {
	for _, t := range m.parts {
		t.Detach()
	}
}

func (m *MultiTank) Valid() bool {
	for _, t := range m.parts {
		if !t.Valid() {
			return false
		}
	}
	return true
}
