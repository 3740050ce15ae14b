package conduit

import (
	"conduitnet.ai/internal/sim/filter"
	"conduitnet.ai/internal/sim/fluid"
)

// ExtractFrom pulls from the endpoint behind key and distributes it across
// the network. It reports whether anything was moved.
func (n *Network) ExtractFrom(key PortKey) bool {
	p, ok := n.byKey[key]
	if !ok || !p.IsValid() {
		return false
	}

	probed := p.Endpoint.Available()
	if n.tryExtract(p, probed) {
		return true
	}
	if !p.SupportsMultipleTanks {
		return false
	}
	for _, info := range p.Endpoint.Tanks() {
		// Don't retry a fluid the first attempt already covered.
		if info.Contents.FluidEqual(probed) {
			continue
		}
		if n.tryExtract(p, info.Contents) {
			return true
		}
	}
	return false
}

func (n *Network) tryExtract(p *Port, available fluid.Stack) bool {
	if available.IsEmpty() || !filter.Admits(p.OutputFilter, available) {
		return false
	}
	want := available.WithAmount(min(available.Amount, n.scaled(n.rates.ExtractRatePerTick, p)))
	if want.IsEmpty() {
		return false
	}

	// The probe pass leaves the rotation where it found it so the committing
	// pass walks the same targets.
	accepted := n.fill(p, want, false, false)
	if accepted <= 0 {
		return false
	}
	drained := p.Endpoint.Drain(want.WithAmount(accepted))
	if drained.IsEmpty() {
		return false
	}
	if !drained.FluidEqual(want) {
		p.Endpoint.Fill(drained)
		return false
	}

	moved := n.fill(p, drained, true, true)
	if moved < drained.Amount {
		p.Endpoint.Fill(drained.WithAmount(drained.Amount - moved))
	}
	return moved > 0 && drained.Amount == accepted
}

// FillFrom distributes s from the port at key. Unknown keys move nothing.
func (n *Network) FillFrom(key PortKey, s fluid.Stack, commit bool) int {
	p, ok := n.byKey[key]
	if !ok {
		return 0
	}
	return n.fill(p, s, commit, true)
}

// FillFromPort distributes s using origin's own attributes. Rotation state is
// shared with FillFrom for the same key.
func (n *Network) FillFromPort(origin *Port, s fluid.Stack, commit bool) int {
	if origin == nil {
		return 0
	}
	return n.fill(origin, s, commit, true)
}

// fill offers s to eligible targets in rotation order and returns the amount
// taken. With commit false targets are only asked what they would accept.
// A dry run still advances or resets the rotation like a committing call
// unless rotate is false.
func (n *Network) fill(origin *Port, s fluid.Stack, commit, rotate bool) int {
	if n.filling {
		return 0
	}
	n.filling = true

	ring := n.rotation(origin.Key)
	saved := ring.Offset()
	defer func() {
		switch {
		case !rotate:
			ring.SetOffset(saved)
		case !origin.RoundRobin:
			ring.Reset()
		}
		n.filling = false
	}()

	if !filter.Admits(origin.OutputFilter, s) {
		return 0
	}
	remaining := min(s.Amount, n.scaled(n.rates.MaxIOPerTick, origin))
	if remaining <= 0 {
		return 0
	}

	moved := 0
	for target := range ring.All() {
		offer := s.WithAmount(remaining)
		if !n.eligible(origin, target, offer) {
			continue
		}
		var vol int
		if commit {
			vol = target.Endpoint.Fill(offer)
		} else {
			vol = target.Endpoint.Offer(offer)
		}
		if vol <= 0 {
			continue
		}
		vol = min(vol, remaining)
		remaining -= vol
		moved += vol
		if commit && n.onTransfer != nil {
			n.onTransfer(Transfer{From: origin.Key, To: target.Key, Stack: offer.WithAmount(vol)})
		}
		if remaining <= 0 {
			break
		}
	}
	return moved
}

func (n *Network) eligible(origin, target *Port, offer fluid.Stack) bool {
	if target.Key == origin.Key && !origin.SelfFeed {
		return false
	}
	if !target.AcceptsOutput || !target.IsValid() {
		return false
	}
	if target.InputColor != origin.OutputColor {
		return false
	}
	return filter.Admits(target.InputFilter, offer)
}
