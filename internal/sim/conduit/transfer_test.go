package conduit

import (
	"testing"

	"conduitnet.ai/internal/sim/filter"
	"conduitnet.ai/internal/sim/fluid"
	"conduitnet.ai/internal/sim/reservoir"
)

func TestExtractFrom_MovesUpToExtractRate(t *testing.T) {
	n := New(Options{Rates: Rates{ExtractRatePerTick: 30, MaxIOPerTick: 1000}})
	src := reservoir.NewTankWith(1000, fluid.New("WATER", 100))
	dst := reservoir.NewTank(1000)
	n.ConnectionChanged(testPort(0, 10, src))
	n.ConnectionChanged(testPort(1, 5, dst))

	if !n.ExtractFrom(keyAt(0)) {
		t.Fatalf("ExtractFrom=false")
	}
	if src.Contents.Amount != 70 || dst.Contents.Amount != 30 {
		t.Fatalf("src=%d dst=%d, want 70/30", src.Contents.Amount, dst.Contents.Amount)
	}
}

func TestExtractFrom_DrainsOnlyWhatTargetsAccept(t *testing.T) {
	n := newTestNetwork(nil)
	src := reservoir.NewTankWith(1000, fluid.New("WATER", 500))
	dst := reservoir.NewTank(40)
	n.ConnectionChanged(testPort(0, 10, src))
	n.ConnectionChanged(testPort(1, 5, dst))

	if !n.ExtractFrom(keyAt(0)) {
		t.Fatalf("ExtractFrom=false")
	}
	if src.Contents.Amount != 460 || dst.Contents.Amount != 40 {
		t.Fatalf("src=%d dst=%d, want 460/40", src.Contents.Amount, dst.Contents.Amount)
	}
	if n.ExtractFrom(keyAt(0)) {
		t.Fatalf("ExtractFrom=true with every target full")
	}
	if src.Contents.Amount != 460 {
		t.Fatalf("failed extract drained source: %d", src.Contents.Amount)
	}
}

func TestExtractFrom_Failures(t *testing.T) {
	n := newTestNetwork(nil)
	if n.ExtractFrom(keyAt(0)) {
		t.Fatalf("unknown port extracted")
	}

	src := reservoir.NewTankWith(1000, fluid.New("LAVA", 100))
	origin := testPort(0, 10, src)
	origin.OutputFilter = filter.Deny("LAVA")
	n.ConnectionChanged(origin)
	n.ConnectionChanged(testPort(1, 5, reservoir.NewTank(1000)))
	if n.ExtractFrom(keyAt(0)) {
		t.Fatalf("filtered fluid extracted")
	}

	origin.OutputFilter = nil
	origin.Valid = false
	n.ConnectionChanged(origin)
	if n.ExtractFrom(keyAt(0)) {
		t.Fatalf("invalid port extracted")
	}

	empty := testPort(2, 10, reservoir.NewTank(1000))
	n.ConnectionChanged(empty)
	if n.ExtractFrom(keyAt(2)) {
		t.Fatalf("empty source extracted")
	}
	if src.Contents.Amount != 100 {
		t.Fatalf("source changed to %d", src.Contents.Amount)
	}
}

func TestExtractFrom_TriesOtherSubReservoirs(t *testing.T) {
	n := newTestNetwork(nil)
	src := reservoir.NewMulti(
		reservoir.NewTankWith(100, fluid.New("LAVA", 50)),
		reservoir.NewTankWith(100, fluid.New("LAVA", 20)),
		reservoir.NewTankWith(100, fluid.New("WATER", 60)),
	)
	origin := testPort(0, 10, src)
	origin.OutputFilter = filter.Deny("LAVA")
	n.ConnectionChanged(origin)
	dst := reservoir.NewTank(1000)
	n.ConnectionChanged(testPort(1, 5, dst))

	if n.ExtractFrom(keyAt(0)) {
		t.Fatalf("single-tank mode should stop after the first fluid")
	}

	origin.SupportsMultipleTanks = true
	n.ConnectionChanged(origin)
	if !n.ExtractFrom(keyAt(0)) {
		t.Fatalf("ExtractFrom=false with a drainable WATER tank")
	}
	if dst.Contents.Fluid != "WATER" || dst.Contents.Amount != 60 {
		t.Fatalf("dst=%v", dst.Contents)
	}
	if src.Part(0).Contents.Amount != 50 || src.Part(1).Contents.Amount != 20 {
		t.Fatalf("LAVA tanks touched: %v %v", src.Part(0).Contents, src.Part(1).Contents)
	}
}

type countingTank struct {
	*reservoir.Tank
	offers int
}

func (c *countingTank) Offer(req fluid.Stack) int {
	c.offers++
	return c.Tank.Offer(req)
}

func TestExtractFrom_ProbeDoesNotMoveRotation(t *testing.T) {
	var transfers []Transfer
	n := newTestNetwork(&transfers)
	n.ConnectionChanged(testPort(0, 10, reservoir.NewTankWith(1_000_000, fluid.New("WATER", 1_000_000))))
	n.ConnectionChanged(testPort(1, 5, reservoir.NewTank(1_000_000)))
	n.ConnectionChanged(testPort(2, 5, reservoir.NewTank(1_000_000)))

	for i := 0; i < 4; i++ {
		if !n.ExtractFrom(keyAt(0)) {
			t.Fatalf("tick %d: ExtractFrom=false", i)
		}
	}
	want := []int{1, 2, 1, 2}
	if len(transfers) != len(want) {
		t.Fatalf("transfers=%+v", transfers)
	}
	for i, tr := range transfers {
		if tr.To.Pos.X != want[i] {
			t.Fatalf("transfer %d went to %d, want %d", i, tr.To.Pos.X, want[i])
		}
	}
}

func TestExtractFrom_ProbeUsesOffer(t *testing.T) {
	n := newTestNetwork(nil)
	n.ConnectionChanged(testPort(0, 10, reservoir.NewTankWith(1000, fluid.New("WATER", 10))))
	ct := &countingTank{Tank: reservoir.NewTank(1000)}
	n.ConnectionChanged(testPort(1, 5, ct))

	if !n.ExtractFrom(keyAt(0)) {
		t.Fatalf("ExtractFrom=false")
	}
	if ct.offers != 1 || ct.Contents.Amount != 10 {
		t.Fatalf("offers=%d contents=%v", ct.offers, ct.Contents)
	}
}

// lossyTank reports more room on Offer than Fill actually takes.
type lossyTank struct {
	*reservoir.Tank
}

func (l *lossyTank) Fill(req fluid.Stack) int {
	return l.Tank.Fill(req.WithAmount(req.Amount / 2))
}

func TestExtractFrom_ReturnsUndeliveredRemainder(t *testing.T) {
	n := newTestNetwork(nil)
	src := reservoir.NewTankWith(1000, fluid.New("WATER", 100))
	n.ConnectionChanged(testPort(0, 10, src))
	lt := &lossyTank{Tank: reservoir.NewTank(1000)}
	n.ConnectionChanged(testPort(1, 5, lt))

	n.ExtractFrom(keyAt(0))
	if total := src.Contents.Amount + lt.Contents.Amount; total != 100 {
		t.Fatalf("fluid not conserved: src=%d dst=%d", src.Contents.Amount, lt.Contents.Amount)
	}
	if lt.Contents.Amount != 50 {
		t.Fatalf("dst=%d, want 50", lt.Contents.Amount)
	}
}
