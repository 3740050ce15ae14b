package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"conduitnet.ai/internal/sim/conduit"
	"conduitnet.ai/internal/sim/fluid"
	"conduitnet.ai/internal/sim/reservoir"
)

type memTickLog struct{ entries []TickEntry }

func (m *memTickLog) WriteTick(e TickEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

type memTransferLog struct{ recs []TransferRecord }

func (m *memTransferLog) WriteTransfer(r TransferRecord) error {
	m.recs = append(m.recs, r)
	return nil
}

func keyAt(x int) conduit.PortKey {
	return conduit.PortKey{Pos: conduit.Vec3i{X: x}, Dir: conduit.Up}
}

func source(x int, ep conduit.Endpoint) conduit.Port {
	return conduit.Port{Key: keyAt(x), CanExtract: true, RoundRobin: true, InputColor: "c", OutputColor: "c", Endpoint: ep, Valid: true}
}

func sink(x int, ep conduit.Endpoint) conduit.Port {
	return conduit.Port{Key: keyAt(x), AcceptsOutput: true, RoundRobin: true, InputColor: "c", OutputColor: "c", Endpoint: ep, Valid: true}
}

func newNet() *conduit.Network {
	return conduit.New(conduit.Options{ID: "net-1", Rates: conduit.Rates{ExtractRatePerTick: 100, MaxIOPerTick: 1000}})
}

func TestStep_MovesAndRecords(t *testing.T) {
	n := newNet()
	src := reservoir.NewTankWith(1000, fluid.New("WATER", 250))
	dst := reservoir.NewTank(1000)
	n.ConnectionChanged(source(0, src))
	n.ConnectionChanged(sink(1, dst))

	d := New(n, Config{})
	tl := &memTickLog{}
	xl := &memTransferLog{}
	d.SetTickLogger(tl)
	d.SetTransferLogger(xl)

	e := d.Step()
	if e.Tick != 0 || e.Extractions != 1 || e.Succeeded != 1 || e.Moved != 100 {
		t.Fatalf("entry=%+v", e)
	}
	if len(e.Transfers) != 1 || e.Transfers[0].To != keyAt(1).String() || e.Transfers[0].Fluid != "WATER" {
		t.Fatalf("transfers=%+v", e.Transfers)
	}
	if d.CurrentTick() != 1 {
		t.Fatalf("tick=%d, want 1", d.CurrentTick())
	}

	d.Step()
	last := d.Step()
	if last.Moved != 50 || src.Contents.Amount != 0 || dst.Contents.Amount != 250 {
		t.Fatalf("last=%+v src=%d dst=%d", last, src.Contents.Amount, dst.Contents.Amount)
	}
	if len(tl.entries) != 3 || len(xl.recs) != 3 || xl.recs[2].Tick != 2 {
		t.Fatalf("logged ticks=%d transfers=%+v", len(tl.entries), xl.recs)
	}

	if got := testutil.ToFloat64(d.Metrics().Moved.WithLabelValues("WATER")); got != 250 {
		t.Fatalf("moved metric=%v, want 250", got)
	}
	if got := testutil.ToFloat64(d.Metrics().Ticks); got != 3 {
		t.Fatalf("ticks metric=%v, want 3", got)
	}

	empty := d.Step()
	if empty.Succeeded != 0 || empty.Moved != 0 || empty.Transfers != nil {
		t.Fatalf("empty source entry=%+v", empty)
	}
	if got := testutil.ToFloat64(d.Metrics().Extractions.WithLabelValues("fail")); got != 1 {
		t.Fatalf("fail metric=%v, want 1", got)
	}
}

func TestStep_ExtractOrderByPriorityThenKey(t *testing.T) {
	n := newNet()
	dst := reservoir.NewTank(100)
	n.ConnectionChanged(source(5, reservoir.NewTankWith(1000, fluid.New("WATER", 1000))))
	n.ConnectionChanged(source(1, reservoir.NewTankWith(1000, fluid.New("WATER", 1000))))
	n.ConnectionChanged(sink(9, dst))

	e := New(n, Config{}).Step()
	if len(e.Transfers) != 1 || e.Transfers[0].From != keyAt(1).String() {
		t.Fatalf("transfers=%+v, want single transfer from %s", e.Transfers, keyAt(1))
	}

	hp := newNet()
	hp.ConnectionChanged(source(1, reservoir.NewTankWith(1000, fluid.New("WATER", 1000))))
	p := source(5, reservoir.NewTankWith(1000, fluid.New("WATER", 1000)))
	p.Priority = 3
	hp.ConnectionChanged(p)
	hp.ConnectionChanged(sink(9, reservoir.NewTank(100)))
	e = New(hp, Config{}).Step()
	if len(e.Transfers) != 1 || e.Transfers[0].From != keyAt(5).String() {
		t.Fatalf("transfers=%+v, want single transfer from %s", e.Transfers, keyAt(5))
	}
}

func TestStep_SkipsInvalidAndInsertOnly(t *testing.T) {
	n := newNet()
	n.ConnectionChanged(source(0, reservoir.NewTankWith(1000, fluid.New("WATER", 1000))))
	n.ConnectionChanged(sink(1, reservoir.NewTank(1000)))
	n.Invalidate(keyAt(0))

	e := New(n, Config{}).Step()
	if e.Extractions != 0 {
		t.Fatalf("extractions=%d, want 0", e.Extractions)
	}
}

func TestStep_DigestTracksState(t *testing.T) {
	n := newNet()
	n.ConnectionChanged(source(0, reservoir.NewTankWith(1000, fluid.New("WATER", 1000))))
	n.ConnectionChanged(sink(1, reservoir.NewTank(1000)))
	d := New(n, Config{})

	before := StateDigest(n)
	e := d.Step()
	if e.Digest == before {
		t.Fatalf("digest unchanged after a transfer")
	}
	if e.Digest != StateDigest(n) {
		t.Fatalf("entry digest differs from current state")
	}
}

func TestStateDigest_IncludesCursors(t *testing.T) {
	build := func() *conduit.Network {
		n := newNet()
		n.ConnectionChanged(source(0, reservoir.NewTank(1000)))
		n.ConnectionChanged(sink(1, reservoir.NewTank(1000)))
		n.ConnectionChanged(sink(2, reservoir.NewTank(1000)))
		return n
	}
	a, b := build(), build()
	if StateDigest(a) != StateDigest(b) {
		t.Fatalf("identical networks digest differently")
	}
	// A dry run moves the cursor without touching any tank.
	if got := a.FillFrom(keyAt(0), fluid.New("WATER", 10), false); got != 10 {
		t.Fatalf("dry run=%d, want 10", got)
	}
	if StateDigest(a) == StateDigest(b) {
		t.Fatalf("cursor divergence not reflected in digest")
	}
	b.RestoreCursors(a.Cursors())
	if StateDigest(a) != StateDigest(b) {
		t.Fatalf("digest differs after restoring cursors")
	}
}

func TestStep_SnapshotHookAndSubscribers(t *testing.T) {
	n := newNet()
	n.ConnectionChanged(source(0, reservoir.NewTankWith(1000, fluid.New("WATER", 1000))))
	n.ConnectionChanged(sink(1, reservoir.NewTank(1000)))
	d := New(n, Config{SnapshotEveryTicks: 2})

	var snaps []uint64
	d.SetSnapshotHook(func(tick uint64) { snaps = append(snaps, tick) })
	ch, cancel := d.Subscribe(8)

	if _, ok := d.Latest(); ok {
		t.Fatalf("Latest before first tick should be empty")
	}
	for i := 0; i < 5; i++ {
		d.Step()
	}
	if len(snaps) != 2 || snaps[0] != 2 || snaps[1] != 4 {
		t.Fatalf("snapshots=%v, want [2 4]", snaps)
	}
	if got, ok := d.Latest(); !ok || got.Tick != 4 {
		t.Fatalf("latest=%+v ok=%v", got, ok)
	}
	for i := 0; i < 5; i++ {
		e := <-ch
		if e.Tick != uint64(i) {
			t.Fatalf("sub entry %d tick=%d", i, e.Tick)
		}
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}
	d.Step()
}

func TestSubscribe_SlowReaderDoesNotBlock(t *testing.T) {
	n := newNet()
	d := New(n, Config{})
	_, cancel := d.Subscribe(1)
	defer cancel()
	for i := 0; i < 10; i++ {
		d.Step()
	}
	if d.CurrentTick() != 10 {
		t.Fatalf("tick=%d", d.CurrentTick())
	}
}

func TestRun_TicksAndExec(t *testing.T) {
	n := newNet()
	n.ConnectionChanged(source(0, reservoir.NewTankWith(1000, fluid.New("WATER", 1000))))
	n.ConnectionChanged(sink(1, reservoir.NewTank(1000)))
	d := New(n, Config{TickRateHz: 200})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for d.CurrentTick() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.CurrentTick() < 3 {
		t.Fatalf("driver did not tick")
	}

	var ports int
	var at uint64
	ectx, ecancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ecancel()
	if err := d.Exec(ectx, func(tick uint64) {
		ports = n.Len()
		at = tick
	}); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if ports != 2 || at == 0 {
		t.Fatalf("exec saw ports=%d tick=%d", ports, at)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v", err)
	}
	if err := d.Exec(context.Background(), func(uint64) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Exec after stop err=%v", err)
	}
	if err := d.Run(context.Background()); err == nil {
		t.Fatalf("second Run should fail")
	}
}

func TestRun_Stop(t *testing.T) {
	d := New(newNet(), Config{TickRateHz: 50})
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	d.Stop()
	d.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}
