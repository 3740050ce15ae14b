package snapshot

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"conduitnet.ai/internal/sim/layout"
	"conduitnet.ai/internal/sim/tuning"
)

const testLayout = `
network_id: snap-net
reservoirs:
  - id: src
    tanks: [{capacity: 5000, fluid: WATER, amount: 5000}]
  - id: a
    tanks: [{capacity: 5000}]
  - id: b
    tanks: [{capacity: 5000}]
ports:
  - {pos: [0, 0, 0], dir: up, reservoir: src, mode: extract}
  - {pos: [1, 0, 0], dir: up, reservoir: a, mode: insert}
  - {pos: [2, 0, 0], dir: up, reservoir: b, mode: insert}
`

func build(t *testing.T) *layout.Built {
	t.Helper()
	doc, err := layout.Parse([]byte(testLayout))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tune := tuning.Defaults()
	tune.ExtractRatePerTick = 100
	b, err := layout.Build(doc, tune, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return b
}

func amounts(b *layout.Built) []int {
	var out []int
	for _, r := range b.Reservoirs {
		for _, tk := range r.Tanks {
			out = append(out, tk.Contents.Amount)
		}
	}
	return out
}

func TestCaptureWriteReadApply(t *testing.T) {
	b := build(t)
	src := b.Keys[0]
	for i := 0; i < 3; i++ {
		if !b.Network.ExtractFrom(src) {
			t.Fatalf("extract %d failed", i)
		}
	}
	b.Network.Invalidate(b.Keys[2])

	snap := Capture(42, tuning.Defaults(), b)
	path := filepath.Join(t.TempDir(), "snapshots", "42.snap.zst")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if diff := cmp.Diff(snap, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	h, err := ReadHeader(path)
	if err != nil || h.Tick != 42 || h.NetworkID != "snap-net" {
		t.Fatalf("header=%+v err=%v", h, err)
	}

	fresh := build(t)
	if err := Apply(got, fresh); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !reflect.DeepEqual(amounts(fresh), amounts(b)) {
		t.Fatalf("amounts=%v, want %v", amounts(fresh), amounts(b))
	}
	if !reflect.DeepEqual(fresh.Network.Cursors(), b.Network.Cursors()) {
		t.Fatalf("cursors=%v, want %v", fresh.Network.Cursors(), b.Network.Cursors())
	}
	if p, _ := fresh.Network.Port(fresh.Keys[2]); p.Valid {
		t.Fatalf("invalidated port restored as valid")
	}

	// Both networks continue identically.
	b.Network.ExtractFrom(src)
	fresh.Network.ExtractFrom(src)
	if !reflect.DeepEqual(amounts(fresh), amounts(b)) {
		t.Fatalf("diverged after resume: %v vs %v", amounts(fresh), amounts(b))
	}
}

func TestCapture_DetachedReservoirStaysInvalid(t *testing.T) {
	b := build(t)
	r, _ := b.Reservoir("a")
	r.Tanks[0].Detach()

	snap := Capture(7, tuning.Defaults(), b)
	if snap.Ports[1].Valid {
		t.Fatalf("port on detached reservoir captured as valid: %+v", snap.Ports[1])
	}
	fresh := build(t)
	if err := Apply(snap, fresh); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p, _ := fresh.Network.Port(fresh.Keys[1]); p.IsValid() {
		t.Fatalf("port on detached reservoir restored as valid")
	}
}

func TestApply_Rejects(t *testing.T) {
	b := build(t)
	snap := Capture(1, tuning.Defaults(), b)

	other := snap
	other.Header.NetworkID = "other"
	if err := Apply(other, build(t)); err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("network mismatch err=%v", err)
	}

	unknown := Capture(1, tuning.Defaults(), b)
	unknown.Reservoirs = append(unknown.Reservoirs, ReservoirV1{ID: "ghost"})
	if err := Apply(unknown, build(t)); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("unknown reservoir err=%v", err)
	}

	over := Capture(1, tuning.Defaults(), b)
	over.Reservoirs[1].Tanks[0].Amount = 9999
	fresh := build(t)
	if err := Apply(over, fresh); err == nil {
		t.Fatalf("expected capacity error")
	}
	if got := amounts(fresh); got[0] != 5000 {
		t.Fatalf("failed apply mutated state: %v", got)
	}

	ver := Capture(1, tuning.Defaults(), b)
	ver.Header.Version = 9
	if err := Apply(ver, build(t)); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if p, err := Latest(dir); err != nil || p != "" {
		t.Fatalf("empty dir: p=%q err=%v", p, err)
	}
	b := build(t)
	for _, tick := range []uint64{100, 300, 200} {
		path := filepath.Join(dir, fmt.Sprintf("%d.snap.zst", tick))
		if err := WriteSnapshot(path, Capture(tick, tuning.Defaults(), b)); err != nil {
			t.Fatalf("WriteSnapshot: %v", err)
		}
	}
	p, err := Latest(dir)
	if err != nil || filepath.Base(p) != "300.snap.zst" {
		t.Fatalf("latest=%q err=%v", p, err)
	}
}
