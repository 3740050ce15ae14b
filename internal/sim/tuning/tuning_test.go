package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conduitnet.ai/internal/sim/conduit"
)

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("extract_rate_per_tick: 250\nmax_speed_upgrades: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.ExtractRatePerTick != 250 || tu.MaxSpeedUpgrades != 2 {
		t.Fatalf("overrides not applied: %+v", tu)
	}
	if tu.MaxIOPerTick != Defaults().MaxIOPerTick || tu.TickRateHz != Defaults().TickRateHz {
		t.Fatalf("defaults lost: %+v", tu)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("missing file err=%v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("max_io_per_tick: [1,2"), 0o644)
	if _, err := Load(bad); err == nil || !strings.HasPrefix(err.Error(), "tuning.yaml:") {
		t.Fatalf("bad yaml err=%v", err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	_ = os.WriteFile(invalid, []byte("max_io_per_tick: 0\n"), 0o644)
	if _, err := Load(invalid); err == nil || !strings.Contains(err.Error(), "max_io_per_tick") {
		t.Fatalf("invalid err=%v", err)
	}

	fast := filepath.Join(dir, "fast.yaml")
	_ = os.WriteFile(fast, []byte("speed_upgrade_bonus: 1e30\n"), 0o644)
	if _, err := Load(fast); err == nil || !strings.Contains(err.Error(), "speed_upgrade_bonus") {
		t.Fatalf("huge bonus err=%v", err)
	}
	many := filepath.Join(dir, "many.yaml")
	_ = os.WriteFile(many, []byte("max_speed_upgrades: 100000\n"), 0o644)
	if _, err := Load(many); err == nil || !strings.Contains(err.Error(), "max_speed_upgrades") {
		t.Fatalf("huge upgrade count err=%v", err)
	}
}

func TestSpeedMultiplier(t *testing.T) {
	tu := Defaults()
	cases := map[int]float64{-1: 1, 0: 1, 1: 1.5, 4: 3, 9: 3}
	for upgrades, want := range cases {
		if got := tu.SpeedMultiplier(upgrades); got != want {
			t.Fatalf("SpeedMultiplier(%d)=%v, want %v", upgrades, got, want)
		}
	}
	f := tu.SpeedFunc()
	if got := f(&conduit.Port{SpeedUpgrades: 2}); got != 2 {
		t.Fatalf("SpeedFunc=%v, want 2", got)
	}
	if r := tu.Rates(); r.ExtractRatePerTick != 1000 || r.MaxIOPerTick != 4000 {
		t.Fatalf("Rates=%+v", r)
	}
}
