package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"conduitnet.ai/internal/sim/conduit"
)

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz" json:"tick_rate_hz"`

	ExtractRatePerTick int `yaml:"extract_rate_per_tick" json:"extract_rate_per_tick"`
	MaxIOPerTick       int `yaml:"max_io_per_tick" json:"max_io_per_tick"`

	// Each speed upgrade adds SpeedUpgradeBonus to a port's 1.0 base multiplier.
	SpeedUpgradeBonus float64 `yaml:"speed_upgrade_bonus" json:"speed_upgrade_bonus"`
	MaxSpeedUpgrades  int     `yaml:"max_speed_upgrades" json:"max_speed_upgrades"`

	SnapshotEveryTicks int `yaml:"snapshot_every_ticks" json:"snapshot_every_ticks"`
}

const (
	maxSpeedUpgradeBonus = 64
	maxSpeedUpgrades     = 64
)

func Defaults() Tuning {
	return Tuning{
		TickRateHz:         20,
		ExtractRatePerTick: 1000,
		MaxIOPerTick:       4000,
		SpeedUpgradeBonus:  0.5,
		MaxSpeedUpgrades:   4,
		SnapshotEveryTicks: 6000,
	}
}

// Load reads a tuning file on top of Defaults, so partial files are fine.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz must be in (0, 1000]")
	}
	if t.ExtractRatePerTick <= 0 {
		return fmt.Errorf("extract_rate_per_tick must be > 0")
	}
	if t.MaxIOPerTick <= 0 {
		return fmt.Errorf("max_io_per_tick must be > 0")
	}
	if t.SpeedUpgradeBonus < 0 || t.SpeedUpgradeBonus > maxSpeedUpgradeBonus {
		return fmt.Errorf("speed_upgrade_bonus must be in [0, %g]", float64(maxSpeedUpgradeBonus))
	}
	if t.MaxSpeedUpgrades < 0 || t.MaxSpeedUpgrades > maxSpeedUpgrades {
		return fmt.Errorf("max_speed_upgrades must be in [0, %d]", maxSpeedUpgrades)
	}
	if t.SnapshotEveryTicks < 0 {
		return fmt.Errorf("snapshot_every_ticks must be >= 0")
	}
	return nil
}

func (t Tuning) Rates() conduit.Rates {
	return conduit.Rates{ExtractRatePerTick: t.ExtractRatePerTick, MaxIOPerTick: t.MaxIOPerTick}
}

func (t Tuning) SpeedMultiplier(upgrades int) float64 {
	if upgrades < 0 {
		upgrades = 0
	}
	if upgrades > t.MaxSpeedUpgrades {
		upgrades = t.MaxSpeedUpgrades
	}
	return 1 + float64(upgrades)*t.SpeedUpgradeBonus
}

// SpeedFunc adapts SpeedMultiplier to the network's provider hook.
func (t Tuning) SpeedFunc() conduit.SpeedFunc {
	return func(p *conduit.Port) float64 { return t.SpeedMultiplier(p.SpeedUpgrades) }
}
