package layout

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"conduitnet.ai/internal/sim/conduit"
	"conduitnet.ai/internal/sim/filter"
	"conduitnet.ai/internal/sim/fluid"
	"conduitnet.ai/internal/sim/reservoir"
	"conduitnet.ai/internal/sim/tuning"
)

//go:embed layout.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("layout.schema.json", schemaJSON)

const DefaultChannel = "green"

// Doc is an already-resolved port list. Working out which blocks connect is
// the caller's job; a layout only records the result.
type Doc struct {
	NetworkID  string          `yaml:"network_id,omitempty" json:"network_id,omitempty"`
	Reservoirs []ReservoirSpec `yaml:"reservoirs" json:"reservoirs"`
	Ports      []PortSpec      `yaml:"ports" json:"ports"`
}

type ReservoirSpec struct {
	ID    string     `yaml:"id" json:"id"`
	Tanks []TankSpec `yaml:"tanks" json:"tanks"`
}

type TankSpec struct {
	Capacity int    `yaml:"capacity" json:"capacity"`
	Fluid    string `yaml:"fluid,omitempty" json:"fluid,omitempty"`
	Amount   int    `yaml:"amount,omitempty" json:"amount,omitempty"`
	Locked   string `yaml:"locked,omitempty" json:"locked,omitempty"`
}

type PortSpec struct {
	Pos       [3]int `yaml:"pos" json:"pos"`
	Dir       string `yaml:"dir" json:"dir"`
	Reservoir string `yaml:"reservoir" json:"reservoir"`
	Priority  int    `yaml:"priority,omitempty" json:"priority,omitempty"`
	Mode      string `yaml:"mode,omitempty" json:"mode,omitempty"`

	SelfFeed      bool  `yaml:"self_feed,omitempty" json:"self_feed,omitempty"`
	RoundRobin    *bool `yaml:"round_robin,omitempty" json:"round_robin,omitempty"`
	MultipleTanks *bool `yaml:"multiple_tanks,omitempty" json:"multiple_tanks,omitempty"`

	InputColor    string `yaml:"input_color,omitempty" json:"input_color,omitempty"`
	OutputColor   string `yaml:"output_color,omitempty" json:"output_color,omitempty"`
	SpeedUpgrades int    `yaml:"speed_upgrades,omitempty" json:"speed_upgrades,omitempty"`

	InputFilter  *filter.Spec `yaml:"input_filter,omitempty" json:"input_filter,omitempty"`
	OutputFilter *filter.Spec `yaml:"output_filter,omitempty" json:"output_filter,omitempty"`
}

func Load(path string) (Doc, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Doc{}, err
	}
	doc, err := Parse(b)
	if err != nil {
		return Doc{}, fmt.Errorf("layout.yaml: %w", err)
	}
	return doc, nil
}

// Parse validates b against the layout schema and decodes it. YAML and JSON
// inputs are both accepted.
func Parse(b []byte) (Doc, error) {
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Doc{}, err
	}
	js, err := json.Marshal(raw)
	if err != nil {
		return Doc{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(js))
	if err != nil {
		return Doc{}, err
	}
	if err := schema.Validate(inst); err != nil {
		return Doc{}, err
	}
	var doc Doc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Doc{}, err
	}
	return doc, nil
}

type Reservoir struct {
	ID       string
	Tanks    []*reservoir.Tank
	Endpoint conduit.Endpoint
}

type Built struct {
	Network    *conduit.Network
	Reservoirs []Reservoir
	// Keys lists ports in declaration order.
	Keys []conduit.PortKey
}

func (b *Built) Reservoir(id string) (Reservoir, bool) {
	for _, r := range b.Reservoirs {
		if r.ID == id {
			return r, true
		}
	}
	return Reservoir{}, false
}

// Build materializes doc into a live network.
func Build(doc Doc, tune tuning.Tuning, onTransfer func(conduit.Transfer)) (*Built, error) {
	id := strings.TrimSpace(doc.NetworkID)
	if id == "" {
		id = uuid.NewString()
	}
	out := &Built{
		Network: conduit.New(conduit.Options{
			ID:         id,
			Rates:      tune.Rates(),
			Speed:      tune.SpeedFunc(),
			OnTransfer: onTransfer,
		}),
	}

	byID := map[string]int{}
	for i, rs := range doc.Reservoirs {
		if _, dup := byID[rs.ID]; dup {
			return nil, fmt.Errorf("reservoirs[%d]: duplicate id %q", i, rs.ID)
		}
		if len(rs.Tanks) == 0 {
			return nil, fmt.Errorf("reservoirs[%d]: no tanks", i)
		}
		r := Reservoir{ID: rs.ID}
		for j, ts := range rs.Tanks {
			if ts.Amount > ts.Capacity {
				return nil, fmt.Errorf("reservoirs[%d].tanks[%d]: amount %d exceeds capacity %d", i, j, ts.Amount, ts.Capacity)
			}
			tk := reservoir.NewTankWith(ts.Capacity, fluid.New(fluid.ID(ts.Fluid), ts.Amount))
			tk.Locked = fluid.ID(ts.Locked)
			r.Tanks = append(r.Tanks, tk)
		}
		if len(r.Tanks) == 1 {
			r.Endpoint = r.Tanks[0]
		} else {
			r.Endpoint = reservoir.NewMulti(r.Tanks...)
		}
		byID[rs.ID] = len(out.Reservoirs)
		out.Reservoirs = append(out.Reservoirs, r)
	}

	seen := map[conduit.PortKey]bool{}
	for i, ps := range doc.Ports {
		p, err := buildPort(ps, out.Reservoirs, byID)
		if err != nil {
			return nil, fmt.Errorf("ports[%d]: %w", i, err)
		}
		if seen[p.Key] {
			return nil, fmt.Errorf("ports[%d]: duplicate port %s", i, p.Key)
		}
		seen[p.Key] = true
		out.Network.ConnectionChanged(p)
		out.Keys = append(out.Keys, p.Key)
	}
	return out, nil
}

func buildPort(ps PortSpec, reservoirs []Reservoir, byID map[string]int) (conduit.Port, error) {
	dir, ok := conduit.ParseDir(ps.Dir)
	if !ok {
		return conduit.Port{}, fmt.Errorf("dir: unknown direction %q", ps.Dir)
	}
	idx, ok := byID[ps.Reservoir]
	if !ok {
		return conduit.Port{}, fmt.Errorf("reservoir: unknown reservoir %q", ps.Reservoir)
	}
	res := reservoirs[idx]

	p := conduit.Port{
		Key:           conduit.PortKey{Pos: conduit.Vec3i{X: ps.Pos[0], Y: ps.Pos[1], Z: ps.Pos[2]}, Dir: dir},
		Priority:      ps.Priority,
		SelfFeed:      ps.SelfFeed,
		RoundRobin:    true,
		InputColor:    channel(ps.InputColor),
		OutputColor:   channel(ps.OutputColor),
		SpeedUpgrades: ps.SpeedUpgrades,
		Endpoint:      res.Endpoint,
		Valid:         true,
	}
	if ps.RoundRobin != nil {
		p.RoundRobin = *ps.RoundRobin
	}
	p.SupportsMultipleTanks = len(res.Tanks) > 1
	if ps.MultipleTanks != nil {
		p.SupportsMultipleTanks = *ps.MultipleTanks
	}

	switch strings.ToLower(strings.TrimSpace(ps.Mode)) {
	case "", "both":
		p.CanExtract, p.AcceptsOutput = true, true
	case "extract":
		p.CanExtract = true
	case "insert":
		p.AcceptsOutput = true
	case "disabled":
	default:
		return conduit.Port{}, fmt.Errorf("mode: unknown mode %q", ps.Mode)
	}

	var err error
	if p.InputFilter, err = ps.InputFilter.Build(); err != nil {
		return conduit.Port{}, fmt.Errorf("input_filter: %w", err)
	}
	if p.OutputFilter, err = ps.OutputFilter.Build(); err != nil {
		return conduit.Port{}, fmt.Errorf("output_filter: %w", err)
	}
	return p, nil
}

func channel(s string) conduit.Channel {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		s = DefaultChannel
	}
	return conduit.Channel(s)
}
