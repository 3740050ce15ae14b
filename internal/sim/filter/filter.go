package filter

import (
	"fmt"
	"sort"
	"strings"

	"conduitnet.ai/internal/sim/fluid"
)

// Filter gates which fluids may cross a port in one direction.
type Filter interface {
	Matches(s fluid.Stack) bool
	// IsEmpty reports a filter with no configured entries; empty filters admit everything.
	IsEmpty() bool
}

// Admits applies f to s. A nil or empty filter admits any non-empty stack.
func Admits(f Filter, s fluid.Stack) bool {
	if s.IsEmpty() {
		return false
	}
	if f == nil || f.IsEmpty() {
		return true
	}
	return f.Matches(s)
}

type AcceptAll struct{}

func (AcceptAll) Matches(fluid.Stack) bool { return true }
func (AcceptAll) IsEmpty() bool            { return true }

// AllowList admits exactly the listed fluids.
type AllowList struct{ set map[fluid.ID]struct{} }

func Allow(ids ...fluid.ID) *AllowList { return &AllowList{set: toSet(ids)} }

func (f *AllowList) Matches(s fluid.Stack) bool {
	_, ok := f.set[s.Fluid]
	return ok
}

func (f *AllowList) IsEmpty() bool { return f == nil || len(f.set) == 0 }

func (f *AllowList) IDs() []fluid.ID { return sortedIDs(f.set) }

// DenyList admits everything except the listed fluids.
type DenyList struct{ set map[fluid.ID]struct{} }

func Deny(ids ...fluid.ID) *DenyList { return &DenyList{set: toSet(ids)} }

func (f *DenyList) Matches(s fluid.Stack) bool {
	_, ok := f.set[s.Fluid]
	return !ok
}

func (f *DenyList) IsEmpty() bool { return f == nil || len(f.set) == 0 }

func (f *DenyList) IDs() []fluid.ID { return sortedIDs(f.set) }

// All is the composite AND of its non-empty parts.
type All []Filter

func (a All) Matches(s fluid.Stack) bool {
	for _, f := range a {
		if f == nil || f.IsEmpty() {
			continue
		}
		if !f.Matches(s) {
			return false
		}
	}
	return true
}

func (a All) IsEmpty() bool {
	for _, f := range a {
		if f != nil && !f.IsEmpty() {
			return false
		}
	}
	return true
}

func toSet(ids []fluid.ID) map[fluid.ID]struct{} {
	out := make(map[fluid.ID]struct{}, len(ids))
	for _, id := range ids {
		id = fluid.ID(strings.TrimSpace(string(id)))
		if id == "" {
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

func sortedIDs(set map[fluid.ID]struct{}) []fluid.ID {
	out := make([]fluid.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Spec is the config form of a filter. Set at most one of Allow/Deny per level;
// All nests further specs and is ANDed with the level's own list.
type Spec struct {
	Allow []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
	All   []Spec   `yaml:"all,omitempty" json:"all,omitempty"`
}

// Build turns s into a Filter. A nil spec builds AcceptAll.
func (s *Spec) Build() (Filter, error) {
	if s == nil {
		return AcceptAll{}, nil
	}
	if len(s.Allow) > 0 && len(s.Deny) > 0 {
		return nil, fmt.Errorf("filter: allow and deny are mutually exclusive")
	}
	var parts All
	if len(s.Allow) > 0 {
		parts = append(parts, Allow(ids(s.Allow)...))
	}
	if len(s.Deny) > 0 {
		parts = append(parts, Deny(ids(s.Deny)...))
	}
	for i := range s.All {
		f, err := s.All[i].Build()
		if err != nil {
			return nil, fmt.Errorf("all[%d]: %w", i, err)
		}
		parts = append(parts, f)
	}
	switch len(parts) {
	case 0:
		return AcceptAll{}, nil
	case 1:
		return parts[0], nil
	default:
		return parts, nil
	}
}

func ids(in []string) []fluid.ID {
	out := make([]fluid.ID, 0, len(in))
	for _, s := range in {
		out = append(out, fluid.ID(s))
	}
	return out
}
