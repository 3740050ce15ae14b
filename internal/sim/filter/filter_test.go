package filter

import (
	"testing"

	"conduitnet.ai/internal/sim/fluid"
)

func TestAdmits_AcceptAllNeverRejects(t *testing.T) {
	for _, f := range []Filter{nil, AcceptAll{}, Allow(), Deny(), All{}} {
		for _, id := range []fluid.ID{"WATER", "LAVA", "OIL"} {
			if !Admits(f, fluid.New(id, 1)) {
				t.Fatalf("Admits(%T,%s)=false, want true", f, id)
			}
		}
	}
}

func TestAdmits_EmptyStackRejected(t *testing.T) {
	if Admits(AcceptAll{}, fluid.Stack{}) {
		t.Fatalf("empty stack admitted")
	}
}

func TestAllowList_RejectsExactlyAbsentTypes(t *testing.T) {
	f := Allow("WATER", "STEAM")
	cases := map[fluid.ID]bool{"WATER": true, "STEAM": true, "LAVA": false, "OIL": false}
	for id, want := range cases {
		if got := Admits(f, fluid.New(id, 5)); got != want {
			t.Fatalf("Admits(allow,%s)=%v, want %v", id, got, want)
		}
	}
}

func TestDenyList(t *testing.T) {
	f := Deny("LAVA")
	if Admits(f, fluid.New("LAVA", 1)) {
		t.Fatalf("deny list admitted LAVA")
	}
	if !Admits(f, fluid.New("WATER", 1)) {
		t.Fatalf("deny list rejected WATER")
	}
}

func TestAll_IsAndOfParts(t *testing.T) {
	f := All{Allow("WATER", "LAVA"), Deny("LAVA"), nil, AcceptAll{}}
	if !Admits(f, fluid.New("WATER", 1)) {
		t.Fatalf("WATER rejected")
	}
	if Admits(f, fluid.New("LAVA", 1)) {
		t.Fatalf("LAVA admitted")
	}
	if Admits(f, fluid.New("OIL", 1)) {
		t.Fatalf("OIL admitted")
	}
}

func TestSpec_Build(t *testing.T) {
	var nilSpec *Spec
	f, err := nilSpec.Build()
	if err != nil || !f.IsEmpty() {
		t.Fatalf("nil spec: f=%v err=%v", f, err)
	}

	s := &Spec{Allow: []string{"WATER", "LAVA"}, All: []Spec{{Deny: []string{"LAVA"}}}}
	f, err = s.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !Admits(f, fluid.New("WATER", 1)) || Admits(f, fluid.New("LAVA", 1)) {
		t.Fatalf("composite spec built wrong filter: %#v", f)
	}

	bad := &Spec{Allow: []string{"A"}, Deny: []string{"B"}}
	if _, err := bad.Build(); err == nil {
		t.Fatalf("expected allow+deny error")
	}
	nested := &Spec{All: []Spec{{Allow: []string{"A"}, Deny: []string{"B"}}}}
	if _, err := nested.Build(); err == nil {
		t.Fatalf("expected nested allow+deny error")
	}
}
