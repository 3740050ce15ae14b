package roundrobin

import (
	"reflect"
	"testing"
)

func collect(r *Ring[int], limit int) []int {
	var out []int
	for v := range r.All() {
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func TestRing_FullCycleOnce(t *testing.T) {
	items := []int{1, 2, 3, 4}
	r := New(&items)
	if got := collect(r, 0); !reflect.DeepEqual(got, []int{1, 2, 3, 4}) {
		t.Fatalf("first walk=%v", got)
	}
	if got := collect(r, 0); !reflect.DeepEqual(got, []int{1, 2, 3, 4}) {
		t.Fatalf("second walk=%v", got)
	}
}

func TestRing_EarlyStopResumesAfterLastYielded(t *testing.T) {
	items := []int{1, 2, 3, 4}
	r := New(&items)
	if got := collect(r, 2); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("walk=%v", got)
	}
	if r.Offset() != 2 {
		t.Fatalf("Offset=%d, want 2", r.Offset())
	}
	if got := collect(r, 0); !reflect.DeepEqual(got, []int{3, 4, 1, 2}) {
		t.Fatalf("resumed walk=%v", got)
	}
}

func TestRing_Reset(t *testing.T) {
	items := []int{1, 2, 3}
	r := New(&items)
	_ = collect(r, 1)
	r.Reset()
	if got := collect(r, 1); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("after reset=%v", got)
	}
}

func TestRing_SharedSliceMutation(t *testing.T) {
	items := []int{1, 2, 3}
	r := New(&items)
	_ = collect(r, 2)
	items = append(items, 4)
	if got := collect(r, 0); !reflect.DeepEqual(got, []int{3, 4, 1, 2}) {
		t.Fatalf("walk after append=%v", got)
	}

	// Shrinking mid-walk must neither panic nor run past one cycle.
	n := 0
	for range r.All() {
		n++
		items = items[:1]
	}
	if n > 4 {
		t.Fatalf("walk yielded %d elements", n)
	}
}

func TestRing_EmptyAndOutOfRangeOffset(t *testing.T) {
	var items []int
	r := New(&items)
	if got := collect(r, 0); len(got) != 0 {
		t.Fatalf("empty walk=%v", got)
	}
	items = []int{7, 8}
	r.SetOffset(5)
	if got := collect(r, 0); !reflect.DeepEqual(got, []int{8, 7}) {
		t.Fatalf("walk=%v", got)
	}
}
