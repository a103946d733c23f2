package crdt

import "testing"

func TestVersionVectorUpdateMonotonic(t *testing.T) {
	vv := NewVersionVector()
	vv.Update("a", 5)
	vv.Update("a", 3)
	if got := vv.Get("a"); got != 5 {
		t.Fatalf("expected monotonic max 5, got %v", got)
	}
	vv.Update("a", 10)
	if got := vv.Get("a"); got != 10 {
		t.Fatalf("expected 10, got %v", got)
	}
}

func TestVersionVectorGetAbsentIsZero(t *testing.T) {
	vv := NewVersionVector()
	if got := vv.Get("missing"); got != 0 {
		t.Fatalf("expected 0 for absent origin, got %v", got)
	}
}

func TestVersionVectorMergePointwiseMax(t *testing.T) {
	a := NewVersionVector()
	a.Update("x", 10)
	a.Update("y", 2)

	b := NewVersionVector()
	b.Update("x", 5)
	b.Update("y", 20)
	b.Update("z", 1)

	a.Merge(b)
	if a.Get("x") != 10 || a.Get("y") != 20 || a.Get("z") != 1 {
		t.Fatalf("unexpected merged vector: %+v", a.ToMap())
	}
}

func TestVersionVectorToFromMap(t *testing.T) {
	a := NewVersionVector()
	a.Update("x", 7)
	m := a.ToMap()

	b := NewVersionVector()
	b.FromMap(m)
	if b.Get("x") != 7 {
		t.Fatalf("expected 7 after FromMap, got %v", b.Get("x"))
	}
}
