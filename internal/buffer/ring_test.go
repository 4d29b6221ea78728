package buffer

import "testing"

func TestRingKeepsInsertionOrder(t *testing.T) {
	ring := NewRing[int](4)
	for i := 1; i <= 3; i++ {
		ring.Add(i)
	}

	got := ring.List()
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	ring := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}

	got := ring.List()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestRingLast(t *testing.T) {
	ring := NewRing[string](4)
	for _, value := range []string{"a", "b", "c", "d", "e"} {
		ring.Add(value)
	}

	got := ring.Last(2)
	if len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Fatalf("expected [d e], got %v", got)
	}
	if all := ring.Last(0); len(all) != 4 {
		t.Fatalf("expected 4 retained entries, got %d", len(all))
	}
}

func TestRingZeroSize(t *testing.T) {
	ring := NewRing[int](0)
	ring.Add(1)
	if ring.Len() != 1 {
		t.Fatalf("expected degenerate ring to hold one entry, got %d", ring.Len())
	}
}
