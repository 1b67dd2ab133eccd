package device

import "testing"

func TestRingIndicesMonotonic(t *testing.T) {
	ring := newLineRing(4)
	for i := 0; i < 3; i++ {
		ring.append("line")
	}
	lines, first, next := ring.since(0, 0)
	if len(lines) != 3 || first != 0 || next != 3 {
		t.Fatalf("since(0) = (%d lines, %d, %d), want (3, 0, 3)", len(lines), first, next)
	}
	if _, _, next2 := ring.since(next, 0); next2 != next {
		t.Fatal("empty poll advanced the cursor")
	}
}

func TestRingDropsOldest(t *testing.T) {
	ring := newLineRing(2)
	ring.append("a")
	ring.append("b")
	ring.append("c")

	// A reader that fell behind resumes at the oldest retained line.
	lines, first, next := ring.since(0, 0)
	if len(lines) != 2 || first != 1 || next != 3 {
		t.Fatalf("since(0) = (%v, %d, %d), want ([b c], 1, 3)", lines, first, next)
	}
	if lines[0] != "b" || lines[1] != "c" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestRingLimit(t *testing.T) {
	ring := newLineRing(10)
	for i := 0; i < 5; i++ {
		ring.append("x")
	}
	lines, _, next := ring.since(0, 2)
	if len(lines) != 2 || next != 2 {
		t.Fatalf("limited poll = (%d, %d), want (2, 2)", len(lines), next)
	}
	lines, _, next = ring.since(next, 2)
	if len(lines) != 2 || next != 4 {
		t.Fatalf("second poll = (%d, %d), want (2, 4)", len(lines), next)
	}
}

func TestRingIndependentReaders(t *testing.T) {
	ring := newLineRing(16)
	ring.append("one")
	ring.append("two")

	aLines, _, aNext := ring.since(0, 0)
	bLines, _, _ := ring.since(1, 0)
	if len(aLines) != 2 || len(bLines) != 1 {
		t.Fatalf("readers = (%d, %d) lines, want (2, 1)", len(aLines), len(bLines))
	}
	ring.append("three")
	aLines, _, _ = ring.since(aNext, 0)
	if len(aLines) != 1 || aLines[0] != "three" {
		t.Fatalf("reader resume = %v, want [three]", aLines)
	}
}
