package engine

import (
	"testing"
	"time"
)

func TestDedupeMarksAndExpires(t *testing.T) {
	clock := newManualClock()
	d := newDedupe(time.Minute, 0, clock.Now)

	if d.checkAndMark("telegram:1") {
		t.Fatal("first checkAndMark() = true")
	}
	if !d.checkAndMark("telegram:1") {
		t.Fatal("repeat checkAndMark() = false")
	}
	if d.checkAndMark("telegram:2") {
		t.Fatal("checkAndMark() for a new id = true")
	}

	clock.Advance(2 * time.Minute)
	if d.checkAndMark("telegram:1") {
		t.Fatal("checkAndMark() after ttl = true")
	}
	if d.len() != 1 {
		t.Fatalf("len() = %d, want 1", d.len())
	}
}

func TestDedupeEvictsOldestWhenFull(t *testing.T) {
	clock := newManualClock()
	d := newDedupe(time.Hour, 2, clock.Now)

	d.checkAndMark("a")
	d.checkAndMark("b")
	d.checkAndMark("c")

	if d.len() != 2 {
		t.Fatalf("len() = %d, want 2", d.len())
	}
	if d.checkAndMark("a") {
		t.Fatal("evicted id still reported as seen")
	}
	if !d.checkAndMark("c") {
		t.Fatal("recent id not reported as seen")
	}
}
