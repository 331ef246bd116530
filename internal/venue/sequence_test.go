package venue

import "testing"

func TestSequenceTrackerAcceptsContiguousSequence(t *testing.T) {
	t.Parallel()

	var s sequenceTracker
	for seq := int64(1); seq <= 5; seq++ {
		if !s.Observe(seq) {
			t.Errorf("Observe(%d) = false, want true", seq)
		}
	}
}

func TestSequenceTrackerDetectsForwardGap(t *testing.T) {
	t.Parallel()

	var s sequenceTracker
	if !s.Observe(1) {
		t.Fatal("Observe(1) = false, want true")
	}
	if !s.Observe(2) {
		t.Fatal("Observe(2) = false, want true")
	}
	if s.Observe(5) {
		t.Error("Observe(5) after 2 = true, want false (gap)")
	}
}

func TestSequenceTrackerToleratesDuplicateOrReplay(t *testing.T) {
	t.Parallel()

	var s sequenceTracker
	s.Observe(10)
	if !s.Observe(10) {
		t.Error("Observe(10) duplicate = false, want true")
	}
	if !s.Observe(9) {
		t.Error("Observe(9) replay of older seq = false, want true")
	}
}
