package store

import (
	"testing"
	"time"
)

func TestCheckinScoreKeepsMicrosecondOrder(t *testing.T) {
	base := time.Date(2024, 6, 1, 19, 30, 0, 0, time.UTC)
	prev := float64(checkinScore(base))
	if int64(prev) != checkinScore(base) {
		t.Fatalf("score %d does not survive float64 conversion", checkinScore(base))
	}
	for i := 1; i <= 1000; i++ {
		next := float64(checkinScore(base.Add(time.Duration(i) * time.Microsecond)))
		if next <= prev {
			t.Fatalf("score at +%dµs = %f, not after %f", i, next, prev)
		}
		prev = next
	}
}
