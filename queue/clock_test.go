package queue

import (
	"testing"
	"time"
)

func TestSyncPointRoundTrip(t *testing.T) {
	t.Parallel()

	start := time.Now()
	sp := NewSyncPoint(start)

	pts := 250 * time.Millisecond
	at := sp.TimeFor(pts)
	if want := start.Add(pts); !at.Equal(want) {
		t.Errorf("TimeFor: got %v, want %v", at, want)
	}
	if got := sp.PTSAt(at); got != pts {
		t.Errorf("PTSAt: got %v, want %v", got, pts)
	}
}
