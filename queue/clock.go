package queue

import "time"

// SyncPoint anchors pipeline-relative presentation time to the wall clock.
// It is captured once when the scheduler starts running and used to pace
// every subsequent tick.
type SyncPoint struct {
	start time.Time
}

// NewSyncPoint anchors presentation time zero at start.
func NewSyncPoint(start time.Time) SyncPoint {
	return SyncPoint{start: start}
}

// TimeFor returns the wall-clock deadline for the given presentation time.
func (s SyncPoint) TimeFor(pts time.Duration) time.Time {
	return s.start.Add(pts)
}

// PTSAt returns the presentation time corresponding to a wall-clock instant.
func (s SyncPoint) PTSAt(t time.Time) time.Duration {
	return t.Sub(s.start)
}
