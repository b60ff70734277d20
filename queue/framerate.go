package queue

import (
	"fmt"
	"time"
)

// Framerate is the output frame rate as a rational Num/Den frames per
// second, so NTSC rates like 30000/1001 are represented exactly.
type Framerate struct {
	Num uint32
	Den uint32
}

// IsValid reports whether the rate is positive and well-formed.
func (f Framerate) IsValid() bool {
	return f.Num > 0 && f.Den > 0
}

// TickDuration returns the duration of one output tick.
func (f Framerate) TickDuration() time.Duration {
	return time.Duration(uint64(time.Second) * uint64(f.Den) / uint64(f.Num))
}

func (f Framerate) String() string {
	if f.Den == 1 {
		return fmt.Sprintf("%d", f.Num)
	}
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}
