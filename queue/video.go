package queue

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixtide/compositor/media"
)

// videoInput is the buffer entry for one registered video stream: the
// ordered queue of not-yet-emitted frames plus stream-position state.
type videoInput struct {
	id      media.InputID
	recv    <-chan media.FrameEvent
	opts    InputOptions
	window  time.Duration
	removed *atomic.Bool

	frames []*media.Frame
	eos    bool // channel delivered EOS or closed; no further data follows
	done   bool // EOS has been emitted downstream

	// Non-decreasing receive baseline; frames moving backward against it are
	// discontinuities.
	lastPTS time.Duration
	hasLast bool

	// Timestamp of the last frame emitted downstream. Frames at or below it
	// arrived too late to ever be selected.
	lastEmitted time.Duration
	hasEmitted  bool
}

// videoBuffer holds the per-input video entries behind a single exclusion
// lock. The lock guards only insert/pop bookkeeping; it is never held across
// a channel receive.
type videoBuffer struct {
	log *slog.Logger

	mu     sync.Mutex
	inputs map[media.InputID]*videoInput

	lateDropped     atomic.Int64
	superseded      atomic.Int64
	discontinuities atomic.Int64
}

func newVideoBuffer(log *slog.Logger) *videoBuffer {
	return &videoBuffer{
		log:    log.With("component", "video-buffer"),
		inputs: make(map[media.InputID]*videoInput),
	}
}

func (b *videoBuffer) add(in *videoInput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs[in.id] = in
}

func (b *videoBuffer) remove(id media.InputID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inputs, id)
}

func (b *videoBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inputs)
}

// snapshot returns the current entries, skipping inputs flagged for removal
// and deleting them as a side effect. Called once per tick so a removed
// input vanishes from the very next batch.
func (b *videoBuffer) snapshot() []*videoInput {
	b.mu.Lock()
	defer b.mu.Unlock()

	ins := make([]*videoInput, 0, len(b.inputs))
	for id, in := range b.inputs {
		if in.removed.Load() {
			delete(b.inputs, id)
			continue
		}
		ins = append(ins, in)
	}
	return ins
}

// drain moves every event currently available on the input's channel into
// the buffer without blocking. A closed channel is treated as an implicit
// end-of-stream for this input only.
func (b *videoBuffer) drain(in *videoInput) {
	if b.isEOS(in) {
		return
	}
	for {
		select {
		case ev, ok := <-in.recv:
			if !ok {
				b.markEOS(in, "channel closed")
				return
			}
			if ev.EOS {
				b.markEOS(in, "end of stream")
				return
			}
			b.push(in, ev.Frame)
		default:
			return
		}
	}
}

func (b *videoBuffer) isEOS(in *videoInput) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return in.eos
}

func (b *videoBuffer) markEOS(in *videoInput, reason string) {
	b.mu.Lock()
	already := in.eos
	in.eos = true
	b.mu.Unlock()
	if !already {
		b.log.Info("video input reached end of stream", "input", in.id, "reason", reason)
	}
}

// push applies the input's offset and buffers the frame, enforcing the
// non-decreasing timestamp invariant. A frame moving backward is dropped and
// the baseline resynchronized to it; a frame at or behind the last emitted
// timestamp missed its window and is dropped.
func (b *videoBuffer) push(in *videoInput, f *media.Frame) {
	if f == nil {
		return
	}
	f.PTS += in.opts.Offset

	b.mu.Lock()
	defer b.mu.Unlock()

	if in.hasLast && f.PTS < in.lastPTS {
		b.log.Warn("video timestamp moved backward, dropping frame and resyncing",
			"input", in.id, "pts", f.PTS, "baseline", in.lastPTS)
		in.lastPTS = f.PTS
		b.discontinuities.Add(1)
		return
	}
	in.lastPTS = f.PTS
	in.hasLast = true

	if in.hasEmitted && f.PTS <= in.lastEmitted {
		b.lateDropped.Add(1)
		b.log.Warn("video frame arrived after its window passed, dropping",
			"input", in.id, "pts", f.PTS, "last_emitted", in.lastEmitted)
		return
	}

	// After a resync the tail may still hold frames from the abandoned
	// timeline; discard them so buffered timestamps stay non-decreasing.
	for n := len(in.frames); n > 0 && in.frames[n-1].PTS > f.PTS; n = len(in.frames) {
		in.frames = in.frames[:n-1]
		b.superseded.Add(1)
	}

	in.frames = append(in.frames, f)
}

// pop selects the frame due at tickPTS: the most recently received buffered
// frame with PTS <= tickPTS + window. Older superseded frames are discarded.
// Returns ready=false when no frame is due and the stream has not ended, in
// which case the caller decides between holding the previous frame and
// waiting for a required input.
func (b *videoBuffer) pop(in *videoInput, tickPTS time.Duration) (media.FrameEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := tickPTS + in.window
	idx := -1
	for i, f := range in.frames {
		if f.PTS > cutoff {
			break
		}
		idx = i
	}

	if idx >= 0 {
		f := in.frames[idx]
		if idx > 0 {
			b.superseded.Add(int64(idx))
		}
		in.frames = in.frames[idx+1:]
		in.lastEmitted = f.PTS
		in.hasEmitted = true
		return media.FrameEvent{Frame: f}, true
	}

	if in.eos && !in.done {
		in.done = true
		return media.FrameEvent{EOS: true}, true
	}
	return media.FrameEvent{}, false
}

// hasBuffered reports whether any frames are pending for the input.
func (b *videoBuffer) hasBuffered(in *videoInput) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(in.frames) > 0
}

// finished reports whether the input has emitted its EOS downstream.
func (b *videoBuffer) finished(in *videoInput) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return in.done
}
