package queue

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixtide/compositor/media"
)

// audioInput is the buffer entry for one registered audio stream: pending
// chunks plus a partially-consumed head, so a chunk straddling a tick
// boundary carries its remainder into the next tick.
type audioInput struct {
	id       media.InputID
	recv     <-chan media.ChunkEvent
	opts     InputOptions
	rate     int
	channels int
	removed  *atomic.Bool

	chunks  []*media.AudioChunk
	headOff int // samples already consumed from chunks[0]
	eos     bool
	done    bool

	layoutWarned bool
}

// audioBuffer holds the per-input audio entries behind its own exclusion
// lock, independent of the video buffer's. The lock is never held across a
// channel receive.
type audioBuffer struct {
	log *slog.Logger

	mu     sync.Mutex
	inputs map[media.InputID]*audioInput

	silenceFrames atomic.Int64
	lateDropped   atomic.Int64
}

func newAudioBuffer(log *slog.Logger) *audioBuffer {
	return &audioBuffer{
		log:    log.With("component", "audio-buffer"),
		inputs: make(map[media.InputID]*audioInput),
	}
}

func (b *audioBuffer) add(in *audioInput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs[in.id] = in
}

func (b *audioBuffer) remove(id media.InputID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inputs, id)
}

func (b *audioBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inputs)
}

// snapshot returns the current entries, reaping inputs flagged for removal.
func (b *audioBuffer) snapshot() []*audioInput {
	b.mu.Lock()
	defer b.mu.Unlock()

	ins := make([]*audioInput, 0, len(b.inputs))
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
// the buffer without blocking.
func (b *audioBuffer) drain(in *audioInput) {
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
			b.push(in, ev.Chunk)
		default:
			return
		}
	}
}

func (b *audioBuffer) isEOS(in *audioInput) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return in.eos
}

func (b *audioBuffer) markEOS(in *audioInput, reason string) {
	b.mu.Lock()
	already := in.eos
	in.eos = true
	b.mu.Unlock()
	if !already {
		b.log.Info("audio input reached end of stream", "input", in.id, "reason", reason)
	}
}

// push applies the input's offset and buffers the chunk. A chunk whose
// channel layout differs from the input's registered layout is remixed
// (duplicate mono up, average stereo down) so the layout downstream never
// changes mid-stream.
func (b *audioBuffer) push(in *audioInput, c *media.AudioChunk) {
	if c == nil || len(c.Samples) == 0 {
		return
	}
	c.PTS += in.opts.Offset

	b.mu.Lock()
	defer b.mu.Unlock()

	if c.Channels != in.channels {
		if !in.layoutWarned {
			in.layoutWarned = true
			b.log.Warn("audio chunk layout differs from registered layout, remixing",
				"input", in.id, "got", c.Channels, "want", in.channels)
		}
		c = remix(c, in.channels)
	}
	in.chunks = append(in.chunks, c)
}

// remix converts a chunk between mono and stereo layouts.
func remix(c *media.AudioChunk, channels int) *media.AudioChunk {
	out := &media.AudioChunk{
		PTS:        c.PTS,
		SampleRate: c.SampleRate,
		Channels:   channels,
	}
	switch {
	case c.Channels == 1 && channels == 2:
		out.Samples = make([]int16, 0, len(c.Samples)*2)
		for _, s := range c.Samples {
			out.Samples = append(out.Samples, s, s)
		}
	case c.Channels == 2 && channels == 1:
		out.Samples = make([]int16, 0, len(c.Samples)/2)
		for i := 0; i+1 < len(c.Samples); i += 2 {
			out.Samples = append(out.Samples, int16((int32(c.Samples[i])+int32(c.Samples[i+1]))/2))
		}
	default:
		out.Samples = c.Samples
	}
	return out
}

// frameCount converts a presentation time to an absolute per-channel sample
// frame count, keeping repeated tick pops drift-free at rates that do not
// divide the tick duration evenly. Whole seconds are converted separately so
// the multiplication cannot overflow over a long-running session.
func frameCount(pts time.Duration, rate int) int64 {
	sec := int64(pts / time.Second)
	rem := int64(pts % time.Second)
	return sec*int64(rate) + rem*int64(rate)/int64(time.Second)
}

// coveredThrough returns the frame index up to which buffered data extends,
// positioned by the chunks' offset-shifted timestamps. Callers hold b.mu.
func (in *audioInput) coveredThrough() int64 {
	if len(in.chunks) == 0 {
		return 0
	}
	last := in.chunks[len(in.chunks)-1]
	return frameCount(last.PTS, in.rate) + int64(len(last.Samples)/in.channels)
}

// pop assembles exactly the tick span's worth of samples for the input.
// Buffered chunks are placed on the tick timeline by their offset-shifted
// timestamps: samples wholly before the span are dropped as late, gaps
// inside the span come out as silence, and a chunk straddling the span's
// end carries its remainder into the next tick. With force set (non-required
// input, or end-of-stream), any shortfall is filled with silence. Returns
// ready=false when buffered data does not yet cover the span's end and
// neither force nor end-of-stream applies.
func (b *audioBuffer) pop(in *audioInput, start, dur time.Duration, force bool) (media.ChunkEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	startF := frameCount(start, in.rate)
	endF := frameCount(start+dur, in.rate)
	need := int(endF - startF)

	if in.eos && len(in.chunks) == 0 {
		if in.done {
			return media.ChunkEvent{}, false
		}
		in.done = true
		return media.ChunkEvent{EOS: true}, true
	}
	if !in.eos && !force && in.coveredThrough() < endF {
		return media.ChunkEvent{}, false
	}

	out := make([]int16, need*in.channels)
	filled := 0
	for len(in.chunks) > 0 {
		head := in.chunks[0]
		chunkStart := frameCount(head.PTS, in.rate)
		availStart := chunkStart + int64(in.headOff/in.channels)
		availEnd := chunkStart + int64(len(head.Samples)/in.channels)

		if availEnd <= startF {
			b.lateDropped.Add(availEnd - availStart)
			b.log.Warn("audio samples arrived after their tick passed, dropping",
				"input", in.id, "pts", head.PTS, "frames", availEnd-availStart)
			in.chunks = in.chunks[1:]
			in.headOff = 0
			continue
		}
		if availStart >= endF {
			break
		}
		if availStart < startF {
			skip := startF - availStart
			b.lateDropped.Add(skip)
			in.headOff += int(skip) * in.channels
			availStart = startF
		}
		copyTo := availEnd
		if copyTo > endF {
			copyTo = endF
		}
		n := int(copyTo-availStart) * in.channels
		dst := int(availStart-startF) * in.channels
		copy(out[dst:dst+n], head.Samples[in.headOff:in.headOff+n])
		in.headOff += n
		filled += n / in.channels
		if in.headOff >= len(head.Samples) {
			in.chunks = in.chunks[1:]
			in.headOff = 0
		}
		if copyTo == endF {
			break
		}
	}
	if filled < need {
		b.silenceFrames.Add(int64(need - filled))
	}

	chunk := &media.AudioChunk{
		PTS:        start,
		SampleRate: in.rate,
		Channels:   in.channels,
		Samples:    out,
	}
	return media.ChunkEvent{Chunk: chunk}, true
}

// finished reports whether the input has emitted its EOS downstream.
func (b *audioBuffer) finished(in *audioInput) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return in.done
}
