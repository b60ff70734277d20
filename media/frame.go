// Package media defines the value types that flow through the composition
// engine, from per-input producer channels through the scheduling queue to
// the renderer and audio mixer.
package media

import (
	"time"

	"github.com/google/uuid"
)

// Channel buffer sizes used by producers (decoders, capture devices) and the
// queue to decouple frame production from tick consumption. Sized to absorb
// jitter without excessive memory: ~2 seconds of video, ~2.5s of audio.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
	BatchBufferSize = 8
)

// InputID identifies one registered input stream. It is opaque to the engine
// and must be unique for the lifetime of a pipeline run.
type InputID string

// NewInputID returns a fresh, globally unique InputID for callers that do not
// bring their own naming scheme.
func NewInputID() InputID {
	return InputID(uuid.NewString())
}

// Frame represents a single decoded video picture ready for composition. PTS
// is the presentation time relative to pipeline start. The pixel buffer is
// owned exclusively by whichever buffer currently holds the frame and is
// handed off, never shared, when the frame enters an output batch.
type Frame struct {
	PTS    time.Duration
	Width  int
	Height int
	Data   []byte
}

// AudioChunk represents a run of interleaved PCM samples belonging to one
// input. Channels is 1 (mono) or 2 (stereo) and is fixed for the input's
// lifetime.
type AudioChunk struct {
	PTS        time.Duration
	SampleRate int
	Channels   int
	Samples    []int16
}

// Duration returns the play time covered by the chunk's samples.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// FrameEvent is one entry of a video batch. Exactly one of the following
// holds: Frame is set (new picture due this tick), EOS is set (the input's
// stream ended; sent exactly once), or both are zero, meaning no new frame
// was due and the consumer should keep showing the input's previous frame.
type FrameEvent struct {
	Frame *Frame
	EOS   bool
}

// ChunkEvent is one entry of an audio batch: either a chunk covering exactly
// the tick span (silence-filled where the input had no data) or EOS.
type ChunkEvent struct {
	Chunk *AudioChunk
	EOS   bool
}

// VideoBatch carries one tick's worth of video: one FrameEvent per input
// registered at the time the tick was assembled.
type VideoBatch struct {
	PTS    time.Duration
	Frames map[InputID]FrameEvent
}

// AudioBatch carries the samples for one tick span [StartPTS, EndPTS): one
// ChunkEvent per registered audio input.
type AudioBatch struct {
	StartPTS time.Duration
	EndPTS   time.Duration
	Chunks   map[InputID]ChunkEvent
}
