// Package queue implements the composition engine's scheduling core: it
// buffers frames and audio chunks arriving from independent per-input
// producer channels and merges them, once per output tick, into synchronized
// batches for the renderer and the audio mixer. A single scheduler goroutine
// paces ticks against the wall clock, fires one-shot scheduled callbacks,
// and applies the engine's late-data, missing-input, and end-of-stream
// policies.
package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixtide/compositor/media"
)

// Default configuration values applied by New.
const (
	DefaultRequiredTimeout = 500 * time.Millisecond
	DefaultSampleRate      = 48000
	DefaultChannels        = 2

	closeJoinTimeout = 5 * time.Second
)

// Options configures a Queue. The value is immutable for the Queue's
// lifetime.
type Options struct {
	// OutputFramerate paces the tick loop. Required, must be positive.
	OutputFramerate Framerate

	// AheadOfTime processes ticks as fast as inputs and consumers allow,
	// without real-time pacing. Used for non-real-time or accelerated runs.
	AheadOfTime bool

	// RunLateScheduledEvents fires overdue scheduled events at the next tick
	// instead of skipping them with a warning.
	RunLateScheduledEvents bool

	// RequiredTimeout bounds each wait on a required input's channel before
	// a stall warning is logged and the wait re-armed. Zero means
	// DefaultRequiredTimeout.
	RequiredTimeout time.Duration

	// StopOnAllInputsEnded shuts the loop down once every registered input
	// has reached a terminal state.
	StopOnAllInputsEnded bool

	// OutputBufferSize is the capacity of the video and audio batch
	// channels. Zero means media.BatchBufferSize.
	OutputBufferSize int
}

// InputOptions configures one registered input.
type InputOptions struct {
	// Required blocks tick emission until the input has due data, bounded
	// by Options.RequiredTimeout per wait. Non-required inputs hold their
	// previous frame / emit silence instead.
	Required bool

	// Offset shifts all of the input's timestamps before buffering, for
	// manual sync correction.
	Offset time.Duration

	// FrameSelectionWindow is how far past the tick a frame's timestamp may
	// lie and still be selected for it. Zero means half a tick.
	FrameSelectionWindow time.Duration

	// SampleRate and Channels fix the input's audio layout for its
	// lifetime. Zero means DefaultSampleRate / DefaultChannels.
	SampleRate int
	Channels   int
}

// Stats is a point-in-time snapshot of the queue's drop and stall counters.
type Stats struct {
	Ticks              int64
	LateDroppedFrames  int64
	SupersededFrames   int64
	Discontinuities    int64
	SilenceFrames      int64
	LateDroppedSamples int64
	Stalls             int64
	FiredEvents        int64
	SkippedEvents      int64
}

// Queue owns the per-input buffers and the scheduler goroutine. Producers
// push stream events onto the channels handed to AddInput; the scheduler
// merges them into per-tick batches on Videos and Audio.
type Queue struct {
	log  *slog.Logger
	opts Options
	tick time.Duration

	video  *videoBuffer
	audio  *audioBuffer
	events *eventSet

	regMu     sync.Mutex
	registry  map[media.InputID]*atomic.Bool
	hadInputs atomic.Bool

	videoOut chan media.VideoBatch
	audioOut chan media.AudioBatch

	startOnce sync.Once
	startCh   chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
	state     atomic.Int32

	ticks         atomic.Int64
	stalls        atomic.Int64
	firedEvents   atomic.Int64
	skippedEvents atomic.Int64
}

// New validates opts, creates empty buffers, and spawns the scheduler
// goroutine blocked waiting for Start. If log is nil, slog.Default() is
// used.
func New(opts Options, log *slog.Logger) (*Queue, error) {
	if !opts.OutputFramerate.IsValid() {
		return nil, fmt.Errorf("%w: output framerate %s must be positive",
			ErrInvalidConfiguration, opts.OutputFramerate)
	}
	if opts.RequiredTimeout <= 0 {
		opts.RequiredTimeout = DefaultRequiredTimeout
	}
	if opts.OutputBufferSize <= 0 {
		opts.OutputBufferSize = media.BatchBufferSize
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "queue")

	q := &Queue{
		log:      log,
		opts:     opts,
		tick:     opts.OutputFramerate.TickDuration(),
		video:    newVideoBuffer(log),
		audio:    newAudioBuffer(log),
		events:   newEventSet(),
		registry: make(map[media.InputID]*atomic.Bool),
		videoOut: make(chan media.VideoBatch, opts.OutputBufferSize),
		audioOut: make(chan media.AudioBatch, opts.OutputBufferSize),
		startCh:  make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	q.state.Store(int32(StateCreated))
	go q.run()
	return q, nil
}

// AddInput registers an input's channels with the queue. Either channel may
// be nil for a video-only or audio-only input, but not both. Safe to call
// while the loop is running; the input appears in the next assembled tick.
// Input ids are unique for the lifetime of a run: an id is rejected as a
// duplicate even after RemoveInput.
func (q *Queue) AddInput(id media.InputID, videoCh <-chan media.FrameEvent, audioCh <-chan media.ChunkEvent, opts InputOptions) error {
	if videoCh == nil && audioCh == nil {
		return fmt.Errorf("%w: input %q has neither video nor audio", ErrInvalidConfiguration, id)
	}
	if opts.FrameSelectionWindow <= 0 {
		opts.FrameSelectionWindow = q.tick / 2
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.Channels != 1 && opts.Channels != 2 {
		if opts.Channels != 0 {
			return fmt.Errorf("%w: input %q channels must be 1 or 2, got %d",
				ErrInvalidConfiguration, id, opts.Channels)
		}
		opts.Channels = DefaultChannels
	}

	q.regMu.Lock()
	if _, ok := q.registry[id]; ok {
		q.regMu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateInput, id)
	}
	removed := &atomic.Bool{}
	q.registry[id] = removed
	q.hadInputs.Store(true)
	q.regMu.Unlock()

	if videoCh != nil {
		q.video.add(&videoInput{
			id:      id,
			recv:    videoCh,
			opts:    opts,
			window:  opts.FrameSelectionWindow,
			removed: removed,
		})
	}
	if audioCh != nil {
		q.audio.add(&audioInput{
			id:       id,
			recv:     audioCh,
			opts:     opts,
			rate:     opts.SampleRate,
			channels: opts.Channels,
			removed:  removed,
		})
	}

	q.log.Info("input registered", "input", id,
		"video", videoCh != nil, "audio", audioCh != nil,
		"required", opts.Required, "offset", opts.Offset)
	return nil
}

// RemoveInput marks the input for teardown. The loop stops polling it at
// the next iteration boundary and the input disappears from subsequent
// batches entirely, without an end-of-stream entry.
func (q *Queue) RemoveInput(id media.InputID) error {
	q.regMu.Lock()
	removed, ok := q.registry[id]
	q.regMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownInput, id)
	}
	if removed.CompareAndSwap(false, true) {
		q.log.Info("input removed", "input", id)
	}
	return nil
}

// Start releases the scheduler loop's initial wait. Idempotent.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		close(q.startCh)
	})
}

// ScheduleEvent registers a one-shot callback to fire on the scheduler
// goroutine at the first tick whose presentation time reaches target. Safe
// to call concurrently with a running loop.
func (q *Queue) ScheduleEvent(target time.Duration, fn func()) {
	if fn == nil {
		return
	}
	q.events.schedule(target, fn)
}

// Videos returns the per-tick video batch channel. It is closed when the
// loop terminates.
func (q *Queue) Videos() <-chan media.VideoBatch {
	return q.videoOut
}

// Audio returns the per-tick audio batch channel. It is closed when the
// loop terminates.
func (q *Queue) Audio() <-chan media.AudioBatch {
	return q.audioOut
}

// State returns the scheduler loop's current lifecycle state.
func (q *Queue) State() State {
	return State(q.state.Load())
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Ticks:              q.ticks.Load(),
		LateDroppedFrames:  q.video.lateDropped.Load(),
		SupersededFrames:   q.video.superseded.Load(),
		Discontinuities:    q.video.discontinuities.Load(),
		SilenceFrames:      q.audio.silenceFrames.Load(),
		LateDroppedSamples: q.audio.lateDropped.Load(),
		Stalls:             q.stalls.Load(),
		FiredEvents:        q.firedEvents.Load(),
		SkippedEvents:      q.skippedEvents.Load(),
	}
}

// Close signals the scheduler to stop and joins it with a bounded wait,
// logging if the join does not complete in time. The output channels are
// closed by the loop on the way out. Idempotent.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	select {
	case <-q.done:
	case <-time.After(closeJoinTimeout):
		q.log.Warn("scheduler did not stop within join timeout", "timeout", closeJoinTimeout)
	}
}
