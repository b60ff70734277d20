package queue

import (
	"time"

	"github.com/mixtide/compositor/media"
)

// State is the scheduler loop's lifecycle state.
type State int32

// Scheduler loop states, in transition order.
const (
	StateCreated State = iota
	StateWaitingForStart
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateWaitingForStart:
		return "waiting-for-start"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// run is the scheduler loop: the single goroutine that paces ticks, fires
// due scheduled events, pops one entry per registered input from each
// buffer, and forwards the assembled batches downstream.
func (q *Queue) run() {
	q.state.Store(int32(StateWaitingForStart))
	select {
	case <-q.startCh:
	case <-q.stopCh:
		q.shutdown()
		return
	}

	q.state.Store(int32(StateRunning))
	q.log.Info("scheduler running",
		"framerate", q.opts.OutputFramerate.String(),
		"tick", q.tick,
		"ahead_of_time", q.opts.AheadOfTime,
	)

	anchor := NewSyncPoint(time.Now())
	var tickIndex uint64
	for {
		pts := time.Duration(tickIndex) * q.tick

		if q.opts.AheadOfTime {
			select {
			case <-q.stopCh:
				q.shutdown()
				return
			default:
			}
		} else if !q.sleepUntil(anchor.TimeFor(pts)) {
			q.shutdown()
			return
		}

		q.fireDue(pts)

		videoBatch, ok := q.assembleVideo(pts)
		if !ok {
			q.shutdown()
			return
		}
		audioBatch, ok := q.assembleAudio(pts)
		if !ok {
			q.shutdown()
			return
		}

		// Blocking sends are the system's backpressure point; only shutdown
		// may interrupt them.
		select {
		case q.videoOut <- videoBatch:
		case <-q.stopCh:
			q.shutdown()
			return
		}
		select {
		case q.audioOut <- audioBatch:
		case <-q.stopCh:
			q.shutdown()
			return
		}

		q.ticks.Add(1)
		tickIndex++

		if q.opts.StopOnAllInputsEnded && q.hadInputs.Load() &&
			q.video.len() == 0 && q.audio.len() == 0 {
			q.log.Info("all inputs ended, stopping", "ticks", tickIndex)
			q.shutdown()
			return
		}
	}
}

func (q *Queue) shutdown() {
	q.state.Store(int32(StateShuttingDown))
	close(q.videoOut)
	close(q.audioOut)
	q.state.Store(int32(StateTerminated))
	close(q.done)
}

// sleepUntil pauses until the tick deadline. The sleep is interruptible by
// shutdown and by scheduled-event submission; events fire only at tick
// boundaries, so a wake just re-arms the remaining sleep. Returns false when
// shutdown was requested.
func (q *Queue) sleepUntil(deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case <-q.stopCh:
			return false
		case <-q.events.wakeCh():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Until(deadline))
		case <-timer.C:
			return true
		}
	}
}

// fireDue drains scheduled events with target <= pts in ascending target
// order. Events that missed their exact tick are fired late or skipped with
// a warning, per configuration.
func (q *Queue) fireDue(pts time.Duration) {
	for _, ev := range q.events.popDue(pts) {
		if ev.target < pts && !q.opts.RunLateScheduledEvents {
			q.skippedEvents.Add(1)
			q.log.Warn("scheduled event missed its tick, skipping",
				"target", ev.target, "tick_pts", pts)
			continue
		}
		ev.fn()
		q.firedEvents.Add(1)
	}
}

// assembleVideo builds the tick's video batch: exactly one entry per
// registered video input. Returns ok=false only on shutdown.
func (q *Queue) assembleVideo(pts time.Duration) (media.VideoBatch, bool) {
	ins := q.video.snapshot()
	frames := make(map[media.InputID]media.FrameEvent, len(ins))
	for _, in := range ins {
		q.video.drain(in)
		ev, ready := q.video.pop(in, pts)
		if !ready && in.opts.Required && !q.video.isEOS(in) && !q.video.hasBuffered(in) {
			var stopped bool
			ev, ready, stopped = q.waitVideo(in, pts)
			if stopped {
				return media.VideoBatch{}, false
			}
		}
		// Not ready means no new frame was due; the zero event tells the
		// consumer to hold the input's previous frame.
		if !ready {
			ev = media.FrameEvent{}
		}
		frames[in.id] = ev
		if ev.EOS {
			q.video.remove(in.id)
		}
	}
	return media.VideoBatch{PTS: pts, Frames: frames}, true
}

// waitVideo blocks on a required input's channel until a frame due at
// tickPTS arrives, the stream ends, or the input is removed. Each elapsed
// RequiredTimeout logs a stall warning and re-arms the wait; only shutdown
// aborts it.
func (q *Queue) waitVideo(in *videoInput, tickPTS time.Duration) (media.FrameEvent, bool, bool) {
	for !in.removed.Load() {
		select {
		case ev, ok := <-in.recv:
			switch {
			case !ok:
				q.video.markEOS(in, "channel closed")
			case ev.EOS:
				q.video.markEOS(in, "end of stream")
			default:
				q.video.push(in, ev.Frame)
			}
		case <-time.After(q.opts.RequiredTimeout):
			q.stalls.Add(1)
			q.log.Warn("required video input stalled, still waiting",
				"input", in.id, "tick_pts", tickPTS, "timeout", q.opts.RequiredTimeout)
			continue
		case <-q.stopCh:
			return media.FrameEvent{}, false, true
		}
		if ev, ready := q.video.pop(in, tickPTS); ready {
			return ev, true, false
		}
		if q.video.hasBuffered(in) {
			// Data arrived but only for future ticks; hold this tick.
			return media.FrameEvent{}, false, false
		}
	}
	return media.FrameEvent{}, false, false
}

// assembleAudio builds the tick's audio batch: exactly one entry per
// registered audio input, silence-filled for non-required inputs that are
// short on data. Returns ok=false only on shutdown.
func (q *Queue) assembleAudio(pts time.Duration) (media.AudioBatch, bool) {
	ins := q.audio.snapshot()
	chunks := make(map[media.InputID]media.ChunkEvent, len(ins))
	for _, in := range ins {
		q.audio.drain(in)
		ev, ready := q.audio.pop(in, pts, q.tick, !in.opts.Required)
		if !ready && in.opts.Required {
			var stopped bool
			ev, ready, stopped = q.waitAudio(in, pts)
			if stopped {
				return media.AudioBatch{}, false
			}
			if !ready {
				// Removed mid-wait; fill the final entry with silence.
				ev, ready = q.audio.pop(in, pts, q.tick, true)
			}
		}
		if !ready {
			continue
		}
		chunks[in.id] = ev
		if ev.EOS {
			q.audio.remove(in.id)
		}
	}
	return media.AudioBatch{StartPTS: pts, EndPTS: pts + q.tick, Chunks: chunks}, true
}

// waitAudio blocks on a required input's channel until a full tick of
// samples is buffered, the stream ends, or the input is removed, logging a
// stall warning at each elapsed RequiredTimeout.
func (q *Queue) waitAudio(in *audioInput, pts time.Duration) (media.ChunkEvent, bool, bool) {
	for !in.removed.Load() {
		select {
		case ev, ok := <-in.recv:
			switch {
			case !ok:
				q.audio.markEOS(in, "channel closed")
			case ev.EOS:
				q.audio.markEOS(in, "end of stream")
			default:
				q.audio.push(in, ev.Chunk)
			}
		case <-time.After(q.opts.RequiredTimeout):
			q.stalls.Add(1)
			q.log.Warn("required audio input stalled, still waiting",
				"input", in.id, "tick_pts", pts, "timeout", q.opts.RequiredTimeout)
			continue
		case <-q.stopCh:
			return media.ChunkEvent{}, false, true
		}
		if ev, ready := q.audio.pop(in, pts, q.tick, false); ready {
			return ev, true, false
		}
	}
	return media.ChunkEvent{}, false, false
}
