// Command compositor runs the scheduling queue against synthetic inputs:
// N video pattern generators plus one sine-beep audio source, composed into
// fixed-rate batches that are summarized on the log. It exists to exercise
// the engine end to end without protocol ingestion or a real renderer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mixtide/compositor/media"
	"github.com/mixtide/compositor/queue"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	inputs := envInt("INPUTS", 2)
	fps := envInt("FPS", 30)
	seconds := envInt("DURATION", 10)
	aot := os.Getenv("AOT") != ""

	slog.Info("compositor starting",
		"version", version,
		"inputs", inputs,
		"fps", fps,
		"duration_s", seconds,
		"ahead_of_time", aot,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	q, err := queue.New(queue.Options{
		OutputFramerate:        queue.Framerate{Num: uint32(fps), Den: 1},
		AheadOfTime:            aot,
		RunLateScheduledEvents: true,
		StopOnAllInputsEnded:   true,
	}, nil)
	if err != nil {
		slog.Error("failed to create queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	total := time.Duration(seconds) * time.Second
	frameDur := time.Second / time.Duration(fps)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < inputs; i++ {
		id := media.InputID(fmt.Sprintf("pattern-%d", i))
		ch := make(chan media.FrameEvent, media.VideoBufferSize)
		if err := q.AddInput(id, ch, nil, queue.InputOptions{Required: i == 0}); err != nil {
			slog.Error("failed to register input", "input", id, "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			return produceVideo(ctx, ch, total, frameDur, aot)
		})
	}

	audioID := media.NewInputID()
	audioCh := make(chan media.ChunkEvent, media.AudioBufferSize)
	if err := q.AddInput(audioID, nil, audioCh, queue.InputOptions{SampleRate: 48000, Channels: 2}); err != nil {
		slog.Error("failed to register audio input", "input", audioID, "error", err)
		os.Exit(1)
	}
	g.Go(func() error {
		return produceAudio(ctx, audioCh, total, aot)
	})

	q.ScheduleEvent(total/2, func() {
		slog.Info("halfway marker reached", "pts", total/2)
	})

	g.Go(func() error {
		return consume(ctx, q)
	})

	q.Start()

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("pipeline error", "error", err)
		os.Exit(1)
	}
	stats := q.Stats()
	slog.Info("compositor finished",
		"ticks", stats.Ticks,
		"late_dropped", stats.LateDroppedFrames,
		"superseded", stats.SupersededFrames,
		"silence_frames", stats.SilenceFrames,
		"stalls", stats.Stalls,
	)
}

// produceVideo emits gray-pattern frames covering the run, paced in real
// time unless the queue runs ahead of time, then signals end of stream.
func produceVideo(ctx context.Context, ch chan<- media.FrameEvent, total, frameDur time.Duration, aot bool) error {
	defer close(ch)
	start := time.Now()
	for pts := time.Duration(0); pts < total; pts += frameDur {
		if !aot {
			select {
			case <-time.After(time.Until(start.Add(pts))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		shade := byte(255 * pts / total)
		frame := &media.Frame{
			PTS:    pts,
			Width:  16,
			Height: 16,
			Data:   pattern(16, 16, shade),
		}
		select {
		case ch <- media.FrameEvent{Frame: frame}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case ch <- media.FrameEvent{EOS: true}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// produceAudio emits 20ms stereo chunks of a 440Hz tone covering the run.
func produceAudio(ctx context.Context, ch chan<- media.ChunkEvent, total time.Duration, aot bool) error {
	defer close(ch)
	const (
		rate     = 48000
		chunkDur = 20 * time.Millisecond
	)
	start := time.Now()
	for pts := time.Duration(0); pts < total; pts += chunkDur {
		if !aot {
			select {
			case <-time.After(time.Until(start.Add(pts))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case ch <- media.ChunkEvent{Chunk: beep(pts, chunkDur, rate)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case ch <- media.ChunkEvent{EOS: true}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// consume drains both batch channels until the queue closes them, logging a
// summary once per second of presentation time.
func consume(ctx context.Context, q *queue.Queue) error {
	videos := q.Videos()
	audio := q.Audio()
	var lastLogged time.Duration = -time.Second
	for videos != nil || audio != nil {
		select {
		case batch, ok := <-videos:
			if !ok {
				videos = nil
				continue
			}
			if batch.PTS-lastLogged >= time.Second {
				lastLogged = batch.PTS
				slog.Info("tick", "pts", batch.PTS, "video_inputs", len(batch.Frames))
			}
		case batch, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			_ = batch
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// pattern fills a solid grayscale pixel buffer.
func pattern(w, h int, shade byte) []byte {
	buf := make([]byte, w*h)
	for i := range buf {
		buf[i] = shade
	}
	return buf
}

// beep generates one stereo chunk of a 440Hz sine tone.
func beep(pts, dur time.Duration, rate int) *media.AudioChunk {
	frames := int(int64(dur) * int64(rate) / int64(time.Second))
	samples := make([]int16, 0, frames*2)
	startFrame := int64(pts) * int64(rate) / int64(time.Second)
	for i := 0; i < frames; i++ {
		t := float64(startFrame+int64(i)) / float64(rate)
		s := int16(8000 * math.Sin(2*math.Pi*440*t))
		samples = append(samples, s, s)
	}
	return &media.AudioChunk{
		PTS:        pts,
		SampleRate: rate,
		Channels:   2,
		Samples:    samples,
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
