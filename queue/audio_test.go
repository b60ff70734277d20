package queue

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mixtide/compositor/media"
)

func testAudioBuffer() *audioBuffer {
	return newAudioBuffer(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testAudioInput(recv <-chan media.ChunkEvent, rate, channels int) *audioInput {
	return &audioInput{
		id:       "mic",
		recv:     recv,
		rate:     rate,
		channels: channels,
		removed:  &atomic.Bool{},
	}
}

// chunkOf builds a mono chunk of the given duration with every sample set
// to value, so consumed data is distinguishable from padded silence.
func chunkOf(pts, dur time.Duration, rate int, value int16) *media.AudioChunk {
	frames := int(int64(dur) * int64(rate) / int64(time.Second))
	samples := make([]int16, frames)
	for i := range samples {
		samples[i] = value
	}
	return &media.AudioChunk{PTS: pts, SampleRate: rate, Channels: 1, Samples: samples}
}

func TestPopSamplesSplitsAndCarriesRemainder(t *testing.T) {
	t.Parallel()

	const (
		rate = 48000
		tick = 16 * time.Millisecond
	)
	b := testAudioBuffer()
	in := testAudioInput(nil, rate, 1)
	b.add(in)

	// Two 10ms chunks against a 16ms tick: one full 16ms pop, 4ms carried.
	b.push(in, chunkOf(0, 10*time.Millisecond, rate, 7))
	b.push(in, chunkOf(10*time.Millisecond, 10*time.Millisecond, rate, 7))

	ev, ready := b.pop(in, 0, tick, false)
	if !ready || ev.Chunk == nil {
		t.Fatalf("pop: got %+v ready=%v, want a chunk", ev, ready)
	}
	if got, want := len(ev.Chunk.Samples), 768; got != want {
		t.Fatalf("popped samples: got %d, want %d (16ms at 48kHz)", got, want)
	}
	for i, s := range ev.Chunk.Samples {
		if s != 7 {
			t.Fatalf("sample %d: got %d, want data, not silence", i, s)
		}
	}

	// Insufficient data for the next tick without force.
	if ev, ready := b.pop(in, tick, tick, false); ready {
		t.Fatalf("pop with 4ms buffered: got %+v, want not ready", ev)
	}

	// Forced pop consumes the 4ms remainder and fills the rest with silence.
	ev, ready = b.pop(in, tick, tick, true)
	if !ready || ev.Chunk == nil {
		t.Fatalf("forced pop: got %+v ready=%v, want a chunk", ev, ready)
	}
	data := 0
	for _, s := range ev.Chunk.Samples {
		if s == 7 {
			data++
		}
	}
	if want := 192; data != want {
		t.Errorf("carried data samples: got %d, want %d (4ms at 48kHz)", data, want)
	}
}

func TestPopSamplesConservation(t *testing.T) {
	t.Parallel()

	const (
		rate = 44100
		tick = 33 * time.Millisecond
	)
	b := testAudioBuffer()
	in := testAudioInput(nil, rate, 1)
	b.add(in)

	fed := 0
	for pts := time.Duration(0); pts < time.Second; pts += 10 * time.Millisecond {
		c := chunkOf(pts, 10*time.Millisecond, rate, 3)
		fed += len(c.Samples)
		b.push(in, c)
	}
	b.markEOS(in, "test")

	// Drain tick by tick until EOS; count every non-silence sample out.
	got := 0
	start := time.Duration(0)
	for {
		ev, ready := b.pop(in, start, tick, false)
		if !ready {
			t.Fatal("pop: want ready while draining toward EOS")
		}
		if ev.EOS {
			break
		}
		want := int(frameCount(start+tick, rate) - frameCount(start, rate))
		if len(ev.Chunk.Samples) != want {
			t.Fatalf("tick at %v: got %d samples, want %d", start, len(ev.Chunk.Samples), want)
		}
		for _, s := range ev.Chunk.Samples {
			if s == 3 {
				got++
			}
		}
		start += tick
	}

	if got != fed {
		t.Errorf("sample conservation: got %d out, want %d fed (no loss, no duplication)", got, fed)
	}
}

func TestPopSamplesSilenceWhenEmpty(t *testing.T) {
	t.Parallel()

	const (
		rate = 48000
		tick = 20 * time.Millisecond
	)
	b := testAudioBuffer()
	in := testAudioInput(nil, rate, 2)
	b.add(in)

	ev, ready := b.pop(in, 0, tick, true)
	if !ready || ev.Chunk == nil {
		t.Fatalf("forced pop on empty buffer: got %+v ready=%v, want silence", ev, ready)
	}
	if got, want := len(ev.Chunk.Samples), 960*2; got != want {
		t.Fatalf("silence samples: got %d, want %d", got, want)
	}
	for _, s := range ev.Chunk.Samples {
		if s != 0 {
			t.Fatal("silence chunk must be all zeros")
		}
	}
	if got := b.silenceFrames.Load(); got != 960 {
		t.Errorf("silenceFrames: got %d, want 960", got)
	}
}

func TestAudioEOSPadsThenEmitsOnce(t *testing.T) {
	t.Parallel()

	const (
		rate = 48000
		tick = 20 * time.Millisecond
	)
	b := testAudioBuffer()
	in := testAudioInput(nil, rate, 1)
	b.add(in)

	b.push(in, chunkOf(0, 5*time.Millisecond, rate, 9))
	b.markEOS(in, "test")

	ev, ready := b.pop(in, 0, tick, false)
	if !ready || ev.Chunk == nil {
		t.Fatalf("pop at EOS with partial data: got %+v ready=%v, want padded chunk", ev, ready)
	}
	if got, want := len(ev.Chunk.Samples), 960; got != want {
		t.Fatalf("padded chunk samples: got %d, want %d", got, want)
	}

	ev, ready = b.pop(in, tick, tick, false)
	if !ready || !ev.EOS {
		t.Fatalf("pop after drain: got %+v ready=%v, want EOS", ev, ready)
	}
	if ev, ready = b.pop(in, 2*tick, tick, false); ready {
		t.Fatalf("pop after EOS: got %+v, want nothing", ev)
	}
	if !b.finished(in) {
		t.Error("finished: got false after EOS emission")
	}
}

func TestPopSamplesAppliesOffset(t *testing.T) {
	t.Parallel()

	const (
		rate = 48000
		tick = 20 * time.Millisecond
	)
	b := testAudioBuffer()
	in := testAudioInput(nil, rate, 1)
	in.opts.Offset = 100 * time.Millisecond
	b.add(in)

	b.push(in, chunkOf(0, tick, rate, 7))

	// The offset shifted the data to [100ms, 120ms); the first tick is pure
	// silence.
	ev, ready := b.pop(in, 0, tick, true)
	if !ready || ev.Chunk == nil {
		t.Fatalf("pop: got %+v ready=%v, want a chunk", ev, ready)
	}
	for i, s := range ev.Chunk.Samples {
		if s != 0 {
			t.Fatalf("sample %d before the offset position: got %d, want silence", i, s)
		}
	}

	// The data plays in the tick matching its shifted position, and buffered
	// coverage through that tick makes the pop ready without force.
	ev, ready = b.pop(in, 100*time.Millisecond, tick, false)
	if !ready || ev.Chunk == nil {
		t.Fatalf("pop at offset position: got %+v ready=%v, want a chunk", ev, ready)
	}
	for i, s := range ev.Chunk.Samples {
		if s != 7 {
			t.Fatalf("sample %d at offset position: got %d, want data", i, s)
		}
	}
}

func TestPopSamplesGapComesOutAsSilence(t *testing.T) {
	t.Parallel()

	const (
		rate = 48000
		tick = 20 * time.Millisecond
	)
	b := testAudioBuffer()
	in := testAudioInput(nil, rate, 1)
	b.add(in)

	// 5ms of data, a 10ms hole, 5ms more data.
	b.push(in, chunkOf(0, 5*time.Millisecond, rate, 7))
	b.push(in, chunkOf(15*time.Millisecond, 5*time.Millisecond, rate, 7))

	ev, ready := b.pop(in, 0, tick, false)
	if !ready || ev.Chunk == nil {
		t.Fatalf("pop: got %+v ready=%v, want a chunk", ev, ready)
	}
	s := ev.Chunk.Samples
	if got, want := len(s), 960; got != want {
		t.Fatalf("samples: got %d, want %d", got, want)
	}
	for i := 0; i < 240; i++ {
		if s[i] != 7 {
			t.Fatalf("sample %d: got %d, want data from the first chunk", i, s[i])
		}
	}
	for i := 240; i < 720; i++ {
		if s[i] != 0 {
			t.Fatalf("sample %d: got %d, want silence in the gap", i, s[i])
		}
	}
	for i := 720; i < 960; i++ {
		if s[i] != 7 {
			t.Fatalf("sample %d: got %d, want data from the second chunk", i, s[i])
		}
	}
}

func TestPopSamplesLateChunkDropped(t *testing.T) {
	t.Parallel()

	const (
		rate = 48000
		tick = 20 * time.Millisecond
	)
	b := testAudioBuffer()
	in := testAudioInput(nil, rate, 1)
	b.add(in)

	// The chunk's span ended before the tick being assembled; its samples
	// must be dropped, not played at the wrong time.
	b.push(in, chunkOf(0, 10*time.Millisecond, rate, 7))

	ev, ready := b.pop(in, 2*tick, tick, true)
	if !ready || ev.Chunk == nil {
		t.Fatalf("pop: got %+v ready=%v, want a chunk", ev, ready)
	}
	for i, s := range ev.Chunk.Samples {
		if s != 0 {
			t.Fatalf("sample %d: got %d, want silence, late data discarded", i, s)
		}
	}
	if got := b.lateDropped.Load(); got != 480 {
		t.Errorf("lateDropped: got %d, want 480 (10ms at 48kHz)", got)
	}
}

func TestFrameCountLongRuntime(t *testing.T) {
	t.Parallel()

	if got, want := frameCount(100*time.Hour, 48000), int64(100*3600*48000); got != want {
		t.Errorf("frameCount(100h, 48kHz): got %d, want %d", got, want)
	}
	pts := 100*time.Hour + 33*time.Millisecond
	if got, want := frameCount(pts, 44100), int64(100*3600*44100)+1455; got != want {
		t.Errorf("frameCount(100h+33ms, 44.1kHz): got %d, want %d", got, want)
	}
}

func TestAudioRemixLayoutMismatch(t *testing.T) {
	t.Parallel()

	const rate = 48000
	b := testAudioBuffer()
	in := testAudioInput(nil, rate, 2)
	b.add(in)

	// Mono chunk into a stereo input: samples are duplicated per channel.
	mono := chunkOf(0, 10*time.Millisecond, rate, 5)
	b.push(in, mono)

	ev, ready := b.pop(in, 0, 10*time.Millisecond, false)
	if !ready || ev.Chunk == nil {
		t.Fatalf("pop: got %+v ready=%v, want a chunk", ev, ready)
	}
	if got, want := len(ev.Chunk.Samples), 480*2; got != want {
		t.Fatalf("remixed samples: got %d, want %d", got, want)
	}
	for i := 0; i+1 < len(ev.Chunk.Samples); i += 2 {
		if ev.Chunk.Samples[i] != 5 || ev.Chunk.Samples[i+1] != 5 {
			t.Fatal("mono upmix should duplicate samples into both channels")
		}
	}
}

func TestAudioRemixDownmix(t *testing.T) {
	t.Parallel()

	stereo := &media.AudioChunk{
		PTS:        0,
		SampleRate: 48000,
		Channels:   2,
		Samples:    []int16{10, 20, -10, -20},
	}
	out := remix(stereo, 1)
	if got, want := len(out.Samples), 2; got != want {
		t.Fatalf("downmix samples: got %d, want %d", got, want)
	}
	if out.Samples[0] != 15 || out.Samples[1] != -15 {
		t.Errorf("downmix averages: got %v, want [15 -15]", out.Samples)
	}
}

func TestAudioDrainClosedChannelIsImplicitEOS(t *testing.T) {
	t.Parallel()

	ch := make(chan media.ChunkEvent, 2)
	b := testAudioBuffer()
	in := testAudioInput(ch, 48000, 1)
	b.add(in)

	ch <- media.ChunkEvent{Chunk: chunkOf(0, 10*time.Millisecond, 48000, 1)}
	close(ch)

	b.drain(in)
	if !b.isEOS(in) {
		t.Fatal("closed channel should mark the input EOS")
	}
}
