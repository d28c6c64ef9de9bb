/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// Narration audio arrives as 16-bit signed little-endian PCM, mono.
	narrationSampleRate = 24000

	// How far ahead of "now" a chunk is placed after an idle reset.
	scheduleLead = 50 * time.Millisecond
)

var (
	errEmptyChunk = errors.New("empty pcm chunk")
	errShortChunk = errors.New("pcm chunk truncates a 16-bit sample")
)

// scheduledChunk is one narration chunk placed on the playback timeline.
type scheduledChunk struct {
	samples []float32
	start   time.Duration // offset from the timeline origin
	length  time.Duration
}

func (s scheduledChunk) end() time.Duration {
	return s.start + s.length
}

// audioTimeline converts raw narration chunks to 32-bit float samples and
// assigns each a start time on a monotonic playback timeline: every chunk
// starts exactly where the previous one ends, so playback has no gaps and
// no overlaps. When the cursor has fallen behind the clock (the narrator
// went idle), it resets to now plus a small lead before the next chunk.
//
// Append-only and forward-only; chunks are never reordered or dropped.
// Not safe for concurrent use — the owning room calls it from its event
// loop only.
type audioTimeline struct {
	clock      clockwork.Clock
	sampleRate int
	lead       time.Duration
	origin     time.Time
	cursor     time.Duration
}

func newAudioTimeline(clock clockwork.Clock, sampleRate int, lead time.Duration) *audioTimeline {
	return &audioTimeline{
		clock:      clock,
		sampleRate: sampleRate,
		lead:       lead,
		origin:     clock.Now(),
	}
}

func (t *audioTimeline) schedule(pcm []byte) (scheduledChunk, error) {
	if len(pcm) == 0 {
		return scheduledChunk{}, errEmptyChunk
	}
	if len(pcm)%2 != 0 {
		return scheduledChunk{}, errShortChunk
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}

	length := time.Duration(len(samples)) * time.Second / time.Duration(t.sampleRate)

	now := t.clock.Since(t.origin)
	if t.cursor < now {
		t.cursor = now + t.lead
	}

	chunk := scheduledChunk{
		samples: samples,
		start:   t.cursor,
		length:  length,
	}
	t.cursor += length

	return chunk, nil
}

// remaining reports how much scheduled audio is still ahead of the clock,
// i.e. how long until the narrator falls silent if nothing else arrives.
func (t *audioTimeline) remaining() time.Duration {
	now := t.clock.Since(t.origin)
	if t.cursor <= now {
		return 0
	}
	return t.cursor - now
}
