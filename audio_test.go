/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// pcmChunk builds a little-endian 16-bit chunk holding the given samples.
func pcmChunk(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// silence builds a chunk lasting the given duration at the narration rate.
func silence(d time.Duration) []byte {
	samples := int(d * narrationSampleRate / time.Second)
	return make([]byte, samples*2)
}

func TestScheduleRejectsBadChunks(t *testing.T) {
	tl := newAudioTimeline(clockwork.NewFakeClock(), narrationSampleRate, scheduleLead)

	_, err := tl.schedule(nil)
	require.ErrorIs(t, err, errEmptyChunk)

	_, err = tl.schedule([]byte{0x01})
	require.ErrorIs(t, err, errShortChunk)
}

func TestScheduleConvertsSamples(t *testing.T) {
	tl := newAudioTimeline(clockwork.NewFakeClock(), narrationSampleRate, scheduleLead)

	chunk, err := tl.schedule(pcmChunk(0, 32767, -32768, 16384))
	require.NoError(t, err)

	require.Len(t, chunk.samples, 4)
	require.InDelta(t, 0.0, chunk.samples[0], 1e-6)
	require.InDelta(t, 32767.0/32768.0, chunk.samples[1], 1e-6)
	require.InDelta(t, -1.0, chunk.samples[2], 1e-6)
	require.InDelta(t, 0.5, chunk.samples[3], 1e-6)
}

func TestScheduleChunksAreContiguous(t *testing.T) {
	tl := newAudioTimeline(clockwork.NewFakeClock(), narrationSampleRate, scheduleLead)

	first, err := tl.schedule(silence(time.Second))
	require.NoError(t, err)
	require.Equal(t, scheduleLead, first.start)
	require.Equal(t, time.Second, first.length)

	second, err := tl.schedule(silence(500 * time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, first.end(), second.start)
	require.Equal(t, 500*time.Millisecond, second.length)
}

func TestScheduleResetsAfterIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tl := newAudioTimeline(clock, narrationSampleRate, scheduleLead)

	first, err := tl.schedule(silence(time.Second))
	require.NoError(t, err)

	// Let playback finish and then some: the next chunk must not be
	// scheduled in the past.
	clock.Advance(3 * time.Second)

	second, err := tl.schedule(silence(time.Second))
	require.NoError(t, err)
	require.Greater(t, second.start, first.end())
	require.Equal(t, 3*time.Second+scheduleLead, second.start)
}

func TestRemaining(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tl := newAudioTimeline(clock, narrationSampleRate, scheduleLead)

	require.Equal(t, time.Duration(0), tl.remaining())

	_, err := tl.schedule(silence(time.Second))
	require.NoError(t, err)
	require.Equal(t, time.Second+scheduleLead, tl.remaining())

	clock.Advance(600 * time.Millisecond)
	require.Equal(t, 450*time.Millisecond, tl.remaining())

	clock.Advance(time.Second)
	require.Equal(t, time.Duration(0), tl.remaining())
}
