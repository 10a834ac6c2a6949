// Package audio decodes synthesized clips and assembles them into one
// continuous track: silence gaps, edge fades for audible continuity, peak
// normalization, and WAV export.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
)

type nopReadCloser struct {
	io.Reader
}

func (nopReadCloser) Close() error { return nil }

// Decode parses an MP3 or WAV clip into interleaved stereo samples.
// MP3 is tried first since most backends return it.
func Decode(data []byte) ([][2]float64, beep.Format, error) {
	streamer, format, err := mp3.Decode(nopReadCloser{bytes.NewReader(data)})
	if err != nil {
		streamer, format, err = wav.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("failed to decode clip as mp3 or wav: %w", err)
		}
	}
	defer streamer.Close()

	samples, err := drain(streamer)
	if err != nil {
		return nil, beep.Format{}, err
	}
	return samples, format, nil
}

// DurationMs returns the play length of an encoded MP3 or WAV clip.
func DurationMs(data []byte) (int64, error) {
	samples, format, err := Decode(data)
	if err != nil {
		return 0, err
	}
	return int64(len(samples)) * 1000 / int64(format.SampleRate), nil
}

// PCMToWAV wraps raw signed 16-bit little-endian PCM in a WAV container.
// Used for backends that return bare PCM frames.
func PCMToWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm) == 0 || sampleRate <= 0 || channels < 1 || channels > 2 {
		return nil, fmt.Errorf("invalid pcm input (%d bytes, %d Hz, %d channels)", len(pcm), sampleRate, channels)
	}

	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	samples := make([][2]float64, frames)
	for i := 0; i < frames; i++ {
		left := float64(int16(binary.LittleEndian.Uint16(pcm[i*frameBytes:]))) / 32768
		right := left
		if channels == 2 {
			right = float64(int16(binary.LittleEndian.Uint16(pcm[i*frameBytes+2:]))) / 32768
		}
		samples[i] = [2]float64{left, right}
	}

	format := beep.Format{SampleRate: beep.SampleRate(sampleRate), NumChannels: 2, Precision: 2}
	return encodeWAV(samples, format)
}

// drain streams everything into memory.
func drain(s beep.Streamer) ([][2]float64, error) {
	var samples [][2]float64
	buf := make([][2]float64, 512)
	for {
		n, ok := s.Stream(buf)
		samples = append(samples, buf[:n]...)
		if !ok {
			if err := s.Err(); err != nil {
				return nil, fmt.Errorf("stream error: %w", err)
			}
			return samples, nil
		}
	}
}

// sliceStreamer exposes an in-memory sample slice as a beep.Streamer.
type sliceStreamer struct {
	samples [][2]float64
	pos     int
}

func (s *sliceStreamer) Stream(out [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := copy(out, s.samples[s.pos:])
	s.pos += n
	return n, true
}

func (s *sliceStreamer) Err() error { return nil }

// memWriteSeeker is an in-memory io.WriteSeeker for the WAV encoder, which
// seeks back to patch the header after writing the data chunk.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if need := m.pos + len(p); need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = m.pos + int(offset)
	case io.SeekEnd:
		next = len(m.buf) + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}
	m.pos = next
	return int64(next), nil
}

func encodeWAV(samples [][2]float64, format beep.Format) ([]byte, error) {
	w := &memWriteSeeker{}
	if err := wav.Encode(w, &sliceStreamer{samples: samples}, format); err != nil {
		return nil, fmt.Errorf("wav encode failed: %w", err)
	}
	return w.buf, nil
}
