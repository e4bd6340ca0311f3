// Package audio decodes source files into PCM buffers and slices them into
// fixed-length chunks that can be exported as standalone WAV files.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultSegmentLength is the chunk duration used when none is configured.
const DefaultSegmentLength = 30 * time.Second

// wavFormatPCM is the RIFF format tag for integer PCM.
const wavFormatPCM = 1

var (
	// ErrInvalidLength is returned by Segment for a non-positive length.
	ErrInvalidLength = errors.New("audio: segment length must be positive")
	// ErrUnsupported is returned when no decoder can handle a file.
	ErrUnsupported = errors.New("audio: unsupported format")
)

// Source is a fully decoded audio file. It is read-only after decode.
type Source struct {
	Path     string
	BitDepth int
	buf      *goaudio.IntBuffer
}

// NewSource wraps an already decoded PCM buffer. bitDepth defaults to the
// buffer's SourceBitDepth, then to 16.
func NewSource(path string, buf *goaudio.IntBuffer, bitDepth int) (*Source, error) {
	if buf == nil || buf.Format == nil {
		return nil, fmt.Errorf("audio: %s: missing PCM format", path)
	}
	if buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: %s: invalid format %d ch @ %d Hz", path, buf.Format.NumChannels, buf.Format.SampleRate)
	}
	if bitDepth <= 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	return &Source{Path: path, BitDepth: bitDepth, buf: buf}, nil
}

// SampleRate returns frames per second.
func (s *Source) SampleRate() int { return s.buf.Format.SampleRate }

// Channels returns the interleaved channel count.
func (s *Source) Channels() int { return s.buf.Format.NumChannels }

// Frames returns the number of sample frames (samples per channel).
func (s *Source) Frames() int { return len(s.buf.Data) / s.Channels() }

// Duration returns the playing time of the whole source.
func (s *Source) Duration() time.Duration {
	return framesToDuration(s.Frames(), s.SampleRate())
}

// MonoPCM16 downmixes the source to one channel of signed 16-bit
// little-endian samples, the layout cloud recognizers accept as audio/l16.
func (s *Source) MonoPCM16() []byte {
	ch := s.Channels()
	frames := s.Frames()
	shift := s.BitDepth - 16
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < ch; c++ {
			sum += s.buf.Data[i*ch+c]
		}
		v := sum / ch
		if s.BitDepth == 8 {
			// 8-bit WAV samples are unsigned
			v -= 128
		}
		switch {
		case shift > 0:
			v >>= uint(shift)
		case shift < 0:
			v <<= uint(-shift)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func framesToDuration(frames, rate int) time.Duration {
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}

// Chunk is a contiguous, zero-based slice of a Source.
type Chunk struct {
	Index int
	Start time.Duration
	End   time.Duration

	src        *Source
	startFrame int
	endFrame   int
}

// Duration returns End - Start.
func (c Chunk) Duration() time.Duration { return c.End - c.Start }

// Frames returns the frame count covered by the chunk.
func (c Chunk) Frames() int { return c.endFrame - c.startFrame }

// Segment splits src into consecutive chunks of length. Chunks cover the
// source with no gaps or overlaps and only the last may be shorter. A
// source with no frames yields no chunks.
func Segment(src *Source, length time.Duration) ([]Chunk, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}
	rate := src.SampleRate()
	per := int(int64(length) * int64(rate) / int64(time.Second))
	if per <= 0 {
		return nil, fmt.Errorf("%w: %v is shorter than one frame at %d Hz", ErrInvalidLength, length, rate)
	}

	total := src.Frames()
	n := (total + per - 1) / per
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * per
		end := start + per
		if end > total {
			end = total
		}
		chunks = append(chunks, Chunk{
			Index:      i,
			Start:      framesToDuration(start, rate),
			End:        framesToDuration(end, rate),
			src:        src,
			startFrame: start,
			endFrame:   end,
		})
	}
	return chunks, nil
}

// Export writes the chunk to path as a PCM WAV file in the source format.
// A partially written file is removed on error.
func (c Chunk) Export(path string) (err error) {
	if c.src == nil {
		return fmt.Errorf("audio: chunk %d has no source", c.Index)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("audio: close %s: %w", path, cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	ch := c.src.Channels()
	view := &goaudio.IntBuffer{
		Format:         c.src.buf.Format,
		Data:           c.src.buf.Data[c.startFrame*ch : c.endFrame*ch],
		SourceBitDepth: c.src.BitDepth,
	}
	enc := wav.NewEncoder(f, c.src.SampleRate(), c.src.BitDepth, ch, wavFormatPCM)
	if err := enc.Write(view); err != nil {
		return fmt.Errorf("audio: encode chunk %d: %w", c.Index, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize chunk %d: %w", c.Index, err)
	}
	return nil
}
