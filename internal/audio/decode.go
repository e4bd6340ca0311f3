package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
)

// Decoder turns a file on disk into an in-memory Source.
type Decoder interface {
	Decode(ctx context.Context, path string) (*Source, error)
}

// WAVDecoder reads RIFF/WAVE PCM files directly.
type WAVDecoder struct{}

// Decode reads the whole PCM payload of path.
func (WAVDecoder) Decode(ctx context.Context, path string) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		if derr := d.Err(); derr != nil {
			return nil, fmt.Errorf("audio: %s is not a valid wav file: %w", filepath.Base(path), derr)
		}
		return nil, fmt.Errorf("audio: %s is not a valid wav file", filepath.Base(path))
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode %s: %w", filepath.Base(path), err)
	}
	return NewSource(path, buf, int(d.BitDepth))
}

// FFmpegDecoder transcodes any container ffmpeg understands into a mono
// 16 kHz 16-bit WAV inside ScratchDir, decodes it, and removes the
// intermediate file.
type FFmpegDecoder struct {
	Binary     string // default "ffmpeg"
	ScratchDir string // default os.TempDir()
	SampleRate int    // default 16000
}

// Decode shells out to ffmpeg and then reads the result with WAVDecoder.
func (d FFmpegDecoder) Decode(ctx context.Context, path string) (*Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	dir := d.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	rate := d.SampleRate
	if rate <= 0 {
		rate = 16000
	}

	tmp, err := os.CreateTemp(dir, "decode-*.wav")
	if err != nil {
		return nil, fmt.Errorf("audio: create transcode target: %w", err)
	}
	out := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(out)

	// ffmpeg -y -i input -ac 1 -ar 16000 -sample_fmt s16 -f wav output
	cmd := exec.CommandContext(ctx, bin,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-y", "-i", path,
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"-sample_fmt", "s16",
		"-f", "wav",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("audio: ffmpeg %s: %w", filepath.Base(path), err)
		}
		return nil, fmt.Errorf("audio: ffmpeg %s: %w: %s", filepath.Base(path), err, msg)
	}

	src, err := WAVDecoder{}.Decode(ctx, out)
	if err != nil {
		return nil, err
	}
	src.Path = path
	return src, nil
}

// AutoDecoder reads .wav files natively and hands everything else to
// FFmpeg. If the native read of a .wav fails (for example a float or
// compressed WAV), it retries through FFmpeg when configured.
type AutoDecoder struct {
	FFmpeg *FFmpegDecoder
}

// Decode dispatches on the file extension.
func (a AutoDecoder) Decode(ctx context.Context, path string) (*Source, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		src, err := WAVDecoder{}.Decode(ctx, path)
		if err == nil || a.FFmpeg == nil {
			return src, err
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, err
		}
		fsrc, ferr := a.FFmpeg.Decode(ctx, path)
		if ferr != nil {
			return nil, fmt.Errorf("%w (ffmpeg retry: %v)", err, ferr)
		}
		return fsrc, nil
	}
	if a.FFmpeg == nil {
		return nil, fmt.Errorf("%w: %s (ffmpeg not configured)", ErrUnsupported, filepath.Ext(path))
	}
	return a.FFmpeg.Decode(ctx, path)
}
