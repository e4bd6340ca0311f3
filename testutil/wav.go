package testutil

import (
	"math"
	"os"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// TestSampleRate keeps generated fixtures small while still giving
// millisecond resolution.
const TestSampleRate = 1000

// WriteWAV writes a mono 16-bit PCM sine tone of the given duration.
func WriteWAV(t *testing.T, path string, d time.Duration, rate int) {
	t.Helper()
	frames := int(int64(d) * int64(rate) / int64(time.Second))
	data := make([]int, frames)
	for i := range data {
		data[i] = int(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav fixture: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav fixture: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav fixture: %v", err)
	}
}
