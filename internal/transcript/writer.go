package transcript

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tiroq/neuralscribe/internal/asr"
)

// Format names an output rendering.
type Format string

const (
	FormatPlain Format = "plain"
	FormatText  Format = "txt"
	FormatSRT   Format = "srt"
	FormatVTT   Format = "vtt"
)

// Formats lists every supported format.
var Formats = []Format{FormatPlain, FormatText, FormatSRT, FormatVTT}

// ParseFormat validates a format name. "" means plain.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return FormatPlain, nil
	}
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown transcript format %q", s)
}

// Render writes a finished transcription. text is the joined transcript
// (or the fallback message) and is what plain prints; the timed formats use
// the segments that carry text. When no segment has text the timed formats
// print text as a single untimed line.
func Render(w io.Writer, format Format, text string, segments []asr.Segment) error {
	bw := bufio.NewWriter(w)
	voiced := make([]asr.Segment, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			s.Text = t
			voiced = append(voiced, s)
		}
	}

	if format != FormatPlain && len(voiced) == 0 {
		format = FormatPlain
	}

	switch format {
	case FormatPlain:
		fmt.Fprintln(bw, text)
	case FormatText:
		writeText(bw, voiced)
	case FormatSRT:
		writeSRT(bw, voiced)
	case FormatVTT:
		writeVTT(bw, voiced)
	default:
		return fmt.Errorf("unknown transcript format %q", format)
	}
	return bw.Flush()
}

// writeText writes one segment per line, each prefixed by its timestamp in
// [HH:MM:SS] format.
func writeText(w io.Writer, segs []asr.Segment) {
	for _, seg := range segs {
		fmt.Fprintf(w, "[%s] %s\n", formatTextTimestamp(seg.Start), seg.Text)
	}
}

// writeSRT writes SubRip cues numbered from 1 with HH:MM:SS,mmm times.
func writeSRT(w io.Writer, segs []asr.Segment) {
	for i, seg := range segs {
		if i > 0 {
			fmt.Fprint(w, "\n")
		}
		fmt.Fprintf(w, "%d\n", i+1)
		fmt.Fprintf(w, "%s --> %s\n", formatSRTTimestamp(seg.Start), formatSRTTimestamp(seg.End))
		fmt.Fprintf(w, "%s\n", seg.Text)
	}
}

// writeVTT writes WebVTT cues with HH:MM:SS.mmm times after the header.
func writeVTT(w io.Writer, segs []asr.Segment) {
	fmt.Fprint(w, "WEBVTT\n")
	for _, seg := range segs {
		fmt.Fprint(w, "\n")
		fmt.Fprintf(w, "%s --> %s\n", formatVTTTimestamp(seg.Start), formatVTTTimestamp(seg.End))
		fmt.Fprintf(w, "%s\n", seg.Text)
	}
}

// formatTextTimestamp formats a duration as HH:MM:SS for plain text output.
func formatTextTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatSRTTimestamp formats a duration as HH:MM:SS,mmm (SRT subtitle format).
func formatSRTTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// formatVTTTimestamp formats a duration as HH:MM:SS.mmm (WebVTT format).
func formatVTTTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
