package saver

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scribehq/scribe/api/pkg/types"
)

func render(format types.OutputFormat, result *types.TranscriptionResult) (string, error) {
	switch format {
	case types.OutputFormatTXT:
		return renderTXT(result), nil
	case types.OutputFormatSRT:
		return renderSRT(result), nil
	case types.OutputFormatVTT:
		return renderVTT(result), nil
	case types.OutputFormatJSON:
		return renderJSON(result)
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}
}

func renderTXT(result *types.TranscriptionResult) string {
	return strings.TrimSpace(result.Text) + "\n"
}

// renderSRT produces SubRip cues with HH:MM:SS,mmm timestamps and
// 1-based cue numbering.
func renderSRT(result *types.TranscriptionResult) string {
	var b strings.Builder
	for i, seg := range result.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatTimestamp(seg.Start, ","), formatTimestamp(seg.End, ","))
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n\n")
	}
	return b.String()
}

// renderVTT produces WebVTT, which differs from SRT in its header and
// the dot millisecond separator.
func renderVTT(result *types.TranscriptionResult) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range result.Segments {
		fmt.Fprintf(&b, "%s --> %s\n", formatTimestamp(seg.Start, "."), formatTimestamp(seg.End, "."))
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n\n")
	}
	return b.String()
}

func renderJSON(result *types.TranscriptionResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

// formatTimestamp renders seconds as HH:MM:SS<sep>mmm.
func formatTimestamp(seconds float64, msSeparator string) string {
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, msSeparator, ms)
}
