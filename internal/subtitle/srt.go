// Package subtitle converts timed caption segments to and from SRT text.
//
// The encoded form is the file the compositor burns into video frames, so the
// layout is fixed: index line, "HH:MM:SS,mmm --> HH:MM:SS,mmm" line, text,
// blank separator. There are no escaping rules, so a blank line ends a cue:
// cue text cannot carry carriage returns or blank and whitespace-only lines.
// Encode drops those, Validate reports them, and round-trips are exact only
// for text without them.
package subtitle

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/jo-hoe/mediajobs/internal/failure"
)

// Word is a word-level timing inside a segment.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is a timed caption unit. Start and End are seconds.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Words []Word  `json:"words,omitempty"`
}

const timingArrow = " --> "

// Encode renders segments as SRT. An empty slice yields "".
func Encode(segments []Segment) string {
	if len(segments) == 0 {
		return ""
	}
	var b strings.Builder
	for i, seg := range segments {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteByte('\n')
		b.WriteString(FormatTimestamp(seg.Start))
		b.WriteString(timingArrow)
		b.WriteString(FormatTimestamp(seg.End))
		b.WriteByte('\n')
		b.WriteString(cueText(seg.Text))
		b.WriteString("\n\n")
	}
	return b.String()
}

// cueText removes what SRT cannot carry inside a cue.
func cueText(text string) string {
	if Representable(text) {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// Representable reports whether text survives an encode and decode unchanged.
// Empty text is representable.
func Representable(text string) bool {
	if text == "" {
		return true
	}
	if strings.ContainsRune(text, '\r') {
		return false
	}
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) == "" {
			return false
		}
	}
	return true
}

// WriteFile encodes segments into path as UTF-8 without a byte order mark.
func WriteFile(path string, segments []Segment) error {
	if err := os.WriteFile(path, []byte(Encode(segments)), 0o600); err != nil {
		return fmt.Errorf("write srt: %w", err)
	}
	return nil
}

// FormatTimestamp converts seconds to HH:MM:SS,mmm. Milliseconds are truncated;
// the tiny bias keeps values like 1.001 from landing one millisecond low after
// binary rounding.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	total := int64(math.Floor(seconds*1000 + 1e-6))
	ms := total % 1000
	s := (total / 1000) % 60
	m := (total / 60000) % 60
	h := total / 3600000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// ParseTimestamp parses HH:MM:SS,mmm (a period separator is accepted too).
func ParseTimestamp(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	value = strings.ReplaceAll(value, ".", ",")
	timeParts := strings.Split(value, ",")
	if len(timeParts) != 2 {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	hms := strings.Split(timeParts[0], ":")
	if len(hms) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	hours, errH := strconv.Atoi(hms[0])
	minutes, errM := strconv.Atoi(hms[1])
	seconds, errS := strconv.Atoi(hms[2])
	millis, errMS := strconv.Atoi(timeParts[1])
	if errH != nil || errM != nil || errS != nil || errMS != nil {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	if hours < 0 || minutes < 0 || minutes > 59 || seconds < 0 || seconds > 59 || millis < 0 || millis > 999 {
		return 0, fmt.Errorf("timestamp out of range %q", value)
	}
	totalMS := int64(hours)*3600000 + int64(minutes)*60000 + int64(seconds)*1000 + int64(millis)
	return float64(totalMS) / 1000, nil
}

// Decode parses SRT text. Stray blank lines between cues are ignored and cue
// text spanning several lines is joined with "\n".
func Decode(text string) ([]Segment, error) {
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var out []Segment
	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "" {
			i++
			continue
		}
		indexLine := strings.TrimSpace(lines[i])
		if _, err := strconv.Atoi(indexLine); err != nil {
			return nil, malformed(i+1, "invalid cue index %q", indexLine)
		}
		i++
		if i >= len(lines) {
			return nil, malformed(i, "cue %s has no timing line", indexLine)
		}
		start, end, err := parseTiming(lines[i])
		if err != nil {
			return nil, malformed(i+1, "%v", err)
		}
		if end < start {
			return nil, malformed(i+1, "cue %s ends before it starts", indexLine)
		}
		i++
		var body []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			body = append(body, lines[i])
			i++
		}
		out = append(out, Segment{Text: strings.Join(body, "\n"), Start: start, End: end})
	}
	return out, nil
}

func parseTiming(line string) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid timing line %q", strings.TrimSpace(line))
	}
	start, err := ParseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	// Anything after the end timestamp (cue settings) is ignored.
	endFields := strings.Fields(parts[1])
	if len(endFields) == 0 {
		return 0, 0, fmt.Errorf("invalid timing line %q", strings.TrimSpace(line))
	}
	end, err := ParseTimestamp(endFields[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func malformed(line int, format string, args ...any) error {
	return &failure.Error{
		Kind: failure.KindMalformedSubtitle,
		Op:   fmt.Sprintf("decode srt line %d", line),
		Msg:  fmt.Sprintf(format, args...),
	}
}

// Validate reports data-quality issues: inverted cues, unsorted starts,
// overlaps and text that SRT cannot carry. Callers log these; they never fail
// a job.
func Validate(segments []Segment) []string {
	var issues []string
	for i, seg := range segments {
		if seg.End < seg.Start {
			issues = append(issues, fmt.Sprintf("segment %d: end %.3f before start %.3f", i+1, seg.End, seg.Start))
		}
		if !Representable(seg.Text) {
			issues = append(issues, fmt.Sprintf("segment %d: text has blank lines or carriage returns", i+1))
		}
		if i == 0 {
			continue
		}
		prev := segments[i-1]
		if seg.Start < prev.Start {
			issues = append(issues, fmt.Sprintf("segment %d: starts before segment %d", i+1, i))
		} else if seg.Start < prev.End {
			issues = append(issues, fmt.Sprintf("segment %d: overlaps segment %d by %.3fs", i+1, i, prev.End-seg.Start))
		}
	}
	return issues
}
