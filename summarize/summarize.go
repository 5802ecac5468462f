// Package summarize turns a meeting transcript into notes.
//
// Digest is an offline summarizer with no external dependencies; the
// openai subpackage calls a hosted model.
package summarize

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ggoodman/meetingscribe/meetings"
)

// EmptyNotes is returned for a meeting in which nobody spoke.
const EmptyNotes = "No dialogue was recorded."

const defaultMaxLines = 10

// DefaultCues mark a line as worth keeping in a Digest.
var DefaultCues = []string{
	"action item",
	"agree",
	"decide",
	"decision",
	"deadline",
	"follow up",
	"next step",
	"todo",
	"will ",
}

// Digest extracts notes from a transcript: who took part, then the lines
// that carry one of Cues. When no line does, the opening lines are kept
// instead.
type Digest struct {
	// MaxLines bounds how many transcript lines are kept. Default: 10.
	MaxLines int
	// Cues are matched case-insensitively. Default: DefaultCues.
	Cues []string
}

func (d Digest) Summarize(ctx context.Context, lines []meetings.Line) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return EmptyNotes, nil
	}

	maxLines := d.MaxLines
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	cues := d.Cues
	if len(cues) == 0 {
		cues = DefaultCues
	}

	var speakers []string
	for _, l := range lines {
		if !slices.Contains(speakers, l.Speaker) {
			speakers = append(speakers, l.Speaker)
		}
	}

	var kept []meetings.Line
	for _, l := range lines {
		if len(kept) == maxLines {
			break
		}
		if hasCue(l.Text, cues) {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		kept = lines[:min(maxLines, len(lines))]
	}

	out := make([]string, 0, len(kept)+1)
	out = append(out, fmt.Sprintf("Participants: %s", strings.Join(speakers, ", ")))
	for _, l := range kept {
		out = append(out, l.Speaker+": "+l.Text)
	}
	return strings.Join(out, "\n"), nil
}

func hasCue(text string, cues []string) bool {
	text = strings.ToLower(text) + " "
	for _, c := range cues {
		if strings.Contains(text, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

var _ meetings.Summarizer = Digest{}
