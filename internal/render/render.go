package render

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/example/miniminds/internal/inference"
	"github.com/example/miniminds/internal/workflow"
)

const barWidth = 20

// Keywords are emphasized wherever they appear, ignoring case.
var Keywords = []string{"non-autistic", "autistic", "autism", "confidence", "prediction", "analysis"}

var (
	percentPattern = regexp.MustCompile(`\d+(?:\.\d+)?\s?%`)
	keywordPattern = regexp.MustCompile(`(?i)\b(?:` + keywordAlternation() + `)\b`)
)

func keywordAlternation() string {
	quoted := make([]string, len(Keywords))
	for i, k := range Keywords {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return strings.Join(quoted, "|")
}

// Entry is one rendered prediction.
type Entry struct {
	Label      string  `json:"label"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Bar        string  `json:"bar"`
}

// Entries renders every prediction with its label and numeric confidence.
func Entries(result *inference.PredictionResult) []Entry {
	if result == nil {
		return nil
	}
	entries := make([]Entry, 0, len(result.Predictions))
	for _, p := range result.Predictions {
		entries = append(entries, Entry{
			Label:      p.Label,
			Class:      p.Class,
			Confidence: p.Confidence,
			Bar:        Bar(p.Confidence),
		})
	}
	return entries
}

// Bar draws a fixed-width progress bar for a confidence in [0, 100].
func Bar(confidence float64) string {
	clamped := math.Max(0, math.Min(100, confidence))
	filled := int(math.Round(clamped / 100 * barWidth))
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}

// Highlighter wraps percentage figures and keywords with markers.
type Highlighter struct {
	Open  string
	Close string
}

// Markdown emphasizes with bold markers.
var Markdown = Highlighter{Open: "**", Close: "**"}

// ANSI emphasizes with bold terminal escapes.
var ANSI = Highlighter{Open: "\x1b[1m", Close: "\x1b[0m"}

// Highlight emphasizes percentages first and then keywords, so a keyword
// inside an emphasized span is not wrapped twice.
func (h Highlighter) Highlight(text string) string {
	type span struct{ start, end int }
	var spans []span
	for _, loc := range percentPattern.FindAllStringIndex(text, -1) {
		spans = append(spans, span{loc[0], loc[1]})
	}
	for _, loc := range keywordPattern.FindAllStringIndex(text, -1) {
		overlaps := false
		for _, s := range spans {
			if loc[0] < s.end && s.start < loc[1] {
				overlaps = true
				break
			}
		}
		if !overlaps {
			spans = append(spans, span{loc[0], loc[1]})
		}
	}
	if len(spans) == 0 {
		return text
	}

	starts := make(map[int]int, len(spans))
	for _, s := range spans {
		starts[s.start] = s.end
	}

	var b strings.Builder
	for i := 0; i < len(text); {
		if end, ok := starts[i]; ok {
			b.WriteString(h.Open)
			b.WriteString(text[i:end])
			b.WriteString(h.Close)
			i = end
			continue
		}
		b.WriteByte(text[i])
		i++
	}
	return b.String()
}

// Report renders a snapshot as plain text.
func Report(snap workflow.Snapshot, h Highlighter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%s): %s\n", snap.SessionID, snap.Variant, snap.Status)

	switch snap.Status {
	case workflow.StatusFailed:
		fmt.Fprintf(&b, "\nError: %s\n", snap.Error)
		return b.String()
	case workflow.StatusSucceeded:
	default:
		return b.String()
	}

	if snap.Outcome == nil {
		return b.String()
	}
	if p := snap.Outcome.Prediction; p != nil {
		fmt.Fprintf(&b, "\nFile: %s\n", p.Filename)
		for _, e := range Entries(p) {
			fmt.Fprintf(&b, "%-18s %-14s %s %6.2f%%\n", e.Label, e.Class, e.Bar, e.Confidence)
		}
	}
	if v := snap.Outcome.Video; v != nil && len(v.Responses) > 0 {
		b.WriteString("\nVideo observations:\n")
		for i, r := range v.Responses {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, h.Highlight(r))
		}
	}
	if snap.Outcome.Verdict != "" {
		b.WriteString("\nVerdict:\n")
		b.WriteString(h.Highlight(snap.Outcome.Verdict))
		b.WriteString("\n")
	}
	return b.String()
}
