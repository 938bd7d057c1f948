// Package scoring defines the contract between the grading engine and the
// external services that transcribe speech and assess free-text answers.
package scoring

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// MaxBand is the top of the band scale every subjective score is clamped to.
const MaxBand = 9.0

// Assessment is a holistic score with narrative feedback.
// Heuristic is set when the score was guessed from wording rather than read
// from an explicit number, and should be reviewed by a person.
type Assessment struct {
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`
	Heuristic bool    `json:"heuristic,omitempty"`
}

// Transcriber converts a spoken answer at audioURL to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (string, error)
}

// TextGrader assesses answerText as a response to prompt for the given skill.
type TextGrader interface {
	GradeText(ctx context.Context, req GradeRequest) (Assessment, error)
}

// GradeRequest is the input to a TextGrader.
type GradeRequest struct {
	Skill  string // "WRITING" or "SPEAKING"
	Prompt string
	Answer string
}

// Provider bundles both capabilities.
type Provider interface {
	Transcriber
	TextGrader
}

var (
	scoreMarker = regexp.MustCompile(`(?i)score:[^\S\n]*(\d+(?:\.\d+)?)`)
	markerLine  = regexp.MustCompile(`(?im)^[^\n]*score:[^\S\n]*\d+(?:\.\d+)?[^\n]*\n?`)
)

var keywordBands = []struct {
	score float64
	words []string
}{
	{9, []string{"excellent", "outstanding", "very good"}},
	{7, []string{"good", "solid", "fairly complete"}},
	{5, []string{"average", "ok", "could be better"}},
	{3, []string{"poor", "needs improvement", "major issues"}},
}

// ExtractScore reads a score from free-text grader output. It prefers an
// explicit "Score: N" marker and otherwise guesses from qualitative wording,
// in which case the result is flagged Heuristic. The marker line is removed
// from the returned feedback.
func ExtractScore(text string) Assessment {
	feedback := strings.TrimSpace(markerLine.ReplaceAllString(text, ""))
	if m := scoreMarker.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return Assessment{Score: Clamp(v), Feedback: feedback}
		}
	}
	lower := strings.ToLower(text)
	for _, kb := range keywordBands {
		for _, w := range kb.words {
			if containsWord(lower, w) {
				return Assessment{Score: kb.score, Feedback: feedback, Heuristic: true}
			}
		}
	}
	return Assessment{Score: 0, Feedback: feedback, Heuristic: true}
}

// Clamp limits v to [0, MaxBand].
func Clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > MaxBand:
		return MaxBand
	}
	return v
}

// containsWord reports whether phrase occurs in s on word boundaries, so
// "good" does not match inside "goodbye".
func containsWord(s, phrase string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], phrase)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(phrase)
		if (start == 0 || !isLetter(s[start-1])) && (end == len(s) || !isLetter(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
