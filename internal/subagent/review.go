package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agenthost/internal/providers"
)

// Verdict is a review outcome: accepted, or rejected with guidance for
// the next attempt.
type Verdict struct {
	Accepted          bool
	Feedback          string
	Suggestions       []string
	MissingDimensions []string
}

// Reviewer judges a task result against its criteria.
type Reviewer interface {
	Review(ctx context.Context, description, result, criteria string, attempt int) Verdict
}

// BackendReviewer implements Reviewer with one model call per review.
// Any failure to review resolves to accept, so a broken review path
// can never spin a task forever.
type BackendReviewer struct {
	backend providers.Backend
	clock   func() time.Time
}

// NewBackendReviewer creates a reviewer over the model backend.
func NewBackendReviewer(backend providers.Backend) *BackendReviewer {
	return &BackendReviewer{backend: backend, clock: time.Now}
}

const maxReviewedResultChars = 8000

func (r *BackendReviewer) Review(ctx context.Context, description, result, criteria string, attempt int) Verdict {
	resultText := result
	if len(resultText) > maxReviewedResultChars {
		resultText = resultText[:maxReviewedResultChars] + "\n\n...[truncated]"
	}
	prompt := fmt.Sprintf(`You are a task quality reviewer. Today is %s. Judge whether the result below meets the quality criteria.

## Task
%s

## Quality criteria
%s

## Result (attempt %d)
%s

## Output format
Answer strictly in this format:

VERDICT: [PASS or REJECT]
FEEDBACK: [if REJECT, the concrete problems and how to fix them; if PASS, one line on why]
SUGGESTIONS: [optional, one per line prefixed with "- ": directions the next attempt should explore]
MISSING: [optional, one per line prefixed with "- ": aspects the result did not cover]`,
		r.clock().Format("2006-01-02"), description, criteria, attempt, resultText)

	res, err := r.backend.Invoke(ctx, providers.Invocation{
		Messages:  []providers.Message{{Role: "user", Content: prompt}},
		MaxTokens: 500,
	})
	if err != nil {
		slog.Warn("review.call_failed", "error", err)
		return Verdict{Accepted: true, Feedback: fmt.Sprintf("review unavailable: %v", err)}
	}
	return ParseVerdict(res.Text)
}

// ParseVerdict interprets a review reply. An answer without a clear
// verdict counts as accepted.
func ParseVerdict(text string) Verdict {
	upper := strings.ToUpper(text)
	rejected := strings.Contains(upper, "VERDICT: REJECT") || strings.Contains(upper, "VERDICT:REJECT")
	accepted := strings.Contains(upper, "VERDICT: PASS") || strings.Contains(upper, "VERDICT:PASS")
	if !rejected && !accepted {
		slog.Warn("review.unclear_verdict", "head", head(text, 120))
		return Verdict{Accepted: true, Feedback: "unclear review verdict, accepting"}
	}

	v := Verdict{Accepted: !rejected}
	if i := strings.Index(upper, "FEEDBACK:"); i >= 0 {
		rest := text[i+len("FEEDBACK:"):]
		if j := indexAnySection(rest); j >= 0 {
			rest = rest[:j]
		}
		v.Feedback = strings.TrimSpace(rest)
	}
	if v.Feedback == "" && rejected {
		v.Feedback = "result did not meet the quality criteria"
	}
	v.Suggestions = parseBulletSection(text, "SUGGESTIONS:")
	v.MissingDimensions = parseBulletSection(text, "MISSING:")
	return v
}

func indexAnySection(s string) int {
	upper := strings.ToUpper(s)
	min := -1
	for _, marker := range []string{"SUGGESTIONS:", "MISSING:"} {
		if i := strings.Index(upper, marker); i >= 0 && (min < 0 || i < min) {
			min = i
		}
	}
	return min
}

func parseBulletSection(text, marker string) []string {
	i := strings.Index(strings.ToUpper(text), marker)
	if i < 0 {
		return nil
	}
	var items []string
	for _, line := range strings.Split(text[i+len(marker):], "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- "):
			items = append(items, strings.TrimPrefix(line, "- "))
		case line == "":
		case looksLikeSection(line):
			return items
		case len(items) > 0:
			return items
		}
	}
	return items
}

func looksLikeSection(line string) bool {
	upper := strings.ToUpper(line)
	for _, marker := range []string{"VERDICT:", "FEEDBACK:", "SUGGESTIONS:", "MISSING:"} {
		if strings.HasPrefix(upper, marker) {
			return true
		}
	}
	return false
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
