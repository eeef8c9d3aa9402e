package workflow

import (
	"fmt"
	"strings"
)

// Verdict is the combined outcome of one review pass.
type Verdict struct {
	Approved bool
	Severity Severity
	Feedback string
}

// Aggregate combines the results of one review pass. The pass is approved
// only when every reviewer approves; otherwise the highest severity wins and
// every comment is carried into the feedback, prefixed by its persona.
func Aggregate(results []ReviewResult) Verdict {
	if len(results) == 0 {
		return Verdict{Severity: SeverityMedium, Feedback: "no review results"}
	}
	v := Verdict{Approved: true, Severity: SeverityLow}
	var lines []string
	for _, r := range results {
		if !r.Approved {
			v.Approved = false
		}
		if r.Severity.Rank() > v.Severity.Rank() {
			v.Severity = r.Severity
		}
		for _, c := range r.Comments {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if r.ReviewerPersona != "" {
				c = fmt.Sprintf("[%s] %s", r.ReviewerPersona, c)
			}
			lines = append(lines, c)
		}
	}
	v.Feedback = strings.Join(lines, "\n")
	return v
}
