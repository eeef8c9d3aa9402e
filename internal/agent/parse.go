package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lucasnoah/orchestra/internal/taskgraph"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

// ErrNoJSON means the output held no parsable JSON object.
var ErrNoJSON = errors.New("no JSON object in agent output")

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\r?\n(.*?)```")

// ExtractJSON returns the JSON object in output. Fenced blocks win, the last
// valid one first; otherwise the outermost braces are tried.
func ExtractJSON(output string) (string, error) {
	blocks := fenceRe.FindAllStringSubmatch(output, -1)
	for i := len(blocks) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(blocks[i][1])
		if strings.HasPrefix(candidate, "{") && json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start >= 0 && end > start {
		candidate := output[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", ErrNoJSON
}

// ParsePlan decodes {"tasks": [...]} into a validated graph. Every task
// starts pending regardless of what the model wrote.
func ParsePlan(output, issueID string) (*taskgraph.Graph, error) {
	raw, err := ExtractJSON(output)
	if err != nil {
		return nil, err
	}
	var plan struct {
		Tasks []taskgraph.Task `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, errors.New("plan has no tasks")
	}
	for i := range plan.Tasks {
		plan.Tasks[i].Status = taskgraph.StatusPending
	}
	return taskgraph.New(plan.Tasks, issueID)
}

// ParseDevResult decodes {"status", "summary", "diff"}. Output without JSON
// counts as a completed task summarised by the text itself.
func ParseDevResult(output string) (DevResult, error) {
	raw, err := ExtractJSON(output)
	if errors.Is(err, ErrNoJSON) {
		return DevResult{Status: taskgraph.StatusCompleted, Summary: truncate(strings.TrimSpace(output), 2000)}, nil
	}
	var r struct {
		Status  string `json:"status"`
		Summary string `json:"summary"`
		Diff    string `json:"diff"`
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return DevResult{}, fmt.Errorf("decode developer result: %w", err)
	}
	res := DevResult{Status: taskgraph.StatusCompleted, Summary: r.Summary, Diff: r.Diff}
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "", "completed", "complete", "done", "success":
	case "failed", "failure", "error":
		res.Status = taskgraph.StatusFailed
	default:
		return DevResult{}, fmt.Errorf("unknown developer status %q", r.Status)
	}
	return res, nil
}

// ParseReview decodes {"approved", "severity", "comments"}; comments may be a
// string or a list. Without JSON it falls back to the VERDICT:/COMMENTS:
// text format.
func ParseReview(output, persona string) (workflow.ReviewResult, error) {
	res := workflow.ReviewResult{ReviewerPersona: persona}
	raw, err := ExtractJSON(output)
	if err != nil {
		return parseVerdictText(output, persona)
	}
	var r struct {
		Approved *bool           `json:"approved"`
		Severity string          `json:"severity"`
		Comments json.RawMessage `json:"comments"`
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return res, fmt.Errorf("decode review: %w", err)
	}
	if r.Approved == nil {
		return parseVerdictText(output, persona)
	}
	res.Approved = *r.Approved
	res.Severity = workflow.ParseSeverity(strings.ToLower(strings.TrimSpace(r.Severity)))
	res.Comments = decodeComments(r.Comments)
	return res, nil
}

func decodeComments(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return nonBlank(list)
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return nonBlank([]string{one})
	}
	return []string{string(raw)}
}

// parseVerdictText reads:
//
//	VERDICT: APPROVE
//	SEVERITY: low
//	COMMENTS:
//	- file:line: description
func parseVerdictText(output, persona string) (workflow.ReviewResult, error) {
	res := workflow.ReviewResult{ReviewerPersona: persona, Severity: workflow.SeverityMedium}
	found := false
	inComments := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "VERDICT:"):
			if approved, ok := parseVerdict(upper[len("VERDICT:"):]); ok {
				res.Approved, found = approved, true
			}
			inComments = false
		case strings.HasPrefix(upper, "SEVERITY:"):
			res.Severity = workflow.ParseSeverity(strings.ToLower(strings.TrimSpace(trimmed[len("SEVERITY:"):])))
			inComments = false
		case strings.HasPrefix(upper, "COMMENTS:"):
			inComments = true
			if rest := strings.TrimSpace(trimmed[len("COMMENTS:"):]); rest != "" {
				res.Comments = append(res.Comments, rest)
			}
		case inComments && (strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*")):
			if c := strings.TrimSpace(trimmed[1:]); c != "" {
				res.Comments = append(res.Comments, c)
			}
		}
	}
	if !found {
		return res, errors.New("review output has neither JSON nor a VERDICT line")
	}
	return res, nil
}

var (
	rejectWords  = map[string]bool{"NOT": true, "NO": true, "REJECT": true, "REJECTED": true, "CHANGES": true, "REQUEST_CHANGES": true, "CHANGES_REQUESTED": true, "FAIL": true, "FAILED": true}
	approveWords = map[string]bool{"APPROVE": true, "APPROVED": true, "ACCEPT": true, "ACCEPTED": true, "LGTM": true, "PASS": true}
)

// parseVerdict reads the words after VERDICT:. Any negative word rejects, so
// "NOT APPROVED" is a rejection; otherwise the first word must approve.
func parseVerdict(v string) (approved, ok bool) {
	words := strings.FieldsFunc(v, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_'
	})
	if len(words) == 0 {
		return false, false
	}
	for _, w := range words {
		if rejectWords[w] {
			return false, true
		}
	}
	if approveWords[words[0]] {
		return true, true
	}
	return false, false
}

func nonBlank(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
