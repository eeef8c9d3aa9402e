package workflow

import (
	"regexp"
	"strings"
)

var (
	criteriaHeaderRe = regexp.MustCompile(`(?mi)^#{2,3}\s+acceptance\s+criteria\s*$`)
	checkboxRe       = regexp.MustCompile(`(?m)^\s*[-*]\s+\[[ xX]\]\s+(.+)$`)
	nextHeaderRe     = regexp.MustCompile(`(?m)^#{1,3}\s+`)
)

// AcceptanceCriteria pulls the acceptance criteria out of the description:
// the section under an "Acceptance Criteria" heading, or failing that every
// checkbox item. Returns "" when the description has neither.
func (i Issue) AcceptanceCriteria() string {
	body := i.Description
	if loc := criteriaHeaderRe.FindStringIndex(body); loc != nil {
		section := body[loc[1]:]
		if next := nextHeaderRe.FindStringIndex(section); next != nil {
			section = section[:next[0]]
		}
		return strings.TrimSpace(section)
	}

	matches := checkboxRe.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return ""
	}
	items := make([]string, 0, len(matches))
	for _, m := range matches {
		items = append(items, "- "+strings.TrimSpace(m[1]))
	}
	return strings.Join(items, "\n")
}
