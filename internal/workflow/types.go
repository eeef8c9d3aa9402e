// Package workflow defines the workflow aggregate and the pure state machine
// that advances it.
package workflow

import (
	"time"

	"github.com/lucasnoah/orchestra/internal/taskgraph"
)

// Status is the stage a workflow is in.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPlanning        Status = "planning"
	StatusPendingApproval Status = "pending_approval"
	StatusExecuting       Status = "executing"
	StatusReviewing       Status = "reviewing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusPendingApproval, StatusExecuting,
		StatusReviewing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Issue is the immutable snapshot of the tracker item being worked on.
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// Severity ranks review findings.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int { return severityRank[s] }

// ParseSeverity maps free text onto a known severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	sev := Severity(s)
	if _, ok := severityRank[sev]; ok {
		return sev
	}
	return SeverityMedium
}

// ReviewResult is one reviewer's verdict on one review pass.
type ReviewResult struct {
	ReviewerPersona string   `json:"reviewer_persona"`
	Approved        bool     `json:"approved"`
	Comments        []string `json:"comments"`
	Severity        Severity `json:"severity"`
	Iteration       int      `json:"iteration"`
}

// Role identifies the author of an AgentMessage.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleDeveloper Role = "developer"
	RoleReviewer  Role = "reviewer"
	RoleHuman     Role = "human"
	RoleSystem    Role = "system"
)

// AgentMessage is one entry in the workflow's conversation log.
type AgentMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the durable record of one workflow run.
type State struct {
	ID              string           `json:"id"`
	Issue           Issue            `json:"issue"`
	Plan            *taskgraph.Graph `json:"plan,omitempty"`
	CurrentTaskID   string           `json:"current_task_id,omitempty"`
	HumanApproved   *bool            `json:"human_approved,omitempty"`
	ReviewResults   []ReviewResult   `json:"review_results"`
	Messages        []AgentMessage   `json:"messages"`
	StagedDiff      string           `json:"staged_diff,omitempty"`
	ReviewIteration int              `json:"review_iteration"`
	Status          Status           `json:"status"`
	WorktreePath    string           `json:"worktree_path"`
	Profile         string           `json:"profile"`
	Reason          string           `json:"reason,omitempty"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	RevisionPending bool             `json:"revision_pending,omitempty"`
	Started         bool             `json:"started"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// NewState returns a workflow in pending at version 1.
func NewState(id string, issue Issue, worktree, profile string, now time.Time) *State {
	return &State{
		ID:            id,
		Issue:         issue,
		Status:        StatusPending,
		WorktreePath:  worktree,
		Profile:       profile,
		ReviewResults: []ReviewResult{},
		Messages:      []AgentMessage{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy suitable for handing to readers or persisting.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Plan = s.Plan.Clone()
	if s.HumanApproved != nil {
		v := *s.HumanApproved
		c.HumanApproved = &v
	}
	c.ReviewResults = make([]ReviewResult, len(s.ReviewResults))
	for i, r := range s.ReviewResults {
		r.Comments = append([]string(nil), r.Comments...)
		c.ReviewResults[i] = r
	}
	c.Messages = append(make([]AgentMessage, 0, len(s.Messages)), s.Messages...)
	return &c
}

// LastFeedback returns the most recent human or reviewer message, used as
// context for replanning and revision passes.
func (s *State) LastFeedback() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role == RoleHuman || m.Role == RoleReviewer {
			return m.Content
		}
	}
	return ""
}
