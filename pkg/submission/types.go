package submission

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
)

// ErrNotFound is returned for an unknown submission id
var ErrNotFound = fmt.Errorf("submission %w", pluginerrors.ErrNotFound)

// ErrConflict is returned when a submission's status changed underneath a
// transition
var ErrConflict = errors.New("submission status changed concurrently")

// ErrRateLimited is returned when a developer exceeds the submission quota
var ErrRateLimited = errors.New("too many submissions, try again later")

// Status is the pipeline stage of a submission
type Status string

const (
	StatusSubmitted           Status = "SUBMITTED"
	StatusAutomatedValidation Status = "AUTOMATED_VALIDATION"
	StatusQueuedForReview     Status = "QUEUED_FOR_REVIEW"
	StatusApproved            Status = "APPROVED"
	StatusRejected            Status = "REJECTED"
	StatusPublished           Status = "PUBLISHED"
)

// edges lists every legal status change
var edges = map[Status][]Status{
	StatusSubmitted:           {StatusAutomatedValidation},
	StatusAutomatedValidation: {StatusQueuedForReview, StatusRejected},
	StatusQueuedForReview:     {StatusApproved, StatusRejected},
	StatusApproved:            {StatusPublished},
}

// CanTransition reports whether from → to is a pipeline edge
func CanTransition(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further change is allowed
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusRejected
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusAutomatedValidation, StatusQueuedForReview,
		StatusApproved, StatusRejected, StatusPublished:
		return true
	}
	return false
}

// Finding is one validation or review remark, field → message
type Finding struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Submission is an uploaded plugin package moving through the pipeline.
// Submissions are never deleted.
type Submission struct {
	ID             string              `json:"id"`
	PriorID        string              `json:"priorId,omitempty"`
	PluginName     string              `json:"pluginName"`
	Version        string              `json:"version"`
	Description    string              `json:"description"`
	DeveloperName  string              `json:"developerName"`
	DeveloperEmail string              `json:"developerEmail"`
	Category       string              `json:"category,omitempty"`
	License        string              `json:"license,omitempty"`
	BinaryRef      string              `json:"binaryRef"`
	Checksum       string              `json:"checksum"`
	SizeBytes      int64               `json:"sizeBytes"`
	Status         Status              `json:"status"`
	Findings       []Finding           `json:"findings,omitempty"`
	Reviewer       string              `json:"reviewer,omitempty"`
	Rationale      string              `json:"rationale,omitempty"`
	Descriptor     *plugins.Descriptor `json:"descriptor,omitempty"`
	SubmittedAt    time.Time           `json:"submittedAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	PublishedAt    *time.Time          `json:"publishedAt,omitempty"`
}

// Clone returns a deep copy
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	c := *s
	c.Findings = append([]Finding(nil), s.Findings...)
	if s.Descriptor != nil {
		d := *s.Descriptor
		d.ContentTypes = append([]string(nil), s.Descriptor.ContentTypes...)
		c.Descriptor = &d
	}
	if s.PublishedAt != nil {
		t := *s.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

// Event is one entry of a submission's append-only history
type Event struct {
	SubmissionID string    `json:"submissionId"`
	From         Status    `json:"from,omitempty"`
	To           Status    `json:"to"`
	Actor        string    `json:"actor,omitempty"`
	Note         string    `json:"note,omitempty"`
	At           time.Time `json:"at"`
}

// Receipt is returned to the submitter on upload
type Receipt struct {
	SubmissionID string    `json:"submissionId"`
	Status       Status    `json:"status"`
	PluginName   string    `json:"pluginName"`
	Version      string    `json:"version"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// Upload is the binary attached to a submission
type Upload struct {
	FileName string
	Data     []byte
}

// Decision is a reviewer's verdict on a queued submission
type Decision struct {
	Approve   bool   `json:"approve"`
	Reviewer  string `json:"reviewer"`
	Rationale string `json:"rationale"`
}
