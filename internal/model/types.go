package model

import (
	"math"
	"time"
)

// User is the profile returned by the backend for the signed-in account.
type User struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// Credential pairs the backend bearer token with the user it identifies.
// It is always handed around by value.
type Credential struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Complete reports whether both halves of the credential are present.
func (c Credential) Complete() bool {
	return c.Token != "" && c.User.ID != ""
}

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition can be observed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Mode selects the classifier used by the backend.
type Mode string

// Scope selects which mailbox messages a job covers.
type Scope string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeAccurate Mode = "accurate"

	ScopeUnread Scope = "unread"
	ScopeInbox  Scope = "inbox"
	ScopeRecent Scope = "recent"
	ScopeAll    Scope = "all"
)

var (
	KnownModes  = []Mode{ModeFast, ModeBalanced, ModeAccurate}
	KnownScopes = []Scope{ScopeUnread, ScopeInbox, ScopeRecent, ScopeAll}
)

// Job is the client's read-only copy of a backend sorting run.
type Job struct {
	JobID           string         `json:"job_id"`
	Status          JobStatus      `json:"status"`
	Mode            Mode           `json:"mode,omitempty"`
	Scope           Scope          `json:"scope,omitempty"`
	TotalEmails     int            `json:"total_emails"`
	ProcessedEmails int            `json:"processed_emails"`
	ErrorCount      int            `json:"error_count"`
	CategoryCounts  map[string]int `json:"category_counts,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`   // ISO-8601 as sent by the backend
	CompletedAt     string         `json:"completed_at,omitempty"` // empty until terminal
}

// ProgressPercent returns round(100*processed/total), 0 when total is 0.
func (j Job) ProgressPercent() int {
	return Percent(j.ProcessedEmails, j.TotalEmails)
}

// Percent is the rounding rule shared by the dashboard and CLI output.
func Percent(done, total int) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(done) / float64(total)))
	if p > 100 {
		return 100
	}
	return p
}

// FreshnessWindow bounds how old a pending hand-off record may be.
const FreshnessWindow = 30 * time.Second

// PendingAuth is the transient record left behind by the sign-in page.
type PendingAuth struct {
	Token     string
	User      User
	Timestamp time.Time
}

// Fresh reports whether the record is younger than FreshnessWindow at now.
func (p PendingAuth) Fresh(now time.Time) bool {
	return now.Sub(p.Timestamp) < FreshnessWindow
}

// Credential drops the timestamp.
func (p PendingAuth) Credential() Credential {
	return Credential{Token: p.Token, User: p.User}
}

// Stats aggregates the most recent completed runs.
type Stats struct {
	TotalProcessed int            `json:"total_processed"`
	UnreadCount    int            `json:"unread_count"`
	LastRunTime    string         `json:"last_run_time"`
	CategoryCounts map[string]int `json:"category_counts"`
}

// Category is one of the backend's classification buckets.
type Category struct {
	ID          int    `json:"id,omitempty"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description,omitempty"`
	GmailLabel  string `json:"gmail_label,omitempty"`
}

// ParseTimestamp accepts the backend's ISO-8601 values, with or without a
// zone offset (naive values are taken as UTC).
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC); err == nil {
		return t, true
	}
	return time.Time{}, false
}
