package models

import (
	"time"
)

// Incident is a user-facing record of a detected condition
type Incident struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Severity     Severity          `json:"severity"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	SourceModule string            `json:"sourceModule"`
	Metadata     map[string]string `json:"metadata"`
	Acknowledged bool              `json:"acknowledged"`
	Resolved     bool              `json:"resolved"`
}

// Unacknowledged reports whether the incident still needs operator attention
func (i *Incident) Unacknowledged() bool {
	return !i.Acknowledged && !i.Resolved
}

// OpenCritical reports whether the incident is critical and not yet resolved
func (i *Incident) OpenCritical() bool {
	return i.Severity == SeverityCritical && !i.Resolved
}

// IncidentCounts holds the derived counters of the incident store
type IncidentCounts struct {
	Total          int `json:"total"`
	Unacknowledged int `json:"unacknowledged"`
	Critical       int `json:"critical"`
}

// IncidentFilter narrows an incident listing. Zero values match everything.
type IncidentFilter struct {
	Severity       Severity
	OnlyUnacked    bool
	OnlyUnresolved bool
	SourceModule   string
	Limit          int
}

// Match reports whether the incident passes the filter
func (f IncidentFilter) Match(i *Incident) bool {
	if f.Severity != "" && i.Severity != f.Severity {
		return false
	}
	if f.OnlyUnacked && !i.Unacknowledged() {
		return false
	}
	if f.OnlyUnresolved && i.Resolved {
		return false
	}
	if f.SourceModule != "" && i.SourceModule != f.SourceModule {
		return false
	}
	return true
}

// IncidentNoticeKind describes what happened to an incident
type IncidentNoticeKind string

const (
	NoticeNewIncident  IncidentNoticeKind = "incident.created"
	NoticeNewCritical  IncidentNoticeKind = "incident.critical"
	NoticeAcknowledged IncidentNoticeKind = "incident.acknowledged"
	NoticeResolved     IncidentNoticeKind = "incident.resolved"
	NoticeCleared      IncidentNoticeKind = "incident.cleared"
)

// IncidentNotice is delivered to incident store subscribers
type IncidentNotice struct {
	Kind     IncidentNoticeKind `json:"kind"`
	Incident Incident           `json:"incident"`
	Counts   IncidentCounts     `json:"counts"`
}
