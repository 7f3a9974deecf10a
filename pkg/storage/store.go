// Package storage persists operator rules and incidents between restarts.
package storage

import (
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// RuleStore persists the operator rule list in stored order
type RuleStore interface {
	LoadRules() ([]*models.Rule, error)
	SaveRules(rules []*models.Rule) error
}

// IncidentStore persists the incident list newest first
type IncidentStore interface {
	LoadIncidents() ([]*models.Incident, error)
	SaveIncidents(incidents []*models.Incident) error
}

// Ensure FileStore implements both stores
var (
	_ RuleStore     = (*FileStore)(nil)
	_ IncidentStore = (*FileStore)(nil)
)
