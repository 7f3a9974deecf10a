package models

import (
	"strings"
	"time"
)

// Severity represents the severity level of an event, rule or incident
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known severities
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s is as severe as min
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Event types emitted by the collectors and by the correlation engine
const (
	EventTypeProcessAnomaly      = "process_anomaly"
	EventTypeNetworkConnection   = "network_connection"
	EventTypeDNSRequest          = "dns_request"
	EventTypeFileIntegrityChange = "file_integrity_change"
	EventTypeCronModification    = "cron_modification"
	EventTypeSSHKeyChange        = "ssh_key_change"
	EventTypeSSHLoginFailure     = "ssh_login_failure"
	EventTypeTCCPermissionChange = "tcc_permission_change"
	EventTypeUserAccountChange   = "user_account_change"
	EventTypeSignatureHit        = "signature_hit"
	EventTypeIDSAlert            = "ids_alert"
	EventTypePrivacyEvent        = "privacy_event"
	EventTypeRansomwareActivity  = "ransomware_activity"
	EventTypeConfigChange        = "config_change"
)

// ContextThreatIndicatorMatched is set by upstream collectors on network events whose
// remote address or domain matched a known-bad indicator.
const ContextThreatIndicatorMatched = "threat_indicator_matched"

// Event is a normalized security observation emitted by a collector.
// Events are immutable once inserted into the index.
type Event struct {
	ID        string                 `json:"id" validate:"required"`
	Timestamp time.Time              `json:"timestamp" validate:"required"`
	EventType string                 `json:"event_type" validate:"required"`
	Source    string                 `json:"source"`
	Severity  Severity               `json:"severity" validate:"required,oneof=low medium high critical"`
	Category  string                 `json:"category,omitempty"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// IsNetwork reports whether the event describes network activity
func (e Event) IsNetwork() bool {
	return e.EventType == EventTypeNetworkConnection || e.EventType == EventTypeDNSRequest
}

// ThreatIndicatorMatched reports whether the context carries a positive indicator match
func (e Event) ThreatIndicatorMatched() bool {
	switch v := e.Context[ContextThreatIndicatorMatched].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || v == "1"
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// sourceByType maps event types (and legacy short names) to the collector that emits them
var sourceByType = map[string]string{
	EventTypeFileIntegrityChange: "fsevents_watcher",
	EventTypeProcessAnomaly:      "process_watcher",
	EventTypeNetworkConnection:   "network_watcher",
	EventTypeDNSRequest:          "network_watcher",
	EventTypeIDSAlert:            "ids_engine",
	EventTypeSSHKeyChange:        "ssh_auditor",
	EventTypeSSHLoginFailure:     "ssh_auditor",
	EventTypeUserAccountChange:   "user_account_auditor",
	EventTypeCronModification:    "cron_auditor",
	EventTypeTCCPermissionChange: "tcc_auditor",
	EventTypePrivacyEvent:        "tcc_auditor",
	EventTypeRansomwareActivity:  "ransomware_detector",
	EventTypeSignatureHit:        "signature_engine",
	EventTypeConfigChange:        "config_manager",
	"filesystem":                 "fsevents_watcher",
	"fs":                         "fsevents_watcher",
	"process":                    "process_watcher",
	"network":                    "network_watcher",
	"ids":                        "ids_engine",
	"correlation":                "ids_engine",
	"ssh":                        "ssh_auditor",
	"cron":                       "cron_auditor",
}

// InferSource returns the collector name for an event type, or "unknown"
func InferSource(eventType string) string {
	if src, ok := sourceByType[eventType]; ok {
		return src
	}
	return "unknown"
}
