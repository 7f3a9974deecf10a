package correlation

import (
	"fmt"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// Built-in rule names
const (
	RuleMultipleSuspiciousActivities = "multiple_suspicious_activities"
	RuleHighCPUMaliciousIP           = "high_cpu_malicious_ip"
	RuleMassFileChanges              = "mass_file_changes"
	RuleSSHCompromiseIndicator       = "ssh_compromise_indicator"
	RuleAdminCronModification        = "admin_cron_modification"
)

// DefaultMassFileThreshold is the file change count above which ransomware is suspected
const DefaultMassFileThreshold = 50

// Counts are the aggregates of one correlation window
type Counts struct {
	Total int
	// ByType counts events per event type
	ByType map[string]int
	// BySeverity counts events per event type and severity
	BySeverity map[string]map[models.Severity]int
	// IndicatorMatches counts network events flagged with a threat indicator match
	IndicatorMatches int
}

// Aggregate computes window counts in one pass over the events
func Aggregate(events []models.Event) Counts {
	c := Counts{
		ByType:     make(map[string]int),
		BySeverity: make(map[string]map[models.Severity]int),
	}
	for _, e := range events {
		c.Total++
		c.ByType[e.EventType]++
		sev, ok := c.BySeverity[e.EventType]
		if !ok {
			sev = make(map[models.Severity]int)
			c.BySeverity[e.EventType] = sev
		}
		sev[e.Severity]++
		if e.IsNetwork() && e.ThreatIndicatorMatched() {
			c.IndicatorMatches++
		}
	}
	return c
}

// Type returns the number of events of a type
func (c Counts) Type(eventType string) int {
	return c.ByType[eventType]
}

// TypeAtLeast returns the number of events of a type with severity at least min
func (c Counts) TypeAtLeast(eventType string, min models.Severity) int {
	n := 0
	for sev, count := range c.BySeverity[eventType] {
		if sev.AtLeast(min) {
			n += count
		}
	}
	return n
}

// Rule is a built-in correlation rule evaluated against window counts
type Rule struct {
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Severity    models.Severity `json:"severity"`
	// AlertType is the event type of the alert event emitted when the rule fires
	AlertType string `json:"alertType"`
	// Signals are the event types whose counts are attached to the incident
	Signals []string `json:"signals"`

	when func(Counts) bool
}

// Satisfied reports whether the rule's predicate holds for the counts
func (r Rule) Satisfied(c Counts) bool {
	return r.when(c)
}

// Catalog returns the fixed set of built-in correlation rules
func Catalog(massFileThreshold int) []Rule {
	if massFileThreshold <= 0 {
		massFileThreshold = DefaultMassFileThreshold
	}

	return []Rule{
		{
			Name:        RuleMultipleSuspiciousActivities,
			Title:       "Multiple Suspicious Activities",
			Description: "File integrity changes, process anomalies and network connections observed together",
			Severity:    models.SeverityCritical,
			AlertType:   models.EventTypeIDSAlert,
			Signals: []string{
				models.EventTypeFileIntegrityChange,
				models.EventTypeProcessAnomaly,
				models.EventTypeNetworkConnection,
			},
			when: func(c Counts) bool {
				return c.Type(models.EventTypeFileIntegrityChange) > 0 &&
					c.Type(models.EventTypeProcessAnomaly) > 0 &&
					c.Type(models.EventTypeNetworkConnection) > 0
			},
		},
		{
			Name:        RuleHighCPUMaliciousIP,
			Title:       "High CPU Process Talking To Malicious IP",
			Description: "High severity process anomaly alongside a connection to a known-bad indicator",
			Severity:    models.SeverityHigh,
			AlertType:   models.EventTypeIDSAlert,
			Signals: []string{
				models.EventTypeProcessAnomaly,
				models.EventTypeNetworkConnection,
				models.EventTypeDNSRequest,
			},
			when: func(c Counts) bool {
				return c.TypeAtLeast(models.EventTypeProcessAnomaly, models.SeverityHigh) > 0 &&
					c.IndicatorMatches > 0
			},
		},
		{
			Name:        RuleMassFileChanges,
			Title:       "Mass File Changes",
			Description: fmt.Sprintf("More than %d file changes in the window, possible ransomware", massFileThreshold),
			Severity:    models.SeverityCritical,
			AlertType:   models.EventTypeRansomwareActivity,
			Signals:     []string{models.EventTypeFileIntegrityChange},
			when: func(c Counts) bool {
				return c.Type(models.EventTypeFileIntegrityChange) > massFileThreshold
			},
		},
		{
			Name:        RuleSSHCompromiseIndicator,
			Title:       "SSH Compromise Indicator",
			Description: "SSH key change following failed SSH logins",
			Severity:    models.SeverityCritical,
			AlertType:   models.EventTypeIDSAlert,
			Signals:     []string{models.EventTypeSSHKeyChange, models.EventTypeSSHLoginFailure},
			when: func(c Counts) bool {
				return c.Type(models.EventTypeSSHKeyChange) > 0 &&
					c.Type(models.EventTypeSSHLoginFailure) > 0
			},
		},
		{
			Name:        RuleAdminCronModification,
			Title:       "Account Change With Cron Modification",
			Description: "User account change together with a cron modification, possible persistence",
			Severity:    models.SeverityHigh,
			AlertType:   models.EventTypeIDSAlert,
			Signals:     []string{models.EventTypeUserAccountChange, models.EventTypeCronModification},
			when: func(c Counts) bool {
				return c.Type(models.EventTypeUserAccountChange) > 0 &&
					c.Type(models.EventTypeCronModification) > 0
			},
		},
	}
}
