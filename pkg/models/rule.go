package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrInvalidCondition is returned when a rule condition cannot be decoded or validated
var ErrInvalidCondition = errors.New("invalid rule condition")

// ConditionKind identifies the variant of a rule condition
type ConditionKind string

const (
	ConditionIOCMatch         ConditionKind = "iocMatch"
	ConditionProcessBehavior  ConditionKind = "processBehavior"
	ConditionNetworkAnomaly   ConditionKind = "networkAnomaly"
	ConditionFileModification ConditionKind = "fileModification"
	ConditionCustom           ConditionKind = "custom"
)

// Condition is the tagged variant a rule matches events with. Pattern is only
// meaningful for ConditionCustom.
type Condition struct {
	Kind    ConditionKind `json:"kind"`
	Pattern string        `json:"pattern,omitempty"`
}

// IOCMatch returns a condition matching medium, high and critical events
func IOCMatch() Condition { return Condition{Kind: ConditionIOCMatch} }

// ProcessBehavior returns a condition matching process related events
func ProcessBehavior() Condition { return Condition{Kind: ConditionProcessBehavior} }

// NetworkAnomaly returns a condition matching network related events
func NetworkAnomaly() Condition { return Condition{Kind: ConditionNetworkAnomaly} }

// FileModification returns a condition matching filesystem related events
func FileModification() Condition { return Condition{Kind: ConditionFileModification} }

// CustomPattern returns a condition matching pattern against message or source
func CustomPattern(pattern string) Condition {
	return Condition{Kind: ConditionCustom, Pattern: pattern}
}

var (
	processTerms = []string{"process", "behavior", "suspicious"}
	networkTerms = []string{"network", "connection", "anomaly"}
	fileTerms    = []string{"file", "modification", "integrity"}
)

// Matches reports whether the event satisfies the condition
func (c Condition) Matches(e Event) bool {
	switch c.Kind {
	case ConditionIOCMatch:
		return e.Severity.AtLeast(SeverityMedium)
	case ConditionProcessBehavior:
		return e.Category == "process" || mentionsAny(e, processTerms)
	case ConditionNetworkAnomaly:
		return e.Category == "network" || mentionsAny(e, networkTerms)
	case ConditionFileModification:
		return e.Category == "filesystem" || mentionsAny(e, fileTerms)
	case ConditionCustom:
		if c.Pattern == "" {
			return false
		}
		p := strings.ToLower(c.Pattern)
		return strings.Contains(strings.ToLower(e.Message), p) ||
			strings.Contains(strings.ToLower(e.Source), p)
	default:
		return false
	}
}

func mentionsAny(e Event, terms []string) bool {
	msg := strings.ToLower(e.Message)
	cat := strings.ToLower(e.Category)
	for _, t := range terms {
		if strings.Contains(msg, t) || strings.Contains(cat, t) {
			return true
		}
	}
	return false
}

// Validate checks the kind is known and a custom condition has a pattern
func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionIOCMatch, ConditionProcessBehavior, ConditionNetworkAnomaly, ConditionFileModification:
		return nil
	case ConditionCustom:
		if strings.TrimSpace(c.Pattern) == "" {
			return fmt.Errorf("%w: custom condition requires a pattern", ErrInvalidCondition)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCondition, c.Kind)
	}
}

// String renders the condition as kind or custom(pattern)
func (c Condition) String() string {
	if c.Kind == ConditionCustom {
		return fmt.Sprintf("custom(%s)", c.Pattern)
	}
	return string(c.Kind)
}

// kindAliases maps the snake_case spellings collectors use onto condition kinds
var kindAliases = map[string]ConditionKind{
	"ioc_match":         ConditionIOCMatch,
	"process_behavior":  ConditionProcessBehavior,
	"network_anomaly":   ConditionNetworkAnomaly,
	"file_modification": ConditionFileModification,
}

// ParseConditionKind resolves a kind name, accepting snake_case aliases
func ParseConditionKind(name string) ConditionKind {
	if kind, ok := kindAliases[name]; ok {
		return kind
	}
	return ConditionKind(name)
}

// UnmarshalJSON accepts either {"kind": ..., "pattern": ...} or a bare kind string.
// Kinds may be given in camelCase or snake_case.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		*c = Condition{Kind: ParseConditionKind(kind)}
		return c.Validate()
	}

	type plain Condition
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	*c = Condition(p)
	c.Kind = ParseConditionKind(string(c.Kind))
	return c.Validate()
}

// Rule is an operator-defined alert rule matched against individual events
type Rule struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Severity        Severity  `json:"severity"`
	Condition       Condition `json:"condition"`
	Enabled         bool      `json:"enabled"`
	ThrottleMinutes int       `json:"throttleMinutes"` // 0 means no throttling
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Matches reports whether the rule's condition matches the event
func (r *Rule) Matches(e Event) bool {
	return r.Condition.Matches(e)
}

// ThrottleWindow returns the throttle duration of the rule
func (r *Rule) ThrottleWindow() time.Duration {
	return time.Duration(r.ThrottleMinutes) * time.Minute
}

// CreateRuleRequest represents the request payload for creating a rule
type CreateRuleRequest struct {
	ID              string    `json:"id,omitempty"`
	Name            string    `json:"name" validate:"required"`
	Description     string    `json:"description"`
	Severity        Severity  `json:"severity" validate:"required,oneof=low medium high critical"`
	Condition       Condition `json:"condition"`
	Enabled         *bool     `json:"enabled,omitempty"` // defaults to true
	ThrottleMinutes int       `json:"throttleMinutes" validate:"gte=0"`
}

// UpdateRuleRequest represents the request payload for updating a rule
type UpdateRuleRequest struct {
	Name            *string    `json:"name,omitempty"`
	Description     *string    `json:"description,omitempty"`
	Severity        *Severity  `json:"severity,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Condition       *Condition `json:"condition,omitempty"`
	Enabled         *bool      `json:"enabled,omitempty"`
	ThrottleMinutes *int       `json:"throttleMinutes,omitempty" validate:"omitempty,gte=0"`
}
