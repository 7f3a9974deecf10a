package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/metrics"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/storage"
)

// ErrRuleNotFound is returned when a rule id is unknown
var ErrRuleNotFound = errors.New("rule not found")

// RuleService holds the operator rules and converts matching events into incidents
type RuleService struct {
	store storage.RuleStore

	mu        sync.Mutex
	rules     []*models.Rule
	lastFired map[string]time.Time

	// saveMu orders snapshots so the last write always carries the latest state
	saveMu sync.Mutex

	now func() time.Time
}

// NewRuleService creates a new rule service, loading persisted rules from the store.
// The default rule set is seeded when no rules exist.
func NewRuleService(store storage.RuleStore) (*RuleService, error) {
	if store == nil {
		return nil, fmt.Errorf("failed to create rule service: nil rule store")
	}

	service := &RuleService{
		store:     store,
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}

	rules, err := store.LoadRules()
	readFailed := false
	switch {
	case errors.Is(err, storage.ErrCorrupt):
		logrus.Warnf("Discarding unreadable rule state: %v", err)
		rules = nil
	case err != nil:
		logrus.Errorf("Failed to load rules, starting with defaults: %v", err)
		rules = nil
		readFailed = true
	}
	rules = usableRules(rules)

	if len(rules) == 0 {
		rules = defaultRules(service.now())
		logrus.Infof("Seeding %d default rules", len(rules))
		service.rules = rules
		// a file that could not be read is left in place
		if !readFailed {
			service.persist()
		}
	} else {
		service.rules = rules
		logrus.Infof("Loaded %d rules", len(rules))
	}

	return service, nil
}

// usableRules drops nil entries and rules whose condition does not validate
func usableRules(rules []*models.Rule) []*models.Rule {
	out := make([]*models.Rule, 0, len(rules))
	for _, rule := range rules {
		if rule == nil {
			logrus.Warn("Skipping null persisted rule")
			continue
		}
		if err := rule.Condition.Validate(); err != nil {
			logrus.Warnf("Skipping persisted rule %s: %v", rule.ID, err)
			continue
		}
		out = append(out, rule)
	}
	return out
}

func defaultRules(now time.Time) []*models.Rule {
	seed := []struct {
		name        string
		description string
		severity    models.Severity
		condition   models.Condition
		throttle    int
	}{
		{"IOC Match", "Event of medium or higher severity", models.SeverityCritical, models.IOCMatch(), 0},
		{"Suspicious Process Behavior", "Process anomaly or suspicious behavior", models.SeverityHigh, models.ProcessBehavior(), 5},
		{"Network Anomaly", "Unexpected network activity", models.SeverityMedium, models.NetworkAnomaly(), 10},
		{"File Integrity Violation", "Monitored file was modified", models.SeverityHigh, models.FileModification(), 5},
	}

	rules := make([]*models.Rule, 0, len(seed))
	for _, s := range seed {
		rules = append(rules, &models.Rule{
			ID:              uuid.New().String(),
			Name:            s.name,
			Description:     s.description,
			Severity:        s.severity,
			Condition:       s.condition,
			Enabled:         true,
			ThrottleMinutes: s.throttle,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return rules
}

// ListRules returns copies of all rules in stored order
func (s *RuleService) ListRules() []*models.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		c := *r
		out = append(out, &c)
	}
	return out
}

// GetRule returns a copy of the rule with the given id
func (s *RuleService) GetRule(id string) (*models.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	c := *s.rules[i]
	return &c, nil
}

// AddRule appends a rule. A rule whose id already exists replaces the stored one in place.
func (s *RuleService) AddRule(rule *models.Rule) (*models.Rule, error) {
	if err := rule.Condition.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	r := *rule
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	s.mu.Lock()
	if i := s.indexOf(r.ID); i >= 0 {
		r.CreatedAt = s.rules[i].CreatedAt
		s.rules[i] = &r
		logrus.Infof("Replaced rule %s (%s)", r.ID, r.Name)
	} else {
		s.rules = append(s.rules, &r)
		logrus.Infof("Added rule %s (%s)", r.ID, r.Name)
	}
	s.mu.Unlock()

	s.persist()
	out := r
	return &out, nil
}

// CreateRule builds a rule from a create request and adds it
func (s *RuleService) CreateRule(req *models.CreateRuleRequest) (*models.Rule, error) {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	return s.AddRule(&models.Rule{
		ID:              req.ID,
		Name:            req.Name,
		Description:     req.Description,
		Severity:        req.Severity,
		Condition:       req.Condition,
		Enabled:         enabled,
		ThrottleMinutes: req.ThrottleMinutes,
	})
}

// UpdateRule applies the non-nil fields of req to an existing rule
func (s *RuleService) UpdateRule(id string, req *models.UpdateRuleRequest) (*models.Rule, error) {
	if req.Condition != nil {
		if err := req.Condition.Validate(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	rule := *s.rules[i]
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.Severity != nil {
		rule.Severity = *req.Severity
	}
	if req.Condition != nil {
		rule.Condition = *req.Condition
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.ThrottleMinutes != nil {
		rule.ThrottleMinutes = *req.ThrottleMinutes
	}
	rule.UpdatedAt = s.now()
	s.rules[i] = &rule
	s.mu.Unlock()

	logrus.Infof("Updated rule %s (%s)", rule.ID, rule.Name)
	s.persist()
	return &rule, nil
}

// DeleteRule removes a rule and forgets its throttle state
func (s *RuleService) DeleteRule(id string) error {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	s.rules = append(s.rules[:i:i], s.rules[i+1:]...)
	delete(s.lastFired, id)
	s.mu.Unlock()

	logrus.Infof("Deleted rule %s", id)
	s.persist()
	return nil
}

// IsThrottled reports whether the rule produced an incident within its throttle window
func (s *RuleService) IsThrottled(rule *models.Rule) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttledLocked(rule, s.now())
}

func (s *RuleService) throttledLocked(rule *models.Rule, now time.Time) bool {
	if rule.ThrottleMinutes <= 0 {
		return false
	}
	last, ok := s.lastFired[rule.ID]
	return ok && now.Sub(last) < rule.ThrottleWindow()
}

// ProcessEvent returns an incident for the first enabled rule, in stored order, that
// matches the event and is not throttled. Later rules are not consulted.
func (s *RuleService) ProcessEvent(event models.Event) *models.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, rule := range s.rules {
		if !rule.Enabled || !rule.Matches(event) {
			continue
		}
		if s.throttledLocked(rule, now) {
			metrics.RulesThrottled.WithLabelValues(rule.Name).Inc()
			logrus.Debugf("Rule %s throttled for event %s", rule.Name, event.ID)
			continue
		}

		s.lastFired[rule.ID] = now
		return newRuleIncident(rule, event, now)
	}
	return nil
}

func newRuleIncident(rule *models.Rule, event models.Event, now time.Time) *models.Incident {
	metadata := map[string]string{
		"rule_id":    rule.ID,
		"rule_name":  rule.Name,
		"condition":  rule.Condition.String(),
		"event_id":   event.ID,
		"event_type": event.EventType,
	}
	if event.Category != "" {
		metadata["category"] = event.Category
	}
	for k, v := range event.Context {
		if _, taken := metadata[k]; taken {
			continue
		}
		metadata[k] = fmt.Sprint(v)
	}

	source := event.Source
	if source == "" {
		source = models.InferSource(event.EventType)
	}

	return &models.Incident{
		ID:           uuid.New().String(),
		Timestamp:    now,
		Severity:     rule.Severity,
		Title:        rule.Name,
		Message:      event.Message,
		SourceModule: source,
		Metadata:     metadata,
	}
}

func (s *RuleService) indexOf(id string) int {
	for i, r := range s.rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// persist writes a snapshot of the rule list. Failures are logged, not returned.
func (s *RuleService) persist() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	snapshot := make([]*models.Rule, len(s.rules))
	copy(snapshot, s.rules)
	s.mu.Unlock()

	if err := s.store.SaveRules(snapshot); err != nil {
		metrics.PersistenceFailures.WithLabelValues("rules").Inc()
		logrus.Errorf("Failed to persist rules: %v", err)
	}
}
