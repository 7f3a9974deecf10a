package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/storage"
)

// MockStore is a mock implementation of the rule and incident stores
type MockStore struct {
	mock.Mock
}

// Ensure MockStore implements both stores
var (
	_ storage.RuleStore     = (*MockStore)(nil)
	_ storage.IncidentStore = (*MockStore)(nil)
)

func (m *MockStore) LoadRules() ([]*models.Rule, error) {
	args := m.Called()
	rules, _ := args.Get(0).([]*models.Rule)
	return rules, args.Error(1)
}

func (m *MockStore) SaveRules(rules []*models.Rule) error {
	args := m.Called(rules)
	return args.Error(0)
}

func (m *MockStore) LoadIncidents() ([]*models.Incident, error) {
	args := m.Called()
	incidents, _ := args.Get(0).([]*models.Incident)
	return incidents, args.Error(1)
}

func (m *MockStore) SaveIncidents(incidents []*models.Incident) error {
	args := m.Called(incidents)
	return args.Error(0)
}

// memStore keeps copies of whatever was last saved
type memStore struct {
	mu            sync.Mutex
	rules         []*models.Rule
	incidents     []*models.Incident
	incidentSaves int
}

func (s *memStore) LoadRules() ([]*models.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (s *memStore) SaveRules(rules []*models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make([]*models.Rule, 0, len(rules))
	for _, r := range rules {
		c := *r
		s.rules = append(s.rules, &c)
	}
	return nil
}

func (s *memStore) LoadIncidents() ([]*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		c := *inc
		out = append(out, &c)
	}
	return out, nil
}

func (s *memStore) SaveIncidents(incidents []*models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidentSaves++
	s.incidents = make([]*models.Incident, 0, len(incidents))
	for _, inc := range incidents {
		c := *inc
		s.incidents = append(s.incidents, &c)
	}
	return nil
}

func TestNewRuleServiceSeedsDefaults(t *testing.T) {
	store := new(MockStore)
	store.On("LoadRules").Return(nil, nil)
	store.On("SaveRules", mock.MatchedBy(func(rules []*models.Rule) bool {
		return len(rules) == 4
	})).Return(nil).Once()

	service, err := NewRuleService(store)
	require.NoError(t, err)

	rules := service.ListRules()
	require.Len(t, rules, 4)

	expected := []struct {
		name     string
		severity models.Severity
		kind     models.ConditionKind
		throttle int
	}{
		{"IOC Match", models.SeverityCritical, models.ConditionIOCMatch, 0},
		{"Suspicious Process Behavior", models.SeverityHigh, models.ConditionProcessBehavior, 5},
		{"Network Anomaly", models.SeverityMedium, models.ConditionNetworkAnomaly, 10},
		{"File Integrity Violation", models.SeverityHigh, models.ConditionFileModification, 5},
	}
	for i, want := range expected {
		assert.Equal(t, want.name, rules[i].Name)
		assert.Equal(t, want.severity, rules[i].Severity)
		assert.Equal(t, want.kind, rules[i].Condition.Kind)
		assert.Equal(t, want.throttle, rules[i].ThrottleMinutes)
		assert.True(t, rules[i].Enabled)
		assert.NotEmpty(t, rules[i].ID)
	}

	store.AssertExpectations(t)
}

func TestNewRuleServiceKeepsStoredRules(t *testing.T) {
	stored := []*models.Rule{
		{ID: "only", Name: "Only rule", Severity: models.SeverityLow, Condition: models.CustomPattern("x"), Enabled: true},
	}
	store := new(MockStore)
	store.On("LoadRules").Return(stored, nil)

	service, err := NewRuleService(store)
	require.NoError(t, err)

	rules := service.ListRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "only", rules[0].ID)

	// nothing to seed, nothing to save
	store.AssertNotCalled(t, "SaveRules", mock.Anything)
}

func TestNewRuleServiceCorruptStateSeeds(t *testing.T) {
	store := new(MockStore)
	store.On("LoadRules").Return(nil, fmt.Errorf("%w: rules.json", storage.ErrCorrupt))
	store.On("SaveRules", mock.Anything).Return(nil)

	service, err := NewRuleService(store)
	require.NoError(t, err)
	assert.Len(t, service.ListRules(), 4)
}

func TestNewRuleServiceNullEntriesSeed(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), storage.RulesFile), []byte(`[null]`), 0o644))

	service, err := NewRuleService(store)
	require.NoError(t, err)
	require.Len(t, service.ListRules(), 4)

	var incident *models.Incident
	assert.NotPanics(t, func() {
		incident = service.ProcessEvent(models.Event{ID: "e1", EventType: "x", Severity: models.SeverityCritical})
	})
	require.NotNil(t, incident)
	assert.Equal(t, "IOC Match", incident.Title)
}

func TestNewRuleServiceSkipsUnusableRules(t *testing.T) {
	store := new(MockStore)
	store.On("LoadRules").Return([]*models.Rule{
		nil,
		{ID: "blank", Name: "No condition", Severity: models.SeverityLow, Enabled: true},
		{ID: "empty-pattern", Name: "Empty pattern", Severity: models.SeverityLow, Condition: models.CustomPattern(" "), Enabled: true},
		{ID: "ok", Name: "Miner", Severity: models.SeverityHigh, Condition: models.CustomPattern("xmrig"), Enabled: true},
	}, nil)

	service, err := NewRuleService(store)
	require.NoError(t, err)

	rules := service.ListRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "ok", rules[0].ID)
	assert.NotPanics(t, func() {
		service.ProcessEvent(models.Event{ID: "e1", EventType: "x", Message: "xmrig started"})
	})
	store.AssertNotCalled(t, "SaveRules", mock.Anything)
}

func TestNewRuleServiceLoadFailure(t *testing.T) {
	store := new(MockStore)
	store.On("LoadRules").Return(nil, errors.New("permission denied"))

	service, err := NewRuleService(store)
	require.NoError(t, err)
	assert.Len(t, service.ListRules(), 4)

	// the unreadable file is not overwritten with the defaults
	store.AssertNotCalled(t, "SaveRules", mock.Anything)
}

func TestPersistenceFailureIsNotReturned(t *testing.T) {
	store := new(MockStore)
	store.On("LoadRules").Return([]*models.Rule{
		{ID: "a", Name: "A", Severity: models.SeverityLow, Condition: models.IOCMatch(), Enabled: true},
	}, nil)
	store.On("SaveRules", mock.Anything).Return(errors.New("disk full"))

	service, err := NewRuleService(store)
	require.NoError(t, err)

	rule, err := service.CreateRule(&models.CreateRuleRequest{
		Name:      "B",
		Severity:  models.SeverityHigh,
		Condition: models.NetworkAnomaly(),
	})
	require.NoError(t, err)
	assert.True(t, rule.Enabled)

	// in-memory state is updated even though the write failed
	assert.Len(t, service.ListRules(), 2)
	store.AssertCalled(t, "SaveRules", mock.Anything)
}

func TestIncidentServiceCorruptStateLoadsEmpty(t *testing.T) {
	store := new(MockStore)
	store.On("LoadIncidents").Return(nil, fmt.Errorf("%w: incidents.json", storage.ErrCorrupt))

	service, err := NewIncidentService(store, 10)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentCounts{}, service.Counts())
	assert.Empty(t, service.List(models.IncidentFilter{}))
}

func TestIncidentServiceNullEntriesLoadEmpty(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), storage.IncidentsFile), []byte(`[null]`), 0o644))

	var service *IncidentService
	require.NotPanics(t, func() {
		service, err = NewIncidentService(store, 10)
	})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentCounts{}, service.Counts())
}

func TestIncidentServiceSkipsNilIncidents(t *testing.T) {
	store := new(MockStore)
	store.On("LoadIncidents").Return([]*models.Incident{
		nil,
		{ID: "i1", Severity: models.SeverityCritical, Title: "t"},
		nil,
	}, nil)

	var service *IncidentService
	var err error
	require.NotPanics(t, func() {
		service, err = NewIncidentService(store, 10)
	})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentCounts{Total: 1, Unacknowledged: 1, Critical: 1}, service.Counts())
	assert.Len(t, service.List(models.IncidentFilter{}), 1)
}

func TestIncidentServiceLoadFailureStartsEmpty(t *testing.T) {
	store := new(MockStore)
	store.On("LoadIncidents").Return(nil, errors.New("permission denied"))

	service, err := NewIncidentService(store, 10)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentCounts{}, service.Counts())
	assert.Empty(t, service.List(models.IncidentFilter{}))
}

func TestIncidentPersistenceFailureIsNotReturned(t *testing.T) {
	store := new(MockStore)
	store.On("LoadIncidents").Return(nil, nil)
	store.On("SaveIncidents", mock.Anything).Return(errors.New("disk full"))

	service, err := NewIncidentService(store, 10)
	require.NoError(t, err)

	service.Add(&models.Incident{ID: "i1", Severity: models.SeverityHigh, Title: "t"})
	_, err = service.Acknowledge("i1")
	assert.NoError(t, err)
	_, err = service.Resolve("i1")
	assert.NoError(t, err)

	store.AssertNumberOfCalls(t, "SaveIncidents", 3)
}
