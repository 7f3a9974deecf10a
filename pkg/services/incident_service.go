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

// ErrIncidentNotFound is returned when an incident id is unknown
var ErrIncidentNotFound = errors.New("incident not found")

// DefaultMaxIncidents bounds the incident store when no limit is configured
const DefaultMaxIncidents = 1000

type subscriber struct {
	name string
	ch   chan models.IncidentNotice
}

// IncidentService is the bounded, newest-first incident store
type IncidentService struct {
	store        storage.IncidentStore
	maxIncidents int

	mu        sync.RWMutex
	incidents []*models.Incident
	counts    models.IncidentCounts

	saveMu sync.Mutex

	subsMu      sync.RWMutex
	subscribers map[int]*subscriber
	nextSubID   int
}

// NewIncidentService creates the incident store and loads persisted incidents.
// Unreadable state is discarded.
func NewIncidentService(store storage.IncidentStore, maxIncidents int) (*IncidentService, error) {
	if store == nil {
		return nil, fmt.Errorf("failed to create incident service: nil incident store")
	}
	if maxIncidents <= 0 {
		maxIncidents = DefaultMaxIncidents
	}

	service := &IncidentService{
		store:        store,
		maxIncidents: maxIncidents,
		subscribers:  make(map[int]*subscriber),
	}

	incidents, err := store.LoadIncidents()
	switch {
	case errors.Is(err, storage.ErrCorrupt):
		logrus.Warnf("Discarding unreadable incident state: %v", err)
		incidents = nil
	case err != nil:
		logrus.Errorf("Failed to load incidents, starting empty: %v", err)
		incidents = nil
	}
	kept := incidents[:0]
	for _, inc := range incidents {
		if inc != nil {
			kept = append(kept, inc)
		}
	}
	incidents = kept
	if len(incidents) > maxIncidents {
		incidents = incidents[:maxIncidents]
	}

	service.incidents = incidents
	service.recount()
	logrus.Infof("Loaded %d incidents (%d unacknowledged, %d critical)",
		service.counts.Total, service.counts.Unacknowledged, service.counts.Critical)

	return service, nil
}

// Add inserts an incident at the head of the store, evicting the oldest beyond the bound
func (s *IncidentService) Add(incident *models.Incident) {
	inc := *incident
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = time.Now()
	}
	if inc.Metadata == nil {
		inc.Metadata = map[string]string{}
	}

	s.mu.Lock()
	s.incidents = append(s.incidents, nil)
	copy(s.incidents[1:], s.incidents)
	s.incidents[0] = &inc
	s.countIn(&inc, 1)

	for len(s.incidents) > s.maxIncidents {
		last := len(s.incidents) - 1
		s.countIn(s.incidents[last], -1)
		s.incidents[last] = nil
		s.incidents = s.incidents[:last]
	}
	counts := s.counts
	s.mu.Unlock()

	metrics.IncidentsCreated.WithLabelValues(string(inc.Severity), inc.SourceModule).Inc()
	logrus.WithFields(logrus.Fields{
		"incident": inc.ID,
		"severity": inc.Severity,
		"source":   inc.SourceModule,
	}).Infof("Incident created: %s", inc.Title)

	s.persist()

	kind := models.NoticeNewIncident
	if inc.Severity == models.SeverityCritical {
		kind = models.NoticeNewCritical
	}
	s.notify(models.IncidentNotice{Kind: kind, Incident: inc, Counts: counts})
}

// Acknowledge marks an incident acknowledged. Acknowledging twice is a no-op.
func (s *IncidentService) Acknowledge(id string) (*models.Incident, error) {
	return s.transition(id, models.NoticeAcknowledged, func(inc *models.Incident) bool {
		if inc.Acknowledged {
			return false
		}
		inc.Acknowledged = true
		return true
	})
}

// Resolve marks an incident resolved. Resolving twice is a no-op.
func (s *IncidentService) Resolve(id string) (*models.Incident, error) {
	return s.transition(id, models.NoticeResolved, func(inc *models.Incident) bool {
		if inc.Resolved {
			return false
		}
		inc.Resolved = true
		return true
	})
}

func (s *IncidentService) transition(id string, kind models.IncidentNoticeKind, apply func(*models.Incident) bool) (*models.Incident, error) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}

	// replace rather than mutate so snapshots taken earlier stay consistent
	updated := *s.incidents[i]
	changed := apply(&updated)
	if changed {
		s.countIn(s.incidents[i], -1)
		s.incidents[i] = &updated
		s.countIn(&updated, 1)
	}
	counts := s.counts
	s.mu.Unlock()

	if changed {
		logrus.Infof("Incident %s %s", id, kind)
		s.persist()
		s.notify(models.IncidentNotice{Kind: kind, Incident: updated, Counts: counts})
	}
	return &updated, nil
}

// ClearResolved drops every resolved incident and returns how many were removed
func (s *IncidentService) ClearResolved() int {
	s.mu.Lock()
	kept := s.incidents[:0]
	removed := 0
	for _, inc := range s.incidents {
		if inc.Resolved {
			removed++
			continue
		}
		kept = append(kept, inc)
	}
	for i := len(kept); i < len(s.incidents); i++ {
		s.incidents[i] = nil
	}
	s.incidents = kept
	s.recount()
	counts := s.counts
	s.mu.Unlock()

	if removed > 0 {
		logrus.Infof("Cleared %d resolved incidents", removed)
		s.persist()
		s.notify(models.IncidentNotice{Kind: models.NoticeCleared, Counts: counts})
	}
	return removed
}

// List returns copies of the incidents passing the filter, newest first
func (s *IncidentService) List(filter models.IncidentFilter) []models.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Incident, 0)
	for _, inc := range s.incidents {
		if !filter.Match(inc) {
			continue
		}
		out = append(out, *inc)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// Get returns a copy of one incident
func (s *IncidentService) Get(id string) (*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	c := *s.incidents[i]
	return &c, nil
}

// Counts returns the derived counters
func (s *IncidentService) Counts() models.IncidentCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts
}

// Subscribe registers a named subscriber. Notices are dropped rather than blocking the
// store when the subscriber's buffer is full. The returned function unsubscribes and
// closes the channel.
func (s *IncidentService) Subscribe(name string, buffer int) (<-chan models.IncidentNotice, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{name: name, ch: make(chan models.IncidentNotice, buffer)}

	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = sub
	s.subsMu.Unlock()

	logrus.Debugf("Incident subscriber %s registered", name)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subscribers, id)
			close(sub.ch)
			s.subsMu.Unlock()
			logrus.Debugf("Incident subscriber %s removed", name)
		})
	}
}

func (s *IncidentService) notify(notice models.IncidentNotice) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for _, sub := range s.subscribers {
		select {
		case sub.ch <- notice:
		default:
			metrics.NotificationsDropped.WithLabelValues(sub.name).Inc()
			logrus.Warnf("Incident subscriber %s is full, dropping %s", sub.name, notice.Kind)
		}
	}
}

// countIn adjusts the counters for one incident entering (delta 1) or leaving (delta -1)
func (s *IncidentService) countIn(inc *models.Incident, delta int) {
	s.counts.Total += delta
	if inc.Unacknowledged() {
		s.counts.Unacknowledged += delta
	}
	if inc.OpenCritical() {
		s.counts.Critical += delta
	}
	s.publishGauges()
}

func (s *IncidentService) recount() {
	s.counts = models.IncidentCounts{}
	for _, inc := range s.incidents {
		s.counts.Total++
		if inc.Unacknowledged() {
			s.counts.Unacknowledged++
		}
		if inc.OpenCritical() {
			s.counts.Critical++
		}
	}
	s.publishGauges()
}

func (s *IncidentService) publishGauges() {
	metrics.IncidentsOpen.WithLabelValues("unacknowledged").Set(float64(s.counts.Unacknowledged))
	metrics.IncidentsOpen.WithLabelValues("critical").Set(float64(s.counts.Critical))
}

func (s *IncidentService) indexOf(id string) int {
	for i, inc := range s.incidents {
		if inc.ID == id {
			return i
		}
	}
	return -1
}

// persist writes a snapshot of the store. Failures are logged, not returned.
func (s *IncidentService) persist() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	snapshot := make([]*models.Incident, len(s.incidents))
	copy(snapshot, s.incidents)
	s.mu.RUnlock()

	if err := s.store.SaveIncidents(snapshot); err != nil {
		metrics.PersistenceFailures.WithLabelValues("incidents").Inc()
		logrus.Errorf("Failed to persist incidents: %v", err)
	}
}
