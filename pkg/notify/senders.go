package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// LogSender writes notices to the application log
type LogSender struct{}

// Name returns the sender name
func (LogSender) Name() string { return "log" }

// Send logs the notice
func (LogSender) Send(_ context.Context, notice models.IncidentNotice) error {
	fields := logrus.Fields{
		"kind":           notice.Kind,
		"unacknowledged": notice.Counts.Unacknowledged,
		"critical":       notice.Counts.Critical,
	}
	if notice.Kind == models.NoticeCleared {
		logrus.WithFields(fields).Info("Resolved incidents cleared")
		return nil
	}

	fields["incident"] = notice.Incident.ID
	fields["severity"] = notice.Incident.Severity
	fields["source"] = notice.Incident.SourceModule
	entry := logrus.WithFields(fields)
	if notice.Kind == models.NoticeNewCritical {
		entry.Errorf("CRITICAL incident: %s - %s", notice.Incident.Title, notice.Incident.Message)
		return nil
	}
	entry.Infof("Incident %s: %s", notice.Kind, notice.Incident.Title)
	return nil
}

// Archiver records notices in durable external storage
type Archiver interface {
	ArchiveNotice(ctx context.Context, notice models.IncidentNotice) error
}

// BreakerSettings configures the circuit breaker guarding an archive sender
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// ArchiveSender forwards notices to an Archiver behind a circuit breaker
type ArchiveSender struct {
	archiver Archiver
	cb       *gobreaker.CircuitBreaker[struct{}]
}

// NewArchiveSender wraps archiver in a circuit breaker
func NewArchiveSender(archiver Archiver, settings BreakerSettings) *ArchiveSender {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "incident-archive",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	})

	return &ArchiveSender{archiver: archiver, cb: cb}
}

// Name returns the sender name
func (s *ArchiveSender) Name() string { return "archive" }

// State returns the circuit breaker state
func (s *ArchiveSender) State() gobreaker.State { return s.cb.State() }

// Send archives the notice unless the breaker is open
func (s *ArchiveSender) Send(ctx context.Context, notice models.IncidentNotice) error {
	_, err := s.cb.Execute(func() (struct{}, error) {
		return struct{}{}, s.archiver.ArchiveNotice(ctx, notice)
	})
	if err != nil {
		return fmt.Errorf("failed to archive notice: %w", err)
	}
	return nil
}
