package e2e

import (
	"context"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/config"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/correlation"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/index"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/ingest"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/services"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/storage"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/timeplus"
)

// Stack is a fully wired sentinel without the HTTP layer
type Stack struct {
	Index     *index.Index
	Rules     *services.RuleService
	Incidents *services.IncidentService
	Engine    *correlation.Engine
	Pipeline  *services.Pipeline
}

// NewStack wires the services over a file store in dataDir
func NewStack(dataDir string, cfg correlation.Config) (*Stack, error) {
	store, err := storage.NewFileStore(dataDir)
	if err != nil {
		return nil, err
	}
	idx, err := index.NewIndex(500, 10000)
	if err != nil {
		return nil, err
	}
	rules, err := services.NewRuleService(store)
	if err != nil {
		return nil, err
	}
	incidents, err := services.NewIncidentService(store, services.DefaultMaxIncidents)
	if err != nil {
		return nil, err
	}
	engine := correlation.NewEngine(cfg, idx, incidents)

	return &Stack{
		Index:     idx,
		Rules:     rules,
		Incidents: incidents,
		Engine:    engine,
		Pipeline:  services.NewPipeline(idx, rules, incidents, engine),
	}, nil
}

// NewLogTailer creates a tailer replaying path into the stack's pipeline
func (s *Stack) NewLogTailer(path string) (*ingest.Tailer, error) {
	return ingest.NewTailer(ingest.TailerConfig{
		Path:         path,
		PollInterval: 50 * time.Millisecond,
		FromStart:    true,
	}, func(event models.Event) {
		s.Pipeline.Handle(event)
	})
}

// AppendEvents writes events to a JSON lines log
func AppendEvents(path string, events ...map[string]interface{}) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	return nil
}

// TimeplusConfigFromEnv returns the connection settings of a live Timeplus, or nil
// when TIMEPLUS_ADDRESS is not set
func TimeplusConfigFromEnv() *config.TimeplusConfig {
	address := os.Getenv("TIMEPLUS_ADDRESS")
	if address == "" {
		return nil
	}
	cfg := &config.TimeplusConfig{
		Enabled:   true,
		Address:   address,
		Username:  os.Getenv("TIMEPLUS_USER"),
		Password:  os.Getenv("TIMEPLUS_PASSWORD"),
		Workspace: os.Getenv("TIMEPLUS_WORKSPACE"),
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "default"
	}
	return cfg
}

// WaitForArchived polls the archive until a change of kind is recorded for incidentID
func WaitForArchived(ctx context.Context, archive *timeplus.Archive, incidentID string, kind models.IncidentNoticeKind) error {
	for i := 0; i < 20; i++ {
		changes, err := archive.Recent(ctx, 200)
		if err == nil {
			for _, ch := range changes {
				if ch.Incident.ID == incidentID && ch.Change == string(kind) {
					return nil
				}
			}
		} else {
			logrus.Warnf("Archive query failed, retrying: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for %s of incident %s in the archive", kind, incidentID)
}
