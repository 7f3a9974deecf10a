package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/correlation"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

func newEvent(eventType string, severity models.Severity, category, message string, ctx map[string]interface{}) models.Event {
	return models.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Source:    models.InferSource(eventType),
		Severity:  severity,
		Category:  category,
		Message:   message,
		Context:   ctx,
	}
}

// scenarios produce the events that make one built-in correlation rule fire
var scenarios = map[string]func(massFileThreshold int) []models.Event{
	correlation.RuleMultipleSuspiciousActivities: func(int) []models.Event {
		return []models.Event{
			newEvent(models.EventTypeFileIntegrityChange, models.SeverityLow, "filesystem", "/Library/LaunchDaemons/com.update.plist modified", nil),
			newEvent(models.EventTypeProcessAnomaly, models.SeverityLow, "process", "unsigned binary spawned /bin/sh", map[string]interface{}{"pid": 4242}),
			newEvent(models.EventTypeNetworkConnection, models.SeverityLow, "network", "outbound connection to 203.0.113.7:4444", map[string]interface{}{"remote_ip": "203.0.113.7"}),
		}
	},
	correlation.RuleHighCPUMaliciousIP: func(int) []models.Event {
		return []models.Event{
			newEvent(models.EventTypeProcessAnomaly, models.SeverityHigh, "process", "process using 98% CPU", map[string]interface{}{"pid": 5151, "cpu": 98.2}),
			newEvent(models.EventTypeNetworkConnection, models.SeverityMedium, "network", "connection to known mining pool", map[string]interface{}{
				"remote_ip":                          "198.51.100.23",
				models.ContextThreatIndicatorMatched: true,
			}),
		}
	},
	correlation.RuleMassFileChanges: func(threshold int) []models.Event {
		events := make([]models.Event, 0, threshold+1)
		for i := 0; i <= threshold; i++ {
			events = append(events, newEvent(models.EventTypeFileIntegrityChange, models.SeverityLow, "filesystem",
				fmt.Sprintf("/Users/demo/Documents/report-%03d.docx encrypted", i), nil))
		}
		return events
	},
	correlation.RuleSSHCompromiseIndicator: func(int) []models.Event {
		return []models.Event{
			newEvent(models.EventTypeSSHLoginFailure, models.SeverityMedium, "auth", "failed password for root from 192.0.2.10", map[string]interface{}{"user": "root"}),
			newEvent(models.EventTypeSSHKeyChange, models.SeverityMedium, "auth", "~/.ssh/authorized_keys modified", nil),
		}
	},
	correlation.RuleAdminCronModification: func(int) []models.Event {
		return []models.Event{
			newEvent(models.EventTypeUserAccountChange, models.SeverityMedium, "accounts", "user backup added to admin group", map[string]interface{}{"user": "backup"}),
			newEvent(models.EventTypeCronModification, models.SeverityLow, "persistence", "new crontab entry for backup", nil),
		}
	},
	"noise": func(int) []models.Event {
		return []models.Event{
			newEvent(models.EventTypeDNSRequest, models.SeverityLow, "network", "lookup updates.example.com", nil),
			newEvent(models.EventTypePrivacyEvent, models.SeverityLow, "privacy", "camera access granted to Zoom", nil),
			newEvent(models.EventTypeConfigChange, models.SeverityLow, "config", "firewall profile reloaded", nil),
		}
	},
}

// emitter delivers a batch of events somewhere
type emitter interface {
	Emit(ctx context.Context, events []models.Event) error
}

type httpEmitter struct {
	url    string
	client *http.Client
}

func (h *httpEmitter) Emit(ctx context.Context, events []models.Event) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+"/api/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Accepted   int `json:"accepted"`
		Duplicates int `json:"duplicates"`
		Incidents  []struct {
			Title    string `json:"title"`
			Severity string `json:"severity"`
		} `json:"incidents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	for _, inc := range result.Incidents {
		logrus.Infof("Rule incident: [%s] %s", inc.Severity, inc.Title)
	}
	logrus.Debugf("Accepted %d events (%d duplicates)", result.Accepted, result.Duplicates)
	return nil
}

type fileEmitter struct {
	path string
}

func (f *fileEmitter) Emit(_ context.Context, events []models.Event) error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}
	return nil
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func main() {
	target := flag.String("target", getEnv("SENTINEL_URL", "http://localhost:8080"), "sentinel base URL")
	logPath := flag.String("log", "", "append events to this JSON lines file instead of posting them")
	scenario := flag.String("scenario", "all", "scenario to run: all, random or one of "+strings.Join(scenarioNames(), ", "))
	interval := flag.Duration("interval", 5*time.Second, "pause between scenario runs")
	repeat := flag.Int("repeat", 1, "number of runs, 0 runs until interrupted")
	threshold := flag.Int("mass-file-threshold", correlation.DefaultMassFileThreshold, "mass file changes threshold of the server")
	flag.Parse()

	var out emitter
	if *logPath != "" {
		out = &fileEmitter{path: *logPath}
		logrus.Infof("Appending events to %s", *logPath)
	} else {
		out = &httpEmitter{url: strings.TrimRight(*target, "/"), client: &http.Client{Timeout: 10 * time.Second}}
		logrus.Infof("Posting events to %s", *target)
	}

	var selected []string
	switch *scenario {
	case "all":
		selected = scenarioNames()
	case "random":
	default:
		if _, ok := scenarios[*scenario]; !ok {
			logrus.Fatalf("Unknown scenario %q (known: %s)", *scenario, strings.Join(scenarioNames(), ", "))
		}
		selected = []string{*scenario}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	names := scenarioNames()

	for run := 1; *repeat == 0 || run <= *repeat; run++ {
		runNames := selected
		if *scenario == "random" {
			runNames = []string{names[rng.Intn(len(names))]}
		}

		for _, name := range runNames {
			events := scenarios[name](*threshold)
			if err := out.Emit(ctx, events); err != nil {
				logrus.Errorf("Scenario %s failed: %v", name, err)
				continue
			}
			logrus.Infof("Sent scenario %s (%d events)", name, len(events))
		}

		if *repeat != 0 && run == *repeat {
			break
		}
		select {
		case <-ctx.Done():
			logrus.Info("Simulator stopped")
			return
		case <-time.After(*interval):
		}
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
