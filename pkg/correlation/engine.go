package correlation

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/metrics"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// SourceModule is the sourceModule of incidents created by the correlation engine
const SourceModule = "correlation_engine"

// EventSource provides the events of the trailing window
type EventSource interface {
	Since(cutoff time.Time) []models.Event
}

// IncidentSink receives incidents created by built-in rules
type IncidentSink interface {
	Add(incident *models.Incident)
}

// AlertHandler receives the alert event emitted for each fired rule
type AlertHandler func(alert models.Event)

// Config configures the correlation engine
type Config struct {
	Window            time.Duration
	Interval          time.Duration
	MassFileThreshold int
	// Throttle suppresses re-firing of the same built-in rule. Zero disables it.
	Throttle time.Duration
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Window:            60 * time.Second,
		Interval:          10 * time.Second,
		MassFileThreshold: DefaultMassFileThreshold,
		Throttle:          5 * time.Minute,
	}
}

// Match describes one rule that fired during an evaluation
type Match struct {
	Rule     string           `json:"rule"`
	Alert    models.Event     `json:"alert"`
	Incident *models.Incident `json:"incident"`
}

// Engine evaluates the built-in catalog over a trailing window of events
type Engine struct {
	cfg       Config
	rules     []Rule
	source    EventSource
	incidents IncidentSink

	alertMu sync.RWMutex
	onAlert AlertHandler

	// inFlight guarantees a single evaluation at a time
	inFlight sync.Mutex

	throttleMu sync.Mutex
	lastFired  map[string]time.Time

	trigger chan struct{}
	now     func() time.Time
}

// NewEngine creates a correlation engine
func NewEngine(cfg Config, source EventSource, incidents IncidentSink) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Engine{
		cfg:       cfg,
		rules:     Catalog(cfg.MassFileThreshold),
		source:    source,
		incidents: incidents,
		lastFired: make(map[string]time.Time),
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// OnAlert registers the handler for emitted alert events
func (e *Engine) OnAlert(h AlertHandler) {
	e.alertMu.Lock()
	defer e.alertMu.Unlock()
	e.onAlert = h
}

// Rules returns the built-in catalog
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Window returns the configured correlation window
func (e *Engine) Window() time.Duration {
	return e.cfg.Window
}

// Evaluate runs one evaluation at the current time
func (e *Engine) Evaluate() ([]Match, bool) {
	return e.EvaluateAt(e.now())
}

// EvaluateAt runs one evaluation of the window ending at now. It returns false without
// evaluating when another evaluation is already in flight.
func (e *Engine) EvaluateAt(now time.Time) ([]Match, bool) {
	if !e.inFlight.TryLock() {
		metrics.CorrelationEvaluations.WithLabelValues("skipped").Inc()
		logrus.Debug("Correlation evaluation already in flight, skipping tick")
		return nil, false
	}
	defer e.inFlight.Unlock()

	window := notAfter(e.source.Since(now.Add(-e.cfg.Window)), now)
	counts := Aggregate(window)
	metrics.CorrelationEvaluations.WithLabelValues("completed").Inc()
	metrics.CorrelationWindowSize.Observe(float64(counts.Total))

	if counts.Total == 0 {
		return nil, true
	}

	var matches []Match
	for _, rule := range e.rules {
		if !rule.Satisfied(counts) {
			continue
		}
		if e.throttled(rule.Name, now) {
			metrics.RulesThrottled.WithLabelValues(rule.Name).Inc()
			logrus.Debugf("Correlation rule %s throttled", rule.Name)
			continue
		}

		match := e.fire(rule, counts, now)
		matches = append(matches, match)
	}

	return matches, true
}

// throttled checks and records the last firing of a built-in rule
func (e *Engine) throttled(name string, now time.Time) bool {
	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()

	if e.cfg.Throttle > 0 {
		if last, ok := e.lastFired[name]; ok && now.Sub(last) < e.cfg.Throttle {
			return true
		}
	}
	e.lastFired[name] = now
	return false
}

func (e *Engine) fire(rule Rule, counts Counts, now time.Time) Match {
	metrics.CorrelationMatches.WithLabelValues(rule.Name).Inc()

	windowSeconds := strconv.Itoa(int(e.cfg.Window / time.Second))
	metadata := map[string]string{
		"rule":           rule.Name,
		"window_seconds": windowSeconds,
		"event_count":    strconv.Itoa(counts.Total),
	}
	alertContext := map[string]interface{}{
		"rule":           rule.Name,
		"window_seconds": int(e.cfg.Window / time.Second),
	}
	for _, signal := range rule.Signals {
		n := counts.Type(signal)
		metadata["count_"+signal] = strconv.Itoa(n)
		alertContext["count_"+signal] = n
	}
	if rule.Name == RuleHighCPUMaliciousIP {
		metadata["indicator_matches"] = strconv.Itoa(counts.IndicatorMatches)
		alertContext["indicator_matches"] = counts.IndicatorMatches
	}

	alert := models.Event{
		ID:        uuid.New().String(),
		Timestamp: now,
		EventType: rule.AlertType,
		Source:    SourceModule,
		Severity:  rule.Severity,
		Category:  "correlation",
		Message:   rule.Description,
		Context:   alertContext,
	}
	metadata["alert_event_id"] = alert.ID

	incident := &models.Incident{
		ID:           uuid.New().String(),
		Timestamp:    now,
		Severity:     rule.Severity,
		Title:        rule.Title,
		Message:      rule.Description,
		SourceModule: SourceModule,
		Metadata:     metadata,
	}

	logrus.WithFields(logrus.Fields{
		"rule":     rule.Name,
		"severity": rule.Severity,
		"events":   counts.Total,
	}).Warn("Correlation rule fired")

	if e.incidents != nil {
		e.incidents.Add(incident)
	}

	e.alertMu.RLock()
	handler := e.onAlert
	e.alertMu.RUnlock()
	if handler != nil {
		handler(alert)
	}

	return Match{Rule: rule.Name, Alert: alert, Incident: incident}
}

// Trigger requests an evaluation from Run without blocking. Requests that arrive while
// one is pending are coalesced.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run evaluates on every interval tick and on every trigger until ctx is done
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	logrus.Infof("Correlation engine started (window %s, interval %s, throttle %s)",
		e.cfg.Window, e.cfg.Interval, e.cfg.Throttle)

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Correlation engine stopped")
			return
		case <-ticker.C:
			e.Evaluate()
		case <-e.trigger:
			e.Evaluate()
		}
	}
}

// notAfter drops events stamped later than now, so a producer with a skewed clock
// cannot keep an event inside every window
func notAfter(events []models.Event, now time.Time) []models.Event {
	out := events[:0:0]
	for _, ev := range events {
		if !ev.Timestamp.After(now) {
			out = append(out, ev)
		}
	}
	if skipped := len(events) - len(out); skipped > 0 {
		logrus.Debugf("Ignoring %d events stamped after %s", skipped, now.Format(time.RFC3339))
	}
	return out
}
