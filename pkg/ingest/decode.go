// Package ingest turns event log lines into validated events and follows the
// append-only event log.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// ErrMalformed wraps every decoding or validation failure
var ErrMalformed = errors.New("malformed event")

var validate = validator.New()

// wireEvent is the on-disk line shape. Older collectors write event_id and type.
type wireEvent struct {
	ID        string                 `json:"id"`
	EventID   string                 `json:"event_id"`
	Timestamp json.RawMessage        `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Severity  string                 `json:"severity"`
	Category  string                 `json:"category"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context"`
}

// Decoder normalizes raw event JSON
type Decoder struct {
	now func() time.Time
}

// NewDecoder creates a decoder stamping events without a timestamp with the current time
func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

// Decode parses one JSON object into an event, filling aliases and defaults, and
// validates the result
func (d *Decoder) Decode(data []byte) (models.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d.normalize(w)
}

// DecodeBatch accepts either a single object or an array of objects. Every element must
// be valid.
func (d *Decoder) DecodeBatch(data []byte) ([]models.Event, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "[") {
		e, err := d.Decode(data)
		if err != nil {
			return nil, err
		}
		return []models.Event{e}, nil
	}

	var raw []wireEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	events := make([]models.Event, 0, len(raw))
	for i, w := range raw {
		e, err := d.normalize(w)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (d *Decoder) normalize(w wireEvent) (models.Event, error) {
	e := models.Event{
		ID:        w.ID,
		EventType: w.EventType,
		Source:    w.Source,
		Severity:  models.Severity(strings.ToLower(strings.TrimSpace(w.Severity))),
		Category:  w.Category,
		Message:   w.Message,
		Context:   w.Context,
	}
	if e.ID == "" {
		e.ID = w.EventID
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EventType == "" {
		e.EventType = w.Type
	}
	if e.Source == "" {
		e.Source = models.InferSource(e.EventType)
	}
	if e.Message == "" {
		if msg, ok := w.Context["message"].(string); ok {
			e.Message = msg
		}
	}

	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ts.IsZero() {
		ts = d.now()
	}
	e.Timestamp = ts

	if err := validate.Struct(e); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts ISO-8601 strings and epoch seconds. A missing value yields
// the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}

	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, fmt.Errorf("unsupported timestamp %s", string(raw))
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
