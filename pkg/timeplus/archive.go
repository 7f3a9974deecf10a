package timeplus

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// ArchivedChange is one recorded incident lifecycle change
type ArchivedChange struct {
	Change     string          `json:"change"`
	RecordedAt time.Time       `json:"recordedAt"`
	Incident   models.Incident `json:"incident"`
}

// Archive appends incident lifecycle changes to a Timeplus stream
type Archive struct {
	client TimeplusClient
	stream string
	now    func() time.Time
}

// NewArchive creates an archive writing to IncidentsStream
func NewArchive(client TimeplusClient) *Archive {
	return &Archive{client: client, stream: IncidentsStream, now: time.Now}
}

// EnsureStream creates the archive stream when it does not exist
func (a *Archive) EnsureStream(ctx context.Context) error {
	exists, err := a.client.StreamExists(ctx, a.stream)
	if err != nil {
		return fmt.Errorf("failed to check incident stream: %w", err)
	}
	if exists {
		logrus.Infof("Incident archive stream %s exists", a.stream)
		return nil
	}

	logrus.Infof("Creating incident archive stream: %s", a.stream)
	if err := a.client.CreateStream(ctx, a.stream, GetIncidentsSchema()); err != nil {
		return fmt.Errorf("failed to create incident stream: %w", err)
	}
	return nil
}

// ArchiveNotice records the incident carried by a notice. Cleared notices carry no
// incident and are not recorded.
func (a *Archive) ArchiveNotice(ctx context.Context, notice models.IncidentNotice) error {
	if notice.Kind == models.NoticeCleared {
		return nil
	}

	inc := notice.Incident
	metadata, err := json.Marshal(inc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode incident metadata: %w", err)
	}

	values := []interface{}{
		inc.ID,
		string(notice.Kind),
		inc.Timestamp,
		string(inc.Severity),
		inc.Title,
		inc.Message,
		inc.SourceModule,
		string(metadata),
		inc.Acknowledged,
		inc.Resolved,
		a.now(),
	}
	return a.client.InsertIntoStream(ctx, a.stream, ColumnNames(GetIncidentsSchema()), values)
}

// Recent returns the most recently recorded changes, newest first
func (a *Archive) Recent(ctx context.Context, limit int) ([]ArchivedChange, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT id, change, occurred_at, severity, title, message, source_module,
		       metadata, acknowledged, resolved, recorded_at
		FROM table(%s)
		ORDER BY recorded_at DESC
		LIMIT %d
	`, a.stream, limit)

	rows, err := a.client.ExecuteQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query incident archive: %w", err)
	}

	changes := make([]ArchivedChange, 0, len(rows))
	for _, row := range rows {
		changes = append(changes, mapToChange(row))
	}
	return changes, nil
}

func mapToChange(row map[string]interface{}) ArchivedChange {
	metadata := map[string]string{}
	if raw := getString(row, "metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			logrus.Warnf("Ignoring unreadable metadata for incident %s: %v", getString(row, "id"), err)
		}
	}

	return ArchivedChange{
		Change:     getString(row, "change"),
		RecordedAt: getTime(row, "recorded_at"),
		Incident: models.Incident{
			ID:           getString(row, "id"),
			Timestamp:    getTime(row, "occurred_at"),
			Severity:     models.Severity(getString(row, "severity")),
			Title:        getString(row, "title"),
			Message:      getString(row, "message"),
			SourceModule: getString(row, "source_module"),
			Metadata:     metadata,
			Acknowledged: getBool(row, "acknowledged"),
			Resolved:     getBool(row, "resolved"),
		},
	}
}

func getString(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case *bool:
		return v != nil && *v
	case uint8:
		return v != 0
	}
	return false
}

// getTime extracts a time.Time value from a map using the given key
func getTime(data map[string]interface{}, key string) time.Time {
	if val, ok := data[key]; ok && val != nil {
		if t, err := parseTimeplus(val); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseTimeplus parses a Timeplus datetime value into a time.Time
func parseTimeplus(val interface{}) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case *time.Time:
		if v == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return *v, nil
	case string:
		layouts := []string{
			time.RFC3339Nano,
			"2006-01-02 15:04:05.999999999",
			"2006-01-02T15:04:05.999999999",
			"2006-01-02 15:04:05",
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse time string: %s", v)
	default:
		return time.Time{}, fmt.Errorf("unsupported time type: %T", val)
	}
}
