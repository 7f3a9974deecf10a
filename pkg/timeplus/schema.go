package timeplus

import (
	"fmt"
	"strings"
	"time"
)

// IncidentsStream is the append-only stream recording incident lifecycle changes
const IncidentsStream = "tp_security_incidents"

// GetIncidentsSchema returns the schema for the incident archive stream
func GetIncidentsSchema() []Column {
	return []Column{
		{Name: "id", Type: "string"},
		{Name: "change", Type: "string"}, // incident.created, incident.acknowledged, ...
		{Name: "occurred_at", Type: "datetime64(3)"},
		{Name: "severity", Type: "string"},
		{Name: "title", Type: "string"},
		{Name: "message", Type: "string"},
		{Name: "source_module", Type: "string"},
		{Name: "metadata", Type: "string"}, // JSON string of the incident metadata
		{Name: "acknowledged", Type: "bool"},
		{Name: "resolved", Type: "bool"},
		{Name: "recorded_at", Type: "datetime64(3)"},
	}
}

// ColumnNames returns the names of a schema in order
func ColumnNames(schema []Column) []string {
	names := make([]string, len(schema))
	for i, col := range schema {
		names[i] = col.Name
	}
	return names
}

// CreateStreamQuery renders a CREATE STREAM IF NOT EXISTS statement
func CreateStreamQuery(name string, schema []Column) string {
	fields := make([]string, len(schema))
	for i, col := range schema {
		if col.Nullable {
			fields[i] = fmt.Sprintf("`%s` %s NULL", col.Name, col.Type)
		} else {
			fields[i] = fmt.Sprintf("`%s` %s", col.Name, col.Type)
		}
	}
	return fmt.Sprintf("CREATE STREAM IF NOT EXISTS `%s` (%s)", name, strings.Join(fields, ", "))
}

// InsertQuery renders a single-row INSERT statement
func InsertQuery(streamName string, columns []string, values []interface{}) (string, error) {
	if len(columns) != len(values) {
		return "", fmt.Errorf("insert into %s: %d columns but %d values", streamName, len(columns), len(values))
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = fmt.Sprintf("`%s`", col)
	}
	formatted := make([]string, len(values))
	for i, v := range values {
		formatted[i] = FormatValue(v)
	}
	return fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)",
		streamName, strings.Join(quoted, ", "), strings.Join(formatted, ", ")), nil
}

// FormatValue renders a Go value as a SQL literal
func FormatValue(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		return quote(v)
	case time.Time:
		return quote(v.UTC().Format("2006-01-02 15:04:05.000"))
	case bool:
		return fmt.Sprintf("%t", v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32, float64:
		return fmt.Sprintf("%f", v)
	default:
		return quote(fmt.Sprintf("%v", v))
	}
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
