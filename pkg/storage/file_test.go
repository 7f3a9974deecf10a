package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	return store
}

func TestRulesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rules := []*models.Rule{
		{
			ID:              "r1",
			Name:            "IOC Match",
			Severity:        models.SeverityCritical,
			Condition:       models.IOCMatch(),
			Enabled:         true,
			ThrottleMinutes: 0,
			CreatedAt:       created,
			UpdatedAt:       created,
		},
		{
			ID:              "r2",
			Name:            "Crypto miner",
			Description:     "xmrig in process list",
			Severity:        models.SeverityHigh,
			Condition:       models.CustomPattern("xmrig"),
			Enabled:         false,
			ThrottleMinutes: 15,
			CreatedAt:       created,
			UpdatedAt:       created.Add(time.Hour),
		},
	}

	require.NoError(t, store.SaveRules(rules))

	loaded, err := store.LoadRules()
	require.NoError(t, err)
	assert.Equal(t, rules, loaded)
}

func TestIncidentsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ts := time.Date(2026, 2, 3, 4, 5, 6, 700, time.UTC)

	incidents := []*models.Incident{
		{
			ID:           "i2",
			Timestamp:    ts.Add(time.Minute),
			Severity:     models.SeverityCritical,
			Title:        "Mass File Changes",
			Message:      "possible ransomware",
			SourceModule: "correlation_engine",
			Metadata:     map[string]string{"rule": "mass_file_changes", "event_count": "51"},
		},
		{
			ID:           "i1",
			Timestamp:    ts,
			Severity:     models.SeverityMedium,
			Title:        "Network Anomaly",
			Message:      "unexpected listener",
			SourceModule: "network_watcher",
			Metadata:     map[string]string{},
			Acknowledged: true,
			Resolved:     true,
		},
	}

	require.NoError(t, store.SaveIncidents(incidents))

	loaded, err := store.LoadIncidents()
	require.NoError(t, err)
	assert.Equal(t, incidents, loaded)
}

func TestLoadMissingFiles(t *testing.T) {
	store := newTestStore(t)

	rules, err := store.LoadRules()
	assert.NoError(t, err)
	assert.Empty(t, rules)

	incidents, err := store.LoadIncidents()
	assert.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestLoadCorruptFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), IncidentsFile), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), RulesFile), []byte(`[{"id":"x","condition":"bogus"}]`), 0o644))

	_, err := store.LoadIncidents()
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = store.LoadRules()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadSkipsNullEntries(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), IncidentsFile), []byte(`[null]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), RulesFile),
		[]byte(`[null, {"id":"r1","name":"IOC","severity":"critical","condition":"iocMatch","enabled":true}, null]`), 0o644))

	incidents, err := store.LoadIncidents()
	require.NoError(t, err)
	assert.Empty(t, incidents)

	rules, err := store.LoadRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)
	assert.Equal(t, models.ConditionIOCMatch, rules[0].Condition.Kind)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveIncidents(nil))
	require.NoError(t, store.SaveRules(nil))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{RulesFile, IncidentsFile}, names)
}
