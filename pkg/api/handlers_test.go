package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/correlation"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/index"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/services"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/storage"
)

type testServer struct {
	router    *echo.Echo
	incidents *services.IncidentService
	hub       *Hub
}

// setupTestRouter wires the full stack over a file store in a temp dir
func setupTestRouter(t *testing.T) *testServer {
	t.Helper()

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	idx, err := index.NewIndex(100, 1000)
	require.NoError(t, err)
	ruleService, err := services.NewRuleService(store)
	require.NoError(t, err)
	incidentService, err := services.NewIncidentService(store, 100)
	require.NoError(t, err)
	engine := correlation.NewEngine(correlation.DefaultConfig(), idx, incidentService)
	pipeline := services.NewPipeline(idx, ruleService, incidentService, engine)

	hub := NewHub([]string{"*"})
	e := echo.New()
	NewAPIHandler(ruleService, incidentService, pipeline, idx, engine, hub).SetupRoutes(e)
	return &testServer{router: e, incidents: incidentService, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestGetRulesReturnsSeededDefaults(t *testing.T) {
	s := setupTestRouter(t)

	rec := s.do(t, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rules []models.Rule
	decode(t, rec, &rules)
	require.Len(t, rules, 4)
	assert.Equal(t, "IOC Match", rules[0].Name)
}

func TestCreateRule(t *testing.T) {
	s := setupTestRouter(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   models.ConditionKind
		wantError  string
	}{
		{
			name:       "valid rule",
			body:       `{"name":"Mimikatz","severity":"critical","condition":{"kind":"custom","pattern":"mimikatz"},"throttleMinutes":10}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "bare kind condition",
			body:       `{"name":"Net","severity":"medium","condition":"networkAnomaly"}`,
			wantStatus: http.StatusCreated,
			wantKind:   models.ConditionNetworkAnomaly,
		},
		{
			name:       "snake case bare kind",
			body:       `{"name":"Net","severity":"medium","condition":"network_anomaly"}`,
			wantStatus: http.StatusCreated,
			wantKind:   models.ConditionNetworkAnomaly,
		},
		{
			name:       "snake case kind object",
			body:       `{"name":"Files","severity":"high","condition":{"kind":"file_modification"}}`,
			wantStatus: http.StatusCreated,
			wantKind:   models.ConditionFileModification,
		},
		{
			name:       "missing name",
			body:       `{"severity":"critical","condition":"iocMatch"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "'Name' failed on the 'required' tag",
		},
		{
			name:       "unknown severity",
			body:       `{"name":"x","severity":"urgent","condition":"iocMatch"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "'Severity' failed on the 'oneof' tag",
		},
		{
			name:       "unknown condition kind",
			body:       `{"name":"x","severity":"low","condition":"portScan"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  `unknown kind "portScan"`,
		},
		{
			name:       "custom condition without pattern",
			body:       `{"name":"x","severity":"low","condition":{"kind":"custom"}}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "custom condition requires a pattern",
		},
		{
			name:       "missing condition",
			body:       `{"name":"x","severity":"low"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "unknown kind",
		},
		{
			name:       "negative throttle",
			body:       `{"name":"x","severity":"low","condition":"iocMatch","throttleMinutes":-1}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "'ThrottleMinutes' failed on the 'gte' tag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/rules", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus == http.StatusCreated {
				var rule models.Rule
				decode(t, rec, &rule)
				assert.NotEmpty(t, rule.ID)
				assert.True(t, rule.Enabled)
				if tt.wantKind != "" {
					assert.Equal(t, tt.wantKind, rule.Condition.Kind)
				}
			} else {
				var body map[string]string
				decode(t, rec, &body)
				assert.Contains(t, body["error"], tt.wantError)
			}
		})
	}
}

func TestRuleLifecycle(t *testing.T) {
	s := setupTestRouter(t)

	rec := s.do(t, http.MethodPost, "/api/rules", `{"id":"miner","name":"Miner","severity":"high","condition":{"kind":"custom","pattern":"xmrig"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/rules/miner", `{"enabled":false,"throttleMinutes":30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.Rule
	decode(t, rec, &updated)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 30, updated.ThrottleMinutes)
	assert.Equal(t, "Miner", updated.Name)

	rec = s.do(t, http.MethodGet, "/api/rules/miner", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/rules/miner", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/rules/miner", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodPut, "/api/rules/miner", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/rules/miner", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestEvents(t *testing.T) {
	s := setupTestRouter(t)

	rec := s.do(t, http.MethodPost, "/api/events", `{"id":"sig-1","event_type":"signature_hit","severity":"high","message":"EICAR test signature"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp IngestResponse
	decode(t, rec, &resp)
	assert.Equal(t, 1, resp.Accepted)
	require.Len(t, resp.Incidents, 1)
	assert.Equal(t, "IOC Match", resp.Incidents[0].Title)
	assert.Equal(t, "signature_engine", resp.Incidents[0].SourceModule)

	rec = s.do(t, http.MethodPost, "/api/events", `[
		{"id":"sig-1","event_type":"signature_hit","severity":"high","message":"EICAR test signature"},
		{"event_id":"dns-1","type":"dns_request","severity":"low","context":{"message":"lookup example.com"}}
	]`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Duplicates)
	assert.Empty(t, resp.Incidents)

	rec = s.do(t, http.MethodGet, "/api/events?type=dns_request", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.Event
	decode(t, rec, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "dns-1", events[0].ID)
	assert.Equal(t, "lookup example.com", events[0].Message)
	assert.Equal(t, "network_watcher", events[0].Source)

	rec = s.do(t, http.MethodGet, "/api/events/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts struct {
		Total  int            `json:"total"`
		ByType map[string]int `json:"byType"`
	}
	decode(t, rec, &counts)
	assert.Equal(t, 2, counts.Total)
	assert.Equal(t, 1, counts.ByType["signature_hit"])
}

func TestIngestEventsRejectsMalformed(t *testing.T) {
	s := setupTestRouter(t)

	for _, body := range []string{
		`{"id":"x","event_type":"dns_request"`,
		`{"id":"x","event_type":"dns_request","severity":"urgent"}`,
		`[{"id":"a","event_type":"dns_request","severity":"low"},{"id":"b","severity":"low"}]`,
	} {
		rec := s.do(t, http.MethodPost, "/api/events", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := s.do(t, http.MethodGet, "/api/events", nil)
	var events []models.Event
	decode(t, rec, &events)
	assert.Empty(t, events, "a rejected batch indexes nothing")
}

func TestIncidentEndpoints(t *testing.T) {
	s := setupTestRouter(t)

	rec := s.do(t, http.MethodPost, "/api/events", `[
		{"id":"sig-1","event_type":"signature_hit","severity":"critical","message":"ransomware note dropped"},
		{"id":"fim-1","event_type":"file_integrity_change","severity":"low","category":"filesystem","message":"/etc/hosts changed"}
	]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/incidents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var incidents []models.Incident
	decode(t, rec, &incidents)
	require.Len(t, incidents, 2)
	assert.Equal(t, "File Integrity Violation", incidents[0].Title, "newest first")

	critical := incidents[1]
	assert.Equal(t, models.SeverityCritical, critical.Severity)

	rec = s.do(t, http.MethodGet, "/api/incidents?severity=critical", nil)
	decode(t, rec, &incidents)
	require.Len(t, incidents, 1)
	assert.Equal(t, critical.ID, incidents[0].ID)

	rec = s.do(t, http.MethodPost, "/api/incidents/"+critical.ID+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/incidents?unacknowledged=true", nil)
	decode(t, rec, &incidents)
	require.Len(t, incidents, 1)
	assert.NotEqual(t, critical.ID, incidents[0].ID)

	rec = s.do(t, http.MethodGet, "/api/incidents/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts models.IncidentCounts
	decode(t, rec, &counts)
	assert.Equal(t, models.IncidentCounts{Total: 2, Unacknowledged: 1, Critical: 1}, counts)

	rec = s.do(t, http.MethodPost, "/api/incidents/"+critical.ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved models.Incident
	decode(t, rec, &resolved)
	assert.True(t, resolved.Resolved)

	rec = s.do(t, http.MethodDelete, "/api/incidents/resolved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var removed map[string]int
	decode(t, rec, &removed)
	assert.Equal(t, 1, removed["removed"])

	rec = s.do(t, http.MethodGet, "/api/incidents/"+critical.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/incidents/"+critical.ID+"/acknowledge", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetIncidentsRejectsBadQuery(t *testing.T) {
	s := setupTestRouter(t)

	for _, query := range []string{"severity=urgent", "unacknowledged=maybe", "limit=-3"} {
		rec := s.do(t, http.MethodGet, "/api/incidents?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestCorrelationEndpoints(t *testing.T) {
	s := setupTestRouter(t)

	rec := s.do(t, http.MethodGet, "/api/correlation/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var catalog struct {
		WindowSeconds int                `json:"windowSeconds"`
		Rules         []correlation.Rule `json:"rules"`
	}
	decode(t, rec, &catalog)
	assert.Equal(t, 60, catalog.WindowSeconds)
	assert.NotEmpty(t, catalog.Rules)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rec = s.do(t, http.MethodPost, "/api/events", `[
		{"id":"c-fim","timestamp":"`+now+`","event_type":"file_integrity_change","severity":"low","message":"plist modified"},
		{"id":"c-proc","timestamp":"`+now+`","event_type":"process_anomaly","severity":"low","message":"unsigned binary"},
		{"id":"c-net","timestamp":"`+now+`","event_type":"network_connection","severity":"low","message":"outbound 4444"}
	]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/correlation/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result struct {
		Matches []correlation.Match `json:"matches"`
	}
	decode(t, rec, &result)

	var fired []string
	for _, m := range result.Matches {
		fired = append(fired, m.Rule)
	}
	assert.Contains(t, fired, correlation.RuleMultipleSuspiciousActivities)

	rec = s.do(t, http.MethodPost, "/api/correlation/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &result)
	assert.Empty(t, result.Matches, "built-in rules are throttled after firing")
}

func TestWebsocketStreamsIncidentNotices(t *testing.T) {
	s := setupTestRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	notices, unsubscribe := s.incidents.Subscribe("websocket", 16)
	defer unsubscribe()
	go s.hub.Forward(ctx, notices)

	server := httptest.NewServer(s.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/incidents"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.incidents.Add(&models.Incident{ID: "ws-1", Severity: models.SeverityCritical, Title: "Ransomware", SourceModule: "test"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string                `json:"type"`
		Data models.IncidentNotice `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(models.NoticeNewCritical), msg.Type)
	assert.Equal(t, "ws-1", msg.Data.Incident.ID)
	assert.Equal(t, 1, msg.Data.Counts.Critical)
}

func TestHubRejectsUnknownOrigin(t *testing.T) {
	check := originChecker([]string{"http://console.local"})

	allowed := httptest.NewRequest(http.MethodGet, "/ws/incidents", nil)
	allowed.Header.Set("Origin", "http://console.local")
	assert.True(t, check(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/ws/incidents", nil)
	denied.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(denied))

	noOrigin := httptest.NewRequest(http.MethodGet, "/ws/incidents", nil)
	assert.True(t, check(noOrigin))
}
