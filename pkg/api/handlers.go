package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/correlation"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/index"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/ingest"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/services"
)

// maxEventBody caps the size of a POST /api/events body
const maxEventBody = 4 << 20

var errInvalidBody = errors.New("invalid request body")

// APIHandler handles HTTP API requests
type APIHandler struct {
	ruleService     *services.RuleService
	incidentService *services.IncidentService
	pipeline        *services.Pipeline
	index           *index.Index
	engine          *correlation.Engine
	decoder         *ingest.Decoder
	hub             *Hub
	validate        *validator.Validate
}

// NewAPIHandler creates a new API handler. hub may be nil, in which case the
// websocket route is not registered.
func NewAPIHandler(
	ruleService *services.RuleService,
	incidentService *services.IncidentService,
	pipeline *services.Pipeline,
	idx *index.Index,
	engine *correlation.Engine,
	hub *Hub,
) *APIHandler {
	return &APIHandler{
		ruleService:     ruleService,
		incidentService: incidentService,
		pipeline:        pipeline,
		index:           idx,
		engine:          engine,
		decoder:         ingest.NewDecoder(),
		hub:             hub,
		validate:        validator.New(),
	}
}

// errorResponse maps service errors to an HTTP status and a JSON error body
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, services.ErrRuleNotFound), errors.Is(err, services.ErrIncidentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errInvalidBody), errors.Is(err, models.ErrInvalidCondition),
		errors.Is(err, ingest.ErrMalformed), errors.As(err, &validationErrs):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logrus.Errorf("Request %s %s failed: %v", c.Request().Method, c.Path(), err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// bindAndValidate decodes the JSON body into req and runs its validate tags
func (h *APIHandler) bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Internal != nil {
			err = he.Internal
		}
		return fmt.Errorf("%w: %w", errInvalidBody, err)
	}
	return h.validate.Struct(req)
}

// GetRules returns all rules
func (h *APIHandler) GetRules(c echo.Context) error {
	return c.JSON(http.StatusOK, h.ruleService.ListRules())
}

// GetRule returns a rule by ID
func (h *APIHandler) GetRule(c echo.Context) error {
	rule, err := h.ruleService.GetRule(c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rule)
}

// CreateRule creates a new rule
func (h *APIHandler) CreateRule(c echo.Context) error {
	var req models.CreateRuleRequest
	if err := h.bindAndValidate(c, &req); err != nil {
		return errorResponse(c, err)
	}

	rule, err := h.ruleService.CreateRule(&req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, rule)
}

// UpdateRule updates an existing rule
func (h *APIHandler) UpdateRule(c echo.Context) error {
	var req models.UpdateRuleRequest
	if err := h.bindAndValidate(c, &req); err != nil {
		return errorResponse(c, err)
	}

	rule, err := h.ruleService.UpdateRule(c.Param("id"), &req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rule)
}

// DeleteRule deletes a rule
func (h *APIHandler) DeleteRule(c echo.Context) error {
	id := c.Param("id")
	if err := h.ruleService.DeleteRule(id); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": fmt.Sprintf("Rule %s deleted", id)})
}

// GetIncidents lists incidents, newest first
func (h *APIHandler) GetIncidents(c echo.Context) error {
	filter := models.IncidentFilter{
		Severity:     models.Severity(strings.ToLower(c.QueryParam("severity"))),
		SourceModule: c.QueryParam("source"),
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown severity %q", filter.Severity)})
	}

	var err error
	if filter.OnlyUnacked, err = boolParam(c, "unacknowledged"); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if filter.OnlyUnresolved, err = boolParam(c, "unresolved"); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if filter.Limit, err = intParam(c, "limit"); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, h.incidentService.List(filter))
}

// GetIncidentCounts returns the derived incident counters
func (h *APIHandler) GetIncidentCounts(c echo.Context) error {
	return c.JSON(http.StatusOK, h.incidentService.Counts())
}

// GetIncident returns an incident by ID
func (h *APIHandler) GetIncident(c echo.Context) error {
	incident, err := h.incidentService.Get(c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, incident)
}

// AcknowledgeIncident acknowledges an incident
func (h *APIHandler) AcknowledgeIncident(c echo.Context) error {
	incident, err := h.incidentService.Acknowledge(c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, incident)
}

// ResolveIncident resolves an incident
func (h *APIHandler) ResolveIncident(c echo.Context) error {
	incident, err := h.incidentService.Resolve(c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, incident)
}

// ClearResolvedIncidents removes every resolved incident
func (h *APIHandler) ClearResolvedIncidents(c echo.Context) error {
	removed := h.incidentService.ClearResolved()
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

// IngestResponse reports the outcome of POST /api/events
type IngestResponse struct {
	Accepted   int               `json:"accepted"`
	Duplicates int               `json:"duplicates"`
	Incidents  []models.Incident `json:"incidents"`
}

// IngestEvents accepts one event object or an array of events
func (h *APIHandler) IngestEvents(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Failed to read request body"})
	}

	events, err := h.decoder.DecodeBatch(body)
	if err != nil {
		return errorResponse(c, err)
	}

	resp := IngestResponse{Incidents: []models.Incident{}}
	for _, event := range events {
		incident, ok := h.pipeline.Handle(event)
		if !ok {
			resp.Duplicates++
			continue
		}
		resp.Accepted++
		if incident != nil {
			resp.Incidents = append(resp.Incidents, *incident)
		}
	}

	logrus.WithFields(logrus.Fields{
		"accepted":   resp.Accepted,
		"duplicates": resp.Duplicates,
		"incidents":  len(resp.Incidents),
	}).Debug("Ingested events over HTTP")
	return c.JSON(http.StatusAccepted, resp)
}

// GetEvents returns indexed events, newest first. ?type=a,b narrows to those types.
func (h *APIHandler) GetEvents(c echo.Context) error {
	limit, err := intParam(c, "limit")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	var events []models.Event
	if raw := c.QueryParam("type"); raw != "" {
		var types []string
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		events = h.index.EventsForTypes(types)
	} else {
		events = h.index.AllEvents()
	}

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	if events == nil {
		events = []models.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// GetEventCounts returns per-type and total event counts
func (h *APIHandler) GetEventCounts(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":  h.index.TotalCount(),
		"byType": h.index.Counts(),
	})
}

// GetCorrelationRules returns the built-in correlation catalog
func (h *APIHandler) GetCorrelationRules(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"windowSeconds": int(h.engine.Window().Seconds()),
		"rules":         h.engine.Rules(),
	})
}

// EvaluateCorrelation runs one correlation pass immediately
func (h *APIHandler) EvaluateCorrelation(c echo.Context) error {
	matches, ran := h.engine.Evaluate()
	if !ran {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Correlation evaluation already in progress"})
	}
	if matches == nil {
		matches = []correlation.Match{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"matches": matches})
}

func boolParam(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

// SetupRoutes sets up the API routes
func (h *APIHandler) SetupRoutes(e *echo.Echo) {
	api := e.Group("/api")

	// Rules
	api.GET("/rules", h.GetRules)
	api.GET("/rules/:id", h.GetRule)
	api.POST("/rules", h.CreateRule)
	api.PUT("/rules/:id", h.UpdateRule)
	api.DELETE("/rules/:id", h.DeleteRule)

	// Incidents
	api.GET("/incidents", h.GetIncidents)
	api.GET("/incidents/counts", h.GetIncidentCounts)
	api.GET("/incidents/:id", h.GetIncident)
	api.POST("/incidents/:id/acknowledge", h.AcknowledgeIncident)
	api.POST("/incidents/:id/resolve", h.ResolveIncident)
	api.DELETE("/incidents/resolved", h.ClearResolvedIncidents)

	// Events
	api.POST("/events", h.IngestEvents)
	api.GET("/events", h.GetEvents)
	api.GET("/events/counts", h.GetEventCounts)

	// Correlation
	api.GET("/correlation/rules", h.GetCorrelationRules)
	api.POST("/correlation/evaluate", h.EvaluateCorrelation)

	if h.hub != nil {
		e.GET("/ws/incidents", h.hub.ServeWS)
	}
}
