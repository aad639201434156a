package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"process-intel/internal/config"
	"process-intel/internal/models"
	"process-intel/internal/store"
	"process-intel/internal/telemetry"
)

// Pipeline is the coordinator surface the handlers depend on.
type Pipeline interface {
	Process(ctx context.Context, event models.ProcessEvent) (models.PipelineResult, error)
	Status(jobID string) (models.ProcessingJob, bool)
	ActiveJobs() []models.ProcessingJob
	QueueStats() models.QueueStats
}

// InsightEngine exposes the engine operations served directly over HTTP.
type InsightEngine interface {
	PredictFailures(ctx context.Context, history []map[string]any) models.FailureForecast
	GenerateWorkflow(ctx context.Context, requirements string) models.WorkflowPlan
}

// Store is the persistence surface the handlers depend on.
type Store interface {
	CreateProcess(ctx context.Context, p store.CreateProcessParams) (models.Process, error)
	FindOrCreateProcess(ctx context.Context, p store.CreateProcessParams) (models.Process, error)
	CreateExecution(ctx context.Context, p store.CreateExecutionParams) (models.Execution, error)
	InsertAnalytics(ctx context.Context, entries []store.AnalyticsEntry) error
	AppendActivity(ctx context.Context, p store.ActivityParams) error
	RecentExecutions(ctx context.Context, organizationID string, limit int) ([]map[string]any, error)
}

// Limiter is the per-organization rate limiter.
type Limiter interface {
	Allow(ctx context.Context, orgID string) (bool, float64, error)
}

// DeadLetter records events the pipeline failed to process.
type DeadLetter interface {
	Push(ctx context.Context, payload []byte) error
	Peek(ctx context.Context, count int64) ([]string, error)
}

// Archiver stores raw inbound event payloads.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) (string, error)
}

// Server wires HTTP handlers for the pipeline service.
type Server struct {
	cfg      config.Config
	store    Store
	pipe     Pipeline
	engine   InsightEngine
	limiter  Limiter
	dlq      DeadLetter
	archiver Archiver
}

// New constructs the API server.
func New(cfg config.Config, st Store, pipe Pipeline, engine InsightEngine, limiter Limiter, dlq DeadLetter, archiver Archiver) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		pipe:     pipe,
		engine:   engine,
		limiter:  limiter,
		dlq:      dlq,
		archiver: archiver,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/analytics/pipeline", s.handlePipelineAnalytics)
	r.Post("/api/executions/log", s.handleExecutionLog)
	r.Post("/api/processes/discovered", s.handleDiscoveredProcess)

	r.Post("/api/pipeline/predict", s.handlePredictFailures)
	r.Post("/api/workflows/generate", s.handleGenerateWorkflow)

	r.Get("/api/pipeline/jobs", s.handleActiveJobs)
	r.Get("/api/pipeline/jobs/{id}", s.handleJobStatus)
	r.Get("/api/pipeline/stats", s.handleQueueStats)
	r.Get("/api/pipeline/dlq", s.handleDLQ)

	return r
}

// identity is the authenticated caller, supplied by the auth layer in front
// of this service as trusted headers.
type identity struct {
	UserID string
	OrgID  string
}

func identityFromRequest(r *http.Request) (identity, bool) {
	id := identity{
		UserID: r.Header.Get("X-User-ID"),
		OrgID:  r.Header.Get("X-Organization-ID"),
	}
	return id, id.UserID != "" && id.OrgID != ""
}

// authorize resolves identity and enforces that the body's organization
// matches the caller's. Writes the error response itself when it fails.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, bodyOrgID string) (identity, bool) {
	id, ok := identityFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return identity{}, false
	}
	if bodyOrgID != id.OrgID {
		writeError(w, http.StatusForbidden, "Organization mismatch")
		return identity{}, false
	}
	return id, true
}

// allow applies the per-organization token bucket. A nil limiter disables
// rate limiting.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, orgID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

type analyticsRequest struct {
	AnalysisData   map[string]any `json:"analysisData"`
	OrganizationID string         `json:"organizationId"`
}

// handlePipelineAnalytics stores derived pipeline analytics. It consumes
// already-produced insight data and does not invoke the coordinator.
func (s *Server) handlePipelineAnalytics(w http.ResponseWriter, r *http.Request) {
	var req analyticsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, ok := s.authorize(w, r, req.OrganizationID)
	if !ok {
		return
	}
	if req.AnalysisData == nil {
		writeError(w, http.StatusBadRequest, "analysisData is required")
		return
	}
	if !s.allow(w, r, id.OrgID) {
		return
	}

	analysis := childMap(req.AnalysisData, "analysis")
	aiInsights := childMap(req.AnalysisData, "aiInsights")
	conversionRate := asFloat(analysis["conversionRate"])

	efficiencyValue := 65.0
	if asString(aiInsights["processEfficiency"]) == "High" {
		efficiencyValue = 85
	}

	entries := []store.AnalyticsEntry{
		{
			OrganizationID: id.OrgID,
			Metric:         "conversion_rate",
			Value:          conversionRate,
			Metadata: map[string]any{
				"source":             "salesforce_pipeline",
				"totalLeads":         analysis["totalLeads"],
				"totalOpportunities": analysis["totalOpportunities"],
			},
		},
		{
			OrganizationID: id.OrgID,
			Metric:         "pipeline_value",
			Value:          asFloat(aiInsights["predictedRevenue"]),
			Metadata: map[string]any{
				"source":         "salesforce_pipeline",
				"stageBreakdown": req.AnalysisData["stageBreakdown"],
			},
		},
		{
			OrganizationID: id.OrgID,
			Metric:         "process_efficiency",
			Value:          efficiencyValue,
			Metadata: map[string]any{
				"source":          "salesforce_pipeline",
				"recommendations": aiInsights["recommendations"],
				"bottlenecks":     aiInsights["bottlenecks"],
			},
		},
	}
	if err := s.store.InsertAnalytics(r.Context(), entries); err != nil {
		log.Printf("api: store pipeline analytics: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store pipeline analysis")
		return
	}

	if err := s.store.AppendActivity(r.Context(), store.ActivityParams{
		Type:           "PROCESS_EXECUTED",
		Title:          "Salesforce Pipeline Analysis",
		Description:    fmt.Sprintf("Pipeline analysis completed. Conversion rate: %.1f%%", conversionRate),
		UserID:         id.UserID,
		OrganizationID: id.OrgID,
		Metadata: map[string]any{
			"source":       "salesforce",
			"analysisType": "pipeline",
			"insights":     aiInsights,
		},
	}); err != nil {
		log.Printf("api: append analytics activity: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store pipeline analysis")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "Pipeline analysis stored successfully",
		"insights": aiInsights,
	})
}

type executionLogRequest struct {
	ExecutionData  map[string]any `json:"executionData"`
	Status         string         `json:"status"`
	OrganizationID string         `json:"organizationId"`
}

// handleExecutionLog records one automation execution, creating the backing
// process on first sight.
func (s *Server) handleExecutionLog(w http.ResponseWriter, r *http.Request) {
	var req executionLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, ok := s.authorize(w, r, req.OrganizationID)
	if !ok {
		return
	}
	execType := asString(req.ExecutionData["type"])
	if execType == "" {
		writeError(w, http.StatusBadRequest, "executionData.type is required")
		return
	}
	if !s.allow(w, r, id.OrgID) {
		return
	}

	proc, err := s.store.FindOrCreateProcess(r.Context(), store.CreateProcessParams{
		Name:           fmt.Sprintf("Automated: %s", execType),
		Description:    fmt.Sprintf("Auto-generated process for %s automation", execType),
		Status:         "ACTIVE",
		Category:       "AUTOMATION",
		Priority:       "MEDIUM",
		OwnerID:        id.UserID,
		OrganizationID: id.OrgID,
		FlowData: map[string]any{
			"automationType": execType,
			"platforms":      req.ExecutionData["platforms"],
			"isAutomated":    true,
		},
	})
	if err != nil {
		log.Printf("api: find-or-create process: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to log execution")
		return
	}

	meta := childMap(req.ExecutionData, "metadata")
	startedAt := time.Now()
	if ts, err := time.Parse(time.RFC3339, asString(meta["triggeredAt"])); err == nil {
		startedAt = ts
	}

	completed := req.Status == "completed"
	status := "RUNNING"
	var completedAt *time.Time
	var durationMS *int64
	if completed {
		status = "COMPLETED"
		now := time.Now()
		completedAt = &now
		d := now.Sub(startedAt).Milliseconds()
		durationMS = &d
	}

	exec, err := s.store.CreateExecution(r.Context(), store.CreateExecutionParams{
		ProcessID:   proc.ID,
		Status:      status,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMS:  durationMS,
		Metadata: map[string]any{
			"executionPlan":   req.ExecutionData,
			"automationLevel": meta["automationLevel"],
			"platforms":       req.ExecutionData["platforms"],
			"sourceFile":      req.ExecutionData["sourceFile"],
		},
	})
	if err != nil {
		log.Printf("api: create execution: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to log execution")
		return
	}

	if err := s.store.AppendActivity(r.Context(), store.ActivityParams{
		Type:           "PROCESS_EXECUTED",
		Title:          "Cross-Platform Automation",
		Description:    fmt.Sprintf("Automated %s process executed successfully", execType),
		UserID:         id.UserID,
		ProcessID:      proc.ID,
		OrganizationID: id.OrgID,
		Metadata: map[string]any{
			"executionId":    exec.ID,
			"platforms":      req.ExecutionData["platforms"],
			"automationType": execType,
		},
	}); err != nil {
		log.Printf("api: append execution activity: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to log execution")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":     true,
		"executionId": exec.ID,
		"processId":   proc.ID,
	})
}

type discoveredProcessRequest struct {
	ProcessData    map[string]any `json:"processData"`
	Source         string         `json:"source"`
	OrganizationID string         `json:"organizationId"`
}

// handleDiscoveredProcess runs a discovered process event through the
// pipeline and persists the resulting process record.
func (s *Server) handleDiscoveredProcess(w http.ResponseWriter, r *http.Request) {
	var req discoveredProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, ok := s.authorize(w, r, req.OrganizationID)
	if !ok {
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.ProcessData == nil {
		writeError(w, http.StatusBadRequest, "processData is required")
		return
	}
	if !s.allow(w, r, id.OrgID) {
		return
	}

	event := models.ProcessEvent{
		Source:         req.Source,
		Type:           "discovered_process",
		Payload:        req.ProcessData,
		OrganizationID: id.OrgID,
	}

	if s.archiver != nil {
		if raw, err := json.Marshal(event); err == nil {
			key := fmt.Sprintf("events/%s/%d.json", id.OrgID, time.Now().UnixNano())
			if _, err := s.archiver.Archive(r.Context(), key, raw); err != nil {
				log.Printf("api: archive event: %v", err)
			}
		}
	}

	result, err := s.pipe.Process(r.Context(), event)
	if err != nil {
		log.Printf("api: pipeline processing: %v", err)
		s.deadLetter(r.Context(), event)
		writeError(w, http.StatusInternalServerError, "Failed to process discovered data")
		return
	}

	name := asString(req.ProcessData["name"])
	if name == "" {
		name = fmt.Sprintf("Discovered Process %d", time.Now().UnixMilli())
	}
	confidence := asFloat(req.ProcessData["confidence"])
	priority := "MEDIUM"
	if confidence > 80 {
		priority = "HIGH"
	}

	proc, err := s.store.CreateProcess(r.Context(), store.CreateProcessParams{
		Name:           name,
		Description:    fmt.Sprintf("Auto-discovered from %s. Confidence: %.0f%%", req.Source, confidence),
		Status:         "DRAFT",
		Category:       "AI_DISCOVERED",
		Priority:       priority,
		OwnerID:        id.UserID,
		OrganizationID: id.OrgID,
		FlowData: map[string]any{
			"source":           req.Source,
			"discoveryData":    req.ProcessData,
			"aiInsights":       result.Insights,
			"suggestedActions": result.Actions,
			"efficiency":       result.Efficiency,
		},
	})
	if err != nil {
		log.Printf("api: create discovered process: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to process discovered data")
		return
	}

	if err := s.store.AppendActivity(r.Context(), store.ActivityParams{
		Type:           "PROCESS_CREATED",
		Title:          "AI Process Discovery",
		Description:    fmt.Sprintf("Discovered new process: %s", proc.Name),
		UserID:         id.UserID,
		ProcessID:      proc.ID,
		OrganizationID: id.OrgID,
		Metadata: map[string]any{
			"source":      req.Source,
			"confidence":  confidence,
			"aiGenerated": true,
		},
	}); err != nil {
		log.Printf("api: append discovery activity: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to process discovered data")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"processId":  proc.ID,
		"insights":   result.Insights,
		"actions":    result.Actions,
		"efficiency": result.Efficiency,
	})
}

func (s *Server) deadLetter(ctx context.Context, event models.ProcessEvent) {
	if s.dlq == nil {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.dlq.Push(ctx, raw); err != nil {
		log.Printf("api: dead-letter push: %v", err)
		return
	}
	telemetry.DeadLettered.Inc()
}

type predictRequest struct {
	OrganizationID string `json:"organizationId"`
}

// handlePredictFailures forecasts failure risk from the organization's
// recent execution history.
func (s *Server) handlePredictFailures(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, ok := s.authorize(w, r, req.OrganizationID)
	if !ok {
		return
	}
	if !s.allow(w, r, id.OrgID) {
		return
	}

	history, err := s.store.RecentExecutions(r.Context(), id.OrgID, 50)
	if err != nil {
		log.Printf("api: load execution history: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to predict failures")
		return
	}

	forecast := s.engine.PredictFailures(r.Context(), history)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"forecast": forecast,
	})
}

type generateWorkflowRequest struct {
	Requirements   string `json:"requirements"`
	OrganizationID string `json:"organizationId"`
}

// handleGenerateWorkflow synthesizes a workflow from free-text requirements.
func (s *Server) handleGenerateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req generateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, ok := s.authorize(w, r, req.OrganizationID)
	if !ok {
		return
	}
	if req.Requirements == "" {
		writeError(w, http.StatusBadRequest, "requirements is required")
		return
	}
	if !s.allow(w, r, id.OrgID) {
		return
	}

	plan := s.engine.GenerateWorkflow(r.Context(), req.Requirements)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"plan":    plan,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, ok := s.pipe.Status(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.pipe.ActiveJobs()})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.QueueStats())
}

// handleDLQ returns the dead-letter log contents.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.dlq.Peek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func childMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return 0
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
