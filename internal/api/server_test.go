package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"process-intel/internal/config"
	"process-intel/internal/models"
	"process-intel/internal/store"
)

type fakeStore struct {
	processes  []models.Process
	executions []models.Execution
	analytics  []store.AnalyticsEntry
	activities []store.ActivityParams
	history    []map[string]any
	failWith   error
}

func (f *fakeStore) CreateProcess(_ context.Context, p store.CreateProcessParams) (models.Process, error) {
	if f.failWith != nil {
		return models.Process{}, f.failWith
	}
	proc := models.Process{
		ID:             fmt.Sprintf("process-%d", len(f.processes)+1),
		Name:           p.Name,
		Description:    p.Description,
		Status:         p.Status,
		Category:       p.Category,
		Priority:       p.Priority,
		OwnerID:        p.OwnerID,
		OrganizationID: p.OrganizationID,
		FlowData:       p.FlowData,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.processes = append(f.processes, proc)
	return proc, nil
}

func (f *fakeStore) FindOrCreateProcess(ctx context.Context, p store.CreateProcessParams) (models.Process, error) {
	for _, proc := range f.processes {
		if proc.OrganizationID == p.OrganizationID && proc.Name == p.Name {
			return proc, nil
		}
	}
	return f.CreateProcess(ctx, p)
}

func (f *fakeStore) CreateExecution(_ context.Context, p store.CreateExecutionParams) (models.Execution, error) {
	if f.failWith != nil {
		return models.Execution{}, f.failWith
	}
	exec := models.Execution{
		ID:          fmt.Sprintf("execution-%d", len(f.executions)+1),
		ProcessID:   p.ProcessID,
		Status:      p.Status,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
		DurationMS:  p.DurationMS,
		Metadata:    p.Metadata,
	}
	f.executions = append(f.executions, exec)
	return exec, nil
}

func (f *fakeStore) InsertAnalytics(_ context.Context, entries []store.AnalyticsEntry) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.analytics = append(f.analytics, entries...)
	return nil
}

func (f *fakeStore) AppendActivity(_ context.Context, p store.ActivityParams) error {
	f.activities = append(f.activities, p)
	return nil
}

func (f *fakeStore) RecentExecutions(context.Context, string, int) ([]map[string]any, error) {
	return f.history, nil
}

type stubPipeline struct {
	result models.PipelineResult
	err    error
	jobs   map[string]models.ProcessingJob
	events []models.ProcessEvent
}

func (s *stubPipeline) Process(_ context.Context, event models.ProcessEvent) (models.PipelineResult, error) {
	s.events = append(s.events, event)
	if s.err != nil {
		return models.PipelineResult{}, s.err
	}
	return s.result, nil
}

func (s *stubPipeline) Status(jobID string) (models.ProcessingJob, bool) {
	job, ok := s.jobs[jobID]
	return job, ok
}

func (s *stubPipeline) ActiveJobs() []models.ProcessingJob { return nil }

func (s *stubPipeline) QueueStats() models.QueueStats { return models.QueueStats{} }

type stubInsight struct{}

func (stubInsight) PredictFailures(context.Context, []map[string]any) models.FailureForecast {
	return models.FailureForecast{RiskScore: 25, FailureProbability: 15}
}

func (stubInsight) GenerateWorkflow(context.Context, string) models.WorkflowPlan {
	return models.WorkflowPlan{EstimatedEfficiency: 30}
}

type fakeDLQ struct {
	items []string
}

func (f *fakeDLQ) Push(_ context.Context, payload []byte) error {
	f.items = append(f.items, string(payload))
	return nil
}

func (f *fakeDLQ) Peek(context.Context, int64) ([]string, error) { return f.items, nil }

type stubLimiter struct {
	allowed bool
	orgIDs  []string
}

func (s *stubLimiter) Allow(_ context.Context, orgID string) (bool, float64, error) {
	s.orgIDs = append(s.orgIDs, orgID)
	return s.allowed, 0, nil
}

func newTestServer(st Store, pipe Pipeline, dlq DeadLetter) *Server {
	return New(config.Config{}, st, pipe, stubInsight{}, nil, dlq, nil)
}

func doRequest(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func authHeaders() map[string]string {
	return map[string]string{
		"X-User-ID":         "user_1",
		"X-Organization-ID": "org_1",
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestMissingIdentityRejected(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &stubPipeline{}, nil)

	body := map[string]any{"processData": map[string]any{}, "source": "slack", "organizationId": "org_1"}
	rec := doRequest(t, srv, http.MethodPost, "/api/processes/discovered", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "Unauthorized" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestOrganizationMismatchRejected(t *testing.T) {
	st := &fakeStore{}
	pipe := &stubPipeline{}
	srv := newTestServer(st, pipe, nil)

	body := map[string]any{"processData": map[string]any{}, "source": "slack", "organizationId": "org_other"}
	rec := doRequest(t, srv, http.MethodPost, "/api/processes/discovered", body, authHeaders())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(pipe.events) != 0 {
		t.Fatalf("pipeline must not run on authorization failure")
	}
}

func TestDiscoveredProcessSuccess(t *testing.T) {
	st := &fakeStore{}
	pipe := &stubPipeline{result: models.PipelineResult{
		ProcessID:  "proc_1",
		Insights:   models.Assessment{EfficiencyScore: 82, Bottlenecks: []string{}, Recommendations: []string{}},
		Actions:    []string{"trigger_next_step"},
		Efficiency: 92,
	}}
	srv := newTestServer(st, pipe, nil)

	body := map[string]any{
		"processData":    map[string]any{"name": "Invoice intake", "confidence": 90},
		"source":         "asana",
		"organizationId": "org_1",
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/processes/discovered", body, authHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody(t, rec)
	if resp["success"] != true || resp["efficiency"] != float64(92) {
		t.Fatalf("unexpected response: %v", resp)
	}

	if len(pipe.events) != 1 || pipe.events[0].Type != "discovered_process" {
		t.Fatalf("unexpected pipeline event: %+v", pipe.events)
	}
	if len(st.processes) != 1 {
		t.Fatalf("expected process created, got %d", len(st.processes))
	}
	proc := st.processes[0]
	if proc.Priority != "HIGH" {
		t.Fatalf("confidence 90 should map to HIGH priority, got %s", proc.Priority)
	}
	if proc.FlowData["efficiency"] != float64(92) {
		t.Fatalf("expected efficiency in flow data, got %v", proc.FlowData["efficiency"])
	}
	if len(st.activities) != 1 || st.activities[0].Type != "PROCESS_CREATED" {
		t.Fatalf("expected discovery activity, got %+v", st.activities)
	}
}

func TestDiscoveredProcessPipelineFailureDeadLetters(t *testing.T) {
	dlq := &fakeDLQ{}
	srv := newTestServer(&fakeStore{}, &stubPipeline{err: errors.New("persist result: db down")}, dlq)

	body := map[string]any{
		"processData":    map[string]any{"name": "Broken"},
		"source":         "slack",
		"organizationId": "org_1",
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/processes/discovered", body, authHeaders())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(dlq.items) != 1 {
		t.Fatalf("expected failed event dead-lettered, got %d", len(dlq.items))
	}
}

func TestExecutionLogCreatesProcessOnce(t *testing.T) {
	st := &fakeStore{}
	srv := newTestServer(st, &stubPipeline{}, nil)

	body := map[string]any{
		"executionData": map[string]any{
			"type":      "lead_sync",
			"platforms": []string{"salesforce", "slack"},
			"metadata":  map[string]any{"triggeredAt": time.Now().Add(-time.Minute).Format(time.RFC3339)},
		},
		"status":         "completed",
		"organizationId": "org_1",
	}

	for i := 0; i < 2; i++ {
		rec := doRequest(t, srv, http.MethodPost, "/api/executions/log", body, authHeaders())
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	if len(st.processes) != 1 {
		t.Fatalf("expected the process to be reused, got %d", len(st.processes))
	}
	if st.processes[0].Name != "Automated: lead_sync" {
		t.Fatalf("unexpected process name %q", st.processes[0].Name)
	}
	if len(st.executions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(st.executions))
	}
	exec := st.executions[0]
	if exec.Status != "COMPLETED" || exec.CompletedAt == nil || exec.DurationMS == nil {
		t.Fatalf("unexpected execution: %+v", exec)
	}
}

func TestExecutionLogRunningStatus(t *testing.T) {
	st := &fakeStore{}
	srv := newTestServer(st, &stubPipeline{}, nil)

	body := map[string]any{
		"executionData":  map[string]any{"type": "lead_sync"},
		"status":         "running",
		"organizationId": "org_1",
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/executions/log", body, authHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if st.executions[0].Status != "RUNNING" || st.executions[0].CompletedAt != nil {
		t.Fatalf("unexpected execution: %+v", st.executions[0])
	}
}

func TestPipelineAnalyticsWritesThreeMetrics(t *testing.T) {
	st := &fakeStore{}
	srv := newTestServer(st, &stubPipeline{}, nil)

	body := map[string]any{
		"analysisData": map[string]any{
			"analysis": map[string]any{
				"conversionRate":     42.5,
				"totalLeads":         120,
				"totalOpportunities": 51,
			},
			"aiInsights": map[string]any{
				"predictedRevenue":  250000,
				"processEfficiency": "High",
			},
		},
		"organizationId": "org_1",
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/analytics/pipeline", body, authHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(st.analytics) != 3 {
		t.Fatalf("expected 3 analytics entries, got %d", len(st.analytics))
	}
	byMetric := map[string]float64{}
	for _, e := range st.analytics {
		byMetric[e.Metric] = e.Value
	}
	if byMetric["conversion_rate"] != 42.5 {
		t.Fatalf("unexpected conversion rate %v", byMetric["conversion_rate"])
	}
	if byMetric["pipeline_value"] != 250000 {
		t.Fatalf("unexpected pipeline value %v", byMetric["pipeline_value"])
	}
	if byMetric["process_efficiency"] != 85 {
		t.Fatalf("High efficiency should map to 85, got %v", byMetric["process_efficiency"])
	}
	if len(st.activities) != 1 {
		t.Fatalf("expected one activity, got %d", len(st.activities))
	}
}

func TestAnalyticsStoreFailureReturns500(t *testing.T) {
	st := &fakeStore{failWith: errors.New("db down")}
	srv := newTestServer(st, &stubPipeline{}, nil)

	body := map[string]any{
		"analysisData":   map[string]any{"analysis": map[string]any{"conversionRate": 1.0}},
		"organizationId": "org_1",
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/analytics/pipeline", body, authHeaders())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] == "" {
		t.Fatalf("expected JSON error body, got %s", rec.Body.String())
	}
}

func TestJobStatusNotFound(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &stubPipeline{jobs: map[string]models.ProcessingJob{}}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/pipeline/jobs/proc_missing", nil, authHeaders())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &stubPipeline{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/pipeline/stats", nil, authHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stats := decodeBody(t, rec)
	if stats["total"] != float64(0) || stats["avg_processing_time_ms"] != float64(0) {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestPredictFailuresEndpoint(t *testing.T) {
	st := &fakeStore{history: []map[string]any{{"status": "FAILED"}}}
	srv := newTestServer(st, &stubPipeline{}, nil)

	body := map[string]any{"organizationId": "org_1"}
	rec := doRequest(t, srv, http.MethodPost, "/api/pipeline/predict", body, authHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	forecast, ok := resp["forecast"].(map[string]any)
	if !ok || forecast["riskScore"] != float64(25) {
		t.Fatalf("unexpected forecast: %v", resp)
	}
}

func TestExhaustedOrganizationGetsTooManyRequests(t *testing.T) {
	limiter := &stubLimiter{}
	st := &fakeStore{history: []map[string]any{{"status": "FAILED"}}}
	srv := New(config.Config{}, st, &stubPipeline{}, stubInsight{}, limiter, nil, nil)

	// Every endpoint that can trigger an AI call or pipeline run sits
	// behind the organization's bucket.
	cases := []struct {
		path string
		body map[string]any
	}{
		{"/api/pipeline/predict", map[string]any{"organizationId": "org_1"}},
		{"/api/workflows/generate", map[string]any{"requirements": "sync leads", "organizationId": "org_1"}},
		{"/api/processes/discovered", map[string]any{"processData": map[string]any{"name": "x"}, "source": "slack", "organizationId": "org_1"}},
	}
	for _, tc := range cases {
		rec := doRequest(t, srv, http.MethodPost, tc.path, tc.body, authHeaders())
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("%s: expected 429, got %d", tc.path, rec.Code)
		}
	}
	if len(limiter.orgIDs) != len(cases) {
		t.Fatalf("expected limiter consulted %d times, got %v", len(cases), limiter.orgIDs)
	}
	for _, org := range limiter.orgIDs {
		if org != "org_1" {
			t.Fatalf("expected organization id passed to limiter, got %q", org)
		}
	}
}

func TestGenerateWorkflowRequiresText(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &stubPipeline{}, nil)

	body := map[string]any{"requirements": "", "organizationId": "org_1"}
	rec := doRequest(t, srv, http.MethodPost, "/api/workflows/generate", body, authHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
