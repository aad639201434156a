package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"process-intel/internal/config"
	"process-intel/internal/models"
	"process-intel/internal/telemetry"
)

// Documented defaults substituted for fields the model omits.
const (
	defaultEfficiencyScore    = 75
	defaultRiskScore          = 25
	defaultFailureProbability = 15
	defaultWorkflowEfficiency = 30
)

const (
	analystRole   = "You are an expert business process analyst with 20+ years of experience in process optimization and efficiency improvement."
	predictorRole = "You are a predictive analytics expert specializing in business process risk assessment and failure prevention."
	architectRole = "You are a workflow automation expert who creates efficient, practical business process workflows."
)

// PredictFailures only sends the tail of the history to keep prompts bounded.
const maxHistoryRecords = 50

// Engine scores process events against a chat-completions API. Every
// operation degrades to a well-formed default result when the service is
// unreachable or returns output that does not honor the JSON contract; no
// call ever surfaces an error to the pipeline.
type Engine struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	limiter *rate.Limiter

	// Backoffs between retries on 429/5xx. Overridable in tests.
	backoffs []time.Duration
}

// New builds an engine from service configuration.
func New(cfg config.Config) *Engine {
	rps := cfg.AIRequestsPerSec
	if rps <= 0 {
		rps = 2
	}
	timeout := cfg.AITimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		baseURL:  cfg.AIBaseURL,
		apiKey:   cfg.AIAPIKey,
		model:    cfg.AIModel,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		backoffs: []time.Duration{time.Second, 2 * time.Second},
	}
}

// ScoreProcess analyzes a single event payload and returns an assessment.
// Identical input and an identical service response yield an identical
// assessment.
func (e *Engine) ScoreProcess(ctx context.Context, payload map[string]any) models.Assessment {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fallbackAssessment()
	}

	prompt := fmt.Sprintf(`Analyze this business process data and provide efficiency insights:
%s

Please provide:
1. Efficiency score (0-100)
2. Identified bottlenecks
3. Specific optimization recommendations
4. Predicted improvements (time, cost, risk)

Return as JSON with efficiencyScore, bottlenecks, recommendations, and predictedImprovements {timeReduction, costSavings, riskMitigation}.`, data)

	content, err := e.complete(ctx, analystRole, prompt, 0.3, 1500)
	if err != nil {
		log.Printf("insight: process analysis degraded: %v", err)
		telemetry.AIFallbacks.Inc()
		return fallbackAssessment()
	}

	var parsed struct {
		EfficiencyScore       *float64                      `json:"efficiencyScore"`
		Bottlenecks           []string                      `json:"bottlenecks"`
		Recommendations       []string                      `json:"recommendations"`
		PredictedImprovements *models.PredictedImprovements `json:"predictedImprovements"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		log.Printf("insight: unparseable analysis response: %v", err)
		telemetry.AIFallbacks.Inc()
		return fallbackAssessment()
	}

	out := models.Assessment{
		EfficiencyScore: defaultEfficiencyScore,
		Bottlenecks:     []string{},
		Recommendations: []string{},
	}
	if parsed.EfficiencyScore != nil {
		out.EfficiencyScore = clamp(*parsed.EfficiencyScore)
	}
	if parsed.Bottlenecks != nil {
		out.Bottlenecks = parsed.Bottlenecks
	}
	if parsed.Recommendations != nil {
		out.Recommendations = parsed.Recommendations
	}
	if parsed.PredictedImprovements != nil {
		out.PredictedImprovements = *parsed.PredictedImprovements
	}
	return out
}

// PredictFailures scores failure risk from historical execution records.
func (e *Engine) PredictFailures(ctx context.Context, history []map[string]any) models.FailureForecast {
	if len(history) > maxHistoryRecords {
		history = history[len(history)-maxHistoryRecords:]
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fallbackForecast()
	}

	prompt := fmt.Sprintf(`Analyze this historical process execution data to predict potential failures:
%s

Provide:
1. Overall risk score (0-100)
2. Failure probability percentage
3. Critical risk factors
4. Prevention strategies

Return as JSON with riskScore, failureProbability, criticalFactors, and preventionStrategies.`, data)

	content, err := e.complete(ctx, predictorRole, prompt, 0.2, 1200)
	if err != nil {
		log.Printf("insight: failure prediction degraded: %v", err)
		telemetry.AIFallbacks.Inc()
		return fallbackForecast()
	}

	var parsed struct {
		RiskScore            *float64 `json:"riskScore"`
		FailureProbability   *float64 `json:"failureProbability"`
		CriticalFactors      []string `json:"criticalFactors"`
		PreventionStrategies []string `json:"preventionStrategies"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		log.Printf("insight: unparseable prediction response: %v", err)
		telemetry.AIFallbacks.Inc()
		return fallbackForecast()
	}

	out := models.FailureForecast{
		RiskScore:            defaultRiskScore,
		FailureProbability:   defaultFailureProbability,
		CriticalFactors:      []string{},
		PreventionStrategies: []string{},
	}
	if parsed.RiskScore != nil {
		out.RiskScore = clamp(*parsed.RiskScore)
	}
	if parsed.FailureProbability != nil {
		out.FailureProbability = clamp(*parsed.FailureProbability)
	}
	if parsed.CriticalFactors != nil {
		out.CriticalFactors = parsed.CriticalFactors
	}
	if parsed.PreventionStrategies != nil {
		out.PreventionStrategies = parsed.PreventionStrategies
	}
	return out
}

// GenerateWorkflow synthesizes a workflow from free-text requirements.
func (e *Engine) GenerateWorkflow(ctx context.Context, requirements string) models.WorkflowPlan {
	prompt := fmt.Sprintf(`Create a custom workflow based on these requirements:
%s

Generate:
1. Complete workflow structure with steps
2. Estimated efficiency improvement
3. Implementation steps

Return as JSON with workflow, estimatedEfficiency, and implementationSteps.`, requirements)

	content, err := e.complete(ctx, architectRole, prompt, 0.4, 2000)
	if err != nil {
		log.Printf("insight: workflow generation degraded: %v", err)
		telemetry.AIFallbacks.Inc()
		return fallbackWorkflow()
	}

	var parsed struct {
		Workflow            map[string]any `json:"workflow"`
		EstimatedEfficiency *float64       `json:"estimatedEfficiency"`
		ImplementationSteps []string       `json:"implementationSteps"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		log.Printf("insight: unparseable workflow response: %v", err)
		telemetry.AIFallbacks.Inc()
		return fallbackWorkflow()
	}

	out := models.WorkflowPlan{
		Workflow:            map[string]any{},
		EstimatedEfficiency: defaultWorkflowEfficiency,
		ImplementationSteps: []string{},
	}
	if parsed.Workflow != nil {
		out.Workflow = parsed.Workflow
	}
	if parsed.EstimatedEfficiency != nil {
		out.EstimatedEfficiency = *parsed.EstimatedEfficiency
	}
	if parsed.ImplementationSteps != nil {
		out.ImplementationSteps = parsed.ImplementationSteps
	}
	return out
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete runs one chat completion and returns the first choice's content.
// Retries on 429/5xx; honors context cancellation throughout.
func (e *Engine) complete(ctx context.Context, system, prompt string, temperature float64, maxTokens int) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(e.backoffs); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.backoffs[attempt-1]):
			}
		}

		content, retryable, err := e.doRequest(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", lastErr
}

func (e *Engine) doRequest(ctx context.Context, body []byte) (content string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return "", true, fmt.Errorf("completion status %d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", false, fmt.Errorf("completion status %d: %s", resp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("empty completion response")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

func fallbackAssessment() models.Assessment {
	return models.Assessment{
		EfficiencyScore: defaultEfficiencyScore,
		Bottlenecks:     []string{"Unable to analyze - AI service unavailable"},
		Recommendations: []string{"Please try again later"},
	}
}

func fallbackForecast() models.FailureForecast {
	return models.FailureForecast{
		RiskScore:            defaultRiskScore,
		FailureProbability:   defaultFailureProbability,
		CriticalFactors:      []string{"Analysis unavailable"},
		PreventionStrategies: []string{"Monitor process manually"},
	}
}

func fallbackWorkflow() models.WorkflowPlan {
	return models.WorkflowPlan{
		Workflow:            map[string]any{},
		EstimatedEfficiency: 0,
		ImplementationSteps: []string{"Manual workflow creation required"},
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
