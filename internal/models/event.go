package models

import (
	"encoding/json"
	"time"
)

// ProcessingJob lifecycle states tracked by the pipeline coordinator.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ProcessEvent is an inbound unit of work: a business event reported by an
// external platform or a user action, scoped to one organization.
type ProcessEvent struct {
	Source         string         `json:"source"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	OrganizationID string         `json:"organization_id"`
}

// ProcessingJob is the coordinator's record of one pipeline run.
type ProcessingJob struct {
	JobID     string       `json:"job_id"`
	Event     ProcessEvent `json:"event"`
	StartTime time.Time    `json:"start_time"`
	EndTime   *time.Time   `json:"end_time,omitempty"`
	Status    string       `json:"status"`
	Error     string       `json:"error,omitempty"`
}

// Finished reports whether the job has reached a terminal status.
func (j ProcessingJob) Finished() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// PredictedImprovements estimates the gains from acting on an assessment.
type PredictedImprovements struct {
	TimeReduction  float64 `json:"timeReduction"`
	CostSavings    float64 `json:"costSavings"`
	RiskMitigation float64 `json:"riskMitigation"`
}

// Assessment is the insight engine's scoring of a single process event.
// Scores are always within [0,100].
type Assessment struct {
	EfficiencyScore       float64               `json:"efficiencyScore"`
	RiskScore             float64               `json:"riskScore,omitempty"`
	Bottlenecks           []string              `json:"bottlenecks"`
	Recommendations       []string              `json:"recommendations"`
	PredictedImprovements PredictedImprovements `json:"predictedImprovements"`
}

// FailureForecast is the engine's risk read over historical executions.
type FailureForecast struct {
	RiskScore            float64  `json:"riskScore"`
	FailureProbability   float64  `json:"failureProbability"`
	CriticalFactors      []string `json:"criticalFactors"`
	PreventionStrategies []string `json:"preventionStrategies"`
}

// WorkflowPlan is a synthesized workflow for free-text requirements.
type WorkflowPlan struct {
	Workflow            map[string]any `json:"workflow"`
	EstimatedEfficiency float64        `json:"estimatedEfficiency"`
	ImplementationSteps []string       `json:"implementationSteps"`
}

// PipelineResult is the externally visible outcome of one pipeline run.
type PipelineResult struct {
	ProcessID       string     `json:"process_id"`
	Insights        Assessment `json:"insights"`
	Actions         []string   `json:"actions"`
	Efficiency      float64    `json:"efficiency"`
	AutomationLevel float64    `json:"automation_level"`
}

// QueueStats aggregates the coordinator's job registry.
type QueueStats struct {
	Total             int     `json:"total"`
	Processing        int     `json:"processing"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	AvgProcessingTime float64 `json:"avg_processing_time_ms"`
}

// automationFlags are the payload indicators counted toward automation level.
type automationFlags struct {
	HasStructuredData    bool `json:"hasStructuredData"`
	HasDefinedRules      bool `json:"hasDefinedRules"`
	HasRepeatableSteps   bool `json:"hasRepeatableSteps"`
	HasMinimalHumanInput bool `json:"hasMinimalHumanInput"`
}

// AutomationLevel reports what share of the payload's automation indicators
// are set, as a percentage in [0,100]. Payloads without the indicator fields
// score 0.
func AutomationLevel(payload map[string]any) float64 {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	var flags automationFlags
	if err := json.Unmarshal(raw, &flags); err != nil {
		return 0
	}
	set := 0
	for _, on := range []bool{
		flags.HasStructuredData,
		flags.HasDefinedRules,
		flags.HasRepeatableSteps,
		flags.HasMinimalHumanInput,
	} {
		if on {
			set++
		}
	}
	return float64(set) / 4 * 100
}

// Process is a persisted business process definition.
type Process struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Status         string         `json:"status"`
	Category       string         `json:"category"`
	Priority       string         `json:"priority"`
	OwnerID        string         `json:"owner_id"`
	OrganizationID string         `json:"organization_id"`
	FlowData       map[string]any `json:"flow_data"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Execution is a persisted record of one process run.
type Execution struct {
	ID          string         `json:"id"`
	ProcessID   string         `json:"process_id"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMS  *int64         `json:"duration_ms,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}
