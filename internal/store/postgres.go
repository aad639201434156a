package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"process-intel/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateProcessParams collects inputs required to insert a process.
type CreateProcessParams struct {
	Name           string
	Description    string
	Status         string
	Category       string
	Priority       string
	OwnerID        string
	OrganizationID string
	FlowData       map[string]any
}

// CreateProcess inserts a process row.
func (s *Store) CreateProcess(ctx context.Context, p CreateProcessParams) (models.Process, error) {
	if p.Priority == "" {
		p.Priority = "MEDIUM"
	}
	flowJSON, err := json.Marshal(orEmpty(p.FlowData))
	if err != nil {
		return models.Process{}, fmt.Errorf("marshal flow data: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO processes (id, name, description, status, category, priority, owner_id, organization_id, flow_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, id, p.Name, p.Description, p.Status, p.Category, p.Priority, p.OwnerID, p.OrganizationID, flowJSON, now)
	if err != nil {
		return models.Process{}, fmt.Errorf("insert process: %w", err)
	}

	return models.Process{
		ID:             id,
		Name:           p.Name,
		Description:    p.Description,
		Status:         p.Status,
		Category:       p.Category,
		Priority:       p.Priority,
		OwnerID:        p.OwnerID,
		OrganizationID: p.OrganizationID,
		FlowData:       orEmpty(p.FlowData),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// FindOrCreateProcess returns the organization's process with the given name,
// creating it from the params when absent.
func (s *Store) FindOrCreateProcess(ctx context.Context, p CreateProcessParams) (models.Process, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, status, category, priority, owner_id, organization_id, flow_data, created_at, updated_at
		FROM processes WHERE organization_id = $1 AND name = $2
		ORDER BY created_at LIMIT 1
	`, p.OrganizationID, p.Name)

	proc, err := scanProcess(row)
	if err == nil {
		return proc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Process{}, fmt.Errorf("query process: %w", err)
	}
	return s.CreateProcess(ctx, p)
}

func scanProcess(row pgx.Row) (models.Process, error) {
	var proc models.Process
	var flowJSON []byte
	if err := row.Scan(&proc.ID, &proc.Name, &proc.Description, &proc.Status, &proc.Category, &proc.Priority,
		&proc.OwnerID, &proc.OrganizationID, &flowJSON, &proc.CreatedAt, &proc.UpdatedAt); err != nil {
		return models.Process{}, err
	}
	if err := json.Unmarshal(flowJSON, &proc.FlowData); err != nil {
		return models.Process{}, fmt.Errorf("unmarshal flow data: %w", err)
	}
	return proc, nil
}

// CreateExecutionParams collects inputs required to insert an execution.
type CreateExecutionParams struct {
	ID          string // generated when empty
	ProcessID   string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMS  *int64
	Metadata    map[string]any
}

// CreateExecution inserts an execution row.
func (s *Store) CreateExecution(ctx context.Context, p CreateExecutionParams) (models.Execution, error) {
	metaJSON, err := json.Marshal(orEmpty(p.Metadata))
	if err != nil {
		return models.Execution{}, fmt.Errorf("marshal metadata: %w", err)
	}
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (id, process_id, status, started_at, completed_at, duration_ms, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, p.ProcessID, p.Status, p.StartedAt, p.CompletedAt, p.DurationMS, metaJSON)
	if err != nil {
		return models.Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	return models.Execution{
		ID:          id,
		ProcessID:   p.ProcessID,
		Status:      p.Status,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
		DurationMS:  p.DurationMS,
		Metadata:    orEmpty(p.Metadata),
	}, nil
}

// AnalyticsEntry is one metric data point for an organization.
type AnalyticsEntry struct {
	OrganizationID string
	Metric         string
	Value          float64
	Metadata       map[string]any
}

// InsertAnalytics writes a batch of analytics rows in one transaction.
func (s *Store) InsertAnalytics(ctx context.Context, entries []AnalyticsEntry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	for _, e := range entries {
		metaJSON, err := json.Marshal(orEmpty(e.Metadata))
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO analytics (id, organization_id, metric, value, recorded_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), e.OrganizationID, e.Metric, e.Value, now, metaJSON)
		if err != nil {
			return fmt.Errorf("insert analytics %s: %w", e.Metric, err)
		}
	}
	return tx.Commit(ctx)
}

// ActivityParams collects inputs for one activity-log row.
type ActivityParams struct {
	Type           string
	Title          string
	Description    string
	UserID         string
	ProcessID      string
	OrganizationID string
	Metadata       map[string]any
}

// AppendActivity adds an activity-log row.
func (s *Store) AppendActivity(ctx context.Context, p ActivityParams) error {
	metaJSON, err := json.Marshal(orEmpty(p.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO activities (id, type, title, description, user_id, process_id, organization_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, NOW())
	`, uuid.New().String(), p.Type, p.Title, p.Description, p.UserID, p.ProcessID, p.OrganizationID, metaJSON)
	return err
}

// RecentExecutions returns metadata of the organization's latest executions,
// newest last, for failure prediction.
func (s *Store) RecentExecutions(ctx context.Context, organizationID string, limit int) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.status, e.started_at, e.duration_ms, e.metadata
		FROM executions e
		JOIN processes p ON p.id = e.process_id
		WHERE p.organization_id = $1
		ORDER BY e.started_at DESC
		LIMIT $2
	`, organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var history []map[string]any
	for rows.Next() {
		var id, status string
		var startedAt time.Time
		var durationMS *int64
		var metaJSON []byte
		if err := rows.Scan(&id, &status, &startedAt, &durationMS, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		record := map[string]any{
			"id":         id,
			"status":     status,
			"started_at": startedAt.Format(time.RFC3339),
		}
		if durationMS != nil {
			record["duration_ms"] = *durationMS
		}
		var meta map[string]any
		if err := json.Unmarshal(metaJSON, &meta); err == nil && len(meta) > 0 {
			record["metadata"] = meta
		}
		history = append(history, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}

	// Reverse to oldest-first so the engine's tail truncation keeps the newest.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// SaveResult persists a pipeline result as an execution row. Implements the
// coordinator's ResultSink.
func (s *Store) SaveResult(ctx context.Context, event models.ProcessEvent, result models.PipelineResult, duration time.Duration) error {
	processID := "unknown"
	if v, ok := event.Payload["processId"].(string); ok && v != "" {
		processID = v
	}
	now := time.Now().UTC()
	durationMS := duration.Milliseconds()
	_, err := s.CreateExecution(ctx, CreateExecutionParams{
		ID:          result.ProcessID,
		ProcessID:   processID,
		Status:      "COMPLETED",
		StartedAt:   now.Add(-duration),
		CompletedAt: &now,
		DurationMS:  &durationMS,
		Metadata: map[string]any{
			"source":          event.Source,
			"type":            event.Type,
			"insights":        result.Insights,
			"actions":         result.Actions,
			"efficiency":      result.Efficiency,
			"automationLevel": result.AutomationLevel,
		},
	})
	return err
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
