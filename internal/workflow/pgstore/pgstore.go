// Package pgstore provides a PostgreSQL implementation of workflow.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/workflow/pgstore")

//go:embed schema.sql
var schema string

// Store persists workflow instances in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on an existing pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const workflowColumns = `id, alert_id, alert, state, trace, verdict, error, created_at, completed_at`

// Get retrieves a workflow instance by ID.
func (s *Store) Get(ctx context.Context, id string) (*workflow.Instance, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
	inst, err := scanWorkflowRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inst == nil {
		return nil, false, nil
	}
	return inst, true, nil
}

// GetByAlert retrieves the most recent workflow for an alert ID.
func (s *Store) GetByAlert(ctx context.Context, alertID string) (*workflow.Instance, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetByAlert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE alert_id = $1 ORDER BY created_at DESC LIMIT 1`
	inst, err := scanWorkflowRow(s.pool.QueryRow(ctx, query, alertID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inst == nil {
		return nil, false, nil
	}
	return inst, true, nil
}

// List returns up to limit instances, most recently created first.
func (s *Store) List(ctx context.Context, limit int) ([]*workflow.Instance, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY created_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Instance
	for rows.Next() {
		inst, err := scanWorkflowRow(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out, nil
}

// Put inserts or updates a workflow instance.
func (s *Store) Put(ctx context.Context, inst *workflow.Instance) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	alertJSON, err := json.Marshal(inst.Alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	traceJSON, err := json.Marshal(inst.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	var verdictJSON, errorJSON []byte
	if inst.Verdict != nil {
		if verdictJSON, err = json.Marshal(inst.Verdict); err != nil {
			return fmt.Errorf("marshal verdict: %w", err)
		}
	}
	if inst.Error != nil {
		if errorJSON, err = json.Marshal(inst.Error); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}

	var completedAt *time.Time
	if !inst.CompletedAt.IsZero() {
		completedAt = &inst.CompletedAt
	}

	alertID := ""
	if inst.Alert != nil {
		alertID = inst.Alert.ID
	}

	query := `INSERT INTO workflows (id, alert_id, alert, state, trace, verdict, error, created_at, completed_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (id) DO UPDATE SET
		state        = EXCLUDED.state,
		trace        = EXCLUDED.trace,
		verdict      = EXCLUDED.verdict,
		error        = EXCLUDED.error,
		completed_at = EXCLUDED.completed_at`

	_, err = s.pool.Exec(ctx, query,
		inst.ID, alertID, alertJSON, string(inst.State), traceJSON,
		verdictJSON, errorJSON, inst.CreatedAt, completedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// scanWorkflowRow scans a single row into a workflow.Instance.
// Returns (nil, nil) when no row is found.
func scanWorkflowRow(row pgx.Row) (*workflow.Instance, error) {
	var (
		inst        workflow.Instance
		alertID     string
		state       string
		alertJSON   []byte
		traceJSON   []byte
		verdictJSON []byte
		errorJSON   []byte
		completedAt *time.Time
	)

	err := row.Scan(
		&inst.ID, &alertID, &alertJSON, &state, &traceJSON,
		&verdictJSON, &errorJSON, &inst.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inst.State = workflow.State(state)

	var al alert.Alert
	if err := json.Unmarshal(alertJSON, &al); err != nil {
		return nil, fmt.Errorf("unmarshal alert: %w", err)
	}
	inst.Alert = &al

	if err := json.Unmarshal(traceJSON, &inst.Trace); err != nil {
		return nil, fmt.Errorf("unmarshal trace: %w", err)
	}
	if len(verdictJSON) > 0 {
		inst.Verdict = &workflow.Verdict{}
		if err := json.Unmarshal(verdictJSON, inst.Verdict); err != nil {
			return nil, fmt.Errorf("unmarshal verdict: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		inst.Error = &workflow.Failure{}
		if err := json.Unmarshal(errorJSON, inst.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if completedAt != nil {
		inst.CompletedAt = *completedAt
	}

	return &inst, nil
}
