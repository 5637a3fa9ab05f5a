package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// timeLayout is fixed width so TEXT timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const instanceColumns = `id, plan_id, plan_name, status, current_step, created_at, updated_at,
	started_at, completed_at, error, options_json, plan_json`

const stepColumns = `execution_id, step_id, seq, name, tool_name, status, attempts,
	started_at, completed_at, result_json, error, cancellable`

// Config holds connection settings
type Config struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements ports.Store on database/sql
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// Open connects, applies the schema and returns a ready store
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectSQLite
	}

	db, err := sql.Open(cfg.Dialect.driverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Dialect, err)
	}

	if cfg.Dialect == DialectSQLite {
		// one writer; sqlite serializes writes anyway
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Dialect, err)
	}

	s := &Store{db: db, dialect: cfg.Dialect, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sql store ready", zap.String("dialect", string(cfg.Dialect)))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if s.dialect == DialectSQLite {
		for _, pragma := range sqlitePragmas {
			if _, err := s.db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SavePlan creates or replaces a plan
func (s *Store) SavePlan(ctx context.Context, plan *domain.Plan) error {
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal plan steps: %w", err)
	}

	_, err = s.exec(ctx, s.db, `INSERT INTO plans (plan_id, name, description, steps_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (plan_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			steps_json = excluded.steps_json,
			created_at = excluded.created_at`,
		plan.ID, plan.Name, plan.Description, string(steps), formatTime(plan.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by id
func (s *Store) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT plan_id, name, description, steps_json, created_at FROM plans WHERE plan_id = ?`), id)

	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: plan %s", ports.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// ListPlans returns all plans ordered by creation time
func (s *Store) ListPlans(ctx context.Context) ([]*domain.Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT plan_id, name, description, steps_json, created_at FROM plans ORDER BY created_at, plan_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// DeletePlan removes a plan
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM plans WHERE plan_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: plan %s", ports.ErrNotFound, id)
	}
	return nil
}

// CreateInstance stores a new instance and its step rows in one transaction
func (s *Store) CreateInstance(ctx context.Context, instance *domain.Instance, steps []*domain.StepExecution) error {
	options, err := json.Marshal(instance.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	var planJSON any
	if instance.Plan != nil {
		data, err := json.Marshal(instance.Plan)
		if err != nil {
			return fmt.Errorf("failed to marshal plan snapshot: %w", err)
		}
		planJSON = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = s.exec(ctx, tx, `INSERT INTO execution_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID, instance.PlanID, instance.PlanName, string(instance.Status), instance.CurrentStep,
		formatTime(instance.CreatedAt), formatTime(instance.UpdatedAt),
		nullTime(instance.StartedAt), nullTime(instance.CompletedAt),
		instance.Error, string(options), planJSON)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	for _, step := range steps {
		if err := s.upsertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by id
func (s *Store) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+instanceColumns+` FROM execution_instances WHERE id = ?`), id)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: instance %s", ports.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance merges patch into the stored instance inside a transaction
func (s *Store) UpdateInstance(ctx context.Context, patch domain.InstancePatch) (*domain.Instance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+instanceColumns+` FROM execution_instances WHERE id = ?`+s.dialect.lockClause()), patch.ID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: instance %s", ports.ErrNotFound, patch.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}

	patch.Apply(inst)

	_, err = s.exec(ctx, tx, `UPDATE execution_instances SET
			status = ?, current_step = ?, updated_at = ?, started_at = ?, completed_at = ?, error = ?
		WHERE id = ?`,
		string(inst.Status), inst.CurrentStep, formatTime(inst.UpdatedAt),
		nullTime(inst.StartedAt), nullTime(inst.CompletedAt), inst.Error, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit instance update: %w", err)
	}
	return inst, nil
}

// UpsertStep creates or replaces a step row
func (s *Store) UpsertStep(ctx context.Context, step *domain.StepExecution) error {
	return s.upsertStep(ctx, s.db, step)
}

func (s *Store) upsertStep(ctx context.Context, q execer, step *domain.StepExecution) error {
	var result any
	if len(step.Result) > 0 {
		result = string(step.Result)
	}

	_, err := s.exec(ctx, q, `INSERT INTO execution_steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			seq = excluded.seq,
			name = excluded.name,
			tool_name = excluded.tool_name,
			status = excluded.status,
			attempts = excluded.attempts,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result_json = excluded.result_json,
			error = excluded.error,
			cancellable = excluded.cancellable`,
		step.InstanceID, step.StepID, step.Seq, step.Name, step.ToolName, string(step.Status), step.Attempts,
		nullTime(step.StartedAt), nullTime(step.CompletedAt), result, step.Error, string(step.Cancellable))
	if err != nil {
		return fmt.Errorf("failed to upsert step %s: %w", step.StepID, err)
	}
	return nil
}

// GetStepsForInstance returns steps in plan order
func (s *Store) GetStepsForInstance(ctx context.Context, instanceID string) ([]*domain.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? ORDER BY seq`), instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	steps := make([]*domain.StepExecution, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ListInstances returns instances matching filter, newest first
func (s *Store) ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]*domain.Instance, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(*filter.UpdatedBefore))
	}
	if filter.CompletedBefore != nil {
		where = append(where, "completed_at IS NOT NULL AND completed_at < ?")
		args = append(args, formatTime(*filter.CompletedBefore))
	}

	query := `SELECT ` + instanceColumns + ` FROM execution_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	orderColumn := "updated_at"
	switch filter.OrderBy {
	case domain.OrderByCompletedAt:
		orderColumn = "COALESCE(completed_at, '')"
	case domain.OrderByCreatedAt:
		orderColumn = "created_at"
	}
	query += " ORDER BY " + orderColumn + " DESC, id DESC"

	paginated := filter.Limit > 0
	if paginated {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := make([]*domain.Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !paginated {
		instances = filter.Paginate(instances)
	}
	return instances, nil
}

// DeleteInstance removes an instance, its steps and optionally its events
func (s *Store) DeleteInstance(ctx context.Context, id string, includeEvents bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := s.exec(ctx, tx, `DELETE FROM execution_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: instance %s", ports.ErrNotFound, id)
	}

	if _, err := s.exec(ctx, tx, `DELETE FROM execution_steps WHERE execution_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}
	if includeEvents {
		if _, err := s.exec(ctx, tx, `DELETE FROM execution_events WHERE execution_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// AppendEvent inserts an event
func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}

	_, err := s.exec(ctx, s.db, `INSERT INTO execution_events (event_id, execution_id, event_type, timestamp, data_json)
		VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.InstanceID, string(event.Type), formatTime(event.Timestamp), payload)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns events for an instance in timestamp order
func (s *Store) ListEvents(ctx context.Context, instanceID string, filter domain.EventFilter) ([]*domain.Event, error) {
	query := `SELECT event_id, execution_id, event_type, timestamp, data_json FROM execution_events WHERE execution_id = ?`
	args := []any{instanceID}

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, formatTime(*filter.Until))
	}
	query += " ORDER BY timestamp, event_id"

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.Event, 0)
	for rows.Next() {
		var (
			e         domain.Event
			eventType string
			ts        string
			payload   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &eventType, &ts, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = domain.EventType(eventType)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// type and time predicates already ran in SQL; only paginate here
	return domain.EventFilter{Offset: filter.Offset, Limit: filter.Limit}.Apply(events), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (*domain.Plan, error) {
	var (
		plan        domain.Plan
		description sql.NullString
		steps       string
		created     string
	)
	if err := row.Scan(&plan.ID, &plan.Name, &description, &steps, &created); err != nil {
		return nil, err
	}
	plan.Description = description.String
	if err := json.Unmarshal([]byte(steps), &plan.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan steps: %w", err)
	}
	var err error
	if plan.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &plan, nil
}

func scanInstance(row scanner) (*domain.Instance, error) {
	var (
		inst                              domain.Instance
		planName, currentStep, errMsg     sql.NullString
		status, created, updated          string
		started, completed, options, plan sql.NullString
	)
	if err := row.Scan(&inst.ID, &inst.PlanID, &planName, &status, &currentStep, &created, &updated,
		&started, &completed, &errMsg, &options, &plan); err != nil {
		return nil, err
	}

	inst.PlanName = planName.String
	inst.Status = domain.InstanceStatus(status)
	inst.CurrentStep = currentStep.String
	inst.Error = errMsg.String

	var err error
	if inst.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if inst.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if inst.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &inst.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	if plan.Valid && plan.String != "" {
		inst.Plan = &domain.Plan{}
		if err := json.Unmarshal([]byte(plan.String), inst.Plan); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan snapshot: %w", err)
		}
	}
	return &inst, nil
}

func scanStep(row scanner) (*domain.StepExecution, error) {
	var (
		step                       domain.StepExecution
		name, errMsg, cancellable  sql.NullString
		status                     string
		started, completed, result sql.NullString
	)
	if err := row.Scan(&step.InstanceID, &step.StepID, &step.Seq, &name, &step.ToolName, &status, &step.Attempts,
		&started, &completed, &result, &errMsg, &cancellable); err != nil {
		return nil, err
	}

	step.Name = name.String
	step.Status = domain.StepStatus(status)
	step.Error = errMsg.String
	step.Cancellable = domain.Cancellability(cancellable.String)
	if result.Valid {
		step.Result = json.RawMessage(result.String)
	}

	var err error
	if step.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if step.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &step, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
