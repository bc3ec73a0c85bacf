/*
Package sqlite provides a SQLite-backed implementation of the scheduler's
storage interfaces.

PURPOSE:
  Implements schedule.Repository, schedule.TargetDirectory and
  schedule.RunLog using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

THE IDEMPOTENCY BOUNDARY:
  Materialize writes the charge row and the materialization record in a
  single database transaction, and the materializations table carries a
  PRIMARY KEY on (obligation_id, occurrence_date). The unique constraint,
  not any in-process lock, is what makes concurrent and repeated runs
  produce at most one charge per occurrence: the loser of a race gets a
  constraint violation, mapped to schedule.ErrAlreadyMaterialized.

KEY TABLES:
  obligations:      Scheduled obligation records (mutable)
  materializations: Append-only at-most-once markers, one per charged occurrence
  charges:          Append-only concrete charges (the ledger sink)
  targets:          Charge targets (students/employees) - boundary stub
  run_log:          Append-only audit of run summaries

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements exist for materializations, charges, or
  run_log. Deleting an obligation leaves its history intact.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - schedule/store.go: Interface definitions
  - schedule/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/schedule"
)

// Store implements the scheduler's storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Scheduled obligations
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		obligation_type TEXT NOT NULL,
		target_ref TEXT NOT NULL,
		template_name TEXT NOT NULL,
		template_amount TEXT NOT NULL,
		frequency TEXT NOT NULL,
		day_of_month INTEGER,
		day_of_week INTEGER,
		start_date TEXT NOT NULL,
		end_date TEXT,
		next_run_date TEXT NOT NULL,
		status TEXT NOT NULL,
		last_materialized TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		seq INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_obligations_tenant
		ON obligations(tenant_id);

	-- Hot path for due-set loading
	CREATE INDEX IF NOT EXISTS idx_obligations_status_next_run
		ON obligations(tenant_id, status, next_run_date);

	-- CRITICAL: at-most-once materialization per (obligation, occurrence).
	-- The primary key is the idempotency authority for the whole system.
	CREATE TABLE IF NOT EXISTS materializations (
		obligation_id TEXT NOT NULL,
		occurrence_date TEXT NOT NULL,
		charge_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (obligation_id, occurrence_date)
	);

	-- Charges (append-only ledger sink)
	CREATE TABLE IF NOT EXISTS charges (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		target_ref TEXT NOT NULL,
		obligation_id TEXT NOT NULL,
		name TEXT NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_charges_target
		ON charges(tenant_id, target_ref, due_date);
	CREATE INDEX IF NOT EXISTS idx_charges_obligation
		ON charges(obligation_id);

	-- Charge targets (students/employees) - boundary stub for the
	-- surrounding system's directory
	CREATE TABLE IF NOT EXISTS targets (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	-- Run log (append-only audit of run summaries)
	CREATE TABLE IF NOT EXISTS run_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		as_of TEXT NOT NULL,
		total_due INTEGER NOT NULL,
		processed INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		errors_json TEXT,
		started_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_run_log_tenant
		ON run_log(tenant_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// OBLIGATIONS (schedule.Repository)
// =============================================================================

// SaveObligation inserts or updates an obligation record.
func (s *Store) SaveObligation(ctx context.Context, ob schedule.ScheduledObligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO obligations
		(id, tenant_id, obligation_type, target_ref, template_name, template_amount,
		 frequency, day_of_month, day_of_week, start_date, end_date, next_run_date,
		 status, last_materialized, created_at, updated_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM obligations))
		ON CONFLICT(id) DO UPDATE SET
			next_run_date = excluded.next_run_date,
			status = excluded.status,
			last_materialized = excluded.last_materialized,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, query,
		ob.ID,
		ob.TenantID,
		ob.Type,
		ob.TargetRef,
		ob.Template.Name,
		ob.Template.Amount.String(),
		ob.Rule.Frequency,
		nullInt(ob.Rule.DayOfMonth),
		nullInt(ob.Rule.DayOfWeek),
		ob.StartDate.String(),
		nullDate(ob.EndDate),
		ob.NextRunDate.String(),
		ob.Status,
		nullDate(ob.LastMaterializedDate),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save obligation: %w", err)
	}
	return nil
}

// GetObligation returns a single obligation by id.
func (s *Store) GetObligation(ctx context.Context, id schedule.ObligationID) (*schedule.ScheduledObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := obligationColumns + ` FROM obligations WHERE id = ?`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, schedule.ErrObligationNotFound
	}
	ob, err := scanObligation(rows)
	if err != nil {
		return nil, err
	}
	return &ob, nil
}

// ListObligations returns a tenant's obligations in insertion order.
func (s *Store) ListObligations(ctx context.Context, tenantID string) ([]schedule.ScheduledObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := obligationColumns + `
		FROM obligations
		WHERE tenant_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	var result []schedule.ScheduledObligation
	for rows.Next() {
		ob, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ob)
	}
	return result, rows.Err()
}

// DeleteObligation hard-removes an obligation. Charges and materialization
// records are deliberately left alone.
func (s *Store) DeleteObligation(ctx context.Context, id schedule.ObligationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM obligations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete obligation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schedule.ErrObligationNotFound
	}
	return nil
}

const obligationColumns = `
	SELECT id, tenant_id, obligation_type, target_ref, template_name, template_amount,
	       frequency, day_of_month, day_of_week, start_date, end_date, next_run_date,
	       status, last_materialized`

func scanObligation(rows *sql.Rows) (schedule.ScheduledObligation, error) {
	var (
		ob               schedule.ScheduledObligation
		amount           string
		dayOfMonth       sql.NullInt64
		dayOfWeek        sql.NullInt64
		startDate        string
		endDate          sql.NullString
		nextRunDate      string
		lastMaterialized sql.NullString
	)

	err := rows.Scan(
		&ob.ID, &ob.TenantID, &ob.Type, &ob.TargetRef,
		&ob.Template.Name, &amount,
		&ob.Rule.Frequency, &dayOfMonth, &dayOfWeek,
		&startDate, &endDate, &nextRunDate, &ob.Status, &lastMaterialized,
	)
	if err != nil {
		return ob, fmt.Errorf("failed to scan obligation: %w", err)
	}

	ob.Template.Amount = mustDecimal(amount)
	if dayOfMonth.Valid {
		v := int(dayOfMonth.Int64)
		ob.Rule.DayOfMonth = &v
	}
	if dayOfWeek.Valid {
		v := int(dayOfWeek.Int64)
		ob.Rule.DayOfWeek = &v
	}
	ob.StartDate = mustDate(startDate)
	if endDate.Valid && endDate.String != "" {
		ob.EndDate = mustDate(endDate.String)
	}
	ob.NextRunDate = mustDate(nextRunDate)
	if lastMaterialized.Valid && lastMaterialized.String != "" {
		ob.LastMaterializedDate = mustDate(lastMaterialized.String)
	}
	return ob, nil
}

// =============================================================================
// MATERIALIZATION (schedule.Repository)
// =============================================================================

// IsMaterialized reports whether an occurrence has already been charged.
func (s *Store) IsMaterialized(ctx context.Context, id schedule.ObligationID, occurrence schedule.Date) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM materializations WHERE obligation_id = ? AND occurrence_date = ?`,
		id, occurrence.String(),
	).Scan(&count)
	return count > 0, err
}

// Materialize creates the charge and the materialization record in one
// database transaction. The materializations primary key turns a race
// between overlapping runs into ErrAlreadyMaterialized for the loser.
func (s *Store) Materialize(ctx context.Context, ob schedule.ScheduledObligation, occurrence schedule.Date) (schedule.ChargeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	chargeID := schedule.ChargeID(fmt.Sprintf("chg-%s-%s", ob.ID, occurrence))

	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO materializations (obligation_id, occurrence_date, charge_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		ob.ID, occurrence.String(), chargeID, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return "", schedule.ErrAlreadyMaterialized
		}
		return "", fmt.Errorf("failed to record materialization: %w", err)
	}

	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO charges (id, tenant_id, target_ref, obligation_id, name, amount, due_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chargeID, ob.TenantID, ob.TargetRef, ob.ID,
		ob.Template.Name, ob.Template.Amount.String(), occurrence.String(), now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create charge: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit materialization: %w", err)
	}
	return chargeID, nil
}

// ListCharges returns all charges for a target, oldest due date first.
func (s *Store) ListCharges(ctx context.Context, tenantID string, ref schedule.TargetRef) ([]schedule.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, tenant_id, target_ref, obligation_id, name, amount, due_date
		FROM charges
		WHERE tenant_id = ? AND target_ref = ?
		ORDER BY due_date ASC, created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var result []schedule.Charge
	for rows.Next() {
		var (
			c       schedule.Charge
			amount  string
			dueDate string
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.TargetRef, &c.ObligationID, &c.Name, &amount, &dueDate); err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		c.Amount = mustDecimal(amount)
		c.DueDate = mustDate(dueDate)
		result = append(result, c)
	}
	return result, rows.Err()
}

// =============================================================================
// TARGETS (schedule.TargetDirectory)
// =============================================================================

// Target is a stored charge target (student or employee).
type Target struct {
	ID       string
	TenantID string
	Name     string
	Kind     string // "student" | "employee"
}

// SaveTarget registers a charge target.
func (s *Store) SaveTarget(ctx context.Context, t Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (id, tenant_id, name, kind, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET name = excluded.name, kind = excluded.kind`,
		t.ID, t.TenantID, t.Name, t.Kind, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save target: %w", err)
	}
	return nil
}

// DeleteTarget removes a charge target.
func (s *Store) DeleteTarget(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return err
}

// ListTargets returns a tenant's targets.
func (s *Store) ListTargets(ctx context.Context, tenantID string) ([]Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, kind FROM targets WHERE tenant_id = ? ORDER BY created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var result []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// TargetExists implements schedule.TargetDirectory.
func (s *Store) TargetExists(ctx context.Context, tenantID string, ref schedule.TargetRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM targets WHERE tenant_id = ? AND id = ?`,
		tenantID, string(ref),
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// RUN LOG (schedule.RunLog)
// =============================================================================

// AppendRun records one run summary.
func (s *Store) AppendRun(ctx context.Context, rec schedule.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errorsJSON, _ := json.Marshal(rec.Result.Errors)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log (id, tenant_id, as_of, total_due, processed, skipped, failed, errors_json, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.AsOf.String(),
		rec.Result.TotalDue, rec.Result.ProcessedCount, rec.Result.SkippedCount, rec.Result.FailedCount,
		string(errorsJSON), rec.StartedAt.String(), now,
	)
	if err != nil {
		return fmt.Errorf("failed to append run record: %w", err)
	}
	return nil
}

// ListRuns returns a tenant's run history, oldest first.
func (s *Store) ListRuns(ctx context.Context, tenantID string) ([]schedule.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, as_of, total_due, processed, skipped, failed, errors_json, started_at
		 FROM run_log WHERE tenant_id = ? ORDER BY created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query run log: %w", err)
	}
	defer rows.Close()

	var result []schedule.RunRecord
	for rows.Next() {
		var (
			rec        schedule.RunRecord
			asOf       string
			errorsJSON sql.NullString
			startedAt  string
		)
		err := rows.Scan(&rec.ID, &rec.TenantID, &asOf,
			&rec.Result.TotalDue, &rec.Result.ProcessedCount,
			&rec.Result.SkippedCount, &rec.Result.FailedCount,
			&errorsJSON, &startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		rec.AsOf = mustDate(asOf)
		rec.StartedAt = mustDate(startedAt)
		if errorsJSON.Valid && errorsJSON.String != "" {
			json.Unmarshal([]byte(errorsJSON.String), &rec.Result.Errors)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ListTenants returns every tenant that has at least one obligation. Used
// by the background run scheduler to fan out.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM obligations ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullDate(d schedule.Date) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func mustDate(s string) schedule.Date {
	d, err := schedule.ParseDate(s)
	if err != nil {
		return schedule.Date{}
	}
	return d
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
