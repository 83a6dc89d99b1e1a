package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed history of finished plans.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// PlanSummary is one row of the plan history.
type PlanSummary struct {
	ID          string
	Name        string
	Status      PlanStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Groups      []GroupResult
}

// ServerOutcome is the stored outcome of one server of a plan.
type ServerOutcome struct {
	Server       ServerIdentity
	Outcome      Outcome
	Compensation *Outcome
}

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000&_pragma=foreign_keys=1")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// SavePlanResult persists a finished plan and every server outcome.
func (s *Store) SavePlanResult(ctx context.Context, res *PlanResult) error {
	groups, err := json.Marshal(res.Groups)
	if err != nil {
		return fmt.Errorf("marshal groups: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO plans(id, name, status, started_at, completed_at, groups_json) VALUES(?, ?, ?, ?, ?, ?)`,
		res.ID, res.Name, string(res.Status), res.StartedAt.UnixNano(), res.CompletedAt.UnixNano(), string(groups)); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	for _, id := range res.Servers() {
		o := res.Outcomes[id]
		var ck, cr string
		if c, ok := res.Compensations[id]; ok {
			ck, cr = string(c.Kind), c.Reason
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outcomes(plan_id, host, server, kind, reason, compensation_kind, compensation_reason) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			res.ID, id.HostName, id.ServerName, string(o.Kind), o.Reason, ck, cr); err != nil {
			return fmt.Errorf("insert outcome %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListPlans returns the most recent plans first.
func (s *Store) ListPlans(ctx context.Context, limit int) ([]PlanSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, started_at, completed_at, groups_json FROM plans ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()
	var out []PlanSummary
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPlan returns one plan and its per-server outcomes.
func (s *Store) GetPlan(ctx context.Context, id string) (PlanSummary, []ServerOutcome, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, started_at, completed_at, groups_json FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil, fmt.Errorf("plan %s not found", id)
	}
	if err != nil {
		return p, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT host, server, kind, reason, compensation_kind, compensation_reason FROM outcomes WHERE plan_id = ? ORDER BY host, server`, id)
	if err != nil {
		return p, nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	var out []ServerOutcome
	for rows.Next() {
		var so ServerOutcome
		var kind, ck, cr string
		if err := rows.Scan(&so.Server.HostName, &so.Server.ServerName, &kind, &so.Outcome.Reason, &ck, &cr); err != nil {
			return p, nil, fmt.Errorf("scan outcome: %w", err)
		}
		so.Outcome.Kind = OutcomeKind(kind)
		if ck != "" {
			so.Compensation = &Outcome{Kind: OutcomeKind(ck), Reason: cr}
		}
		out = append(out, so)
	}
	return p, out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(r rowScanner) (PlanSummary, error) {
	var p PlanSummary
	var status, groups string
	var started, completed int64
	if err := r.Scan(&p.ID, &p.Name, &status, &started, &completed, &groups); err != nil {
		return p, err
	}
	p.Status = PlanStatus(status)
	p.StartedAt = time.Unix(0, started).UTC()
	p.CompletedAt = time.Unix(0, completed).UTC()
	if err := json.Unmarshal([]byte(groups), &p.Groups); err != nil {
		return p, fmt.Errorf("decode groups: %w", err)
	}
	return p, nil
}
