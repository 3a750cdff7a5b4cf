package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/mediarelay"
)

const taskColumns = `id, owner_id, chat_id, status_message_id, source_message_id, file_name,
	file_size, local_path, group_id, error_message, status, created_at, updated_at`

// Postgres is a TaskStore backed by PostgreSQL through database/sql.
type Postgres struct {
	db   *sql.DB
	conn DBTX
	now  func() time.Time
}

// NewPostgres wraps an open database handle. The schema must already be
// migrated, see Migrate.
func NewPostgres(db *sql.DB, opts ...Option) *Postgres {
	o := buildOptions(opts)
	return &Postgres{db: db, conn: db, now: o.now}
}

func (p *Postgres) Create(ctx context.Context, t *mediarelay.Task) error {
	return insertTask(ctx, p.conn, t)
}

// CreateBatch inserts every task in one transaction.
func (p *Postgres) CreateBatch(ctx context.Context, ts []*mediarelay.Task) error {
	return WithTx(ctx, p.db, nil, func(ctx context.Context, tx DBTX) error {
		for _, t := range ts {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTask(ctx context.Context, db DBTX, t *mediarelay.Task) error {
	status := t.Status
	if status == "" {
		status = mediarelay.StatusQueued
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.OwnerID, t.ChatID, t.StatusMessageID, t.SourceMessageID, t.FileName,
		t.FileSize, t.LocalPath, t.GroupID, t.ErrorMessage, string(status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) FindByID(ctx context.Context, id string) (*mediarelay.Task, error) {
	row := p.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mediarelay.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

func (p *Postgres) FindByGroupID(ctx context.Context, groupID string) ([]*mediarelay.Task, error) {
	if groupID == "" {
		return nil, nil
	}
	return p.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE group_id = $1 ORDER BY created_at, id`, groupID)
}

func (p *Postgres) FindStalled(ctx context.Context, age time.Duration) ([]*mediarelay.Task, error) {
	in, args := statusList(2, mediarelay.NonTerminalStatuses)
	args = append([]any{p.now().Add(-age)}, args...)
	return p.query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE updated_at < $1 AND status IN (`+in+`)
		 ORDER BY created_at, id`, args...)
}

// UpdateStatus applies the transition in one conditional UPDATE. When no row
// changes, the current status is read back to classify the failure.
func (p *Postgres) UpdateStatus(ctx context.Context, id string, s mediarelay.Status, errMsg string) error {
	from := predecessors(s)
	if len(from) == 0 {
		return mediarelay.ErrInvalidTransition
	}
	in, args := statusList(5, from)
	args = append([]any{id, string(s), errMsg, p.now()}, args...)
	res, err := p.conn.ExecContext(ctx,
		`UPDATE tasks SET status = $2, error_message = $3, updated_at = $4
		 WHERE id = $1 AND status IN (`+in+`)`, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n > 0 {
		return nil
	}
	return p.classify(ctx, id, mediarelay.ErrInvalidTransition)
}

func (p *Postgres) SetLocalPath(ctx context.Context, id, path string) error {
	res, err := p.conn.ExecContext(ctx,
		`UPDATE tasks SET local_path = $2, updated_at = $3 WHERE id = $1`, id, path, p.now())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return mediarelay.ErrTaskNotFound
	}
	return nil
}

func (p *Postgres) MarkCancelled(ctx context.Context, id string) error {
	in, args := statusList(4, mediarelay.NonTerminalStatuses)
	args = append([]any{id, CancelledReason, p.now()}, args...)
	res, err := p.conn.ExecContext(ctx,
		`UPDATE tasks SET status = 'cancelled', error_message = $2, updated_at = $3
		 WHERE id = $1 AND status IN (`+in+`)`, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n > 0 {
		return nil
	}
	return p.classify(ctx, id, mediarelay.ErrTaskFinalized)
}

func (p *Postgres) MarkGroupCancelled(ctx context.Context, groupID string) (int, error) {
	if groupID == "" {
		return 0, nil
	}
	in, args := statusList(4, mediarelay.NonTerminalStatuses)
	args = append([]any{groupID, CancelledReason, p.now()}, args...)
	res, err := p.conn.ExecContext(ctx,
		`UPDATE tasks SET status = 'cancelled', error_message = $2, updated_at = $3
		 WHERE group_id = $1 AND status IN (`+in+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(n), nil
}

// classify explains a conditional update that matched no row.
func (p *Postgres) classify(ctx context.Context, id string, fallback error) error {
	var raw string
	err := p.conn.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return mediarelay.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	st, err := mediarelay.ParseStatus(raw)
	if err != nil {
		return err
	}
	if st.IsTerminal() {
		return mediarelay.ErrTaskFinalized
	}
	return fallback
}

func (p *Postgres) query(ctx context.Context, q string, args ...any) ([]*mediarelay.Task, error) {
	rows, err := p.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*mediarelay.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*mediarelay.Task, error) {
	var (
		t   mediarelay.Task
		raw string
	)
	if err := s.Scan(
		&t.ID, &t.OwnerID, &t.ChatID, &t.StatusMessageID, &t.SourceMessageID, &t.FileName,
		&t.FileSize, &t.LocalPath, &t.GroupID, &t.ErrorMessage, &raw, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	st, err := mediarelay.ParseStatus(raw)
	if err != nil {
		return nil, err
	}
	t.Status = st
	return &t, nil
}

// predecessors lists the statuses from which a row may move to s, including
// s itself when s is not terminal.
func predecessors(s mediarelay.Status) []mediarelay.Status {
	var out []mediarelay.Status
	for _, from := range mediarelay.NonTerminalStatuses {
		if from == s || from.CanTransitionTo(s) {
			out = append(out, from)
		}
	}
	return out
}

// statusList renders numbered placeholders starting at $first.
func statusList(first int, ss []mediarelay.Status) (string, []any) {
	ph := make([]string, len(ss))
	args := make([]any, len(ss))
	for i, s := range ss {
		ph[i] = "$" + strconv.Itoa(first+i)
		args[i] = string(s)
	}
	return strings.Join(ph, ", "), args
}
