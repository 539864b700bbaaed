package builder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists builds, active-build markers, the stage ledger, and
// outbound notifications to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	if strings.TrimSpace(conn) == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS lfs_builds (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL,
    data JSONB NOT NULL,
    submitted_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS lfs_builds_user_status_idx ON lfs_builds (user_id, status);
CREATE INDEX IF NOT EXISTS lfs_builds_submitted_idx ON lfs_builds (submitted_at DESC);
CREATE TABLE IF NOT EXISTS lfs_active_builds (
    user_id TEXT PRIMARY KEY,
    build_id TEXT NOT NULL,
    claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS lfs_build_stages (
    build_id TEXT NOT NULL REFERENCES lfs_builds(id),
    stage TEXT NOT NULL,
    trace_id TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (build_id, stage)
);
CREATE TABLE IF NOT EXISTS lfs_notifications (
    id TEXT PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES lfs_builds(id),
    kind TEXT NOT NULL,
    recipient TEXT NOT NULL,
    subject TEXT NOT NULL,
    body TEXT NOT NULL,
    trace_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (build_id, kind)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks connectivity for health endpoints.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, build Build) (Build, error) {
	if build.ID == "" {
		build.ID = NewID()
	}
	if err := ValidateID(build.ID); err != nil {
		return Build{}, err
	}
	now := time.Now().UTC()
	if build.Status == "" {
		build.Status = StatusSubmitted
	}
	if build.SubmittedAt.IsZero() {
		build.SubmittedAt = now
	}
	build.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if build.UserID != "" && IsActive(build.Status) {
			if err := claimActiveMarker(ctx, tx, build.UserID, build.ID); err != nil {
				return err
			}
		}
		payload, err := json.Marshal(build)
		if err != nil {
			return fmt.Errorf("marshal build: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO lfs_builds (id, user_id, status, data, submitted_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
			build.ID, build.UserID, build.Status, payload, build.SubmittedAt, build.UpdatedAt)
		return err
	})
	if err != nil {
		return Build{}, err
	}
	return build, nil
}

// claimActiveMarker is the create-if-absent write that serializes concurrent
// submissions from one user. A marker left behind by a finished build is taken over.
func claimActiveMarker(ctx context.Context, tx *sql.Tx, userID, buildID string) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO lfs_active_builds (user_id, build_id) VALUES ($1,$2) ON CONFLICT (user_id) DO NOTHING`, userID, buildID)
	if err != nil {
		return fmt.Errorf("claim active marker: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var holder string
	if err := tx.QueryRowContext(ctx, `SELECT build_id FROM lfs_active_builds WHERE user_id=$1 FOR UPDATE`, userID).Scan(&holder); err != nil {
		return fmt.Errorf("read active marker: %w", err)
	}
	var status Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM lfs_builds WHERE id=$1`, holder).Scan(&status)
	switch {
	case err == nil && IsActive(status):
		return &ActiveBuildError{BuildID: holder}
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("read marker holder: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE lfs_active_builds SET build_id=$2, claimed_at=NOW() WHERE user_id=$1`, userID, buildID)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Build, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM lfs_builds WHERE id=$1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Build{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Build{}, err
	}
	return decodeBuild(raw)
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) (Change, error) {
	var change Change
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		if err := tx.QueryRowContext(ctx, `SELECT data FROM lfs_builds WHERE id=$1 FOR UPDATE`, id).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		before, err := decodeBuild(raw)
		if err != nil {
			return err
		}
		after := cloneBuild(before)
		if err := patch.Apply(&after, time.Now().UTC()); err != nil {
			return err
		}
		payload, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("marshal build: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE lfs_builds SET status=$2, data=$3, updated_at=$4 WHERE id=$1`,
			id, after.Status, payload, after.UpdatedAt); err != nil {
			return err
		}
		if !IsActive(after.Status) && after.UserID != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM lfs_active_builds WHERE user_id=$1 AND build_id=$2`, after.UserID, after.ID); err != nil {
				return fmt.Errorf("release active marker: %w", err)
			}
		}
		change = Change{Before: before, After: after}
		return nil
	})
	return change, err
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]Build, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	idx := 1

	if filter.UserID != "" {
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, filter.UserID)
		idx++
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			placeholders = append(placeholders, fmt.Sprintf("$%d", idx))
			args = append(args, status)
			idx++
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if !filter.SubmittedBefore.IsZero() {
		clauses = append(clauses, fmt.Sprintf("submitted_at < $%d", idx))
		args = append(args, filter.SubmittedBefore)
		idx++
	}

	query := `SELECT data FROM lfs_builds`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY submitted_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	builds := make([]Build, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		b, err := decodeBuild(raw)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) ClaimStage(ctx context.Context, buildID, stage, traceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO lfs_build_stages (build_id, stage, trace_id, recorded_at)
VALUES ($1,$2,$3,$4) ON CONFLICT (build_id, stage) DO NOTHING`, buildID, stage, traceID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim stage %s: %w", stage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) Stages(ctx context.Context, buildID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, trace_id, recorded_at FROM lfs_build_stages WHERE build_id=$1 ORDER BY recorded_at ASC`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		st := Stage{BuildID: buildID}
		if err := rows.Scan(&st.Name, &st.TraceID, &st.RecordedAt); err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

func (s *PostgresStore) AddNotification(ctx context.Context, n Notification) (bool, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO lfs_notifications (id, build_id, kind, recipient, subject, body, trace_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (build_id, kind) DO NOTHING`,
		n.ID, n.BuildID, n.Kind, n.To, n.Subject, n.Body, n.TraceID, n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func decodeBuild(raw []byte) (Build, error) {
	var b Build
	if err := json.Unmarshal(raw, &b); err != nil {
		return Build{}, fmt.Errorf("decode build: %w", err)
	}
	return b, nil
}
