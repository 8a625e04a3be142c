// Package postgres is a shared-team ledger backend on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/store"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS usage_records (
    id                   BIGSERIAL PRIMARY KEY,
    source_id            TEXT NOT NULL UNIQUE,
    created_at           TIMESTAMPTZ NOT NULL,
    actor                TEXT,
    branch               TEXT NOT NULL,
    commit_id            TEXT,
    provider             TEXT NOT NULL DEFAULT '',
    model_id             TEXT NOT NULL,
    endpoint             TEXT NOT NULL DEFAULT '',
    prompt_tokens        BIGINT NOT NULL CHECK (prompt_tokens >= 0),
    completion_tokens    BIGINT NOT NULL CHECK (completion_tokens >= 0),
    total_tokens         BIGINT NOT NULL,
    CHECK (total_tokens = prompt_tokens + completion_tokens)
);

CREATE TABLE IF NOT EXISTS merge_summaries (
    id                   BIGSERIAL PRIMARY KEY,
    commit_id            TEXT NOT NULL UNIQUE,
    merge_time           TIMESTAMPTZ NOT NULL,
    source_branch        TEXT NOT NULL,
    target_branch        TEXT NOT NULL DEFAULT '',
    merged_by            TEXT NOT NULL DEFAULT '',
    calls                INTEGER NOT NULL,
    total_tokens         BIGINT NOT NULL,
    total_cost           DOUBLE PRECISION NOT NULL,
    cumulative_tokens    BIGINT NOT NULL,
    cumulative_cost      DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS merge_summary_models (
    summary_id           BIGINT NOT NULL REFERENCES merge_summaries(id) ON DELETE CASCADE,
    model                TEXT NOT NULL,
    provider             TEXT NOT NULL DEFAULT '',
    calls                INTEGER NOT NULL,
    prompt_tokens        BIGINT NOT NULL,
    completion_tokens    BIGINT NOT NULL,
    total_tokens         BIGINT NOT NULL,
    cost                 DOUBLE PRECISION NOT NULL,
    cost_known           BOOLEAN NOT NULL,
    PRIMARY KEY (summary_id, model)
);

CREATE INDEX IF NOT EXISTS idx_usage_branch_time ON usage_records(branch, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
CREATE INDEX IF NOT EXISTS idx_summaries_time ON merge_summaries(merge_time);
CREATE INDEX IF NOT EXISTS idx_summaries_branch ON merge_summaries(source_branch);
`

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	db    DB
	close func()
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an existing connection pool. Close is a no-op; the caller owns db.
func New(db DB) *Store {
	return &Store{db: db, close: func() {}, now: time.Now}
}

// Connect opens a pool for dsn, verifies it and creates the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &Store{db: pool, close: pool.Close, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the ledger tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close releases the pool when the store opened it.
func (s *Store) Close() error {
	s.close()
	return nil
}

// InsertUsage implements store.Store.
func (s *Store) InsertUsage(ctx context.Context, r *model.UsageRecord) error {
	if err := store.PrepareUsage(r, s.now()); err != nil {
		return err
	}

	query := `
		INSERT INTO usage_records
			(source_id, created_at, actor, branch, commit_id, provider, model_id, endpoint,
			 prompt_tokens, completion_tokens, total_tokens)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
		ON CONFLICT (source_id) DO NOTHING
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		r.SourceID, r.Timestamp, r.Actor, r.Branch, r.Commit, r.Provider, r.ModelID, r.Endpoint,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
	).Scan(&r.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

const usageColumns = `id, source_id, created_at, COALESCE(actor, ''), branch, COALESCE(commit_id, ''),
	provider, model_id, endpoint, prompt_tokens, completion_tokens, total_tokens`

// UsageByBranch implements store.Store.
func (s *Store) UsageByBranch(ctx context.Context, branch string, until time.Time) ([]model.UsageRecord, error) {
	if until.IsZero() {
		return s.queryUsage(ctx, `SELECT `+usageColumns+` FROM usage_records
			WHERE branch = $1 ORDER BY created_at, id`, branch)
	}
	return s.queryUsage(ctx, `SELECT `+usageColumns+` FROM usage_records
		WHERE branch = $1 AND created_at <= $2 ORDER BY created_at, id`, branch, until)
}

// UsageSince implements store.Store.
func (s *Store) UsageSince(ctx context.Context, since time.Time) ([]model.UsageRecord, error) {
	return s.queryUsage(ctx, `SELECT `+usageColumns+` FROM usage_records
		WHERE created_at >= $1 ORDER BY created_at, id`, since)
}

func (s *Store) queryUsage(ctx context.Context, query string, args ...any) ([]model.UsageRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []model.UsageRecord
	for rows.Next() {
		var r model.UsageRecord
		if err := rows.Scan(
			&r.ID, &r.SourceID, &r.Timestamp, &r.Actor, &r.Branch, &r.Commit,
			&r.Provider, &r.ModelID, &r.Endpoint, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

const summaryColumns = `id, commit_id, merge_time, source_branch, target_branch, merged_by,
	calls, total_tokens, total_cost, cumulative_tokens, cumulative_cost`

// SummaryByCommit implements store.Store.
func (s *Store) SummaryByCommit(ctx context.Context, commitID string) (*model.MergeSummary, error) {
	return s.querySummary(ctx, `SELECT `+summaryColumns+` FROM merge_summaries WHERE commit_id = $1`, commitID)
}

// LatestSummary implements store.Store.
func (s *Store) LatestSummary(ctx context.Context) (*model.MergeSummary, error) {
	return s.querySummary(ctx, `SELECT `+summaryColumns+` FROM merge_summaries
		ORDER BY id DESC LIMIT 1`)
}

// SummariesForBranch implements store.Store.
func (s *Store) SummariesForBranch(ctx context.Context, branch string) ([]model.MergeSummary, error) {
	return s.querySummaries(ctx, `SELECT `+summaryColumns+` FROM merge_summaries
		WHERE source_branch = $1 ORDER BY merge_time, id`, branch)
}

// ListSummaries implements store.Store.
func (s *Store) ListSummaries(ctx context.Context, limit int) ([]model.MergeSummary, error) {
	if limit <= 0 {
		return s.querySummaries(ctx, `SELECT `+summaryColumns+` FROM merge_summaries
			ORDER BY merge_time DESC, id DESC`)
	}
	return s.querySummaries(ctx, `SELECT `+summaryColumns+` FROM merge_summaries
		ORDER BY merge_time DESC, id DESC LIMIT $1`, limit)
}

func (s *Store) querySummaries(ctx context.Context, query string, args ...any) ([]model.MergeSummary, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query merge summaries: %w", err)
	}

	var out []model.MergeSummary
	for rows.Next() {
		ms, err := scanSummary(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *ms)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating merge summaries: %w", err)
	}

	for i := range out {
		if out[i].Models, err = s.loadModels(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) querySummary(ctx context.Context, query string, args ...any) (*model.MergeSummary, error) {
	ms, err := scanSummary(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if ms.Models, err = s.loadModels(ctx, ms.ID); err != nil {
		return nil, err
	}
	return ms, nil
}

func scanSummary(row pgx.Row) (*model.MergeSummary, error) {
	var ms model.MergeSummary
	err := row.Scan(
		&ms.ID, &ms.CommitID, &ms.MergeTime, &ms.SourceBranch, &ms.TargetBranch, &ms.MergedBy,
		&ms.Calls, &ms.TotalTokens, &ms.TotalCost, &ms.CumulativeTokens, &ms.CumulativeCost,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan merge summary: %w", err)
	}
	ms.MergeTime = ms.MergeTime.UTC()
	return &ms, nil
}

func (s *Store) loadModels(ctx context.Context, summaryID int64) ([]model.ModelBreakdown, error) {
	rows, err := s.db.Query(ctx, `
		SELECT model, provider, calls, prompt_tokens, completion_tokens, total_tokens, cost, cost_known
		FROM merge_summary_models WHERE summary_id = $1 ORDER BY cost DESC, model`, summaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary models: %w", err)
	}
	defer rows.Close()

	var out []model.ModelBreakdown
	for rows.Next() {
		var mb model.ModelBreakdown
		if err := rows.Scan(&mb.Model, &mb.Provider, &mb.Calls, &mb.PromptTokens, &mb.CompletionTokens,
			&mb.TotalTokens, &mb.Cost, &mb.CostKnown); err != nil {
			return nil, fmt.Errorf("failed to scan summary model: %w", err)
		}
		out = append(out, mb)
	}
	return out, rows.Err()
}

// InsertSummary implements store.Store. The table lock serializes cumulative
// reads across finalizers of different commits; readers are not blocked.
func (s *Store) InsertSummary(ctx context.Context, ms *model.MergeSummary) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin summary tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `LOCK TABLE merge_summaries IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return false, fmt.Errorf("failed to lock merge summaries: %w", err)
	}

	var priorTokens int64
	var priorCost float64
	err = tx.QueryRow(ctx, `SELECT cumulative_tokens, cumulative_cost FROM merge_summaries
		ORDER BY id DESC LIMIT 1`).Scan(&priorTokens, &priorCost)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to read prior cumulative: %w", err)
	}

	cumTokens := priorTokens + ms.TotalTokens
	cumCost := priorCost + ms.TotalCost

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO merge_summaries
			(commit_id, merge_time, source_branch, target_branch, merged_by,
			 calls, total_tokens, total_cost, cumulative_tokens, cumulative_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (commit_id) DO NOTHING
		RETURNING id`,
		ms.CommitID, ms.MergeTime.UTC(), ms.SourceBranch, ms.TargetBranch, ms.MergedBy,
		ms.Calls, ms.TotalTokens, ms.TotalCost, cumTokens, cumCost,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert merge summary: %w", err)
	}

	batch := &pgx.Batch{}
	for _, mb := range ms.Models {
		batch.Queue(`
			INSERT INTO merge_summary_models
				(summary_id, model, provider, calls, prompt_tokens, completion_tokens, total_tokens, cost, cost_known)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, mb.Model, mb.Provider, mb.Calls, mb.PromptTokens, mb.CompletionTokens, mb.TotalTokens, mb.Cost, mb.CostKnown,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, fmt.Errorf("failed to insert summary models: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit merge summary: %w", err)
	}

	ms.ID = id
	ms.CumulativeTokens = cumTokens
	ms.CumulativeCost = cumCost
	ms.MergeTime = ms.MergeTime.UTC()
	return true, nil
}
