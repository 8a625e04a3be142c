package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/theirongolddev/mergemeter/internal/model"

	_ "modernc.org/sqlite" // register sqlite driver
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the default single-file ledger.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// Open opens or creates the ledger database at the given path.
func Open(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}

	// Immediate transactions take the write lock up front so concurrent
	// finalizers queue on busy_timeout instead of failing on lock upgrade.
	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=synchronous(normal)" +
		"&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening ledger db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the ledger database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InsertUsage implements Store.
func (s *SQLite) InsertUsage(ctx context.Context, r *model.UsageRecord) error {
	if err := PrepareUsage(r, s.now()); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO usage_records
		(source_id, created_at, actor, branch, commit_id, provider, model_id, endpoint,
		 prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO NOTHING`,
		r.SourceID, r.Timestamp.Format(timeLayout), nullString(r.Actor), r.Branch, nullString(r.Commit),
		r.Provider, r.ModelID, r.Endpoint,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
	)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading usage record id: %w", err)
	}
	r.ID = id
	return nil
}

const usageColumns = `id, source_id, created_at, actor, branch, commit_id, provider, model_id, endpoint,
	prompt_tokens, completion_tokens, total_tokens`

// UsageByBranch implements Store.
func (s *SQLite) UsageByBranch(ctx context.Context, branch string, until time.Time) ([]model.UsageRecord, error) {
	if until.IsZero() {
		return s.queryUsage(ctx, `SELECT `+usageColumns+` FROM usage_records
			WHERE branch = ? ORDER BY created_at, id`, branch)
	}
	return s.queryUsage(ctx, `SELECT `+usageColumns+` FROM usage_records
		WHERE branch = ? AND created_at <= ? ORDER BY created_at, id`,
		branch, until.UTC().Format(timeLayout))
}

// UsageSince implements Store.
func (s *SQLite) UsageSince(ctx context.Context, since time.Time) ([]model.UsageRecord, error) {
	return s.queryUsage(ctx, `SELECT `+usageColumns+` FROM usage_records
		WHERE created_at >= ? ORDER BY created_at, id`,
		since.UTC().Format(timeLayout))
}

func (s *SQLite) queryUsage(ctx context.Context, query string, args ...any) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.UsageRecord
	for rows.Next() {
		var r model.UsageRecord
		var created string
		var actor, commit sql.NullString
		if err := rows.Scan(
			&r.ID, &r.SourceID, &created, &actor, &r.Branch, &commit, &r.Provider, &r.ModelID, &r.Endpoint,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
		); err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		r.Actor = actor.String
		r.Commit = commit.String
		ts, err := time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("scanning usage record %d: bad created_at %q: %w", r.ID, created, err)
		}
		r.Timestamp = ts
		records = append(records, r)
	}
	return records, rows.Err()
}

const summaryColumns = `id, commit_id, merge_time, source_branch, target_branch, merged_by,
	calls, total_tokens, total_cost, cumulative_tokens, cumulative_cost`

// SummaryByCommit implements Store.
func (s *SQLite) SummaryByCommit(ctx context.Context, commitID string) (*model.MergeSummary, error) {
	return s.querySummary(ctx, `SELECT `+summaryColumns+` FROM merge_summaries WHERE commit_id = ?`, commitID)
}

// LatestSummary implements Store.
func (s *SQLite) LatestSummary(ctx context.Context) (*model.MergeSummary, error) {
	return s.querySummary(ctx, `SELECT `+summaryColumns+` FROM merge_summaries
		ORDER BY id DESC LIMIT 1`)
}

// SummariesForBranch implements Store.
func (s *SQLite) SummariesForBranch(ctx context.Context, branch string) ([]model.MergeSummary, error) {
	return s.querySummaries(ctx, `SELECT `+summaryColumns+` FROM merge_summaries
		WHERE source_branch = ? ORDER BY merge_time, id`, branch)
}

// ListSummaries implements Store.
func (s *SQLite) ListSummaries(ctx context.Context, limit int) ([]model.MergeSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.querySummaries(ctx, `SELECT `+summaryColumns+` FROM merge_summaries
		ORDER BY merge_time DESC, id DESC LIMIT ?`, limit)
}

func (s *SQLite) querySummaries(ctx context.Context, query string, args ...any) ([]model.MergeSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying merge summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.MergeSummary
	for rows.Next() {
		ms, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ms)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	for i := range out {
		if out[i].Models, err = s.loadModels(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLite) querySummary(ctx context.Context, query string, args ...any) (*model.MergeSummary, error) {
	ms, err := scanSummary(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if ms.Models, err = s.loadModels(ctx, ms.ID); err != nil {
		return nil, err
	}
	return ms, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (*model.MergeSummary, error) {
	var ms model.MergeSummary
	var mergeTime string
	err := row.Scan(
		&ms.ID, &ms.CommitID, &mergeTime, &ms.SourceBranch, &ms.TargetBranch, &ms.MergedBy,
		&ms.Calls, &ms.TotalTokens, &ms.TotalCost, &ms.CumulativeTokens, &ms.CumulativeCost,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning merge summary: %w", err)
	}
	if ms.MergeTime, err = time.Parse(timeLayout, mergeTime); err != nil {
		return nil, fmt.Errorf("scanning merge summary %s: bad merge_time %q: %w", ms.CommitID, mergeTime, err)
	}
	return &ms, nil
}

func (s *SQLite) loadModels(ctx context.Context, summaryID int64) ([]model.ModelBreakdown, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		model, provider, calls, prompt_tokens, completion_tokens, total_tokens, cost, cost_known
		FROM merge_summary_models WHERE summary_id = ? ORDER BY cost DESC, model`, summaryID)
	if err != nil {
		return nil, fmt.Errorf("querying summary models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ModelBreakdown
	for rows.Next() {
		var mb model.ModelBreakdown
		var known int
		if err := rows.Scan(&mb.Model, &mb.Provider, &mb.Calls, &mb.PromptTokens, &mb.CompletionTokens,
			&mb.TotalTokens, &mb.Cost, &known); err != nil {
			return nil, fmt.Errorf("scanning summary model: %w", err)
		}
		mb.CostKnown = known != 0
		out = append(out, mb)
	}
	return out, rows.Err()
}

// InsertSummary implements Store.
func (s *SQLite) InsertSummary(ctx context.Context, ms *model.MergeSummary) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning summary tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var priorTokens int64
	var priorCost float64
	err = tx.QueryRowContext(ctx, `SELECT cumulative_tokens, cumulative_cost FROM merge_summaries
		ORDER BY id DESC LIMIT 1`).Scan(&priorTokens, &priorCost)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("reading prior cumulative: %w", err)
	}

	cumTokens := priorTokens + ms.TotalTokens
	cumCost := priorCost + ms.TotalCost

	res, err := tx.ExecContext(ctx, `INSERT INTO merge_summaries
		(commit_id, merge_time, source_branch, target_branch, merged_by,
		 calls, total_tokens, total_cost, cumulative_tokens, cumulative_cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(commit_id) DO NOTHING`,
		ms.CommitID, ms.MergeTime.UTC().Format(timeLayout), ms.SourceBranch, ms.TargetBranch, ms.MergedBy,
		ms.Calls, ms.TotalTokens, ms.TotalCost, cumTokens, cumCost,
	)
	if err != nil {
		return false, fmt.Errorf("inserting merge summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting merge summary: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("reading merge summary id: %w", err)
	}

	for _, mb := range ms.Models {
		known := 0
		if mb.CostKnown {
			known = 1
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO merge_summary_models
			(summary_id, model, provider, calls, prompt_tokens, completion_tokens, total_tokens, cost, cost_known)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, mb.Model, mb.Provider, mb.Calls, mb.PromptTokens, mb.CompletionTokens, mb.TotalTokens, mb.Cost, known,
		)
		if err != nil {
			return false, fmt.Errorf("inserting summary model %s: %w", mb.Model, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing merge summary: %w", err)
	}

	ms.ID = id
	ms.CumulativeTokens = cumTokens
	ms.CumulativeCost = cumCost
	ms.MergeTime = ms.MergeTime.UTC()
	return true, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
