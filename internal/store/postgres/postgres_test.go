package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/store"
)

// These tests need a disposable database, e.g.
// MERGEMETER_TEST_DATABASE_URL=postgres://postgres@localhost/mergemeter_test
func connectTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MERGEMETER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MERGEMETER_TEST_DATABASE_URL not set")
	}
	s, err := Connect(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgres_InsertUsageAndDuplicate(t *testing.T) {
	s := connectTestStore(t)
	ctx := context.Background()
	branch := "pg-" + uuid.NewString()

	r := &model.UsageRecord{Branch: branch, ModelID: "m1", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 1}
	require.NoError(t, s.InsertUsage(ctx, r))
	require.Equal(t, int64(15), r.TotalTokens)

	dup := &model.UsageRecord{SourceID: r.SourceID, Branch: branch, ModelID: "m1", PromptTokens: 10}
	require.ErrorIs(t, s.InsertUsage(ctx, dup), store.ErrDuplicate)

	got, err := s.UsageByBranch(ctx, branch, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(15), got[0].TotalTokens)
}

func TestPostgres_InsertSummaryIdempotent(t *testing.T) {
	s := connectTestStore(t)
	ctx := context.Background()
	commit := uuid.NewString()

	ms := &model.MergeSummary{
		CommitID:     commit,
		MergeTime:    time.Now().Add(24 * time.Hour),
		SourceBranch: "pg-branch",
		TotalTokens:  42,
		Models:       []model.ModelBreakdown{{Model: "m1", Calls: 1, TotalTokens: 42, CostKnown: false}},
	}
	inserted, err := s.InsertSummary(ctx, ms)
	require.NoError(t, err)
	require.True(t, inserted)

	again := *ms
	again.ID = 0
	inserted, err = s.InsertSummary(ctx, &again)
	require.NoError(t, err)
	require.False(t, inserted)

	stored, err := s.SummaryByCommit(ctx, commit)
	require.NoError(t, err)
	require.Equal(t, ms.ID, stored.ID)
	require.Len(t, stored.Models, 1)
	require.False(t, stored.Models[0].CostKnown)
}
