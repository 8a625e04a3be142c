package spool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/store"
)

func i64(v int64) *int64 { return &v }

func openLedger(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisQueue(rdb, "test:spool")
}

func valid(model string, prompt, completion int64) Record {
	return Record{
		Timestamp:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Branch:           "feat-x",
		ModelID:          model,
		Endpoint:         "chat",
		PromptTokens:     i64(prompt),
		CompletionTokens: i64(completion),
	}
}

func TestValidate(t *testing.T) {
	r := valid("m1", 1, 2)
	r.ID = NewID()
	require.NoError(t, r.Validate())

	cases := map[string]func(*Record){
		"missing model":      func(r *Record) { r.ModelID = "" },
		"missing prompt":     func(r *Record) { r.PromptTokens = nil },
		"missing completion": func(r *Record) { r.CompletionTokens = nil },
		"negative":           func(r *Record) { r.CompletionTokens = i64(-5) },
		"missing id":         func(r *Record) { r.ID = "" },
	}
	for name, mutate := range cases {
		bad := r
		mutate(&bad)
		require.ErrorIs(t, bad.Validate(), ErrMalformed, name)
	}

	_, err := Decode([]byte(`{not json`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDirQueue_PutPendingAck(t *testing.T) {
	ctx := context.Background()
	q := NewDirQueue(filepath.Join(t.TempDir(), "spool"))

	items, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, items)

	a, err := q.Put(ctx, valid("m1", 1, 1))
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	b, err := q.Put(ctx, valid("m2", 2, 2))
	require.NoError(t, err)

	items, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, a.ID, items[0].ID)
	require.Equal(t, "m1", items[0].Record.ModelID)

	require.NoError(t, q.Ack(ctx, items[0]))
	require.NoError(t, q.Ack(ctx, items[0]), "second ack is a no-op")
	require.NoError(t, q.Reject(ctx, items[1], "bad"))

	items, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, items)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Imported: 1, Rejected: 1}, st)

	_, err = os.Stat(filepath.Join(q.Dir(), b.ID+rejectedExt+".reason"))
	require.NoError(t, err)
}

func TestImportPending_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	ledger := openLedger(t)
	q := NewDirQueue(t.TempDir())

	rec, err := q.Put(ctx, valid("m1", 100, 50))
	require.NoError(t, err)

	im := NewImporter(q, ledger, nil)
	res, err := im.ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Imported: 1}, res)

	res, err = im.ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, res, "re-running import is a no-op")

	// The same record spooled again (e.g. restored from backup) is acked, not inserted.
	_, err = q.Put(ctx, rec)
	require.NoError(t, err)
	res, err = im.ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Duplicates: 1}, res)

	rows, err := ledger.UsageByBranch(ctx, "feat-x", time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(150), rows[0].TotalTokens)
	require.Equal(t, "spool:"+rec.ID, rows[0].SourceID)
	require.True(t, rec.Timestamp.Equal(rows[0].Timestamp))
}

func TestImportPending_MalformedDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	ledger := openLedger(t)
	dir := t.TempDir()
	q := NewDirQueue(dir)

	_, err := q.Put(ctx, valid("m1", 10, 10))
	require.NoError(t, err)
	_, err = q.Put(ctx, valid("m1", -1, 10))
	require.NoError(t, err)
	_, err = q.Put(ctx, valid("m2", 20, 20))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{"), 0o600))

	res, err := NewImporter(q, ledger, nil).ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Imported: 2, Skipped: 2}, res)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Imported: 2, Rejected: 2}, st)
}

func TestImportPending_RecordWithoutIDUsesFileName(t *testing.T) {
	ctx := context.Background()
	ledger := openLedger(t)
	dir := t.TempDir()
	q := NewDirQueue(dir)

	body := `{"timestamp":"2026-01-02T03:04:05Z","branch":"feat-x","model_id":"gpt-4o","endpoint":"chat","prompt_tokens":10,"completion_tokens":5}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01JABCDEF.json"), []byte(body), 0o600))

	im := NewImporter(q, ledger, nil)
	res, err := im.ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Imported: 1}, res)
	require.FileExists(t, filepath.Join(dir, "01JABCDEF.imported"))

	rows, err := ledger.UsageByBranch(ctx, "feat-x", time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "spool:01JABCDEF", rows[0].SourceID)
	require.Equal(t, int64(15), rows[0].TotalTokens)
	require.True(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Equal(rows[0].Timestamp))

	// Spooled a second time under the same name, it is a duplicate.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01JABCDEF.json"), []byte(body), 0o600))
	res, err = im.ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Duplicates: 1}, res)
}

func TestImportPending_RecordIDMustMatchFileName(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	q := NewDirQueue(dir)

	body := `{"id":"01OTHER","model_id":"gpt-4o","prompt_tokens":1,"completion_tokens":1}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01JABCDEF.json"), []byte(body), 0o600))

	res, err := NewImporter(q, openLedger(t), nil).ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Skipped: 1}, res)
	require.FileExists(t, filepath.Join(dir, "01JABCDEF.rejected"))
}

type failingLedger struct{}

func (failingLedger) InsertUsage(context.Context, *model.UsageRecord) error {
	return os.ErrDeadlineExceeded
}

func TestImportPending_LedgerErrorLeavesPending(t *testing.T) {
	ctx := context.Background()
	q := NewDirQueue(t.TempDir())
	_, err := q.Put(ctx, valid("m1", 1, 1))
	require.NoError(t, err)

	res, err := NewImporter(q, failingLedger{}, nil).ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Errors: 1}, res)

	items, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestRedisQueue_ImportExactlyOnce(t *testing.T) {
	ctx := context.Background()
	mr, q := setupMiniredis(t)
	ledger := openLedger(t)

	_, err := q.Put(ctx, valid("m1", 5, 5))
	require.NoError(t, err)
	_, err = q.Put(ctx, valid("m1", -5, 5))
	require.NoError(t, err)
	mr.HSet("test:spool:pending", "raw-garbage", "nope")

	im := NewImporter(q, ledger, nil)
	res, err := im.ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Imported: 1, Skipped: 2}, res)

	res, err = im.ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Imported: 1, Rejected: 2}, st)
	require.True(t, mr.Exists("test:spool:rejected"))

	mr.HSet("test:spool:pending", "01KEYONLY",
		`{"timestamp":"2026-01-02T03:04:05Z","branch":"feat-y","model_id":"m1","prompt_tokens":3,"completion_tokens":4}`)
	res, err = im.ImportPending(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Imported: 1}, res)

	rows, err := ledger.UsageByBranch(ctx, "feat-y", time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "spool:01KEYONLY", rows[0].SourceID)
}
