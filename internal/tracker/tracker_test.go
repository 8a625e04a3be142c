package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/mergemeter/internal/attribution"
	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/provider"
)

type memLedger struct {
	mu      sync.Mutex
	records []model.UsageRecord
	err     error
	delay   time.Duration
	panics  bool
}

func (l *memLedger) InsertUsage(ctx context.Context, r *model.UsageRecord) error {
	if l.panics {
		panic("ledger exploded")
	}
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if l.err != nil {
		return l.err
	}
	if err := r.Normalize(time.Now()); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, *r)
	return nil
}

func (l *memLedger) all() []model.UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.UsageRecord(nil), l.records...)
}

var feat = attribution.Static{Branch: "feat-x", Commit: "c1", Actor: "dev"}

func respond(resp *provider.Response, err error) provider.CompleteFunc {
	return func(context.Context, *provider.Request) (*provider.Response, error) {
		return resp, err
	}
}

func flush(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Flush(ctx))
}

func TestWrap_RecordsUsage(t *testing.T) {
	ledger := &memLedger{}
	tr := New(ledger, feat, Options{})

	want := &provider.Response{ID: "r1", Content: "hi", Usage: provider.HasUsage{
		Provider: "openai", Model: "gpt-4o", PromptTokens: 100, CompletionTokens: 50,
	}}
	got, err := Wrap(tr, "chat", respond(want, nil))(context.Background(), &provider.Request{})
	require.NoError(t, err)
	require.Same(t, want, got)

	flush(t, tr)
	recs := ledger.all()
	require.Len(t, recs, 1)
	require.Equal(t, "feat-x", recs[0].Branch)
	require.Equal(t, "c1", recs[0].Commit)
	require.Equal(t, "chat", recs[0].Endpoint)
	require.Equal(t, int64(150), recs[0].TotalTokens)
	require.Equal(t, Stats{Written: 1}, tr.Stats())
}

func TestWrap_NoUsageWritesNothing(t *testing.T) {
	ledger := &memLedger{}
	tr := New(ledger, feat, Options{})

	for _, resp := range []*provider.Response{{Usage: provider.NoUsage{}}, {}, nil} {
		_, err := Wrap(tr, "chat", respond(resp, nil))(context.Background(), &provider.Request{})
		require.NoError(t, err)
	}
	flush(t, tr)
	require.Empty(t, ledger.all())
}

func TestWrap_CallErrorPassesThrough(t *testing.T) {
	ledger := &memLedger{}
	tr := New(ledger, feat, Options{})
	callErr := errors.New("upstream 500")

	resp := &provider.Response{Usage: provider.HasUsage{Model: "m1", PromptTokens: 1}}
	got, err := Wrap(tr, "chat", respond(resp, callErr))(context.Background(), &provider.Request{})
	require.ErrorIs(t, err, callErr)
	require.Same(t, resp, got)

	flush(t, tr)
	require.Empty(t, ledger.all())
}

func TestWrap_LedgerFailureIsSwallowed(t *testing.T) {
	ledger := &memLedger{err: errors.New("database is locked")}
	tr := New(ledger, feat, Options{})

	resp := &provider.Response{Usage: provider.HasUsage{Model: "m1", PromptTokens: 1}}
	got, err := Wrap(tr, "chat", respond(resp, nil))(context.Background(), &provider.Request{})
	require.NoError(t, err)
	require.Same(t, resp, got)

	flush(t, tr)
	require.Equal(t, Stats{Failed: 1}, tr.Stats())
}

func TestWrap_PanickingLedgerIsRecovered(t *testing.T) {
	tr := New(&memLedger{panics: true}, feat, Options{})

	resp := &provider.Response{Usage: provider.HasUsage{Model: "m1", PromptTokens: 1}}
	_, err := Wrap(tr, "chat", respond(resp, nil))(context.Background(), &provider.Request{})
	require.NoError(t, err)

	flush(t, tr)
	require.Equal(t, int64(1), tr.Stats().Failed)
}

func TestWrap_SlowLedgerAddsNoLatency(t *testing.T) {
	ledger := &memLedger{delay: 300 * time.Millisecond}
	tr := New(ledger, feat, Options{WriteTimeout: 50 * time.Millisecond})

	resp := &provider.Response{Usage: provider.HasUsage{Model: "m1", PromptTokens: 1}}
	start := time.Now()
	_, err := Wrap(tr, "chat", respond(resp, nil))(context.Background(), &provider.Request{})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond)

	// The write gives up at WriteTimeout.
	flush(t, tr)
	require.Equal(t, int64(1), tr.Stats().Failed)
	require.Empty(t, ledger.all())
}

func TestWrap_NilTracker(t *testing.T) {
	resp := &provider.Response{Usage: provider.HasUsage{Model: "m1"}}
	got, err := Wrap(nil, "chat", respond(resp, nil))(context.Background(), &provider.Request{})
	require.NoError(t, err)
	require.Same(t, resp, got)
}

func TestRecord_ResolvesMissingFields(t *testing.T) {
	ledger := &memLedger{}
	tr := New(ledger, feat, Options{})

	got, err := tr.Record(context.Background(), model.UsageRecord{
		Branch: "explicit", ModelID: "m1", PromptTokens: 3, CompletionTokens: 4,
	})
	require.NoError(t, err)
	require.Equal(t, "explicit", got.Branch)
	require.Equal(t, "dev", got.Actor)
	require.Equal(t, int64(7), got.TotalTokens)

	_, err = tr.Record(context.Background(), model.UsageRecord{ModelID: "m1", PromptTokens: -1})
	require.ErrorIs(t, err, model.ErrNegativeTokens)
}
