// Package tracker meters provider calls into the usage ledger without
// affecting the calls themselves.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/theirongolddev/mergemeter/internal/attribution"
	"github.com/theirongolddev/mergemeter/internal/logging"
	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/provider"
)

// DefaultWriteTimeout bounds one background ledger write.
const DefaultWriteTimeout = 5 * time.Second

// Ledger is the write side of the usage store.
type Ledger interface {
	InsertUsage(ctx context.Context, r *model.UsageRecord) error
}

// Options configures a Tracker.
type Options struct {
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Stats counts background writes since the tracker was created.
type Stats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// Tracker writes one usage record per metered call.
type Tracker struct {
	ledger       Ledger
	resolver     attribution.Resolver
	writeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time

	wg      sync.WaitGroup
	written atomic.Int64
	failed  atomic.Int64
}

// New returns a tracker writing to ledger with attribution from resolver.
func New(ledger Ledger, resolver attribution.Resolver, opts Options) *Tracker {
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	if resolver == nil {
		resolver = attribution.Static{}
	}
	return &Tracker{
		ledger:       ledger,
		resolver:     resolver,
		writeTimeout: timeout,
		logger:       logging.Component(opts.Logger, "tracker"),
		now:          time.Now,
	}
}

// Wrap returns call with metering composed around it. The wrapped call's
// response and error are returned unchanged; metering happens in the
// background and its failures are only logged.
func Wrap(t *Tracker, endpoint string, call provider.CompleteFunc) provider.CompleteFunc {
	return func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		resp, err := call(ctx, req)
		if err == nil && t != nil {
			t.observe(endpoint, resp)
		}
		return resp, err
	}
}

// WrapProvider is Wrap for a provider's Complete method.
func WrapProvider(t *Tracker, endpoint string, p provider.Provider) provider.CompleteFunc {
	return Wrap(t, endpoint, p.Complete)
}

func (t *Tracker) observe(endpoint string, resp *provider.Response) {
	defer func() {
		if r := recover(); r != nil {
			t.failed.Add(1)
			t.logger.Error("panic while scheduling usage write", zap.Any("panic", r))
		}
	}()

	u, ok := provider.UsageOf(resp).(provider.HasUsage)
	if !ok {
		return
	}

	rec := model.UsageRecord{
		Timestamp:        t.now(),
		Provider:         u.Provider,
		ModelID:          u.Model,
		Endpoint:         endpoint,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.failed.Add(1)
				t.logger.Error("panic in usage write", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
		defer cancel()

		if err := t.write(ctx, &rec); err != nil {
			t.failed.Add(1)
			t.logger.Warn("usage write failed",
				zap.String("model", rec.ModelID),
				zap.String("endpoint", rec.Endpoint),
				zap.Error(err),
			)
			return
		}
		t.written.Add(1)
	}()
}

// Record writes r synchronously. Missing attribution fields are resolved.
// Unlike Wrap, the error is returned: the caller asked for this write.
func (t *Tracker) Record(ctx context.Context, r model.UsageRecord) (model.UsageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()

	if err := t.write(ctx, &r); err != nil {
		return r, err
	}
	t.written.Add(1)
	return r, nil
}

func (t *Tracker) write(ctx context.Context, r *model.UsageRecord) error {
	if r.Branch == "" || r.Commit == "" || r.Actor == "" {
		ac := t.resolver.Resolve(ctx)
		if r.Branch == "" {
			r.Branch = ac.Branch
		}
		if r.Commit == "" {
			r.Commit = ac.Commit
		}
		if r.Actor == "" {
			r.Actor = ac.Actor
		}
	}
	if t.ledger == nil {
		return fmt.Errorf("no ledger configured")
	}
	if err := t.ledger.InsertUsage(ctx, r); err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	t.logger.Debug("usage recorded",
		zap.String("branch", r.Branch),
		zap.String("model", r.ModelID),
		zap.Int64("total_tokens", r.TotalTokens),
	)
	return nil
}

// Flush waits for in-flight background writes or until ctx is done.
func (t *Tracker) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns write counters.
func (t *Tracker) Stats() Stats {
	return Stats{Written: t.written.Load(), Failed: t.failed.Load()}
}
