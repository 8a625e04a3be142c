// Package meter wires the ledger, spool, tracker, merge aggregator and report
// generator into the single surface that callers and the CLI use.
package meter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/theirongolddev/mergemeter/internal/attribution"
	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/logging"
	"github.com/theirongolddev/mergemeter/internal/merge"
	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/provider"
	"github.com/theirongolddev/mergemeter/internal/provider/anthropic"
	"github.com/theirongolddev/mergemeter/internal/provider/openai"
	"github.com/theirongolddev/mergemeter/internal/report"
	"github.com/theirongolddev/mergemeter/internal/spool"
	"github.com/theirongolddev/mergemeter/internal/store"
	"github.com/theirongolddev/mergemeter/internal/store/postgres"
	"github.com/theirongolddev/mergemeter/internal/tracker"
)

// ErrUnknownProvider is returned by Provider for names it cannot build.
var ErrUnknownProvider = errors.New("meter: unknown provider")

// Meter is the invocation surface: record, spool, import, finalize, report.
type Meter struct {
	cfg      config.Config
	store    store.Store
	queue    spool.Queue
	pricing  config.PricingTable
	resolver attribution.Resolver
	logger   *zap.Logger

	tracker  *tracker.Tracker
	importer *spool.Importer
	merges   *merge.Aggregator
	reports  *report.Generator
}

// Option customizes a Meter.
type Option func(*Meter)

// WithLogger sets the parent logger for every component.
func WithLogger(l *zap.Logger) Option {
	return func(m *Meter) { m.logger = l }
}

// WithResolver replaces the git-based attribution resolver.
func WithResolver(r attribution.Resolver) Option {
	return func(m *Meter) { m.resolver = r }
}

// WithPricing replaces the pricing table built from cfg.
func WithPricing(p config.PricingTable) Option {
	return func(m *Meter) { m.pricing = p }
}

// Open connects the store and spool selected by cfg.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Meter, error) {
	s, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	q, err := spool.Open(cfg.Spool)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return New(cfg, s, q, opts...), nil
}

// OpenStore opens the ledger backend selected by cfg.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite, "":
		s, err := store.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		s, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// New builds a Meter over an already opened store and queue. The Meter
// takes ownership of both.
func New(cfg config.Config, s store.Store, q spool.Queue, opts ...Option) *Meter {
	m := &Meter{cfg: cfg, store: s, queue: q, pricing: cfg.PricingTable()}
	for _, opt := range opts {
		opt(m)
	}
	if m.resolver == nil {
		m.resolver = attribution.New(cfg.Attribution, m.logger)
	}

	m.tracker = tracker.New(s, m.resolver, tracker.Options{
		WriteTimeout: cfg.Tracker.WriteTimeout.Duration,
		Logger:       m.logger,
	})
	m.importer = spool.NewImporter(q, s, m.logger)
	m.merges = merge.New(s, m.pricing, merge.Options{
		ExcludeClaimed: cfg.Merge.ExcludeClaimed,
		Logger:         m.logger,
	})
	m.reports = report.New(s, m.pricing)
	return m
}

// Close waits briefly for background writes and releases the store and queue.
func (m *Meter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Tracker.WriteTimeout.Duration+time.Second)
	defer cancel()
	if err := m.tracker.Flush(ctx); err != nil {
		logging.Component(m.logger, "meter").Warn("background writes still in flight at close", zap.Error(err))
	}

	var errs []error
	if c, ok := m.queue.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, m.store.Close())
	return errors.Join(errs...)
}

// Pricing returns the table every cost is computed with.
func (m *Meter) Pricing() config.PricingTable { return m.pricing }

// Resolve returns the current attribution context.
func (m *Meter) Resolve(ctx context.Context) attribution.Context {
	return m.resolver.Resolve(ctx)
}

// Record writes one usage record to the ledger, resolving missing attribution.
func (m *Meter) Record(ctx context.Context, r model.UsageRecord) (model.UsageRecord, error) {
	return m.tracker.Record(ctx, r)
}

// Spool stores a usage record for later import. Missing attribution is
// resolved now, where the call happened, not at import time.
func (m *Meter) Spool(ctx context.Context, r model.UsageRecord) (spool.Record, error) {
	if r.PromptTokens < 0 || r.CompletionTokens < 0 {
		return spool.Record{}, model.ErrNegativeTokens
	}
	if r.Branch == "" || r.Commit == "" || r.Actor == "" {
		ac := m.resolver.Resolve(ctx)
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
	return m.queue.Put(ctx, spool.FromUsage(r))
}

// ImportPending moves every pending spool record into the ledger exactly once.
func (m *Meter) ImportPending(ctx context.Context) (spool.Result, error) {
	return m.importer.ImportPending(ctx)
}

// SpoolStats counts spool items by state.
func (m *Meter) SpoolStats(ctx context.Context) (spool.Stats, error) {
	return m.queue.Stats(ctx)
}

// FinalizeMerge creates or returns the summary for a merge commit.
func (m *Meter) FinalizeMerge(ctx context.Context, req merge.Request) (*model.MergeSummary, bool, error) {
	return m.merges.FinalizeMerge(ctx, req)
}

// Report generates the report of the given kind. A zero recent window
// falls back to the configured one.
func (m *Meter) Report(ctx context.Context, kind report.Kind, p report.Params) (any, error) {
	if kind == report.KindRecent && p.Window <= 0 {
		p.Window = m.cfg.Report.RecentWindow.Duration
	}
	return m.reports.Generate(ctx, kind, p)
}

// Reports returns the report generator for callers that need typed reports.
func (m *Meter) Reports() *report.Generator { return m.reports }

// MergeReport reprices a merge summary with the current table.
func (m *Meter) MergeReport(s *model.MergeSummary) *report.MergeReport {
	return m.reports.ForSummary(*s)
}

// Provider returns a metered completion function for the named provider
// using the configured credentials.
func (m *Meter) Provider(name string) (provider.CompleteFunc, error) {
	var (
		p        provider.Provider
		endpoint string
	)
	switch name {
	case config.ProviderOpenAI:
		p, endpoint = openai.New(m.cfg.Providers.OpenAIAPIKey), "chat/completions"
	case config.ProviderAnthropic:
		p, endpoint = anthropic.New(m.cfg.Providers.AnthropicAPIKey), "messages"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return tracker.WrapProvider(m.tracker, endpoint, p), nil
}

// Track meters an arbitrary completion function.
func (m *Meter) Track(endpoint string, call provider.CompleteFunc) provider.CompleteFunc {
	return tracker.Wrap(m.tracker, endpoint, call)
}

// Flush waits for background tracker writes.
func (m *Meter) Flush(ctx context.Context) error {
	return m.tracker.Flush(ctx)
}

// TrackerStats returns background write counters.
func (m *Meter) TrackerStats() tracker.Stats {
	return m.tracker.Stats()
}
