package spool

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/theirongolddev/mergemeter/internal/logging"
	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/store"
)

// Ledger is the write side of the usage store.
type Ledger interface {
	InsertUsage(ctx context.Context, r *model.UsageRecord) error
}

// Result counts the outcome of one import pass. Duplicates are records the
// ledger already held; they are acked, not inserted again.
type Result struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Add accumulates another pass into r.
func (r *Result) Add(o Result) {
	r.Imported += o.Imported
	r.Duplicates += o.Duplicates
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// Importer moves pending spool records into the ledger.
type Importer struct {
	queue  Queue
	ledger Ledger
	logger *zap.Logger
}

// NewImporter returns an importer from queue to ledger.
func NewImporter(queue Queue, ledger Ledger, logger *zap.Logger) *Importer {
	return &Importer{queue: queue, ledger: ledger, logger: logging.Component(logger, "spool")}
}

// ImportPending imports every pending record. Malformed records are
// rejected and counted; a failing record stays pending for the next pass.
// Only a failure to list the queue is returned as an error.
func (im *Importer) ImportPending(ctx context.Context) (Result, error) {
	var res Result

	items, err := im.queue.Pending(ctx)
	if err != nil {
		return res, err
	}

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		im.importOne(ctx, it, &res)
	}

	if res.Skipped > 0 || res.Errors > 0 {
		im.logger.Info("spool import finished with problems",
			zap.Int("imported", res.Imported),
			zap.Int("skipped", res.Skipped),
			zap.Int("errors", res.Errors),
		)
	}
	return res, nil
}

func (im *Importer) importOne(ctx context.Context, it Item, res *Result) {
	log := im.logger.With(zap.String("id", it.ID))

	invalid := it.Err
	if invalid == nil {
		switch {
		case it.Record.ID == "":
			// Writers may leave the id out; the file name or key carries it.
			it.Record.ID = it.ID
		case it.Record.ID != it.ID:
			invalid = errors.Join(ErrMalformed, errors.New("record id does not match its key"))
		}
	}
	if invalid == nil {
		invalid = it.Record.Validate()
	}
	if invalid != nil {
		res.Skipped++
		log.Warn("skipping malformed spool record", zap.Error(invalid))
		if err := im.queue.Reject(ctx, it, invalid.Error()); err != nil {
			log.Warn("could not quarantine spool record", zap.Error(err))
		}
		return
	}

	u := it.Record.UsageRecord()
	err := im.ledger.InsertUsage(ctx, &u)
	duplicate := errors.Is(err, store.ErrDuplicate)
	switch {
	case duplicate:
	case errors.Is(err, model.ErrNegativeTokens):
		res.Skipped++
		log.Warn("skipping spool record the ledger refused", zap.Error(err))
		if rerr := im.queue.Reject(ctx, it, err.Error()); rerr != nil {
			log.Warn("could not quarantine spool record", zap.Error(rerr))
		}
		return
	case err != nil:
		res.Errors++
		log.Warn("ledger write failed, leaving record pending", zap.Error(err))
		return
	}

	if err := im.queue.Ack(ctx, it); err != nil {
		// The ledger holds the row; the next pass sees a duplicate and acks.
		res.Errors++
		log.Warn("could not mark spool record consumed", zap.Error(err))
		return
	}
	if duplicate {
		res.Duplicates++
	} else {
		res.Imported++
	}
}
