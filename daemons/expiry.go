package daemons

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/util"
)

// ShareExpiry withdraws offered shares whose end time has passed.
type ShareExpiry struct {
	db        *db.DB
	publisher Publisher
	interval  time.Duration
	log       *zap.SugaredLogger
	now       func() time.Time
}

func NewShareExpiry(database *db.DB, publisher Publisher, conf *util.AppConfig, logger *zap.SugaredLogger) *ShareExpiry {
	return &ShareExpiry{
		db:        database,
		publisher: publisher,
		interval:  conf.Conf.ShareExpiry,
		log:       util.OrNop(logger),
		now:       time.Now,
	}
}

func (e *ShareExpiry) Run(ctx context.Context) error {
	e.log.Infow("ShareExpiry: started", "interval", e.interval)
	return every(ctx, e.interval, func(ctx context.Context) { e.RunOnce(ctx) })
}

// RunOnce removes expired shares and federates a Delete for each.
func (e *ShareExpiry) RunOnce(ctx context.Context) int {
	err, shares := e.db.ReadExpiredShares(e.now(), batchSize)
	if err != nil {
		e.log.Errorw("ShareExpiry: failed to read shares", "error", err)
		return 0
	}

	expired := 0
	for _, share := range *shares {
		if ctx.Err() != nil {
			break
		}
		if err, acc := e.db.ReadAccById(share.AccountId); err == nil {
			if _, err := e.publisher.SendDelete(ctx, acc, share.ObjectURI); err != nil {
				e.log.Errorw("ShareExpiry: failed to federate Delete", "share", share.ObjectURI, "error", err)
				continue
			}
		}
		if err := e.db.DeleteShare(share.Id); err != nil {
			e.log.Errorw("ShareExpiry: failed to delete share", "share", share.Id, "error", err)
			continue
		}
		e.log.Infow("ShareExpiry: share expired", "share", share.ObjectURI, "name", share.Name)
		expired++
	}
	return expired
}
