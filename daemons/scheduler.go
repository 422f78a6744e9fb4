package daemons

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/util"
)

// Scheduler publishes scheduled posts once they are due.
type Scheduler struct {
	db        *db.DB
	publisher Publisher
	interval  time.Duration
	log       *zap.SugaredLogger
	now       func() time.Time
}

func NewScheduler(database *db.DB, publisher Publisher, conf *util.AppConfig, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		db:        database,
		publisher: publisher,
		interval:  conf.Conf.SchedulerInterval,
		log:       util.OrNop(logger),
		now:       time.Now,
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infow("Scheduler: started", "interval", s.interval)
	return every(ctx, s.interval, func(ctx context.Context) { s.RunOnce(ctx) })
}

// RunOnce publishes every post that is due and returns how many went out.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	err, posts := s.db.ReadDueScheduledPosts(s.now(), batchSize)
	if err != nil {
		s.log.Errorw("Scheduler: failed to read scheduled posts", "error", err)
		return 0
	}

	sent := 0
	for _, post := range *posts {
		if ctx.Err() != nil {
			break
		}
		err, acc := s.db.ReadAccById(post.AccountId)
		if err != nil {
			s.log.Warnw("Scheduler: dropping post of missing account", "post", post.Id, "account", post.AccountId)
			s.db.DeleteScheduledPost(post.Id)
			continue
		}
		iri, err := s.publisher.SendRaw(ctx, acc, post.ActivityJSON)
		if err != nil {
			// stays scheduled, retried next tick
			s.log.Errorw("Scheduler: failed to publish", "post", post.Id, "error", err)
			continue
		}
		if err := s.db.DeleteScheduledPost(post.Id); err != nil {
			s.log.Errorw("Scheduler: failed to remove published post", "post", post.Id, "error", err)
		}
		s.log.Infow("Scheduler: published", "account", acc.Nickname, "activity", iri)
		sent++
	}
	return sent
}
