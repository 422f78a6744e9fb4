package inbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/queue"
	"github.com/deemkeen/stegofed/util"
)

// SignatureVerifier establishes the sender of a stored request.
type SignatureVerifier interface {
	Verify(ctx context.Context, req *activitypub.SignedRequest) (*activitypub.Signer, error)
}

// Worker is the single consumer of the inbox queue. Records are processed
// strictly in queue order and removed only once handled or dropped.
type Worker struct {
	queue      *queue.Queue
	verifier   SignatureVerifier
	dispatcher *Dispatcher
	db         *db.DB
	poll       time.Duration
	tracer     trace.Tracer
	log        *zap.SugaredLogger

	// processed is called after each record, for tests.
	processed func(rec *domain.QueuedActivity, err error)
}

func NewWorker(q *queue.Queue, verifier SignatureVerifier, dispatcher *Dispatcher, database *db.DB, poll time.Duration, logger *zap.SugaredLogger) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		queue:      q,
		verifier:   verifier,
		dispatcher: dispatcher,
		db:         database,
		poll:       poll,
		tracer:     otel.Tracer("github.com/deemkeen/stegofed/inbox"),
		log:        util.OrNop(logger),
	}
}

// Run drains the queue until ctx is cancelled. It has the signature of a
// supervised worker.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.log.Infow("Inbox worker: started", "pending", w.queue.Len())
	for {
		for w.Step(ctx) {
		}
		select {
		case <-ctx.Done():
			w.log.Infow("Inbox worker: stopped")
			return ctx.Err()
		case <-w.queue.Notify():
		case <-ticker.C:
		}
	}
}

// Step processes the oldest record. It reports whether one was taken off
// the queue.
func (w *Worker) Step(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	rec, err := w.queue.Peek()
	if errors.Is(err, queue.ErrNotFound) {
		return false
	}
	if err != nil {
		// Peek already dropped the unreadable record
		return true
	}

	err = w.safeProcess(ctx, rec)
	if ctx.Err() != nil {
		// interrupted, the record stays for the next run
		return false
	}
	if err != nil {
		w.log.Infow("Inbox worker: dropped activity", "id", rec.Id, "path", rec.Path, "error", err)
	}
	if removeErr := w.queue.Remove(rec.Id); removeErr != nil {
		w.log.Errorw("Inbox worker: failed to remove record", "id", rec.Id, "error", removeErr)
		return false
	}
	if w.processed != nil {
		w.processed(rec, err)
	}
	return true
}

// safeProcess keeps a panicking record from taking the worker down.
func (w *Worker) safeProcess(ctx context.Context, rec *domain.QueuedActivity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing: %v", r)
		}
	}()
	return w.process(ctx, rec)
}

func (w *Worker) process(ctx context.Context, rec *domain.QueuedActivity) error {
	ctx, span := w.tracer.Start(ctx, "inbox.process", trace.WithAttributes(
		attribute.String("inbox.record", rec.Id),
		attribute.String("inbox.path", rec.Path),
	))
	defer span.End()

	err := w.handle(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *Worker) handle(ctx context.Context, rec *domain.QueuedActivity) error {
	signer, err := w.verifier.Verify(ctx, &activitypub.SignedRequest{
		Method:     http.MethodPost,
		Path:       rec.Path,
		Headers:    rec.Headers,
		Body:       rec.Body,
		ReceivedAt: rec.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("signature rejected: %w", err)
	}

	var activity map[string]any
	if err := json.Unmarshal(rec.Activity, &activity); err != nil {
		return fmt.Errorf("stored activity is invalid: %w", err)
	}
	v := &Verified{Nickname: rec.Nickname, Activity: activity, Raw: rec.Body, Signer: signer}

	if !strings.EqualFold(util.HostOf(v.Actor()), util.HostOf(signer.Owner)) {
		return fmt.Errorf("actor %s was signed for by %s", v.Actor(), signer.Owner)
	}

	if id := v.Id(); id != "" {
		if err, _ := w.db.ReadActivityByURI(id); err == nil {
			w.log.Debugw("Inbox worker: skipping duplicate", "activity", id)
			return nil
		}
	}

	if v.Nickname == "" {
		v.Nickname = w.dispatcher.resolveNickname(activity)
	}

	record, err := w.dispatcher.Dispatch(ctx, v)
	if err != nil {
		return fmt.Errorf("%s handler failed: %w", v.Type(), err)
	}
	if !record || v.Id() == "" {
		return nil
	}
	err = w.db.CreateActivity(&domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  v.Id(),
		ActivityType: v.Type(),
		ActorURI:     v.Actor(),
		ObjectURI:    v.ObjectURI(),
		RawJSON:      string(rec.Activity),
		Processed:    true,
		CreatedAt:    time.Now(),
	})
	if err != nil && !db.IsUniqueViolation(err) {
		w.log.Warnw("Inbox worker: failed to record activity", "activity", v.Id(), "error", err)
	}
	return nil
}
