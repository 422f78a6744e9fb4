// Package queue is the durable inbox queue: one JSON file per admitted
// activity plus an ordered in-memory index of the files.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

const fileExt = ".json"

var (
	ErrQueueFull = errors.New("inbox queue is full")
	ErrNotFound  = errors.New("queued activity not found")
)

// Queue keeps the index and the directory in step: an id is in the index
// if and only if its file exists.
type Queue struct {
	dir string
	max int
	log *zap.SugaredLogger
	now func() time.Time

	mu        sync.Mutex
	index     []string
	lastNanos int64
	notify    chan struct{}
}

// Open creates dir if needed and indexes the records already in it.
func Open(dir string, max int, logger *zap.SugaredLogger) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	q := &Queue{
		dir:    dir,
		max:    max,
		log:    util.OrNop(logger),
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		q.index = append(q.index, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(q.index)
	if len(q.index) > 0 {
		q.log.Infow("Queue: recovered queued activities", "count", len(q.index))
		q.signal()
	}
	return q, nil
}

func (q *Queue) Max() int {
	return q.max
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Full reports whether the next Enqueue would be refused.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index) >= q.max
}

// Notify fires after an Enqueue. It is buffered, so consumers must re-check
// Len rather than count signals.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// nextId returns a name that sorts after every earlier one:
// zero padded unix nanos, an xid, then the sender's domain.
func (q *Queue) nextId(domainName string) string {
	nanos := q.now().UnixNano()
	if nanos <= q.lastNanos {
		nanos = q.lastNanos + 1
	}
	q.lastNanos = nanos
	return fmt.Sprintf("%020d_%s_%s", nanos, xid.New().String(), sanitize(domainName))
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// Enqueue persists rec and appends it to the index. rec.Id is assigned here.
func (q *Queue) Enqueue(rec *domain.QueuedActivity, domainName string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.index) >= q.max {
		return "", ErrQueueFull
	}

	rec.Id = q.nextId(domainName)
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode queued activity: %w", err)
	}
	if err := renameio.WriteFile(q.path(rec.Id), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write queued activity: %w", err)
	}
	q.index = append(q.index, rec.Id)
	q.signal()
	return rec.Id, nil
}

func (q *Queue) path(id string) string {
	return filepath.Join(q.dir, id+fileExt)
}

// Peek returns the oldest record without removing it.
func (q *Queue) Peek() (*domain.QueuedActivity, error) {
	q.mu.Lock()
	if len(q.index) == 0 {
		q.mu.Unlock()
		return nil, ErrNotFound
	}
	id := q.index[0]
	q.mu.Unlock()

	rec, err := q.Load(id)
	if errors.Is(err, os.ErrNotExist) {
		// cleared underneath us
		q.dropFromIndex(id)
		return nil, ErrNotFound
	}
	if err != nil {
		// an undecodable record would otherwise block the queue forever
		q.log.Warnw("Queue: dropping unreadable record", "id", id, "error", err)
		q.Remove(id)
		return nil, err
	}
	return rec, nil
}

// Load reads one record from disk.
func (q *Queue) Load(id string) (*domain.QueuedActivity, error) {
	data, err := os.ReadFile(q.path(id))
	if err != nil {
		return nil, err
	}
	var rec domain.QueuedActivity
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode queued activity %s: %w", id, err)
	}
	rec.Id = id
	return &rec, nil
}

// Remove deletes the record file and its index entry. Removing an id that
// is already gone is not an error.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.Remove(q.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	q.removeLocked(id)
	return nil
}

func (q *Queue) dropFromIndex(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
}

func (q *Queue) removeLocked(id string) {
	for i, existing := range q.index {
		if existing == id {
			q.index = append(q.index[:i], q.index[i+1:]...)
			return
		}
	}
}

// Clear discards every queued record and returns how many were dropped.
func (q *Queue) Clear() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var firstErr error
	kept := q.index[:0]
	dropped := 0
	for _, id := range q.index {
		if err := os.Remove(q.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = err
			}
			kept = append(kept, id)
			continue
		}
		dropped++
	}
	q.index = kept
	return dropped, firstErr
}

// Ids returns a copy of the index in processing order.
func (q *Queue) Ids() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.index...)
}
