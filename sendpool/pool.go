// Package sendpool runs outbound delivery jobs on a fixed ring of slots per
// account, so one slow peer can never pin more than one slot.
package sendpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/metrics"
	"github.com/deemkeen/stegofed/util"
)

// Job is one delivery. soft is cancelled when the job's slot is reused and
// the job should stop at the next opportunity; hard is cancelled once the
// grace period has passed and must abort any I/O in progress.
type Job func(soft, hard context.Context)

type slot struct {
	softCancel context.CancelFunc
	hardCancel context.CancelFunc
	done       chan struct{}
}

func (s *slot) alive() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

type ring struct {
	mu    sync.Mutex
	slots []*slot
	last  int
}

// Pool owns one ring per account key.
type Pool struct {
	size    int
	grace   time.Duration
	base    context.Context
	stop    context.CancelFunc
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	mu    sync.Mutex
	rings map[string]*ring
	wg    sync.WaitGroup
}

// New creates a pool with size slots per account.
func New(size int, grace time.Duration, m *metrics.Metrics, logger *zap.SugaredLogger) *Pool {
	if size <= 0 {
		size = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Pool{
		size:    size,
		grace:   grace,
		base:    base,
		stop:    stop,
		metrics: m,
		log:     util.OrNop(logger),
		rings:   map[string]*ring{},
	}
}

func (p *Pool) ringFor(account string) *ring {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rings[account]
	if !ok {
		// start so that the first job lands in slot 0
		r = &ring{slots: make([]*slot, p.size), last: p.size - 1}
		p.rings[account] = r
	}
	return r
}

// Size is the number of slots per account.
func (p *Pool) Size() int {
	return p.size
}

// Submit claims the account's next slot for job and returns its index
// without blocking. A live previous occupant of that slot is cancelled and
// waited for on the job's own goroutine before job runs, so a slot never
// holds two running jobs. A job whose slot is reclaimed before it starts
// never runs.
func (p *Pool) Submit(account string, job Job) int {
	r := p.ringFor(account)
	r.mu.Lock()
	index := (r.last + 1) % p.size
	prev := r.slots[index]
	soft, softCancel := context.WithCancel(p.base)
	hard, hardCancel := context.WithCancel(p.base)
	s := &slot{softCancel: softCancel, hardCancel: hardCancel, done: make(chan struct{})}
	r.slots[index] = s
	r.last = index
	r.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(s.done)
		defer softCancel()
		defer hardCancel()
		defer func() {
			if rec := recover(); rec != nil {
				p.log.Errorw("SendPool: job panicked", "account", account, "slot", index, "panic", rec)
			}
		}()
		if prev.alive() {
			p.evict(account, index, prev)
		}
		if soft.Err() != nil {
			p.log.Debugw("SendPool: job dropped before start", "account", account, "slot", index)
			return
		}
		job(soft, hard)
	}()
	return index
}

// evict stops a live occupant: soft cancel, wait out the grace period, then
// hard cancel and wait for it to exit.
func (p *Pool) evict(account string, index int, old *slot) {
	old.softCancel()
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-old.done:
		p.metrics.SlotEviction("soft")
		p.log.Debugw("SendPool: slot reclaimed", "account", account, "slot", index)
		return
	case <-timer.C:
	}

	old.hardCancel()
	<-old.done
	p.metrics.SlotEviction("hard")
	p.log.Infow("SendPool: terminated stuck delivery", "account", account, "slot", index)
}

// Live counts the running jobs of account.
func (p *Pool) Live(account string) int {
	r := p.ringFor(account)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.alive() {
			n++
		}
	}
	return n
}

// Alive reports whether slot index of account holds a running job.
func (p *Pool) Alive(account string, index int) bool {
	r := p.ringFor(account)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[index].alive()
}

// Shutdown hard-cancels every job and waits for them, or for ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stop()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
