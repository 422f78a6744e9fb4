// Package watchdog keeps long-running workers alive: each worker is paired
// with a monitor that restarts it from its original configuration when it
// dies.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/metrics"
	"github.com/deemkeen/stegofed/util"
)

// maxBackoff caps the delay between crash restarts.
const maxBackoff = 5 * time.Minute

// Worker is a long-running task. It should return only when ctx is done;
// any other return, or a panic, counts as a crash.
type Worker func(ctx context.Context) error

// Supervisor runs one Worker under a polling monitor.
type Supervisor struct {
	name     string
	worker   Worker
	interval time.Duration
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	startedAt   time.Time
	restarts    int
	consecutive int
	restartReq  chan struct{}
}

// New builds a supervisor polling every interval.
func New(name string, interval time.Duration, worker Worker, m *metrics.Metrics, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		name:       name,
		worker:     worker,
		interval:   interval,
		metrics:    m,
		log:        util.OrNop(logger),
		restartReq: make(chan struct{}, 1),
	}
}

func (s *Supervisor) Name() string {
	return s.name
}

// Run starts the worker and monitors it until ctx is done. It blocks.
func (s *Supervisor) Run(ctx context.Context) error {
	s.launch(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.terminate()
			return nil
		case <-s.restartReq:
			s.log.Infow("Watchdog: restart requested", "worker", s.name)
			s.terminate()
			s.record(false)
			s.launch(ctx)
		case <-ticker.C:
			if s.Alive() {
				continue
			}
			delay := s.record(true)
			s.log.Warnw("Watchdog: worker died, restarting", "worker", s.name, "restarts", s.Restarts(), "backoff", delay)
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
			s.launch(ctx)
		}
	}
}

// Restart asks the monitor to replace the running worker now.
func (s *Supervisor) Restart() {
	select {
	case s.restartReq <- struct{}{}:
	default:
	}
}

// Alive reports whether the worker goroutine is running.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// record counts a restart and returns the backoff to apply. A run that
// lasted more than five poll intervals resets the backoff.
func (s *Supervisor) record(crashed bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	s.metrics.WatchdogRestart(s.name)
	if !crashed {
		s.consecutive = 0
		return 0
	}
	if time.Since(s.startedAt) > 5*s.interval {
		s.consecutive = 0
	}
	s.consecutive++
	return backoff(s.interval/4, s.consecutive)
}

func backoff(base time.Duration, consecutive int) time.Duration {
	if consecutive <= 1 || base <= 0 {
		return 0
	}
	delay := base
	for i := 2; i < consecutive; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func (s *Supervisor) launch(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.startedAt = time.Now()
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Errorw("Watchdog: worker panicked", "worker", s.name, "panic", fmt.Sprint(rec))
			}
		}()
		if err := s.worker(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorw("Watchdog: worker exited", "worker", s.name, "error", err)
		}
	}()
}

// terminate cancels the current worker and waits for it to exit.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Group runs several supervisors and stops them together.
type Group struct {
	supervisors []*Supervisor
}

func (g *Group) Add(s *Supervisor) {
	g.supervisors = append(g.supervisors, s)
}

func (g *Group) Supervisors() []*Supervisor {
	return g.supervisors
}

// Run blocks until ctx is done and every supervisor has stopped.
func (g *Group) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, s := range g.supervisors {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}
	wg.Wait()
	return nil
}
