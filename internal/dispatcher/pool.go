package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"shepherd/internal/config"
	"shepherd/internal/domain"
	"shepherd/internal/metrics"
	"shepherd/internal/queue"
)

// Pool runs the configured number of workers per execution domain. All
// workers on this replica share one semaphore sized to the replica's share
// of the safe ceiling, so provider concurrency never exceeds it however many
// domains are configured.
type Pool struct {
	executor     *Executor
	queue        queue.Queue
	domains      map[string]int
	pollInterval time.Duration
	staleAfter   time.Duration
	sem          *semaphore.Weighted
	limiters     map[string]*rate.Limiter
	logger       *slog.Logger
	workerID     string

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc
}

// NewPool builds a pool from the worker settings. Domains with no workers
// are skipped.
func NewPool(exec *Executor, cfg config.WorkerConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		executor:     exec,
		queue:        exec.Queue,
		domains:      map[string]int{},
		pollInterval: cfg.PollInterval(),
		staleAfter:   cfg.StaleAfter(),
		sem:          semaphore.NewWeighted(int64(cfg.LocalCeiling())),
		limiters:     map[string]*rate.Limiter{},
		logger:       logger,
		workerID:     workerID(),
		activeJobs:   map[string]context.CancelFunc{},
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	for name, n := range cfg.Domains {
		if n <= 0 {
			continue
		}
		p.domains[name] = n
		if cfg.RateLimit > 0 {
			burst := cfg.RateBurst
			if burst <= 0 {
				burst = 1
			}
			p.limiters[name] = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		}
	}
	return p
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// WorkerID identifies this replica in job locks.
func (p *Pool) WorkerID() string { return p.workerID }

// Start launches the dequeue loops and the stale-lock reaper.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("dispatcher: pool already running")
	}
	if len(p.domains) == 0 {
		return errors.New("dispatcher: no execution domains configured")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.stopCh = make(chan struct{})
	p.running = true

	names := make([]string, 0, len(p.domains))
	for name := range p.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for i := 0; i < p.domains[name]; i++ {
			p.wg.Add(1)
			go p.dequeueLoop(name, i)
		}
	}
	if p.staleAfter > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}
	p.logger.Info("dispatcher started",
		slog.String("worker_id", p.workerID),
		slog.Any("domains", p.domains),
	)
	return nil
}

// Stop signals the workers and waits for in-flight jobs. When ctx expires
// first, the jobs still running are cancelled; their outcome writes still
// land and anything interrupted is retried.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		p.activeMu.Lock()
		for id, cancel := range p.activeJobs {
			p.logger.Warn("cancelling in-flight job", slog.String("job_id", id))
			cancel()
		}
		p.activeMu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Run starts the pool and blocks until ctx is cancelled, then drains with
// a bounded grace period.
func (p *Pool) Run(ctx context.Context, grace time.Duration) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (p *Pool) dequeueLoop(domainName string, idx int) {
	defer p.wg.Done()
	log := p.logger.With(slog.String("queue", domainName), slog.Int("worker", idx))
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		// The token is taken before the claim so the lock's stale window
		// covers only execution.
		if lim := p.limiters[domainName]; lim != nil {
			if err := lim.Wait(p.ctx); err != nil {
				p.sem.Release(1)
				return
			}
		}
		job, ok, err := p.queue.Claim(p.ctx, domainName, p.workerID)
		if err != nil {
			p.sem.Release(1)
			if p.ctx.Err() != nil {
				return
			}
			log.Error("claim failed", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if !ok {
			p.sem.Release(1)
			p.sleep()
			continue
		}
		p.execute(log, job)
		p.sem.Release(1)
	}
}

func (p *Pool) execute(log *slog.Logger, job domain.Job) {
	jobCtx, cancel := context.WithCancel(context.Background())
	p.activeMu.Lock()
	p.activeJobs[job.ID] = cancel
	p.activeMu.Unlock()
	defer func() {
		p.activeMu.Lock()
		delete(p.activeJobs, job.ID)
		p.activeMu.Unlock()
		cancel()
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", slog.String("job_id", job.ID), slog.Any("panic", r))
			if err := p.queue.Retry(context.Background(), job.ID, p.pollInterval, fmt.Sprintf("panic: %v", r)); err != nil {
				log.Error("requeue after panic failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			}
		}
	}()
	if err := p.executor.Execute(jobCtx, job); err != nil {
		log.Debug("job returned error", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

// sleep waits one poll interval or until the pool stops.
func (p *Pool) sleep() {
	select {
	case <-p.stopCh:
	case <-time.After(p.pollInterval):
	}
}

// reaperLoop returns jobs locked for longer than staleAfter to the queue.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()
	interval := p.staleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.queue.ReapStale(p.ctx, p.staleAfter)
			if err != nil {
				if p.ctx.Err() == nil {
					p.logger.Error("reap stale jobs", slog.String("error", err.Error()))
				}
				continue
			}
			if n > 0 {
				metrics.RecordReaped(n)
				p.logger.Warn("requeued stale jobs", slog.Int64("count", n))
			}
		}
	}
}
