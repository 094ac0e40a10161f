package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

// ErrPoolClosed is returned for work submitted after Close.
var ErrPoolClosed = errors.New("executor: pool closed")

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers int
	// QueueSize bounds pending submissions; defaults to Workers.
	QueueSize int
	// AgentRPS limits submissions per requester. Zero is unlimited.
	AgentRPS   float64
	AgentBurst int
}

// Result is delivered once per submission.
type Result struct {
	Response *Response
	Err      error
}

type job struct {
	ctx context.Context
	req Request
	out chan Result
}

// Pool runs executions on a fixed set of workers. Workers queue for
// resource locks, so conflicting Exclusive executions serialize instead
// of failing.
type Pool struct {
	exec    *Executor
	jobs    chan job
	workers int
	limit   rate.Limit
	burst   int
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// NewPool starts cfg.Workers workers over exec.
func NewPool(exec *Executor, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.AgentBurst <= 0 {
		cfg.AgentBurst = 1
	}
	p := &Pool{
		exec:     exec,
		jobs:     make(chan job, cfg.QueueSize),
		workers:  cfg.Workers,
		limit:    rate.Inf,
		burst:    cfg.AgentBurst,
		logger:   exec.logger.With("component", "pool"),
		limiters: make(map[string]*rate.Limiter),
	}
	if cfg.AgentRPS > 0 {
		p.limit = rate.Limit(cfg.AgentRPS)
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	p.logger.Info("pool started", "workers", cfg.Workers, "agent_rps", cfg.AgentRPS)
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := j.ctx.Err(); err != nil {
			j.out <- Result{Err: errorir.From(err)}
			continue
		}
		resp, err := p.exec.execute(j.ctx, j.req, true)
		j.out <- Result{Response: resp, Err: err}
	}
}

func (p *Pool) limiter(agent string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[agent]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[agent] = l
	}
	return l
}

// admit applies the requester's rate limit.
func (p *Pool) admit(req Request) error {
	if p.limit == rate.Inf {
		return nil
	}
	r := p.limiter(req.Requester).Reserve()
	if !r.OK() {
		return errorir.New(errorir.KindRateLimited, "requester %q exceeds its burst", req.Requester)
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return errorir.New(errorir.KindRateLimited, "requester %q exceeded %.3g executions/s", req.Requester, float64(p.limit)).
			WithCapability(req.CapabilityID).
			WithRetryAfter(d.Round(time.Millisecond))
	}
	return nil
}

// Submit queues req. The channel receives exactly one Result.
func (p *Pool) Submit(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	if err := p.admit(req); err != nil {
		p.logger.InfoContext(ctx, "submission rate limited", "requester", req.Requester, "capability_id", req.CapabilityID)
		out <- Result{Err: err}
		return out
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		out <- Result{Err: ErrPoolClosed}
		return out
	}
	select {
	case p.jobs <- job{ctx: ctx, req: req, out: out}:
	case <-ctx.Done():
		out <- Result{Err: errorir.From(ctx.Err())}
	}
	return out
}

// Execute submits req and waits for it.
func (p *Pool) Execute(ctx context.Context, req Request) (*Response, error) {
	select {
	case res := <-p.Submit(ctx, req):
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, errorir.From(ctx.Err())
	}
}

// RunBatch executes reqs concurrently and returns responses in request
// order. A failed execution does not stop the batch; only context
// cancellation does.
func (p *Pool) RunBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := p.Execute(gctx, req)
			results[i] = Result{Response: resp, Err: err}
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Close stops accepting work and waits for queued executions to finish.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.closeMu.Unlock()
	p.wg.Wait()
}
