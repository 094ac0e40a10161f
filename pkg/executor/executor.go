// Package executor runs capabilities: it authorizes, validates, admits,
// guards and supervises each execution, then emits a signed receipt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warrant/pkg/canonicalize"
	"github.com/Mindburn-Labs/warrant/pkg/capability"
	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/delegation"
	"github.com/Mindburn-Labs/warrant/pkg/effect"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
	"github.com/Mindburn-Labs/warrant/pkg/guard"
	"github.com/Mindburn-Labs/warrant/pkg/observability"
	"github.com/Mindburn-Labs/warrant/pkg/receipt"
	"github.com/Mindburn-Labs/warrant/pkg/session"
)

// DefaultTimeout applies to capabilities that declare none.
const DefaultTimeout = 30 * time.Second

// Executor runs capabilities from a sealed or open registry.
type Executor struct {
	registry  *capability.Registry
	chain     *receipt.Chain
	verifier  *delegation.Verifier
	keys      crypto.KeyProvider
	locks     *effect.LockTable
	observer  *guard.Observer
	sink      receipt.Sink
	telemetry *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
	newID     func() string
	timeout   time.Duration
	wait      bool

	mu     sync.Mutex
	active map[string]*session.Session
}

// Option configures an Executor.
type Option func(*Executor)

// WithVerifier enables delegated execution. Without one, any request that
// needs a certificate chain is rejected.
func WithVerifier(v *delegation.Verifier) Option {
	return func(e *Executor) {
		e.verifier = v
		if e.keys == nil {
			e.keys = v.Keys
		}
	}
}

// WithTokenKeys sets the keys used to decode delegation tokens. It
// defaults to the verifier's keys.
func WithTokenKeys(k crypto.KeyProvider) Option { return func(e *Executor) { e.keys = k } }

// WithSink sets where receipts go.
func WithSink(s receipt.Sink) Option { return func(e *Executor) { e.sink = s } }

// WithObserver sets the guard snapshot source.
func WithObserver(o *guard.Observer) Option { return func(e *Executor) { e.observer = o } }

// WithLockTable shares a lock table between executors.
func WithLockTable(t *effect.LockTable) Option { return func(e *Executor) { e.locks = t } }

// WithTelemetry records spans and metrics per execution.
func WithTelemetry(p *observability.Provider) Option { return func(e *Executor) { e.telemetry = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithClock sets the wall clock.
func WithClock(c func() time.Time) Option { return func(e *Executor) { e.clock = c } }

// WithIDs sets the id generator for executions and sessions.
func WithIDs(f func() string) Option { return func(e *Executor) { e.newID = f } }

// WithDefaultTimeout overrides DefaultTimeout. Zero disables it.
func WithDefaultTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

// WithAdmissionWait makes conflicting executions queue for their
// resources instead of failing with IsolationConflict.
func WithAdmissionWait(wait bool) Option { return func(e *Executor) { e.wait = wait } }

// New creates an executor whose receipts are sealed into chain.
func New(registry *capability.Registry, chain *receipt.Chain, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		chain:    chain,
		locks:    effect.NewLockTable(),
		logger:   slog.Default().With("component", "executor"),
		clock:    time.Now,
		newID:    uuid.NewString,
		timeout:  DefaultTimeout,
		active:   make(map[string]*session.Session),
	}
	for _, o := range opts {
		o(e)
	}
	if e.observer == nil {
		e.observer = &guard.Observer{FS: guard.OSFileSystem{}, Registry: registry}
	}
	if e.observer.Clock == nil {
		e.observer.Clock = e.clock
	}
	return e
}

// Registry returns the capability registry.
func (e *Executor) Registry() *capability.Registry { return e.registry }

// Locks returns the admission lock table.
func (e *Executor) Locks() *effect.LockTable { return e.locks }

// Execute runs req to completion. The returned Response is never nil;
// the error is its Err when the execution did not succeed.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	return e.execute(ctx, req, e.wait)
}

func (e *Executor) execute(ctx context.Context, req Request, wait bool) (resp *Response, err error) {
	resp = &Response{ExecutionID: e.newID()}
	log := e.logger.With("execution_id", resp.ExecutionID, "capability_id", req.CapabilityID)

	defer func() {
		if resp.Err != nil {
			err = resp.Err
		}
	}()

	c, ok := e.registry.Lookup(req.CapabilityID)
	if !ok {
		resp.Err = errorir.New(errorir.KindNotFound, "capability %q is not registered", req.CapabilityID).
			WithCapability(req.CapabilityID).WithField("/capability_id")
		log.InfoContext(ctx, "execution rejected", "kind", resp.Err.Kind)
		return resp, nil
	}

	ctx, finish := e.telemetry.TrackOperation(ctx, "execute "+c.ID,
		observability.ExecutionAttrs(c.ID, c.Effects.Isolation.String())...)
	defer func() {
		if resp.Err != nil {
			finish(resp.Err)
		} else {
			finish(nil)
		}
	}()
	observability.Annotate(ctx, observability.AttrExecutionID.String(resp.ExecutionID))

	if err := e.admitRequest(&req, c); err != nil {
		resp.Err = classify(err, c.ID)
		log.InfoContext(ctx, "execution rejected", "kind", resp.Err.Kind, "error", resp.Err)
		return resp, nil
	}

	sess := session.New(c.ID, session.WithClock(e.clock), session.WithID(e.newID()))
	resp.SessionID = sess.ID()
	e.track(resp.ExecutionID, sess)
	defer e.untrack(resp.ExecutionID)

	output, runErr := e.run(ctx, c, req, resp.ExecutionID, sess, wait)
	if runErr == nil {
		resp.Output = output
	}
	resp.Frames = sess.Frames()

	var terminal error
	if se := sess.Err(); se != nil {
		resp.Err = se
	} else if runErr != nil {
		resp.Err = classify(runErr, c.ID)
	}
	if resp.Err != nil {
		terminal = resp.Err
	}

	r, err := e.seal(c, req, resp.ExecutionID, sess, output, terminal)
	if err != nil {
		log.ErrorContext(ctx, "receipt sealing failed", "error", err)
		resp.Err = errorir.New(errorir.KindInternal, "receipt could not be sealed").WithCause(err).WithCapability(c.ID)
		return resp, nil
	}
	resp.Receipt = &r

	if e.sink != nil {
		if err := e.sink.Append(context.WithoutCancel(ctx), r); err != nil {
			resp.AuditErr = err
			log.ErrorContext(ctx, "receipt sink failed", "sequence", r.Sequence, "error", err)
		}
	}

	log.InfoContext(ctx, "execution finished",
		"status", r.Outcome.Status,
		"duration_ms", r.DurationMs,
		"frames", r.FrameCount,
		"sequence", r.Sequence,
	)
	return resp, nil
}

// admitRequest authorizes delegation and validates input. Nothing has
// run yet when it fails.
func (e *Executor) admitRequest(req *Request, c *capability.Capability) error {
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	if req.delegated() {
		grant, err := e.authorize(*req)
		if err != nil {
			return err
		}
		if req.OnBehalfOf == "" {
			req.OnBehalfOf = grant.Principal
		}
	}
	return e.registry.ValidateInput(c.ID, req.Parameters)
}

func (e *Executor) authorize(req Request) (*delegation.Grant, error) {
	if e.verifier == nil {
		return nil, errorir.New(errorir.KindAuthorization, "delegated execution is not enabled").
			WithField("/certificate_chain")
	}
	chain := req.CertificateChain
	if len(req.DelegationTokens) > 0 {
		if len(chain) > 0 {
			return nil, errorir.New(errorir.KindValidation, "certificate_chain and delegation_tokens are mutually exclusive").
				WithField("/delegation_tokens")
		}
		decoded, err := delegation.DecodeChain(req.DelegationTokens, e.keys)
		if err != nil {
			return nil, err
		}
		chain = decoded
	}
	grant, err := e.verifier.Verify(chain, req.Requester, req.CapabilityID, req.Parameters)
	if err != nil {
		return nil, err
	}
	if req.OnBehalfOf != "" && grant.Principal != req.OnBehalfOf {
		return nil, errorir.New(errorir.KindAuthorization,
			"chain grants authority of %q, not %q", grant.Principal, req.OnBehalfOf).
			WithField("/on_behalf_of").WithRequires("principal")
	}
	return grant, nil
}

// run drives the session to a terminal state. The session's error, if
// any, is the outcome; the returned error only says whether output is
// usable.
func (e *Executor) run(ctx context.Context, c *capability.Capability, req Request, execID string, sess *session.Session, wait bool) (any, error) {
	bound := c.Effects.Bind(req.Parameters)

	var (
		release func()
		err     error
	)
	if wait {
		release, err = e.locks.Acquire(ctx, execID, bound)
	} else {
		release, err = e.locks.TryAcquire(execID, bound)
	}
	if err != nil {
		return nil, e.abort(sess, c.ID, err)
	}

	snap, err := e.observer.Observe(c.Guards, req.Parameters)
	if err == nil {
		err = guard.Evaluate(c.Guards, snap)
	}
	if err != nil {
		release()
		return nil, e.abort(sess, c.ID, err)
	}

	if err := sess.Start(); err != nil {
		release()
		return nil, err
	}

	timeout := c.Effects.Timeout
	if timeout == 0 {
		timeout = e.timeout
	}
	runCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	cl := &call{executionID: execID, req: req, params: req.Parameters, sess: sess}

	go func() {
		defer release()
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: errorir.New(errorir.KindExecution, "handler panicked: %v", p)}
			}
		}()
		out, err := c.Handler.Handle(runCtx, cl)
		done <- result{out: out, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-runCtx.Done():
		select {
		case res = <-done:
		default:
			if ctx.Err() != nil {
				_ = sess.Cancel("caller cancelled the execution")
				return nil, ctx.Err()
			}
			terr := errorir.New(errorir.KindTimeoutExceeded, "execution exceeded %s", timeout).
				WithCapability(c.ID)
			_ = sess.Fail(terr)
			sess.RequestCancel()
			return nil, terr
		}
	}

	if sess.State().Terminal() {
		// Cancelled at a yield boundary.
		return nil, sess.Err()
	}
	if res.err != nil {
		if errors.Is(res.err, session.ErrCancelled) {
			_ = sess.Cancel("cancelled")
			return nil, res.err
		}
		_ = sess.Fail(res.err)
		return nil, res.err
	}
	if err := e.registry.ValidateOutput(c.ID, res.out); err != nil {
		_ = sess.Fail(err)
		return nil, err
	}
	if err := sess.Complete(); err != nil {
		return nil, err
	}
	return res.out, nil
}

// abort ends a session that never started.
func (e *Executor) abort(sess *session.Session, capID string, err error) error {
	ce := classify(err, capID)
	_ = sess.Fail(ce)
	return ce
}

func (e *Executor) seal(c *capability.Capability, req Request, execID string, sess *session.Session, output any, terminal error) (receipt.Receipt, error) {
	view := sess.Snapshot()
	start := view.StartedAt
	if start.IsZero() {
		start = view.CreatedAt
	}
	end := view.EndedAt
	if end.IsZero() {
		end = e.clock().UTC()
	}

	argsHash, err := canonicalize.CanonicalHash(req.Parameters)
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("hash parameters: %w", err)
	}
	r := receipt.Receipt{
		ExecutionID:  execID,
		SessionID:    sess.ID(),
		CapabilityID: c.ID,
		Requester:    req.Requester,
		OnBehalfOf:   req.OnBehalfOf,
		StartedAt:    start,
		EndedAt:      end,
		DurationMs:   end.Sub(start).Milliseconds(),
		Outcome:      receipt.OutcomeFrom(terminal),
		ArgsHash:     argsHash,
		FrameCount:   view.FrameCount,
	}
	if terminal == nil && output != nil {
		if r.OutputHash, err = canonicalize.CanonicalHash(output); err != nil {
			return receipt.Receipt{}, fmt.Errorf("hash output: %w", err)
		}
	}
	return e.chain.Seal(r)
}

// Cancel requests cooperative cancellation of a running execution. It
// reports whether the execution was found.
func (e *Executor) Cancel(executionID string) bool {
	e.mu.Lock()
	sess, ok := e.active[executionID]
	e.mu.Unlock()
	if ok {
		sess.RequestCancel()
	}
	return ok
}

// Active returns views of executions in flight, keyed by execution id.
func (e *Executor) Active() map[string]session.View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]session.View, len(e.active))
	for id, s := range e.active {
		out[id] = s.Snapshot()
	}
	return out
}

func (e *Executor) track(id string, s *session.Session) {
	e.mu.Lock()
	e.active[id] = s
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

func classify(err error, capID string) *errorir.Error {
	ce := errorir.From(err)
	if ce.CapabilityID == "" {
		ce.CapabilityID = capID
	}
	return ce
}
