package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/warrant/pkg/consensus"
	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
	"github.com/Mindburn-Labs/warrant/pkg/executor"
	"github.com/Mindburn-Labs/warrant/pkg/store"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 1 << 20

// Server serves the HTTP API over an executor.
type Server struct {
	exec     *executor.Executor
	pool     *executor.Pool
	receipts store.ReceiptStore
	rounds   store.ConsensusStore
	keys     crypto.KeyProvider
	ring     *crypto.KeyRing
	votes    VoteCollector
	idem     IdempotencyStore
	limiter  *RateLimiter
	logger   *slog.Logger
	clock    func() time.Time
	version  string
}

// VoteCollector gathers votes for a round out of band.
type VoteCollector interface {
	Submit(ctx context.Context, round string, v consensus.Vote) error
	Close(ctx context.Context, round string) (consensus.Result, []consensus.Vote, error)
}

// Option configures a Server.
type Option func(*Server)

// WithPool routes executions through p instead of calling the executor
// directly, so conflicting requests queue rather than fail.
func WithPool(p *executor.Pool) Option { return func(s *Server) { s.pool = p } }

// WithReceipts enables receipt lookup and listing.
func WithReceipts(st store.ReceiptStore) Option { return func(s *Server) { s.receipts = st } }

// WithRounds persists consensus rounds that carry a round_id.
func WithRounds(st store.ConsensusStore) Option { return func(s *Server) { s.rounds = st } }

// WithKeys sets the keys receipt verification uses.
func WithKeys(k crypto.KeyProvider) Option { return func(s *Server) { s.keys = k } }

// WithKeyAdmin exposes ring under /v1/keys so trusted keys can be added
// and revoked at runtime.
func WithKeyAdmin(ring *crypto.KeyRing) Option { return func(s *Server) { s.ring = ring } }

// WithVoteCollector enables round-based vote submission.
func WithVoteCollector(c VoteCollector) Option { return func(s *Server) { s.votes = c } }

// WithIdempotency makes execute and consensus POSTs carrying an
// Idempotency-Key replay their first response.
func WithIdempotency(st IdempotencyStore) Option { return func(s *Server) { s.idem = st } }

// WithRateLimiter limits requests per client IP.
func WithRateLimiter(rl *RateLimiter) Option { return func(s *Server) { s.limiter = rl } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithClock sets the clock stamped on responses.
func WithClock(c func() time.Time) Option { return func(s *Server) { s.clock = c } }

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// New creates a server.
func New(exec *executor.Executor, opts ...Option) *Server {
	s := &Server{
		exec:    exec,
		logger:  slog.Default().With("component", "api"),
		clock:   time.Now,
		version: "dev",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.logger))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/health", s.health)

	once := func(next http.Handler) http.Handler { return next }
	if s.idem != nil {
		once = idempotency(s.idem, s.logger)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/capabilities", func(r chi.Router) {
			r.Get("/", s.listCapabilities)
			r.Get("/{id}", s.describeCapability)
		})
		r.With(once).Post("/execute", s.execute)
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.activeExecutions)
			r.Post("/{id}/cancel", s.cancelExecution)
		})
		r.Route("/consensus", func(r chi.Router) {
			r.With(once).Post("/", s.consensus)
			r.With(once).Post("/rounds/{round}/votes", s.submitVote)
			r.Post("/rounds/{round}/close", s.closeRound)
		})
		r.Route("/receipts", func(r chi.Router) {
			r.Get("/", s.listReceipts)
			r.Post("/verify", s.verifyReceipts)
			r.Get("/{id}", s.getReceipt)
		})
		if s.ring != nil {
			r.Route("/keys", func(r chi.Router) {
				r.Get("/", s.listKeys)
				r.Post("/", s.addKey)
				r.Delete("/{agent}", s.revokeKey)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "", "no route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		e := errorir.New(errorir.KindValidation, "method %s not allowed on %s", r.Method, r.URL.Path).
			WithCode(errorir.CodeInvalidRequest)
		writeEnvelope(w, http.StatusMethodNotAllowed, errorEnvelope(e, s.clock()))
	})
	return r
}
