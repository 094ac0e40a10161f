package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/api"
	"github.com/Mindburn-Labs/warrant/pkg/archive"
	"github.com/Mindburn-Labs/warrant/pkg/builtin"
	"github.com/Mindburn-Labs/warrant/pkg/capability"
	"github.com/Mindburn-Labs/warrant/pkg/config"
	"github.com/Mindburn-Labs/warrant/pkg/consensus"
	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/delegation"
	"github.com/Mindburn-Labs/warrant/pkg/executor"
	"github.com/Mindburn-Labs/warrant/pkg/observability"
	"github.com/Mindburn-Labs/warrant/pkg/receipt"
	"github.com/Mindburn-Labs/warrant/pkg/store"
)

// keySalt is the HKDF salt for agent keys derived from WARRANT_KEY_SEED.
var keySalt = []byte("warrant")

// receiptStore is what the node persists receipts and rounds to.
type receiptStore interface {
	store.ReceiptStore
	store.ConsensusStore
}

// node is a fully wired warrant instance.
type node struct {
	cfg       *config.Config
	logger    *slog.Logger
	signer    crypto.Signer
	keys      crypto.KeyProvider
	ring      *crypto.KeyRing
	db        *sql.DB
	registry  *capability.Registry
	store     receiptStore
	exec      *executor.Executor
	pool      *executor.Pool
	api       *api.Server
	telemetry *observability.Provider
	closers   []func() error
}

// serveOptions are the serve flags that are not part of the environment
// configuration.
type serveOptions struct {
	APIRPS   float64
	APIBurst int
	// Trusted maps remote agent ids to their public keys.
	Trusted map[string]ed25519.PublicKey
	// KeyAdmin mounts the /v1/keys routes.
	KeyAdmin bool
}

func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts serveOptions) (_ *node, err error) {
	n := &node{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = n.Close(context.Background())
		}
	}()

	if err := n.openStore(ctx); err != nil {
		return nil, err
	}
	if err := n.loadKeys(opts.Trusted); err != nil {
		return nil, err
	}

	sinks := receipt.MultiSink{n.store}
	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if arch != nil {
		sinks = append(sinks, archive.NewReceiptSink(arch))
		if c, ok := arch.(interface{ Close() error }); ok {
			n.closers = append(n.closers, c.Close)
		}
		logger.Info("receipt archive enabled", "type", cfg.Archive.Type)
	}

	obs := observability.DefaultConfig()
	obs.ServiceVersion = version
	obs.Enabled = cfg.Telemetry
	obs.OTLPEndpoint = cfg.OTLPEndpoint
	obs.Insecure = true
	if n.telemetry, err = observability.New(ctx, obs); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	n.registry = capability.NewRegistry()
	handlers := make(map[string]capability.Handler)
	deps := builtin.Deps{Keys: n.keys, Receipts: n.store, Rounds: n.store}
	for _, c := range builtin.Capabilities(n.registry, deps) {
		if err := n.registry.Register(c); err != nil {
			return nil, fmt.Errorf("builtin: %w", err)
		}
		handlers[c.ID] = c.Handler
	}
	if cfg.Catalog != "" {
		cat, err := config.LoadCatalog(cfg.Catalog)
		if err != nil {
			return nil, err
		}
		if err := cat.Register(n.registry, handlers); err != nil {
			return nil, err
		}
		logger.Info("catalog loaded", "path", cfg.Catalog, "capabilities", len(cat.Capabilities))
	}
	n.registry.Seal()

	chain := receipt.NewChain(n.signer)
	last, err := n.store.Last(ctx, n.signer.KeyID())
	if err != nil {
		return nil, fmt.Errorf("resume receipt chain: %w", err)
	}
	if last != nil {
		h, err := receipt.ChainHash(*last)
		if err != nil {
			return nil, fmt.Errorf("resume receipt chain: %w", err)
		}
		chain.Resume(last.Sequence, h)
		logger.Info("receipt chain resumed", "signer_id", n.signer.KeyID(), "sequence", last.Sequence)
	}

	verifier := delegation.NewVerifier(n.keys)
	verifier.MaxDepth = cfg.MaxDelegationDepth
	n.exec = executor.New(n.registry, chain,
		executor.WithSink(sinks),
		executor.WithVerifier(verifier),
		executor.WithTelemetry(n.telemetry),
		executor.WithLogger(logger.With("component", "executor")),
	)
	n.pool = executor.NewPool(n.exec, executor.PoolConfig{
		Workers:    cfg.Workers,
		AgentRPS:   cfg.AgentRPS,
		AgentBurst: cfg.AgentBurst,
	})

	apiOpts := []api.Option{
		api.WithPool(n.pool),
		api.WithReceipts(n.store),
		api.WithRounds(n.store),
		api.WithKeys(n.keys),
		api.WithLogger(logger.With("component", "api")),
		api.WithVersion(version),
	}
	if opts.APIRPS > 0 {
		apiOpts = append(apiOpts, api.WithRateLimiter(api.NewRateLimiter(opts.APIRPS, opts.APIBurst)))
	}
	if opts.KeyAdmin {
		apiOpts = append(apiOpts, api.WithKeyAdmin(n.ring))
	}
	if cfg.IdempotencyTTL > 0 {
		idem, err := n.idempotencyStore(ctx)
		if err != nil {
			return nil, err
		}
		apiOpts = append(apiOpts, api.WithIdempotency(idem))
	}
	if cfg.RedisAddr != "" {
		votes := consensus.DialRedisCollector(cfg.RedisAddr, "", 0, 24*time.Hour, consensus.DefaultOptions())
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := votes.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		apiOpts = append(apiOpts, api.WithVoteCollector(votes))
		logger.Info("vote collection enabled", "redis", cfg.RedisAddr)
	}
	n.api = api.New(n.exec, apiOpts...)

	logger.Info("node ready",
		"signer_id", n.signer.KeyID(),
		"public_key", hex.EncodeToString(n.signer.PublicKey()),
		"store", cfg.Store,
		"capabilities", n.registry.Len(),
	)
	return n, nil
}

func (n *node) openStore(ctx context.Context) error {
	switch n.cfg.Store {
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(n.cfg.SQLitePath), 0o750); err != nil {
			return fmt.Errorf("sqlite dir: %w", err)
		}
		db, err := store.OpenSQLite(n.cfg.SQLitePath)
		if err != nil {
			return err
		}
		s, err := store.NewSQLiteStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return err
		}
		n.store = s
		n.closers = append(n.closers, s.Close)
	case config.StorePostgres:
		db, err := store.OpenPostgres(n.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("postgres ping: %w", err)
		}
		s, err := store.NewPostgresStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return err
		}
		n.store = s
		n.db = db
		n.closers = append(n.closers, s.Close)
	default:
		n.store = store.NewMemoryStore()
	}
	return nil
}

// idempotencyStore shares the postgres database when there is one so
// replay survives restarts and works across replicas.
func (n *node) idempotencyStore(ctx context.Context) (api.IdempotencyStore, error) {
	if n.db == nil {
		return api.NewIdempotencyStore(n.cfg.IdempotencyTTL), nil
	}
	st, err := api.NewPostgresIdempotencyStore(ctx, n.db, n.cfg.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	sweepCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-t.C:
				removed, err := st.Cleanup(sweepCtx)
				if err != nil {
					n.logger.Warn("idempotency cleanup failed", "error", err)
					continue
				}
				n.logger.Debug("idempotency keys expired", "removed", removed)
			}
		}
	}()
	n.closers = append(n.closers, func() error {
		stop()
		<-done
		return nil
	})
	return st, nil
}

// loadKeys derives every local agent key from WARRANT_KEY_SEED when it is
// set. Otherwise the node signs with a fresh key that lives as long as the
// process. Trusted keys take precedence over derived ones.
func (n *node) loadKeys(trusted map[string]ed25519.PublicKey) error {
	ring := crypto.NewKeyRing()
	n.ring = ring
	for id, pub := range trusted {
		if err := ring.AddPublicKey(id, pub); err != nil {
			return fmt.Errorf("trusted key %s: %w", id, err)
		}
	}
	if len(n.cfg.KeySeed) > 0 {
		derived, err := crypto.NewDerivedKeyProvider(n.cfg.KeySeed, keySalt)
		if err != nil {
			return fmt.Errorf("key seed: %w", err)
		}
		if n.signer, err = derived.Signer(n.cfg.SignerID); err != nil {
			return err
		}
		n.keys = crypto.Chain{ring, derived}
		return nil
	}
	s, err := crypto.NewEd25519Signer(n.cfg.SignerID)
	if err != nil {
		return err
	}
	ring.AddSigner(s)
	n.signer = s
	n.keys = ring
	n.logger.Warn("WARRANT_KEY_SEED not set; receipts are signed with an ephemeral key")
	return nil
}

// Handler returns the HTTP handler.
func (n *node) Handler() http.Handler { return n.api.Handler() }

// Close drains the pool, flushes telemetry and closes storage.
func (n *node) Close(ctx context.Context) error {
	if n.pool != nil {
		n.pool.Close()
	}
	var errs []error
	if n.telemetry != nil {
		errs = append(errs, n.telemetry.Shutdown(ctx))
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	return errors.Join(errs...)
}
