package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/config"
	"github.com/Mindburn-Labs/warrant/pkg/crypto"
)

const shutdownTimeout = 15 * time.Second

// runServeCmd implements `warrant serve`. Everything except the flags
// below comes from the WARRANT_* environment.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = server error
//	2 = configuration error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr string
		opts = serveOptions{Trusted: map[string]ed25519.PublicKey{}}
	)
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides WARRANT_ADDR)")
	cmd.Float64Var(&opts.APIRPS, "api-rps", 0, "Requests per second per client IP (0 = unlimited)")
	cmd.IntVar(&opts.APIBurst, "api-burst", 20, "Request burst per client IP")
	cmd.BoolVar(&opts.KeyAdmin, "key-admin", false, "Expose /v1/keys for adding and revoking trusted keys")
	cmd.Func("trust", "Trust a remote agent key, as id=hex (repeatable)", func(v string) error {
		id, pub, err := parseTrusted(v)
		if err != nil {
			return err
		}
		opts.Trusted[id] = pub
		return nil
	})

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if addr != "" {
		cfg.Addr = addr
	}
	logger := cfg.Logger(stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, opts, nil); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

// serve runs the node until ctx is done. When ready is non-nil the bound
// address is sent on it once the listener is open.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts serveOptions, ready chan<- string) error {
	n, err := newNode(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = n.Close(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("listening", "addr", ln.Addr().String())
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := n.Close(shutdownCtx); err != nil {
		logger.Error("node shutdown", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func parseTrusted(v string) (string, ed25519.PublicKey, error) {
	id, hexKey, ok := strings.Cut(v, "=")
	if !ok || id == "" {
		return "", nil, fmt.Errorf("expected id=hex, got %q", v)
	}
	pub, err := crypto.ParsePublicKey(hexKey)
	if err != nil {
		return "", nil, err
	}
	return id, pub, nil
}

// readInput reads path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
