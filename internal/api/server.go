// Package api serves the WhatsApp webhook and the operator endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/flow"
	"github.com/BTreeMap/SalonPipe/internal/models"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// maxWebhookBody bounds the accepted webhook payload size.
	maxWebhookBody  = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Ingestor accepts parsed inbound messages for asynchronous handling.
type Ingestor interface {
	Submit(msg models.InboundMessage) error
	Depth() int
}

// VerifyTokenMatcher reports whether a webhook verification token belongs to a tenant.
type VerifyTokenMatcher interface {
	MatchVerifyToken(ctx context.Context, token string) bool
}

// Operator exposes conversation maintenance to operators.
type Operator interface {
	Reset(ctx context.Context, customerPhone string) error
	InFlight(customerPhone string) (flow.InFlightRun, bool)
}

// Opts holds optional server settings.
type Opts struct {
	Addr        string
	VerifyToken string // accepted for every tenant
	AppSecret   string // enables X-Hub-Signature-256 checks when set
	AdminToken  string // enables the operator endpoints when set
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the global webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithAppSecret sets the app secret used to verify webhook signatures.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// WithAdminToken sets the bearer token required by operator endpoints.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	ingest   Ingestor
	tokens   VerifyTokenMatcher
	operator Operator
	opts     Opts
	now      func() time.Time
}

// NewServer creates a Server. tokens and operator may be nil.
func NewServer(ingest Ingestor, tokens VerifyTokenMatcher, operator Operator, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewServer: configured",
		"addr", cfg.Addr,
		"verify_token_set", cfg.VerifyToken != "",
		"app_secret_set", cfg.AppSecret != "",
		"admin_token_set", cfg.AdminToken != "")
	return &Server{ingest: ingest, tokens: tokens, operator: operator, opts: cfg, now: time.Now}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", s.verifyHandler)
	mux.HandleFunc("POST /webhook", s.webhookHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.HandleFunc("DELETE /conversations/{phone}", s.resetConversationHandler)
	mux.HandleFunc("GET /conversations/{phone}/inflight", s.inFlightHandler)
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}
