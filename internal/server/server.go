// Package server is the composition root: it builds every dependency from
// config.Config, mounts the routes and owns shutdown.
//
// Startup order:
//
//	sqlite -> vault -> GitHub client -> generator -> services
//	  -> RecoverInterrupted (close attempts left open by a crash)
//	  -> scheduler -> dedupe ledger -> routes
//
// Shutdown runs in reverse: stop accepting HTTP, drain the scheduler, then
// close the ledger, the generator and the database.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/readmebot/internal/auth"
	"github.com/sakif/readmebot/internal/config"
	"github.com/sakif/readmebot/internal/dedupe"
	"github.com/sakif/readmebot/internal/generator"
	"github.com/sakif/readmebot/internal/generator/docker"
	"github.com/sakif/readmebot/internal/githubapi"
	"github.com/sakif/readmebot/internal/handler"
	"github.com/sakif/readmebot/internal/middleware"
	"github.com/sakif/readmebot/internal/pipeline"
	sqliteRepo "github.com/sakif/readmebot/internal/repository/sqlite"
	"github.com/sakif/readmebot/internal/service"
	"github.com/sakif/readmebot/internal/vault"
)

const (
	shutdownTimeout = 30 * time.Second
	janitorInterval = time.Hour
)

// Server holds the router and every resource it must release on shutdown.
type Server struct {
	router *chi.Mux
	config config.Config
	logger *slog.Logger

	db        *sqliteRepo.DB
	ledger    *dedupe.Ledger
	scheduler *pipeline.Scheduler
	generator io.Closer // nil for the builtin generator

	stopJanitor context.CancelFunc
}

// New wires the application. On error every resource opened so far is
// closed again.
func New(cfg config.Config, logger *slog.Logger) (_ *Server, err error) {
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}
	defer func() {
		if err != nil {
			s.closeResources()
		}
	}()

	// === STORAGE ===
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("server: creating database directory: %w", err)
		}
	}
	s.db, err = sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("server: opening database: %w", err)
	}

	v, err := newVault(cfg.Encryption)
	if err != nil {
		return nil, err
	}

	gh, err := githubapi.New(cfg.GitHub.APIBaseURL, cfg.GitHub.Timeout, logger)
	if err != nil {
		return nil, err
	}

	gen, err := s.newGenerator(cfg.Generator)
	if err != nil {
		return nil, err
	}

	// === SERVICES ===
	activity := service.NewActivityService(s.db, s.db, logger)

	// Attempts left STARTED by a crash get their FAILED entry before any
	// new work is accepted.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	n, err := activity.RecoverInterrupted(ctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("server: recovering interrupted attempts: %w", err)
	}
	if n > 0 {
		logger.Warn("closed interrupted generation attempts", slog.Int("count", n))
	}

	orch := service.NewOrchestrator(s.db, s.db, activity, v, gh, gen, service.OrchestratorConfig{
		MaxAttempts:   cfg.Pipeline.MaxAttempts,
		RetryBackoff:  cfg.Pipeline.RetryBackoff,
		ReadmePath:    cfg.Pipeline.ReadmePath,
		CommitMessage: cfg.Pipeline.CommitMessage,
	}, logger)

	s.scheduler = pipeline.New(orch.Run, cfg.Pipeline.Workers, logger)
	s.scheduler.Start()

	s.ledger, err = dedupe.Open(cfg.DedupePath, cfg.Pipeline.DedupeWindow, logger)
	if err != nil {
		return nil, err
	}
	janitorCtx, stop := context.WithCancel(context.Background())
	s.stopJanitor = stop
	go s.ledger.RunJanitor(janitorCtx, janitorInterval)

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("server: creating token service: %w", err)
	}
	states, err := auth.NewStateSigner(tokens.Secret(), auth.DefaultStateTTL)
	if err != nil {
		return nil, fmt.Errorf("server: creating state signer: %w", err)
	}
	oauth := auth.NewGitHubProvider(auth.ProviderConfig{
		ClientID:     cfg.GitHub.ClientID,
		ClientSecret: cfg.GitHub.ClientSecret,
		CallbackURL:  cfg.CallbackURL(),
		AuthURL:      cfg.GitHub.AuthURL,
		TokenURL:     cfg.GitHub.TokenURL,
		Timeout:      cfg.GitHub.Timeout,
	})

	authSvc := service.NewAuthService(service.AuthDeps{
		Accounts: s.db,
		Pending:  s.db,
		Activity: activity,
		Vault:    v,
		OAuth:    oauth,
		GitHub:   gh,
		Tokens:   tokens,
		States:   states,
	}, logger)
	activation := service.NewActivationService(s.db, s.db, v, gh, cfg.WebhookURL(), cfg.GitHub.WebhookSecret, logger)
	webhooks := service.NewWebhookService(cfg.GitHub.WebhookSecret, s.db, s.db, s.ledger, s.scheduler, logger)

	// === ROUTES ===
	s.setupRoutes(
		handler.NewAuthHandler(authSvc, cfg.FrontendURL, states.TTL(), logger),
		handler.NewGitHubHandler(activation, activity, logger),
		handler.NewWebhookHandler(webhooks, logger),
		handler.NewHealthHandler(s.db, s.scheduler, logger),
		authSvc,
	)

	return s, nil
}

// setupRoutes mounts:
//
//	GET  /healthz
//	GET  /auth/github                         -> GitHub consent page
//	GET  /auth/github/callback                -> redirect to frontend
//	POST /auth/github/resume
//	POST /auth/verify                         (bearer)
//	POST /api/github/webhookhandler           (X-Hub-Signature-256)
//	GET  /api/github/getGithubRepos           (bearer)
//	GET  /api/github/getActivatedRepos        (bearer)
//	POST /api/github/addRepoActivity          (bearer)
//	POST /api/github/deactivateRepoActivity   (bearer)
//	POST /api/github/setAutoReadme            (bearer)
//	GET  /api/github/fetchUserLogs            (bearer)
func (s *Server) setupRoutes(
	authH *handler.AuthHandler,
	githubH *handler.GitHubHandler,
	webhookH *handler.WebhookHandler,
	healthH *handler.HealthHandler,
	verifier auth.Verifier,
) {
	// Order matters: the request id must exist before Logger reads it.
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.CORS(s.config.FrontendURL))

	requireAuth := auth.RequireAuth(verifier)

	s.router.Get("/healthz", healthH.HandleHealth)

	s.router.Route("/auth", func(r chi.Router) {
		r.Get("/github", authH.HandleGitHubLogin)
		r.Get("/github/callback", authH.HandleGitHubCallback)
		r.Post("/github/resume", authH.HandleResume)
		r.With(requireAuth).Post("/verify", authH.HandleVerify)
	})

	s.router.Route("/api/github", func(r chi.Router) {
		r.Post("/webhookhandler", webhookH.HandleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/getGithubRepos", githubH.HandleListRepos)
			r.Get("/getActivatedRepos", githubH.HandleListActivated)
			r.Post("/addRepoActivity", githubH.HandleActivate)
			r.Post("/deactivateRepoActivity", githubH.HandleDeactivate)
			r.Post("/setAutoReadme", githubH.HandleSetAutoReadme)
			r.Get("/fetchUserLogs", githubH.HandleFetchLogs)
		})
	})
}

// Handler returns the router; tests mount it on an httptest server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("public_url", s.config.PublicURL),
			slog.String("database", s.config.DBPath),
			slog.String("generator", s.config.Generator.Mode),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		s.closeResources()
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	httpErr := srv.Shutdown(ctx)
	if httpErr != nil {
		httpErr = fmt.Errorf("graceful shutdown failed: %w", httpErr)
	}
	if err := s.Shutdown(ctx); err != nil {
		return errors.Join(httpErr, err)
	}
	s.logger.Info("server stopped gracefully")
	return httpErr
}

// Shutdown drains queued generations and releases every resource. Jobs still
// running when ctx ends are cancelled; their FAILED entries are written
// before the database closes.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.scheduler != nil {
		if serr := s.scheduler.Stop(ctx); serr != nil {
			err = fmt.Errorf("server: draining generation queue: %w", serr)
		}
	}
	s.closeResources()
	return err
}

func (s *Server) closeResources() {
	if s.scheduler != nil {
		// No-op after a successful Stop.
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		s.scheduler.Stop(ctx)
		cancel()
	}
	if s.stopJanitor != nil {
		s.stopJanitor()
	}
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.logger.Warn("closing dedupe ledger", slog.String("error", err.Error()))
		}
	}
	if s.generator != nil {
		if err := s.generator.Close(); err != nil {
			s.logger.Warn("closing generator", slog.String("error", err.Error()))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}
	s.scheduler, s.ledger, s.generator, s.db = nil, nil, nil, nil
}

func (s *Server) newGenerator(cfg config.GeneratorConfig) (generator.Generator, error) {
	if cfg.Mode != "docker" {
		return generator.Builtin{}, nil
	}
	dc := docker.DefaultConfig()
	dc.Image = cfg.Image
	dc.Command = cfg.Command
	if cfg.MemoryLimit > 0 {
		dc.MemoryLimit = cfg.MemoryLimit
	}
	if cfg.CPULimit > 0 {
		dc.CPULimit = cfg.CPULimit
	}
	if cfg.Timeout > 0 {
		dc.Timeout = cfg.Timeout
	}
	if cfg.PoolSize > 0 {
		dc.PoolSize = cfg.PoolSize
	}
	g, err := docker.New(dc, s.logger)
	if err != nil {
		return nil, fmt.Errorf("server: starting docker generator: %w", err)
	}
	s.generator = g
	return g, nil
}

// newVault builds the keyring. Retired keys are added in id order so the
// error for a bad key is deterministic.
func newVault(cfg config.EncryptionConfig) (*vault.Vault, error) {
	retired := make([]vault.Key, 0, len(cfg.RetiredKeys))
	for _, id := range slices.Sorted(maps.Keys(cfg.RetiredKeys)) {
		retired = append(retired, vault.Key{ID: id, Material: cfg.RetiredKeys[id]})
	}
	v, err := vault.New(vault.Key{ID: cfg.KeyID, Material: cfg.Key}, retired...)
	if err != nil {
		return nil, fmt.Errorf("server: building token vault: %w", err)
	}
	return v, nil
}
