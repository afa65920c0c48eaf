package service

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/generator"
	"github.com/sakif/readmebot/internal/githubapi"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/pipeline"
	"github.com/sakif/readmebot/internal/repository"
	"github.com/sakif/readmebot/internal/vault"
)

const (
	detailCredentialUnavailable = "credential unavailable"
	detailTokenInvalid          = "GitHub token was rejected; sign in with GitHub again"
	detailRepoNotFound          = "repository not found or no longer accessible"
	detailInternal              = "internal error"

	// maxBackoff caps a single retry wait, Retry-After included.
	maxBackoff = time.Minute
)

// OrchestratorConfig tunes retries and the commit written back.
type OrchestratorConfig struct {
	MaxAttempts   int           // per GitHub call, first try included
	RetryBackoff  time.Duration // wait before the second try; doubles after
	ReadmePath    string
	CommitMessage string
}

// Orchestrator runs one generation attempt:
//
//	STARTED -> FETCHING -> GENERATING -> COMMITTING -> SUCCESS
//
// with any stage able to end in FAILED. Run is the pipeline.Handler; the
// scheduler guarantees at most one Run per (account, repo) at a time.
type Orchestrator struct {
	accounts    repository.AccountRepository
	activations repository.ActivationRepository
	activity    *ActivityService
	vault       *vault.Vault
	github      GitHubAPI
	generator   generator.Generator
	cfg         OrchestratorConfig
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(
	accounts repository.AccountRepository,
	activations repository.ActivationRepository,
	activity *ActivityService,
	v *vault.Vault,
	gh GitHubAPI,
	gen generator.Generator,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.ReadmePath == "" {
		cfg.ReadmePath = "README.md"
	}
	if cfg.CommitMessage == "" {
		cfg.CommitMessage = "docs: regenerate README"
	}
	if !strings.Contains(cfg.CommitMessage, BotMarker) {
		cfg.CommitMessage += " " + BotMarker
	}

	return &Orchestrator{
		accounts:    accounts,
		activations: activations,
		activity:    activity,
		vault:       v,
		github:      gh,
		generator:   gen,
		cfg:         cfg,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// attemptFailure carries the detail written to the FAILED entry next to the
// underlying error, which is only logged.
type attemptFailure struct {
	detail string
	err    error
}

func (f *attemptFailure) Error() string {
	if f.err == nil {
		return f.detail
	}
	return f.detail + ": " + f.err.Error()
}

func (f *attemptFailure) Unwrap() error { return f.err }

func fail(detail string, err error) error {
	return &attemptFailure{detail: detail, err: err}
}

// Run executes job to a terminal activity entry. Jobs for repositories that
// were deactivated after the push are dropped before STARTED.
func (o *Orchestrator) Run(ctx context.Context, job pipeline.Job) {
	if job.AttemptID == "" {
		job.AttemptID = uuid.NewString()
	}
	logger := o.logger.With(
		slog.String("attempt", job.AttemptID),
		slog.String("repo", job.RepoFullName),
		slog.String("sha", job.CommitSHA),
	)

	active, err := o.isActive(ctx, job)
	if err != nil {
		logger.Error("checking activation", slog.String("error", err.Error()))
		return
	}
	if !active {
		logger.Info("repository no longer active, job dropped")
		return
	}

	attempt, err := o.activity.Begin(ctx, job.AccountID, job.RepoFullName, job.CommitSHA, job.AttemptID)
	if err != nil {
		logger.Error("could not record attempt start, job dropped", slog.String("error", err.Error()))
		return
	}
	start := time.Now()

	// A panic below (most likely in a generator) must still close the attempt.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("generation panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			if ferr := attempt.Fail(ctx, detailInternal); ferr != nil {
				logger.Error("recording failure", slog.String("error", ferr.Error()))
			}
		}
	}()

	detail, err := o.execute(ctx, job, attempt, logger)
	if err != nil {
		var f *attemptFailure
		if !errors.As(err, &f) {
			f = &attemptFailure{detail: detailInternal, err: err}
		}
		logger.Warn("generation failed", slog.String("error", f.Error()), slog.Duration("took", time.Since(start)))
		if ferr := attempt.Fail(ctx, f.detail); ferr != nil {
			logger.Error("recording failure", slog.String("error", ferr.Error()))
		}
		return
	}

	logger.Info("generation succeeded", slog.String("detail", detail), slog.Duration("took", time.Since(start)))
	if err := attempt.Succeed(ctx, detail); err != nil {
		logger.Error("recording success", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) isActive(ctx context.Context, job pipeline.Job) (bool, error) {
	reg, err := o.activations.GetActivation(ctx, job.AccountID, job.RepoFullName)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return reg.Active, nil
}

func (o *Orchestrator) execute(ctx context.Context, job pipeline.Job, attempt *Attempt, logger *slog.Logger) (string, error) {
	account, err := o.accounts.GetAccountByID(ctx, job.AccountID)
	if err != nil {
		return "", fail("account unavailable", err)
	}
	if account.TokenInvalid {
		return "", fail(detailTokenInvalid, nil)
	}
	if !account.HasToken() {
		return "", fail(detailCredentialUnavailable, nil)
	}

	// Decryption failures are never retried: a broken credential needs a new
	// sign-in.
	token, err := o.vault.Decrypt(*account.EncryptedToken)
	if err != nil {
		return "", fail(detailCredentialUnavailable, err)
	}

	// FETCHING
	snap, err := retry(ctx, o, logger, "fetch snapshot", func() (*model.RepoSnapshot, error) {
		return o.github.FetchSnapshot(ctx, token, job.RepoFullName, job.CommitSHA)
	})
	if err != nil {
		if githubapi.IsNotFound(err) {
			return "", o.notFound(ctx, account, attempt, token, err)
		}
		return "", o.githubError(ctx, account, attempt, "fetching repository", err)
	}

	// GENERATING
	markdown, err := o.generator.Generate(ctx, snap)
	if err != nil {
		return "", fail("README generation failed", err)
	}
	if strings.TrimSpace(markdown) == "" {
		return "", fail("README generation produced no content", nil)
	}

	// COMMITTING
	req := githubapi.CommitRequest{
		FullName: job.RepoFullName,
		Branch:   job.Branch,
		Path:     o.cfg.ReadmePath,
		Content:  markdown,
		Message:  o.cfg.CommitMessage,
	}
	res, err := retry(ctx, o, logger, "commit README", func() (githubapi.CommitResult, error) {
		return o.github.CommitReadme(ctx, token, req)
	})
	if err != nil {
		return "", o.githubError(ctx, account, attempt, "committing README", err)
	}

	if !res.Changed {
		return "README already up to date", nil
	}
	if err := attempt.CommitPushed(ctx, res.CommitSHA); err != nil {
		logger.Error("recording commit", slog.String("error", err.Error()))
	}
	return "README committed as " + res.CommitSHA, nil
}

// githubError turns a GitHub failure into the attempt's failure detail. A
// 401/403 marks the token invalid so later attempts short-circuit; the
// encrypted token itself is kept.
func (o *Orchestrator) githubError(ctx context.Context, account *model.Account, attempt *Attempt, stage string, err error) error {
	if githubapi.IsAuthRejected(err) {
		if merr := o.accounts.MarkTokenInvalid(ctx, account.ID); merr != nil {
			o.logger.Error("marking token invalid", slog.String("account", account.ID), slog.String("error", merr.Error()))
		}
		if aerr := attempt.AuthRejected(ctx, "GitHub rejected the token while "+stage); aerr != nil {
			o.logger.Error("recording auth failure", slog.String("error", aerr.Error()))
		}
		return fail(detailTokenInvalid, err)
	}
	if githubapi.IsTransient(err) {
		return fail(stage+" failed after retries", err)
	}
	return fail(stage+" failed", err)
}

// notFound handles a 404 on the snapshot fetch. GitHub answers 404 rather
// than 403 for a private repository the token can no longer see, so the token
// itself is checked: if GitHub rejects it, the failure is treated as an auth
// rejection; otherwise the repository is gone or out of reach and the token
// is left valid for the account's other repositories.
func (o *Orchestrator) notFound(ctx context.Context, account *model.Account, attempt *Attempt, token string, err error) error {
	_, perr := o.github.GetAuthenticatedUser(ctx, token)
	if githubapi.IsAuthRejected(perr) {
		return o.githubError(ctx, account, attempt, "fetching repository", perr)
	}
	return fail(detailRepoNotFound, err)
}

// retry calls fn until it succeeds, fails permanently or MaxAttempts is
// reached. Waits grow as RetryBackoff * 2^(n-1), raised to GitHub's
// Retry-After when that is longer.
func retry[T any](ctx context.Context, o *Orchestrator, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	var zero T
	for n := 1; ; n++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !githubapi.IsTransient(err) || n >= o.cfg.MaxAttempts {
			return zero, err
		}

		wait := o.cfg.RetryBackoff * time.Duration(1<<(n-1))
		if ra := githubapi.RetryAfter(err); ra > wait {
			wait = ra
		}
		wait = min(wait, maxBackoff)

		logger.Info("transient GitHub error, retrying",
			slog.String("op", op),
			slog.Int("try", n),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		if err := o.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
