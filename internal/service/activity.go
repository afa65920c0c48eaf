package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/repository"
)

// ErrAttemptClosed is returned when a second terminal entry is written for
// the same attempt.
var ErrAttemptClosed = errors.New("service/activity: attempt already has a terminal entry")

// interruptedDetail closes attempts found open at startup.
const interruptedDetail = "attempt interrupted by restart"

// ActivityService is the only writer of the activity log. Generation
// attempts go through Begin and the returned *Attempt, which enforces the
// STARTED -> exactly one terminal entry pairing in process; the database's
// unique indexes enforce it across processes.
type ActivityService struct {
	entries  repository.ActivityRepository
	accounts repository.AccountRepository
	logger   *slog.Logger
}

func NewActivityService(entries repository.ActivityRepository, accounts repository.AccountRepository, logger *slog.Logger) *ActivityService {
	return &ActivityService{entries: entries, accounts: accounts, logger: logger}
}

// Record appends a standalone entry, e.g. GITHUB_REPO_CONNECTED. Generation
// entries must go through Begin.
func (s *ActivityService) Record(ctx context.Context, entry model.ActivityLogEntry) error {
	switch entry.Action {
	case model.ActionGenerationStarted, model.ActionGenerationSuccess, model.ActionGenerationFailed:
		return fmt.Errorf("service/activity: %s must be written through an attempt", entry.Action)
	}
	if entry.AccountID == "" {
		return fmt.Errorf("service/activity: entry has no account")
	}
	if err := s.entries.AppendActivity(ctx, &entry); err != nil {
		return fmt.Errorf("service/activity: recording %s: %w", entry.Action, err)
	}
	return nil
}

// Begin durably writes the STARTED entry of a generation attempt. Nothing
// touching the decrypted token may run before it returns.
func (s *ActivityService) Begin(ctx context.Context, accountID, repoName, commitSHA, attemptID string) (*Attempt, error) {
	if accountID == "" || attemptID == "" {
		return nil, fmt.Errorf("service/activity: attempt needs an account and an id")
	}

	a := &Attempt{
		svc:       s,
		accountID: accountID,
		repoName:  repoName,
		commitSHA: commitSHA,
		id:        attemptID,
	}
	if err := a.append(ctx, model.ActionGenerationStarted, model.StatusOngoing, ""); err != nil {
		return nil, err
	}
	return a, nil
}

// ListForAccount returns the account's entries, most recent first.
func (s *ActivityService) ListForAccount(ctx context.Context, accountID string, opts repository.ListOptions) ([]model.ActivityLogEntry, error) {
	if _, err := s.accounts.GetAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	entries, err := s.entries.ListActivityByAccount(ctx, accountID, opts)
	if err != nil {
		return nil, fmt.Errorf("service/activity: listing entries of %s: %w", accountID, err)
	}
	return entries, nil
}

// RecoverInterrupted closes every attempt left open by a crash with a
// FAILED entry. It runs at startup, before the workers accept jobs, and
// returns the number of attempts closed.
func (s *ActivityService) RecoverInterrupted(ctx context.Context) (int, error) {
	open, err := s.entries.ListUnterminatedAttempts(ctx)
	if err != nil {
		return 0, fmt.Errorf("service/activity: finding interrupted attempts: %w", err)
	}

	closed := 0
	for _, started := range open {
		a := &Attempt{
			svc:       s,
			accountID: started.AccountID,
			repoName:  started.RepoName,
			commitSHA: started.CommitSHA,
			id:        started.AttemptID,
		}
		err := a.Fail(ctx, interruptedDetail)
		if errors.Is(err, apperror.ErrConflict) {
			// Closed concurrently by another process.
			continue
		}
		if err != nil {
			return closed, err
		}
		s.logger.Warn("closed interrupted generation attempt",
			slog.String("attempt", started.AttemptID),
			slog.String("repo", started.RepoName),
			slog.Time("started_at", started.CreatedAt),
		)
		closed++
	}
	return closed, nil
}

// Attempt writes the entries of one generation attempt. All of them carry
// the same attempt id and triggering commit SHA.
type Attempt struct {
	svc       *ActivityService
	accountID string
	repoName  string
	commitSHA string
	id        string

	mu     sync.Mutex
	closed bool
}

func (a *Attempt) ID() string { return a.id }

// CommitPushed records the README commit; pushedSHA is the new commit.
func (a *Attempt) CommitPushed(ctx context.Context, pushedSHA string) error {
	return a.append(ctx, model.ActionCommitPushed, model.StatusSuccess, "pushed commit "+pushedSHA)
}

// AuthRejected records that GitHub refused the account's token.
func (a *Attempt) AuthRejected(ctx context.Context, detail string) error {
	return a.append(ctx, model.ActionAuthFailed, model.StatusFailed, detail)
}

func (a *Attempt) Succeed(ctx context.Context, detail string) error {
	return a.finish(ctx, model.ActionGenerationSuccess, model.StatusSuccess, detail)
}

func (a *Attempt) Fail(ctx context.Context, detail string) error {
	return a.finish(ctx, model.ActionGenerationFailed, model.StatusFailed, detail)
}

// finish writes the terminal entry. It is written even when ctx has been
// cancelled, so an attempt is never left open by a shutdown.
func (a *Attempt) finish(ctx context.Context, action model.Action, status model.Status, detail string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAttemptClosed
	}
	if err := a.append(context.WithoutCancel(ctx), action, status, detail); err != nil {
		return err
	}
	a.closed = true
	return nil
}

func (a *Attempt) append(ctx context.Context, action model.Action, status model.Status, detail string) error {
	entry := &model.ActivityLogEntry{
		AccountID: a.accountID,
		RepoName:  a.repoName,
		Action:    action,
		Status:    status,
		AttemptID: a.id,
		CommitSHA: a.commitSHA,
		Detail:    detail,
	}
	if err := a.svc.entries.AppendActivity(ctx, entry); err != nil {
		return fmt.Errorf("service/activity: writing %s for attempt %s: %w", action, a.id, err)
	}
	return nil
}
