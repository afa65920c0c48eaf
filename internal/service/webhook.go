package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/go-github/v82/github"
	"github.com/google/uuid"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/dedupe"
	"github.com/sakif/readmebot/internal/githubapi"
	"github.com/sakif/readmebot/internal/pipeline"
	"github.com/sakif/readmebot/internal/repository"
)

// ErrSignature means the delivery's X-Hub-Signature-256 did not match the
// shared secret. Such deliveries are dropped without an activity entry.
var ErrSignature = errors.New("service/webhook: signature mismatch")

// Deduper remembers which pushes were already dispatched.
type Deduper interface {
	MarkSeen(key string) (first bool, err error)
	Forget(key string) error
}

var _ Deduper = (*dedupe.Ledger)(nil)

// Delivery is one inbound webhook request, as read by the handler.
type Delivery struct {
	Event      string // X-GitHub-Event
	DeliveryID string // X-GitHub-Delivery, logging only
	HookID     int64  // X-GitHub-Hook-ID, 0 if absent
	Signature  string // X-Hub-Signature-256
	Body       []byte
}

// IngestResult says what happened to a verified delivery.
type IngestResult struct {
	Dispatched []pipeline.Job
	// Reason explains why nothing was dispatched.
	Reason string
}

// WebhookService verifies push deliveries, resolves them to activated
// repositories and hands regeneration jobs to the dispatcher. It never runs
// generation itself, so GitHub gets its response immediately.
type WebhookService struct {
	secret      []byte
	accounts    repository.AccountRepository
	activations repository.ActivationRepository
	seen        Deduper
	dispatch    Dispatcher
	logger      *slog.Logger
}

func NewWebhookService(
	secret string,
	accounts repository.AccountRepository,
	activations repository.ActivationRepository,
	seen Deduper,
	dispatch Dispatcher,
	logger *slog.Logger,
) *WebhookService {
	return &WebhookService{
		secret:      []byte(secret),
		accounts:    accounts,
		activations: activations,
		seen:        seen,
		dispatch:    dispatch,
		logger:      logger,
	}
}

// Ingest processes one delivery. Only ErrSignature, malformed payloads and
// storage/dispatch failures are errors; every reason to skip a push comes
// back as an IngestResult with an empty Dispatched list.
//
// Redeliveries of the same commit are absorbed by the dedupe ledger, keyed by
// (account, repo, commit SHA) rather than by delivery id.
func (s *WebhookService) Ingest(ctx context.Context, d Delivery) (IngestResult, error) {
	if err := github.ValidateSignature(d.Signature, d.Body, s.secret); err != nil {
		return IngestResult{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	switch d.Event {
	case "push":
	case "ping":
		return ignored("ping"), nil
	default:
		return ignored("event " + d.Event + " is not handled"), nil
	}

	payload, err := github.ParseWebHook(d.Event, d.Body)
	if err != nil {
		return IngestResult{}, apperror.ValidationFailed("body", "malformed push payload")
	}
	push, ok := payload.(*github.PushEvent)
	if !ok {
		return IngestResult{}, apperror.ValidationFailed("body", "malformed push payload")
	}

	repoName := push.GetRepo().GetFullName()
	sha := push.GetAfter()
	if sha == "" {
		sha = push.GetHeadCommit().GetID()
	}

	switch {
	case push.GetDeleted():
		return ignored("branch deleted"), nil
	case repoName == "" || sha == "":
		return IngestResult{}, apperror.ValidationFailed("body", "push payload has no repository or commit")
	case !githubapi.IsDefaultBranchRef(push.GetRef(), push.GetRepo().GetDefaultBranch()):
		return ignored("push is not to the default branch"), nil
	case strings.Contains(push.GetHeadCommit().GetMessage(), BotMarker):
		return ignored("commit was made by readmebot"), nil
	}

	regs, err := s.activations.ListActiveByRepo(ctx, repoName)
	if err != nil {
		return IngestResult{}, fmt.Errorf("service/webhook: resolving %s: %w", repoName, err)
	}

	var result IngestResult
	for _, reg := range regs {
		if d.HookID != 0 && reg.WebhookID != d.HookID {
			continue
		}

		account, err := s.accounts.GetAccountByID(ctx, reg.AccountID)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				continue
			}
			return result, fmt.Errorf("service/webhook: loading account %s: %w", reg.AccountID, err)
		}
		if !account.AutoReadmeEnabled {
			result.Reason = "automatic README disabled"
			continue
		}

		key := dedupe.Key(account.ID, repoName, sha)
		first, err := s.seen.MarkSeen(key)
		if err != nil {
			return result, fmt.Errorf("service/webhook: %w", err)
		}
		if !first {
			result.Reason = "commit already dispatched"
			continue
		}

		job := pipeline.Job{
			AccountID:    account.ID,
			RepoFullName: reg.RepoFullName,
			CommitSHA:    sha,
			Branch:       push.GetRepo().GetDefaultBranch(),
			AttemptID:    uuid.NewString(),
			ReceivedAt:   time.Now(),
		}
		if err := s.dispatch.Submit(job); err != nil {
			// Let GitHub's retry of this delivery through.
			if ferr := s.seen.Forget(key); ferr != nil {
				s.logger.Error("dedupe forget failed", slog.String("key", key), slog.String("error", ferr.Error()))
			}
			return result, fmt.Errorf("service/webhook: dispatching %s@%s: %w", repoName, sha, err)
		}

		s.logger.Info("push dispatched",
			slog.String("repo", repoName),
			slog.String("sha", sha),
			slog.String("attempt", job.AttemptID),
			slog.String("delivery", d.DeliveryID),
			slog.String("pusher", push.GetPusher().GetName()),
		)
		result.Dispatched = append(result.Dispatched, job)
	}

	if len(result.Dispatched) == 0 && result.Reason == "" {
		result.Reason = "repository not activated"
	}
	if len(result.Dispatched) > 0 {
		result.Reason = ""
	}
	return result, nil
}

func ignored(reason string) IngestResult {
	return IngestResult{Reason: reason}
}
