package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/auth"
	"github.com/sakif/readmebot/internal/githubapi"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/repository"
	"github.com/sakif/readmebot/internal/vault"
)

// DefaultPendingLinkTTL is how long a parked token can be resumed.
const DefaultPendingLinkTTL = 15 * time.Minute

// OAuthProvider is the code-exchange side of auth.GitHubProvider.
type OAuthProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

var (
	_ OAuthProvider = (*auth.GitHubProvider)(nil)
	_ auth.Verifier = (*AuthService)(nil)
)

// ProfileFetchError reports a partial success: the OAuth exchange worked and
// the encrypted token is parked under PendingID, but the GitHub profile
// could not be read. ResumeAuth(PendingID) finishes the link without a new
// OAuth round trip.
type ProfileFetchError struct {
	PendingID string
	Err       error
}

func (e *ProfileFetchError) Error() string {
	return fmt.Sprintf("service/auth: fetching GitHub profile (pending link %s): %v", e.PendingID, e.Err)
}

func (e *ProfileFetchError) Unwrap() error { return e.Err }

// AuthResult bundles the linked account and its session token so the
// handler can respond in one step.
type AuthResult struct {
	Account *model.Account
	Token   string
	Created bool
}

// AuthDeps groups AuthService's collaborators.
type AuthDeps struct {
	Accounts   repository.AccountRepository
	Pending    repository.PendingLinkRepository
	Activity   *ActivityService
	Vault      *vault.Vault
	OAuth      OAuthProvider
	GitHub     GitHubAPI
	Tokens     *auth.TokenService
	States     *auth.StateSigner
	PendingTTL time.Duration
}

// AuthService runs the GitHub OAuth flow and verifies session tokens.
//
// Per attempt: BeginAuth (INITIATED) -> CompleteAuth exchanging the code
// (EXCHANGING) -> linked account plus session token (LINKED), or an error
// (FAILED). Nothing about an attempt is stored server-side except a parked
// token when only the profile lookup failed.
type AuthService struct {
	deps   AuthDeps
	logger *slog.Logger
}

func NewAuthService(deps AuthDeps, logger *slog.Logger) *AuthService {
	if deps.PendingTTL <= 0 {
		deps.PendingTTL = DefaultPendingLinkTTL
	}
	return &AuthService{deps: deps, logger: logger}
}

// BeginAuth returns the GitHub consent URL and the signed state the caller
// must also set as a cookie.
func (s *AuthService) BeginAuth() (redirectURL, state string, err error) {
	state, err = s.deps.States.Issue()
	if err != nil {
		return "", "", fmt.Errorf("service/auth: issuing state: %w", err)
	}
	return s.deps.OAuth.AuthURL(state), state, nil
}

// CheckState validates the state GitHub echoed back against the cookie.
func (s *AuthService) CheckState(state, cookie string) error {
	if err := s.deps.States.Check(state, cookie); err != nil {
		return apperror.Unauthorized("OAuth state mismatch; start sign-in again")
	}
	return nil
}

// CompleteAuth exchanges code, stores the encrypted token and links the
// GitHub profile to an account.
//
// Errors: auth.ErrOAuthExchange when GitHub rejects the code;
// *ProfileFetchError when the token was obtained but the profile was not.
func (s *AuthService) CompleteAuth(ctx context.Context, code string) (*AuthResult, error) {
	tok, err := s.deps.OAuth.Exchange(ctx, code)
	if err != nil {
		s.logger.Warn("OAuth code exchange failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("service/auth: %w", err)
	}

	sealed, err := s.deps.Vault.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("service/auth: encrypting token: %w", err)
	}

	profile, err := s.deps.GitHub.GetAuthenticatedUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, s.park(ctx, sealed, err)
	}

	return s.link(ctx, profile, sealed)
}

// ResumeAuth finishes a link whose profile fetch failed. The pending link is
// single use; a failed retry parks the token again under a new id.
func (s *AuthService) ResumeAuth(ctx context.Context, pendingID string) (*AuthResult, error) {
	if pendingID == "" {
		return nil, apperror.ValidationFailed("pendingId", "pendingId is required")
	}

	link, err := s.deps.Pending.TakePendingLink(ctx, pendingID)
	if err != nil {
		return nil, err
	}

	plain, err := s.deps.Vault.Decrypt(link.EncryptedToken)
	if err != nil {
		s.logger.Error("parked token failed to decrypt", slog.String("pending_id", pendingID), slog.String("error", err.Error()))
		return nil, apperror.Unauthorized("stored credential unavailable; sign in with GitHub again")
	}

	profile, err := s.deps.GitHub.GetAuthenticatedUser(ctx, plain)
	if err != nil {
		if githubapi.IsAuthRejected(err) {
			return nil, apperror.Unauthorized("GitHub rejected the token; sign in with GitHub again")
		}
		return nil, s.park(ctx, link.EncryptedToken, err)
	}

	return s.link(ctx, profile, link.EncryptedToken)
}

// Verify checks a bearer token and returns its account. The JWT check is
// stateless; the account lookup makes removed accounts lose access.
func (s *AuthService) Verify(ctx context.Context, bearer string) (*model.Account, error) {
	accountID, err := s.deps.Tokens.Validate(bearer)
	if err != nil {
		return nil, apperror.Unauthorized("invalid or expired session token")
	}

	account, err := s.deps.Accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized("account no longer exists")
		}
		return nil, fmt.Errorf("service/auth: loading account %s: %w", accountID, err)
	}
	return account, nil
}

func (s *AuthService) park(ctx context.Context, sealed model.EncryptedToken, cause error) error {
	link := &model.PendingLink{
		EncryptedToken: sealed,
		ExpiresAt:      time.Now().Add(s.deps.PendingTTL),
	}
	if err := s.deps.Pending.CreatePendingLink(ctx, link); err != nil {
		return fmt.Errorf("service/auth: parking token after profile failure (%v): %w", cause, err)
	}
	s.logger.Warn("GitHub profile fetch failed, token parked",
		slog.String("pending_id", link.ID),
		slog.String("error", cause.Error()),
	)
	return &ProfileFetchError{PendingID: link.ID, Err: cause}
}

func (s *AuthService) link(ctx context.Context, profile *model.GitHubProfile, sealed model.EncryptedToken) (*AuthResult, error) {
	account := &model.Account{
		GitHubID:          profile.ID,
		GitHubUsername:    profile.Login,
		AvatarURL:         profile.AvatarURL,
		AutoReadmeEnabled: true,
		EncryptedToken:    &sealed,
	}

	created, err := s.deps.Accounts.UpsertAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("service/auth: upserting account (githubID=%d): %w", profile.ID, err)
	}

	if created {
		err := s.deps.Activity.Record(ctx, model.ActivityLogEntry{
			AccountID: account.ID,
			Action:    model.ActionRepoConnected,
			Status:    model.StatusSuccess,
			Detail:    "linked GitHub account @" + profile.Login,
		})
		if err != nil {
			// Sign-in still succeeds.
			s.logger.Error("recording account link", slog.String("account", account.ID), slog.String("error", err.Error()))
		}
	}

	s.logger.Info("account authenticated via GitHub",
		slog.String("account", account.ID),
		slog.String("login", account.GitHubUsername),
		slog.Bool("created", created),
	)

	token, err := s.deps.Tokens.Generate(account.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating session token for %s: %w", account.ID, err)
	}

	return &AuthResult{Account: account, Token: token, Created: created}, nil
}
