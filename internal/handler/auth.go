package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sakif/readmebot/internal/auth"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/service"
)

// AuthFlow is the part of service.AuthService the OAuth routes use.
type AuthFlow interface {
	BeginAuth() (redirectURL, state string, err error)
	CheckState(state, cookie string) error
	CompleteAuth(ctx context.Context, code string) (*service.AuthResult, error)
	ResumeAuth(ctx context.Context, pendingID string) (*service.AuthResult, error)
}

var _ AuthFlow = (*service.AuthService)(nil)

// AuthHandler serves the GitHub OAuth routes and session verification.
//
//   - HandleGitHubLogin    GET  /auth/github
//   - HandleGitHubCallback GET  /auth/github/callback
//   - HandleResume         POST /auth/github/resume
//   - HandleVerify         POST /auth/verify (behind RequireAuth)
type AuthHandler struct {
	flow         AuthFlow
	frontendURL  string
	stateTTL     time.Duration
	secureCookie bool
	logger       *slog.Logger
}

// NewAuthHandler creates an AuthHandler. The browser is sent back to
// frontendURL with the outcome in the URL fragment; the state cookie is
// marked Secure when frontendURL is https.
func NewAuthHandler(flow AuthFlow, frontendURL string, stateTTL time.Duration, logger *slog.Logger) *AuthHandler {
	if stateTTL <= 0 {
		stateTTL = auth.DefaultStateTTL
	}
	return &AuthHandler{
		flow:         flow,
		frontendURL:  strings.TrimSuffix(frontendURL, "/"),
		stateTTL:     stateTTL,
		secureCookie: strings.HasPrefix(frontendURL, "https://"),
		logger:       logger,
	}
}

// HandleGitHubLogin redirects the browser to GitHub's consent page. The
// signed state goes both into the URL and into an HttpOnly cookie; the
// callback requires the two to match.
func (h *AuthHandler) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	redirect, state, err := h.flow.BeginAuth()
	if err != nil {
		h.logger.Error("auth: starting OAuth", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.StateCookie,
		Value:    state,
		Path:     "/auth/github",
		MaxAge:   int(h.stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, redirect, http.StatusFound)
}

// HandleGitHubCallback completes OAuth and sends the browser to the
// frontend:
//
//	#accessToken=<jwt>     linked
//	#pendingId=<id>        token stored, profile fetch failed; POST /auth/github/resume
//	#error=<reason>        denied, bad state, rejected code or server error
func (h *AuthHandler) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var cookie string
	if c, err := r.Cookie(auth.StateCookie); err == nil {
		cookie = c.Value
	}
	// Single use.
	http.SetCookie(w, &http.Cookie{
		Name:     auth.StateCookie,
		Value:    "",
		Path:     "/auth/github",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	if reason := q.Get("error"); reason != "" {
		h.logger.Info("auth callback: user denied authorization", slog.String("reason", reason))
		h.finish(w, r, "error", "access_denied")
		return
	}

	if err := h.flow.CheckState(q.Get("state"), cookie); err != nil {
		h.logger.Warn("auth callback: state check failed")
		h.finish(w, r, "error", "invalid_state")
		return
	}

	res, err := h.flow.CompleteAuth(r.Context(), q.Get("code"))
	if err != nil {
		var pfe *service.ProfileFetchError
		switch {
		case errors.As(err, &pfe):
			h.finish(w, r, "pendingId", pfe.PendingID)
		case errors.Is(err, auth.ErrOAuthExchange):
			h.finish(w, r, "error", "oauth_failed")
		default:
			h.logger.Error("auth callback failed", slog.String("error", err.Error()))
			h.finish(w, r, "error", "server_error")
		}
		return
	}

	h.finish(w, r, "accessToken", res.Token)
}

type resumeRequest struct {
	PendingID string `json:"pendingId"`
}

// AuthResponse is returned by the JSON auth endpoints.
type AuthResponse struct {
	AccessToken string         `json:"accessToken,omitempty"`
	User        *model.Account `json:"user"`
}

// HandleResume finishes a link whose profile fetch failed during the
// callback.
func (h *AuthHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.flow.ResumeAuth(r.Context(), req.PendingID)
	if err != nil {
		var pfe *service.ProfileFetchError
		if errors.As(err, &pfe) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error":     "profile_unavailable",
				"message":   "GitHub profile could not be loaded; retry with the new pendingId",
				"pendingId": pfe.PendingID,
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{AccessToken: res.Token, User: res.Account})
}

// HandleVerify returns the account behind the bearer token. RequireAuth has
// already rejected invalid tokens with 401.
func (h *AuthHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "valid authentication required"})
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{User: account})
}

// finish redirects to the frontend with key=value in the fragment. The
// fragment never reaches a server, so the token stays out of access logs.
func (h *AuthHandler) finish(w http.ResponseWriter, r *http.Request, key, value string) {
	target := h.frontendURL + "/#" + key + "=" + url.QueryEscape(value)
	http.Redirect(w, r, target, http.StatusFound)
}
