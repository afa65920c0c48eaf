package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/sakif/readmebot/internal/model"
)

// contextKey is unexported so no other package can read or shadow the
// values stored here.
type contextKey string

const accountKey contextKey = "account"

// Verifier turns a bearer token into the account it belongs to. The service
// layer implements it: signature and expiry via TokenService, then an
// existence check against the account store.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (*model.Account, error)
}

// RequireAuth rejects requests without a valid "Authorization: Bearer" header
// with 401 and otherwise stores the account in the request context.
//
// Chi applies middlewares in order: req -> M1 -> M2 -> handler -> M2 -> M1.
func RequireAuth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}
			account, err := v.Verify(r.Context(), token)
			if err != nil {
				unauthorized(w)
				return
			}

			ctx := WithAccount(r.Context(), account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func WithAccount(ctx context.Context, account *model.Account) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// AccountFromContext returns the authenticated account, or (nil, false) on
// routes that are not behind RequireAuth.
func AccountFromContext(ctx context.Context) (*model.Account, bool) {
	a, ok := ctx.Value(accountKey).(*model.Account)
	return a, ok && a != nil
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
}
