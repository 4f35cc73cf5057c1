// Package middleware holds the HTTP middleware shared by portal routes:
// identity resolution, the login guard, request logging and panic recovery.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"portal/internal/db"
	"portal/internal/models"
)

const (
	LoginPath          = "/auth/login"
	LogoutPath         = "/auth/logout"
	LoginRequiredFlash = "You must be logged in to access this page!"
)

type contextKey struct{}

// SessionResolver maps a request's session cookie to a user id.
type SessionResolver interface {
	TokenFromRequest(r *http.Request) string
	Resolve(ctx context.Context, token string) (string, bool)
}

type UserLoader interface {
	FindUserByID(ctx context.Context, id string) (*models.User, error)
}

type FlashWriter interface {
	Add(w http.ResponseWriter, r *http.Request, msg string) error
}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// CurrentUser returns the user resolved for this request, if any.
func CurrentUser(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(contextKey{}).(*models.User)
	return u, ok && u != nil
}

// Authenticate resolves the session cookie and stores the user in the
// request context. Requests without a valid session pass through as
// anonymous; only a storage failure stops the request.
func Authenticate(sessions SessionResolver, users UserLoader, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := sessions.Resolve(r.Context(), sessions.TokenFromRequest(r))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			user, err := users.FindUserByID(r.Context(), userID)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					next.ServeHTTP(w, r)
					return
				}
				logger.ErrorContext(r.Context(), "load session user", "error", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireLogin redirects anonymous requests to the login page with the
// requested path in "next" and a notice for the login form. Logout is never
// used as "next"; signing in would end the new session straight away.
func RequireLogin(flashes FlashWriter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := CurrentUser(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			if err := flashes.Add(w, r, LoginRequiredFlash); err != nil {
				logger.WarnContext(r.Context(), "store login notice", "error", err)
			}
			next := r.URL.RequestURI()
			if r.URL.Path == LogoutPath {
				next = ""
			}
			http.Redirect(w, r, LoginURL(next), http.StatusFound)
		})
	}
}

// LoginURL is the login page with next set to the given path.
func LoginURL(next string) string {
	if next == "" {
		return LoginPath
	}
	return LoginPath + "?" + url.Values{"next": {next}}.Encode()
}
