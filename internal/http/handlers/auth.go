package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"portal/internal/db"
	"portal/internal/http/middleware"
	"portal/internal/http/views"
	"portal/internal/models"
	"portal/internal/security"
)

const (
	HomePath = "/home"

	invalidCredentialsMessage = "Please check your email and password and try again."
)

type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	EnsureDefaultUser(ctx context.Context, email, password string, hasher db.PasswordHasher) (bool, error)
}

type Sessions interface {
	Establish(userID string) (string, error)
	Destroy(ctx context.Context, token string) error
	TokenFromRequest(r *http.Request) string
	SetCookie(w http.ResponseWriter, token string)
	ClearCookie(w http.ResponseWriter)
}

type FlashReader interface {
	Pop(w http.ResponseWriter, r *http.Request) []string
}

// Bootstrap controls the default-account check on login page renders.
type Bootstrap struct {
	OnLoginRender bool
	Email         string
	Password      string
}

type AuthHandler struct {
	users     UserStore
	hasher    security.Hasher
	sessions  Sessions
	flashes   FlashReader
	views     *views.Renderer
	logger    *slog.Logger
	bootstrap Bootstrap

	// dummyHash is verified against when the email is unknown so both
	// failure paths cost one hash comparison.
	dummyHash string
}

func NewAuthHandler(users UserStore, hasher security.Hasher, sessions Sessions, flashes FlashReader, v *views.Renderer, logger *slog.Logger, bootstrap Bootstrap) (*AuthHandler, error) {
	dummy, err := hasher.Hash("portal-dummy-password")
	if err != nil {
		return nil, err
	}
	return &AuthHandler{
		users:     users,
		hasher:    hasher,
		sessions:  sessions,
		flashes:   flashes,
		views:     v,
		logger:    logger,
		bootstrap: bootstrap,
		dummyHash: dummy,
	}, nil
}

// LoginForm handles GET /auth/login.
func (h *AuthHandler) LoginForm(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.CurrentUser(r.Context()); ok {
		http.Redirect(w, r, HomePath, http.StatusFound)
		return
	}

	if h.bootstrap.OnLoginRender {
		if created, err := h.users.EnsureDefaultUser(r.Context(), h.bootstrap.Email, h.bootstrap.Password, h.hasher); err != nil {
			h.logger.ErrorContext(r.Context(), "ensure default user", "error", err)
		} else if created {
			h.logger.InfoContext(r.Context(), "default user created", "email", h.bootstrap.Email)
		}
	}

	h.renderLogin(w, r, http.StatusOK, views.Page{
		Flashes: h.flashes.Pop(w, r),
		Next:    r.URL.Query().Get("next"),
	})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.CurrentUser(r.Context()); ok {
		http.Redirect(w, r, HomePath, http.StatusSeeOther)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(r.PostForm.Get("email"))
	password := r.PostForm.Get("password")
	next := r.PostForm.Get("next")
	if next == "" {
		next = r.URL.Query().Get("next")
	}

	user, err := h.authenticate(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, security.ErrInvalidCredentials) {
			h.logger.InfoContext(r.Context(), "login failed", "remote", r.RemoteAddr)
			h.renderLogin(w, r, http.StatusOK, views.Page{
				Error: invalidCredentialsMessage,
				Email: email,
				Next:  next,
			})
			return
		}
		h.logger.ErrorContext(r.Context(), "login lookup failed", "error", err)
		renderError(w, h.views, h.logger)
		return
	}

	token, err := h.sessions.Establish(user.ID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "establish session", "error", err)
		renderError(w, h.views, h.logger)
		return
	}
	h.sessions.SetCookie(w, token)

	h.logger.InfoContext(r.Context(), "login succeeded", "user_id", user.ID)
	http.Redirect(w, r, landingPage(next), http.StatusSeeOther)
}

// landingPage is next when it is safe and not the logout route.
func landingPage(next string) string {
	target := security.SafeNext(next, HomePath)
	if u, err := url.Parse(target); err == nil && u.Path == middleware.LogoutPath {
		return HomePath
	}
	return target
}

// authenticate never tells the caller which of email or password was wrong.
func (h *AuthHandler) authenticate(ctx context.Context, email, password string) (*models.User, error) {
	if email == "" || password == "" {
		return nil, security.ErrInvalidCredentials
	}

	user, err := h.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			security.VerifyPassword(password, h.dummyHash)
			return nil, security.ErrInvalidCredentials
		}
		return nil, err
	}

	if !security.CheckPassword(user, password) {
		return nil, security.ErrInvalidCredentials
	}
	return user, nil
}

// Logout handles GET /auth/logout. The route is behind RequireLogin.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Destroy(r.Context(), h.sessions.TokenFromRequest(r)); err != nil {
		h.logger.ErrorContext(r.Context(), "revoke session", "error", err)
	}
	h.sessions.ClearCookie(w)
	http.Redirect(w, r, middleware.LoginPath, http.StatusFound)
}

func (h *AuthHandler) renderLogin(w http.ResponseWriter, r *http.Request, status int, page views.Page) {
	page.Title = "Sign in"
	if err := h.views.Render(w, status, views.PageLogin, page); err != nil {
		h.logger.ErrorContext(r.Context(), "render login page", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func renderError(w http.ResponseWriter, v *views.Renderer, logger *slog.Logger) {
	err := v.Render(w, http.StatusInternalServerError, views.PageError, views.Page{
		Title: "Error",
		Error: "The request could not be completed. Please try again later.",
	})
	if err != nil {
		logger.Error("render error page", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
