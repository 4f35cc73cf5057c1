package router

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"portal/internal/http/handlers"
	"portal/internal/http/middleware"
	"portal/internal/http/views"
	"portal/internal/models"
	"portal/internal/security"
)

// UserStore is what the routes need from the credential store.
type UserStore interface {
	handlers.UserStore
	FindUserByID(ctx context.Context, id string) (*models.User, error)
}

type Deps struct {
	Users       UserStore
	Hasher      security.Hasher
	Sessions    *security.SessionManager
	Flashes     *security.Flashes
	Views       *views.Renderer
	Logger      *slog.Logger
	ServiceName string
	Bootstrap   handlers.Bootstrap
}

// Setup returns the portal's routes wrapped in request logging and panic
// recovery. The wrapping sits outside the mux so unmatched routes are logged.
func Setup(deps Deps) (http.Handler, error) {
	r := mux.NewRouter()

	authHandler, err := handlers.NewAuthHandler(deps.Users, deps.Hasher, deps.Sessions, deps.Flashes, deps.Views, deps.Logger, deps.Bootstrap)
	if err != nil {
		return nil, err
	}
	pageHandler := handlers.NewPageHandler(deps.Views, deps.Logger)
	healthHandler := handlers.NewHealthHandler(deps.ServiceName)

	authenticate := middleware.Authenticate(deps.Sessions, deps.Users, deps.Logger)
	requireLogin := middleware.RequireLogin(deps.Flashes, deps.Logger)
	public := func(h http.HandlerFunc) http.Handler { return authenticate(h) }
	protected := func(h http.HandlerFunc) http.Handler { return authenticate(requireLogin(h)) }

	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet, http.MethodHead)

	r.Handle("/", public(pageHandler.Index)).Methods(http.MethodGet)
	r.Handle("/auth/login", public(authHandler.LoginForm)).Methods(http.MethodGet)
	r.Handle("/auth/login", public(authHandler.Login)).Methods(http.MethodPost)
	r.Handle(middleware.LogoutPath, protected(authHandler.Logout)).Methods(http.MethodGet)
	r.Handle("/home", protected(pageHandler.Home)).Methods(http.MethodGet)

	return middleware.Chain(r, deps.Logger), nil
}
