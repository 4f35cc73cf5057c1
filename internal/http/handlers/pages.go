package handlers

import (
	"log/slog"
	"net/http"

	"portal/internal/http/middleware"
	"portal/internal/http/views"
)

type PageHandler struct {
	views  *views.Renderer
	logger *slog.Logger
}

func NewPageHandler(v *views.Renderer, logger *slog.Logger) *PageHandler {
	return &PageHandler{views: v, logger: logger}
}

// Index sends everyone to the login page, which forwards signed-in users on.
func (h *PageHandler) Index(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, middleware.LoginPath, http.StatusFound)
}

func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.CurrentUser(r.Context())
	if !ok {
		http.Redirect(w, r, middleware.LoginURL(r.URL.RequestURI()), http.StatusFound)
		return
	}

	if err := h.views.Render(w, http.StatusOK, views.PageHome, views.Page{Title: "Home", User: user}); err != nil {
		h.logger.ErrorContext(r.Context(), "render home page", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
