package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"portal/internal/db"
	"portal/internal/http/middleware"
	"portal/internal/http/views"
	"portal/internal/logging"
	"portal/internal/models"
	"portal/internal/security"
)

type fakeUsers struct {
	mu       sync.Mutex
	byEmail  map[string]*models.User
	err      error
	ensured  int
	ensureFn func() (bool, error)
}

func (f *fakeUsers) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.byEmail[email]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) EnsureDefaultUser(_ context.Context, _, _ string, _ db.PasswordHasher) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	if f.ensureFn != nil {
		return f.ensureFn()
	}
	return false, nil
}

type fakeSessions struct {
	established []string
	destroyed   []string
	failEstab   bool
}

func (f *fakeSessions) Establish(userID string) (string, error) {
	if f.failEstab {
		return "", errors.New("codec broken")
	}
	f.established = append(f.established, userID)
	return "token-for-" + userID, nil
}

func (f *fakeSessions) Destroy(_ context.Context, token string) error {
	f.destroyed = append(f.destroyed, token)
	return nil
}

func (f *fakeSessions) TokenFromRequest(r *http.Request) string {
	c, err := r.Cookie("sid")
	if err != nil {
		return ""
	}
	return c.Value
}

func (f *fakeSessions) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{Name: "sid", Value: token, Path: "/", HttpOnly: true})
}

func (f *fakeSessions) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: "sid", Value: "", Path: "/", MaxAge: -1})
}

type fakeFlashes struct{ pending []string }

func (f *fakeFlashes) Pop(http.ResponseWriter, *http.Request) []string {
	msgs := f.pending
	f.pending = nil
	return msgs
}

type fixture struct {
	users    *fakeUsers
	sessions *fakeSessions
	flashes  *fakeFlashes
	auth     *AuthHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hasher := security.NewBcryptHasher(bcrypt.MinCost)
	admin := &models.User{ID: "u-1", Email: "admin@example.com"}
	require.NoError(t, security.SetPassword(admin, hasher, "password"))

	v, err := views.New()
	require.NoError(t, err)

	f := &fixture{
		users:    &fakeUsers{byEmail: map[string]*models.User{admin.Email: admin, "nohash@example.com": {ID: "u-2", Email: "nohash@example.com"}}},
		sessions: &fakeSessions{},
		flashes:  &fakeFlashes{},
	}
	f.auth, err = NewAuthHandler(f.users, hasher, f.sessions, f.flashes, v, logging.Discard(), Bootstrap{
		OnLoginRender: true,
		Email:         "admin@example.com",
		Password:      "password",
	})
	require.NoError(t, err)
	return f
}

func postLogin(h http.HandlerFunc, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestLoginForm_RendersAndBootstraps(t *testing.T) {
	f := newFixture(t)
	f.flashes.pending = []string{middleware.LoginRequiredFlash}

	rec := httptest.NewRecorder()
	f.auth.LoginForm(rec, httptest.NewRequest(http.MethodGet, "/auth/login?next=%2Fhome", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.users.ensured)
	body := rec.Body.String()
	assert.Contains(t, body, "<form")
	assert.Contains(t, body, middleware.LoginRequiredFlash)
	assert.Contains(t, body, `value="/home"`)
}

func TestLoginForm_BootstrapFailureStillRenders(t *testing.T) {
	f := newFixture(t)
	f.users.ensureFn = func() (bool, error) { return false, db.ErrStorageUnavailable }

	rec := httptest.NewRecorder()
	f.auth.LoginForm(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginForm_AuthenticatedRedirectsHome(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), &models.User{ID: "u-1"}))
	rec := httptest.NewRecorder()
	f.auth.LoginForm(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, HomePath, rec.Header().Get("Location"))
	assert.Zero(t, f.users.ensured)
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)

	rec := postLogin(f.auth.Login, "/auth/login", url.Values{"email": {"admin@example.com"}, "password": {"password"}})

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, HomePath, rec.Header().Get("Location"))
	assert.Equal(t, []string{"u-1"}, f.sessions.established)
	require.Len(t, rec.Result().Cookies(), 1)
	assert.Equal(t, "token-for-u-1", rec.Result().Cookies()[0].Value)
}

func TestLogin_NextHandling(t *testing.T) {
	tests := []struct {
		name   string
		target string
		next   string
		want   string
	}{
		{"form next", "/auth/login", "/reports?page=2", "/reports?page=2"},
		{"query next", "/auth/login?next=%2Fsettings", "", "/settings"},
		{"absolute url", "/auth/login", "https://evil.example/", HomePath},
		{"scheme relative", "/auth/login", "//evil.example", HomePath},
		{"logout", "/auth/login", "/auth/logout", HomePath},
		{"logout with query", "/auth/login?next=%2Fauth%2Flogout%3Fx%3D1", "", HomePath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			form := url.Values{"email": {"admin@example.com"}, "password": {"password"}}
			if tt.next != "" {
				form.Set("next", tt.next)
			}
			rec := postLogin(f.auth.Login, tt.target, form)
			assert.Equal(t, http.StatusSeeOther, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Location"))
		})
	}
}

func TestLogin_FailuresLookIdentical(t *testing.T) {
	cases := map[string]url.Values{
		"wrong password": {"email": {"admin@example.com"}, "password": {"nope"}},
		"unknown email":  {"email": {"ghost@example.com"}, "password": {"password"}},
		"no hash set":    {"email": {"nohash@example.com"}, "password": {""}},
		"empty form":     {},
	}

	var bodies []string
	for name, form := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			rec := postLogin(f.auth.Login, "/auth/login", form)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, rec.Result().Cookies(), "no session cookie on failure")
			assert.Empty(t, f.sessions.established)
			assert.Contains(t, rec.Body.String(), invalidCredentialsMessage)
			bodies = append(bodies, strings.ReplaceAll(rec.Body.String(), form.Get("email"), ""))
		})
	}
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
}

func TestLogin_StorageErrorIs500(t *testing.T) {
	f := newFixture(t)
	f.users.err = errors.Join(db.ErrStorageUnavailable, errors.New("pq: password authentication failed for user portal"))

	rec := postLogin(f.auth.Login, "/auth/login", url.Values{"email": {"admin@example.com"}, "password": {"password"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
	assert.Empty(t, rec.Result().Cookies())
}

func TestLogin_EstablishFailureIs500(t *testing.T) {
	f := newFixture(t)
	f.sessions.failEstab = true

	rec := postLogin(f.auth.Login, "/auth/login", url.Values{"email": {"admin@example.com"}, "password": {"password"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "token-for-u-1"})
	rec := httptest.NewRecorder()
	f.auth.Logout(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, middleware.LoginPath, rec.Header().Get("Location"))
	assert.Equal(t, []string{"token-for-u-1"}, f.sessions.destroyed)
	require.Len(t, rec.Result().Cookies(), 1)
	assert.True(t, rec.Result().Cookies()[0].MaxAge < 0)
}

func TestPages(t *testing.T) {
	v, err := views.New()
	require.NoError(t, err)
	h := NewPageHandler(v, logging.Discard())

	rec := httptest.NewRecorder()
	h.Index(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	h.Home(rec, httptest.NewRequest(http.MethodGet, "/home", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login?next=%2Fhome", rec.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), &models.User{ID: "u-1", Email: "admin@example.com"}))
	rec = httptest.NewRecorder()
	h.Home(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "admin@example.com")
}
