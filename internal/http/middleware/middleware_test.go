package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal/internal/db"
	"portal/internal/logging"
	"portal/internal/models"
)

type stubSessions struct {
	tokens map[string]string
}

func (s *stubSessions) TokenFromRequest(r *http.Request) string {
	c, err := r.Cookie("sid")
	if err != nil {
		return ""
	}
	return c.Value
}

func (s *stubSessions) Resolve(_ context.Context, token string) (string, bool) {
	uid, ok := s.tokens[token]
	return uid, ok
}

type stubUsers struct {
	users map[string]*models.User
	err   error
}

func (s *stubUsers) FindUserByID(_ context.Context, id string) (*models.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

type stubFlashes struct {
	msgs []string
}

func (f *stubFlashes) Add(_ http.ResponseWriter, _ *http.Request, msg string) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

func whoami() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, ok := CurrentUser(r.Context()); ok {
			_, _ = w.Write([]byte(u.Email))
			return
		}
		_, _ = w.Write([]byte("anonymous"))
	})
}

func requestWithSID(sid string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	if sid != "" {
		req.AddCookie(&http.Cookie{Name: "sid", Value: sid})
	}
	return req
}

func TestAuthenticate(t *testing.T) {
	sessions := &stubSessions{tokens: map[string]string{"good": "u1", "orphan": "u2"}}
	users := &stubUsers{users: map[string]*models.User{"u1": {ID: "u1", Email: "admin@example.com"}}}
	h := Authenticate(sessions, users, logging.Discard())(whoami())

	tests := []struct {
		sid  string
		want string
	}{
		{"good", "admin@example.com"},
		{"", "anonymous"},
		{"forged", "anonymous"},
		{"orphan", "anonymous"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestWithSID(tt.sid))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, tt.want, rec.Body.String(), "sid %q", tt.sid)
	}
}

func TestAuthenticate_StorageError(t *testing.T) {
	sessions := &stubSessions{tokens: map[string]string{"good": "u1"}}
	users := &stubUsers{err: errors.Join(db.ErrStorageUnavailable, errors.New("dial tcp: refused"))}

	var logBuf bytes.Buffer
	logger, err := logging.New("info", "text", &logBuf)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	Authenticate(sessions, users, logger)(whoami()).ServeHTTP(rec, requestWithSID("good"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "refused")
	assert.Contains(t, logBuf.String(), "refused")
}

func TestRequireLogin(t *testing.T) {
	flashes := &stubFlashes{}
	h := RequireLogin(flashes, logging.Discard())(whoami())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/home", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login?next=%2Fhome", rec.Header().Get("Location"))
	assert.Equal(t, []string{LoginRequiredFlash}, flashes.msgs)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	req = req.WithContext(WithUser(req.Context(), &models.User{ID: "u1", Email: "a@example.com"}))
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a@example.com", rec.Body.String())
}

func TestRequireLogin_LogoutIsNotNext(t *testing.T) {
	h := RequireLogin(&stubFlashes{}, logging.Discard())(whoami())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, LoginPath, rec.Header().Get("Location"))
}

func TestLoginURL(t *testing.T) {
	assert.Equal(t, "/auth/login", LoginURL(""))
	assert.Equal(t, "/auth/login?next=%2Freports%3Fpage%3D2", LoginURL("/reports?page=2"))
}

func TestCurrentUser_Empty(t *testing.T) {
	_, ok := CurrentUser(context.Background())
	assert.False(t, ok)

	_, ok = CurrentUser(WithUser(context.Background(), nil))
	assert.False(t, ok)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New("info", "text", &buf)
	require.NoError(t, err)

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	out := buf.String()
	assert.Contains(t, out, "method=GET")
	assert.Contains(t, out, "path=/health")
	assert.Contains(t, out, "status=418")
}

func TestRecover(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestChain_LogsPanicsAndUnmatchedRoutes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New("info", "text", &buf)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := Chain(mux, logger)

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	out := buf.String()
	assert.Contains(t, out, "panic serving request")
	assert.Contains(t, out, "path=/boom status=500")
	assert.Contains(t, out, "request_id=")

	buf.Reset()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, buf.String(), "path=/missing status=404")
}

func TestChain_KeepsClientRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New("info", "text", &buf)
	require.NoError(t, err)

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), logger)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), "request_id=abc-123")
	assert.Contains(t, buf.String(), "status=204")
}
