package security

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"

	"portal/internal/models"
)

const (
	DefaultCookieName = "portal_session"
	DefaultTokenTTL   = 12 * time.Hour
)

var (
	ErrSessionInvalid = errors.New("session invalid")
	ErrNoSecret       = errors.New("session secret key is empty")
)

type SessionOptions struct {
	CookieName string
	SecretKey  []byte
	// EncryptionKey is optional; when set it must be 16, 24 or 32 bytes.
	EncryptionKey []byte
	// MaxAge is the cookie lifetime. Zero means a browser-session cookie.
	MaxAge time.Duration
	// TokenTTL bounds how long a token is accepted after it was issued,
	// whatever the cookie lifetime.
	TokenTTL time.Duration
	Secure   bool
	Logger   *slog.Logger
}

type tokenPayload struct {
	UserID   string `json:"uid"`
	TokenID  string `json:"jti"`
	IssuedAt int64  `json:"iat"`
}

// SessionManager issues and resolves signed session tokens. The token is
// the whole session; revoker is the only server-side state and may be nil.
type SessionManager struct {
	codec   *securecookie.SecureCookie
	opts    SessionOptions
	revoker Revoker
	logger  *slog.Logger
	now     func() time.Time
}

func NewSessionManager(opts SessionOptions, revoker Revoker) (*SessionManager, error) {
	if len(opts.SecretKey) == 0 {
		return nil, ErrNoSecret
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}

	var blockKey []byte
	if len(opts.EncryptionKey) > 0 {
		switch len(opts.EncryptionKey) {
		case 16, 24, 32:
			blockKey = opts.EncryptionKey
		default:
			return nil, errors.New("session encryption key must be 16, 24 or 32 bytes")
		}
	}

	codec := securecookie.New(opts.SecretKey, blockKey)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(opts.TokenTTL.Seconds()))

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionManager{
		codec:   codec,
		opts:    opts,
		revoker: revoker,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (m *SessionManager) CookieName() string {
	return m.opts.CookieName
}

// Establish returns a tamper-evident token bound to userID.
func (m *SessionManager) Establish(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("establish session: empty user id")
	}
	payload := tokenPayload{
		UserID:   userID,
		TokenID:  uuid.NewString(),
		IssuedAt: m.now().Unix(),
	}
	return m.codec.Encode(m.opts.CookieName, payload)
}

// Resolve returns the user id carried by token. Any failure (missing,
// malformed, forged, expired or revoked token) resolves to ok == false.
func (m *SessionManager) Resolve(ctx context.Context, token string) (string, bool) {
	session, err := m.decode(token)
	if err != nil {
		return "", false
	}

	if m.revoker != nil {
		revoked, err := m.revoker.IsRevoked(ctx, session.ID)
		if err != nil {
			m.logger.ErrorContext(ctx, "session revocation lookup failed", "error", err)
			return "", false
		}
		if revoked {
			return "", false
		}
	}

	return session.UserID, true
}

// Destroy revokes token until it would have expired anyway. Invalid tokens
// have nothing to revoke and are ignored. The caller still has to clear the
// client's cookie.
func (m *SessionManager) Destroy(ctx context.Context, token string) error {
	if m.revoker == nil {
		return nil
	}
	session, err := m.decode(token)
	if err != nil {
		return nil
	}
	return m.revoker.Revoke(ctx, session.ID, session.ExpiresAt)
}

func (m *SessionManager) decode(token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	var payload tokenPayload
	if err := m.codec.Decode(m.opts.CookieName, token, &payload); err != nil {
		return nil, ErrSessionInvalid
	}
	if payload.UserID == "" || payload.TokenID == "" {
		return nil, ErrSessionInvalid
	}

	issued := time.Unix(payload.IssuedAt, 0)
	expires := issued.Add(m.opts.TokenTTL)
	if !m.now().Before(expires) {
		return nil, ErrSessionInvalid
	}

	return &models.Session{
		ID:        payload.TokenID,
		UserID:    payload.UserID,
		CreatedAt: issued,
		ExpiresAt: expires,
	}, nil
}

// TokenFromRequest returns the raw session cookie value, or "".
func (m *SessionManager) TokenFromRequest(r *http.Request) string {
	c, err := r.Cookie(m.opts.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (m *SessionManager) SetCookie(w http.ResponseWriter, token string) {
	c := &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if m.opts.MaxAge > 0 {
		c.MaxAge = int(m.opts.MaxAge.Seconds())
		c.Expires = m.now().Add(m.opts.MaxAge)
	}
	http.SetCookie(w, c)
}

func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
