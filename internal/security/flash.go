package security

import (
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
)

const flashCookieName = "portal_flash"

// Flashes carries one-shot notices across a redirect in a signed cookie.
type Flashes struct {
	store *sessions.CookieStore
}

func NewFlashes(secret, encryptionKey []byte, secure bool) *Flashes {
	keys := [][]byte{secret}
	if len(encryptionKey) > 0 {
		keys = append(keys, encryptionKey)
	}
	store := sessions.NewCookieStore(keys...)
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &Flashes{store: store}
}

func (f *Flashes) Add(w http.ResponseWriter, r *http.Request, msg string) error {
	// A tampered or stale flash cookie yields a fresh session plus an error;
	// overwriting it is fine.
	session, _ := f.store.Get(r, flashCookieName)
	session.AddFlash(msg)
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("save flash: %w", err)
	}
	return nil
}

// Pop returns and clears the pending notices. A flash cookie that fails
// verification is expired so the client stops sending it.
func (f *Flashes) Pop(w http.ResponseWriter, r *http.Request) []string {
	session, err := f.store.Get(r, flashCookieName)
	if err != nil {
		session.Options.MaxAge = -1
		_ = session.Save(r, w)
		return nil
	}
	raw := session.Flashes()
	if len(raw) == 0 {
		return nil
	}
	_ = session.Save(r, w)

	msgs := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			msgs = append(msgs, s)
		}
	}
	return msgs
}
