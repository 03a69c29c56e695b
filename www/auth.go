package www

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionName    = "scribe_session"
	sessionTTL     = 24 * time.Hour
	minPasswordLen = 8
)

var errWeakPassword = fmt.Errorf("password must be at least %d characters", minPasswordLen)

// sessionStore keeps the admin login in a signed cookie. The cookie carries
// its issue time, and sessions older than sessionTTL are refused even if a
// client keeps replaying the cookie.
type sessionStore struct {
	store *sessions.CookieStore
	now   func() time.Time
}

// newSessionStore keys the cookie store with the base64 secret from config,
// or a random key when none is set (sessions then end with the process).
func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	cs := sessions.NewCookieStore(key)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	cs.MaxAge(cs.Options.MaxAge)
	return &sessionStore{store: cs, now: time.Now}
}

func (s *sessionStore) get(r *http.Request) *sessions.Session {
	sess, _ := s.store.Get(r, sessionName)
	return sess
}

func (s *sessionStore) getUser(r *http.Request) (username string, ok bool) {
	vals := s.get(r).Values
	username, _ = vals["username"].(string)
	issued, _ := vals["issued"].(int64)
	if username == "" || issued == 0 {
		return "", false
	}
	if s.now().Sub(time.Unix(issued, 0)) > sessionTTL {
		return "", false
	}
	return username, true
}

func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, username string) error {
	sess := s.get(r)
	sess.Values["username"] = username
	sess.Values["issued"] = s.now().Unix()
	return sess.Save(r, w)
}

func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) {
	sess := s.get(r)
	delete(sess.Values, "username")
	delete(sess.Values, "issued")
	sess.Options.MaxAge = -1
	sess.Save(r, w)
}

func validatePassword(password string) error {
	if len(password) < minPasswordLen {
		return errWeakPassword
	}
	return nil
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
