package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/deemkeen/stegofed/domain"
)

const (
	SessionCookie = "stegofed_session"
	sessionTTL    = 30 * 24 * time.Hour
)

// HashPassword returns the bcrypt hash stored for an account.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// checkBasic resolves HTTP Basic credentials to an account.
func (s *Server) checkBasic(r *http.Request) (*domain.Account, bool) {
	nickname, password, ok := r.BasicAuth()
	if !ok {
		return nil, false
	}
	err, acc := s.db.ReadAccByNickname(nickname)
	if err != nil {
		return nil, false
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return nil, false
	}
	return acc, true
}

// checkSession resolves the session cookie to an account.
func (s *Server) checkSession(r *http.Request) (*domain.Account, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	err, session := s.db.ReadSession(cookie.Value)
	if err != nil || !time.Now().Before(session.ExpiresAt) {
		return nil, false
	}
	err, acc := s.db.ReadAccById(session.AccountId)
	if err != nil {
		return nil, false
	}
	return acc, true
}

// authenticate binds the account owning :nick, authenticated by cookie
// session or HTTP Basic. Anything else is 403.
func (s *Server) authenticate(c *gin.Context) {
	acc, ok := s.checkSession(c.Request)
	if !ok {
		acc, ok = s.checkBasic(c.Request)
	}
	if !ok || acc.Nickname != c.Param("nick") {
		s.log.Infow("Outbox: authentication failed", "path", c.Request.URL.Path, "ip", c.ClientIP())
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	c.Set(accountKey, acc)
	c.Next()
}

// handleLogin trades HTTP Basic credentials for a session cookie.
func (s *Server) handleLogin(c *gin.Context) {
	acc, ok := s.checkBasic(c.Request)
	if !ok {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	session := &domain.Session{
		Token:     uuid.NewString(),
		AccountId: acc.Id,
		ExpiresAt: time.Now().Add(sessionTTL),
	}
	if err := s.db.CreateSession(session); err != nil {
		s.log.Errorw("Login: failed to create session", "account", acc.Nickname, "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if err := s.db.DeleteExpiredSessions(time.Now()); err != nil {
		s.log.Warnw("Login: failed to prune sessions", "error", err)
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, session.Token, int(sessionTTL.Seconds()), "/", "", true, true)
	s.log.Infow("Login: session created", "account", acc.Nickname)
	c.Status(http.StatusNoContent)
}
