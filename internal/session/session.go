// Package session binds each browser to a server-side session id through a
// signed, http-only cookie.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"realty-mail-engine/internal/config"
)

const contextKey = "session_id"

type claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Manager issues and verifies session cookies
type Manager struct {
	cfg    config.SessionConfig
	secret []byte
	now    func() time.Time
}

// NewManager creates a Manager
func NewManager(cfg config.SessionConfig) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = "rme_session"
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	return &Manager{cfg: cfg, secret: []byte(cfg.Secret), now: time.Now}
}

// Issue signs a cookie value for sessionID
func (m *Manager) Issue(sessionID string) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}
	return signed, nil
}

// Parse verifies a cookie value and returns its session id
func (m *Manager) Parse(value string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(value, &c, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return "", fmt.Errorf("invalid session: %w", err)
	}
	if c.SessionID == "" {
		return "", errors.New("invalid session: missing sid")
	}
	return c.SessionID, nil
}

// Middleware resolves the session id, starting a new session when the cookie
// is missing or fails verification
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if value, err := c.Cookie(m.cfg.CookieName); err == nil {
			if sid, err := m.Parse(value); err == nil {
				c.Set(contextKey, sid)
				c.Next()
				return
			}
		}

		sid := uuid.NewString()
		value, err := m.Issue(sid)
		if err != nil {
			logrus.Errorf("Failed to issue session cookie: %v", err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(m.cfg.CookieName, value, int(m.cfg.TTL.Seconds()), m.cfg.Path, "", m.cfg.Secure, true)
		c.Set(contextKey, sid)
		c.Next()
	}
}

// ID returns the session id resolved by Middleware
func ID(c *gin.Context) string {
	return c.GetString(contextKey)
}
