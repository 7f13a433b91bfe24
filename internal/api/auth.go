package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"prices-service/internal/redisclient"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const userIDKey = "user_id"

// ErrInvalidToken is returned for malformed, expired or revoked tokens
var ErrInvalidToken = errors.New("invalid token")

// SessionStore keeps the server side half of a session token
type SessionStore interface {
	SaveSession(ctx context.Context, sessionID, userID string, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Authenticator issues and checks HS256 session tokens. The token id is a
// session key, so deleting the session revokes the token before it expires.
type Authenticator struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	sessions SessionStore
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(secret, issuer string, ttl time.Duration, sessions SessionStore) *Authenticator {
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   issuer,
		ttl:      ttl,
		sessions: sessions,
	}
}

// IssueToken opens a session for userID and returns its signed token
func (a *Authenticator) IssueToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id cannot be empty")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	if err := a.sessions.SaveSession(ctx, claims.ID, userID, a.ttl); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate returns the user id of a live session token
func (a *Authenticator) Authenticate(ctx context.Context, token string) (string, error) {
	claims, err := a.parse(token)
	if err != nil {
		return "", err
	}

	userID, err := a.sessions.GetSession(ctx, claims.ID)
	if errors.Is(err, redisclient.ErrSessionNotFound) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	if userID != claims.Subject {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// Revoke deletes the session behind token
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	claims, err := a.parse(token)
	if err != nil {
		return err
	}
	return a.sessions.DeleteSession(ctx, claims.ID)
}

func (a *Authenticator) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// requireUser rejects requests without a live session token
func (h *Handler) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		userID, err := h.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			if !errors.Is(err, ErrInvalidToken) {
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{"error": "Authentication failed", "details": err.Error()})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// deleteSession handles logout
func (h *Handler) deleteSession(c *gin.Context) {
	if err := h.auth.Revoke(c.Request.Context(), bearerToken(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
