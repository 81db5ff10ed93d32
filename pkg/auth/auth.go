// Package auth resolves the calling user from a bearer token.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/conversation"
	"matchtalk/pkg/response"
)

// ContextKey is where Middleware stores the caller's user id.
const ContextKey = "userID"

type Session struct {
	UserID string
}

type Resolver interface {
	Resolve(r *http.Request) (Session, error)
}

// JWTResolver verifies HS256 tokens with a shared secret, or RS256 tokens
// with a public key when one is configured.
type JWTResolver struct {
	secret []byte
	pub    *rsa.PublicKey
}

func NewJWTResolver(secret, publicKeyPath string) (*JWTResolver, error) {
	r := &JWTResolver{secret: []byte(secret)}
	if publicKeyPath != "" {
		b, err := os.ReadFile(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		r.pub = pub
	}
	if r.pub == nil && len(r.secret) == 0 {
		return nil, errors.New("jwt: neither secret nor public key configured")
	}
	return r, nil
}

func (j *JWTResolver) Resolve(r *http.Request) (Session, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return Session{}, apperr.Unauthorized("missing bearer token")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, j.key, jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return Session{}, &apperr.Error{Kind: apperr.ErrAuth, Msg: "invalid token", Err: err}
	}

	userID := stringClaim(claims, "userId")
	if userID == "" {
		userID, _ = claims.GetSubject()
	}
	if userID == "" {
		return Session{}, apperr.Unauthorized("token has no subject")
	}
	if conversation.ValidateUser(userID) != nil {
		return Session{}, apperr.Unauthorized("token subject is not a valid user id")
	}
	return Session{UserID: userID}, nil
}

func (j *JWTResolver) key(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodRSA:
		if j.pub != nil {
			return j.pub, nil
		}
	case *jwt.SigningMethodHMAC:
		if len(j.secret) > 0 {
			return j.secret, nil
		}
	}
	return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
}

// Sign issues an HS256 token for userID. Used by the CLI and tests.
func Sign(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(secret))
}

// EventSource cannot set headers, so the stream endpoints also accept the
// token as a query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// Middleware rejects unauthenticated requests and stores the caller's id.
func Middleware(resolver Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := resolver.Resolve(c.Request)
		if err != nil {
			response.SendError(c, http.StatusUnauthorized, apperr.Message(err), 0)
			return
		}
		c.Set(ContextKey, s.UserID)
		c.Next()
	}
}

// UserID returns the id stored by Middleware, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKey)
}
