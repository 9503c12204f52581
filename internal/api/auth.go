package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/spediresicuro/anne/internal/acting"
)

const sessionContextKey = "acting_session"

// Claims are the claims of a dashboard session token.
type Claims struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	AccountType string `json:"account_type,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs a session token. The dashboard issues these in
// production; the CLI and tests use this helper.
func IssueToken(secret string, s acting.Session, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := Claims{
		UserID:      s.UserID,
		Email:       s.Email,
		Name:        s.Name,
		Role:        string(s.Role),
		AccountType: s.AccountType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a session token and returns the session it carries.
func ParseToken(secret, tokenString string) (*acting.Session, error) {
	if secret == "" {
		return nil, errors.New("jwt secret not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return &acting.Session{
		UserID:      claims.UserID,
		Email:       claims.Email,
		Name:        claims.Name,
		Role:        acting.Role(claims.Role),
		AccountType: claims.AccountType,
	}, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// session on the echo context.
func RequireAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return unauthorized(c)
			}
			tokenParts := strings.SplitN(authHeader, " ", 2)
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return unauthorized(c)
			}
			s, err := ParseToken(secret, strings.TrimSpace(tokenParts[1]))
			if err != nil {
				return unauthorized(c)
			}
			c.Set(sessionContextKey, s)
			return next(c)
		}
	}
}

func sessionFrom(c echo.Context) *acting.Session {
	s, _ := c.Get(sessionContextKey).(*acting.Session)
	return s
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: "Non autenticato"})
}
