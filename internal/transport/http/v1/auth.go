package v1

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/agentloop/internal/policy"
)

const (
	ctxTeamID = "team_id"
	ctxUserID = "user_id"
	ctxRole   = "role"

	// Identity headers honored only when no JWT secret is configured.
	HeaderTeamID = "X-Team-Id"
	HeaderUserID = "X-User-Id"

	defaultTeamID = "default"
	defaultUserID = "anonymous"
)

// Claims are the bearer token claims. The subject is the user id.
type Claims struct {
	TeamID string `json:"team_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for a team member. A zero ttl never expires.
func SignToken(secret, teamID, userID, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		TeamID: teamID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Authenticate resolves the caller's team and user. With a secret, a bearer
// token is required (the "token" query parameter is accepted for websocket
// clients). Without one, the identity headers are trusted.
func Authenticate(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var subject policy.Subject
			if secret == "" {
				subject = policy.Subject{
					TeamID: headerOr(c, HeaderTeamID, defaultTeamID),
					UserID: headerOr(c, HeaderUserID, defaultUserID),
				}
			} else {
				raw, err := bearerToken(c)
				if err != nil {
					return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
				}
				claims, err := parseToken(secret, raw)
				if err != nil {
					return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
				}
				subject = policy.Subject{TeamID: claims.TeamID, UserID: claims.Subject, Role: claims.Role}
			}

			c.Set(ctxTeamID, subject.TeamID)
			c.Set(ctxUserID, subject.UserID)
			c.Set(ctxRole, subject.Role)
			req := c.Request()
			c.SetRequest(req.WithContext(policy.WithSubject(req.Context(), subject)))
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if token := c.QueryParam("token"); token != "" {
			return token, nil
		}
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errors.New("malformed authorization header")
	}
	return parts[1], nil
}

func parseToken(secret, raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, errors.New("token has expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, errors.New("malformed token")
	case err != nil || !token.Valid:
		return nil, errors.New("invalid token")
	}
	if claims.TeamID == "" || claims.Subject == "" {
		return nil, errors.New("token is missing team or user")
	}
	return claims, nil
}

func headerOr(c echo.Context, key, fallback string) string {
	if v := strings.TrimSpace(c.Request().Header.Get(key)); v != "" {
		return v
	}
	return fallback
}

// identity returns the team and user set by Authenticate.
func identity(c echo.Context) (teamID, userID string) {
	teamID, _ = c.Get(ctxTeamID).(string)
	userID, _ = c.Get(ctxUserID).(string)
	return teamID, userID
}
