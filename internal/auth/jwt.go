package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject   = "sub"
	claimAgentID   = "agent_id"
	claimAgentName = "name"
	claimIssuedAt  = "iat"
	claimExpiresAt = "exp"
)

// Agent identifies the human operator behind a panel request.
type Agent struct {
	ID   string
	Name string
}

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// AgentFromContext extracts the agent from JWT claims.
func AgentFromContext(c echo.Context) (Agent, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return Agent{}, err
	}
	agent := Agent{
		ID:   claimString(claims, claimAgentID),
		Name: claimString(claims, claimAgentName),
	}
	if agent.ID == "" {
		agent.ID = claimString(claims, claimSubject)
	}
	if agent.ID == "" {
		return Agent{}, echo.NewHTTPError(http.StatusUnauthorized, "agent id missing")
	}
	return agent, nil
}

// GenerateToken creates a signed JWT for the agent.
func GenerateToken(agent Agent, secret string, expiresIn time.Duration) (string, time.Time, error) {
	agent.ID = strings.TrimSpace(agent.ID)
	if agent.ID == "" {
		return "", time.Time{}, fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject:   agent.ID,
		claimAgentID:   agent.ID,
		claimIssuedAt:  now.Unix(),
		claimExpiresAt: expiresAt.Unix(),
	}
	if name := strings.TrimSpace(agent.Name); name != "" {
		claims[claimAgentName] = name
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RefreshTokenFromContext issues a new token for the agent in c, keeping the
// lifetime of the presented token. fallback is used when that lifetime is
// unknown.
func RefreshTokenFromContext(c echo.Context, secret string, fallback time.Duration) (string, time.Time, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", time.Time{}, err
	}
	agent, err := AgentFromContext(c)
	if err != nil {
		return "", time.Time{}, err
	}
	lifetime := fallback
	iat, iatErr := claims.GetIssuedAt()
	exp, expErr := claims.GetExpirationTime()
	if iatErr == nil && expErr == nil && iat != nil && exp != nil {
		if d := exp.Sub(iat.Time); d > 0 {
			lifetime = d
		}
	}
	return GenerateToken(agent, secret, lifetime)
}

func claimsFromContext(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return claims, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
