package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "relaypost"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// scopeList accepts scopes as a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*s = strings.Fields(joined)
	return nil
}

type tokenClaims struct {
	AgentName string    `json:"agent_name"`
	Scopes    scopeList `json:"scopes"`
	jwt.RegisteredClaims
}

func (c tokenClaims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return tokenClaims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if jwtSecret == "" {
		return tokenClaims{}, unauthorized("token verification is not configured")
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return tokenClaims{}, unauthorized("invalid jwt format")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	case errors.Is(err, jwt.ErrTokenExpired):
		return tokenClaims{}, unauthorized("token expired")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return tokenClaims{}, unauthorized("invalid aud claim")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return tokenClaims{}, unauthorized("invalid exp claim")
	default:
		return tokenClaims{}, unauthorized("invalid token")
	}

	if strings.TrimSpace(claims.AgentName) == "" {
		return tokenClaims{}, unauthorized("missing agent_name claim")
	}
	if len(claims.Scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}
