package httpapi

import (
	"crypto/subtle"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks the static admin token. An empty configured token
// disables auth entirely (local single-user deployments).
func authorizeBearer(authHeader, token string) *authError {
	if token == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "invalid token",
		}
	}
	return nil
}
