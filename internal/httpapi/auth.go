package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/resortops/buggyline/internal/buggyline"
)

const tokenAudience = "buggyline"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Subject string
	Role    buggyline.Role
}

// authorizeBearer validates an HS256 bearer token and checks the role
// claim against the roles a route allows. An empty allow list means
// any authenticated caller.
func authorizeBearer(authHeader, secret string, allowed ...buggyline.Role) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	token, err := jwt.Parse(raw,
		func(token *jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil || !token.Valid {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token"}
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token claims"}
	}
	subject, _ := mapClaims.GetSubject()
	if subject == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	roleRaw, _ := mapClaims["role"].(string)
	role, roleErr := buggyline.ParseRole(roleRaw)
	if roleErr != nil {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid role claim"}
	}

	if len(allowed) > 0 {
		permitted := false
		for _, want := range allowed {
			if role == want {
				permitted = true
				break
			}
		}
		if !permitted {
			return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "role " + string(role) + " may not call this route"}
		}
	}
	return tokenClaims{Subject: subject, Role: role}, nil
}

// MintToken issues a session token. The cmd layer uses it for local
// development; production tokens come from the resort's auth service.
func MintToken(secret, subject string, role buggyline.Role, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"aud":  tokenAudience,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
