// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the calling principal and stores it in the Gin context
// under "userID", where handlers, the rate limiter and access logs pick it up.
//
// Modes:
//   - With a secret: an HS256 bearer token is required. It is read from the
//     Authorization header or, for WebSocket upgrades where browsers cannot
//     set headers, from the "token" query parameter. Its "sub" claim becomes
//     the user id. Missing or invalid tokens get a 401 envelope.
//   - Without a secret: the X-User-ID header is trusted as-is. Intended for
//     local development and tests only.
//
// Token issuance is out of scope; tokens come from the marketplace's
// identity service.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// HeaderUserID is the development identity header honored when no secret
// is configured.
const HeaderUserID = "X-User-ID"

// AuthOptions configures Principal.
type AuthOptions struct {
	// Secret is the HS256 signing key. Empty switches to header identity.
	Secret string
	// QueryParam names the query fallback for the token. Defaults to "token".
	QueryParam string
	// Prefix limits token enforcement to paths under it, so health checks and
	// metrics stay public. Empty enforces everywhere.
	Prefix string
}

var (
	errMissingToken = errors.New("missing bearer token")
	errNoSubject    = errors.New("token has no subject")
)

// Principal returns the identity middleware.
func Principal(opts AuthOptions) gin.HandlerFunc {
	param := opts.QueryParam
	if param == "" {
		param = "token"
	}
	secret := []byte(opts.Secret)

	return func(c *gin.Context) {
		if len(secret) == 0 {
			if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" {
				c.Set("userID", uid)
			}
			c.Next()
			return
		}

		if opts.Prefix != "" && !strings.HasPrefix(c.Request.URL.Path, opts.Prefix) {
			c.Next()
			return
		}

		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = strings.TrimSpace(c.Query(param))
		}
		sub, err := verifyHS256(raw, secret)
		if err != nil {
			LoggerFrom(c).Debug().Err(err).Msg("auth rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "unauthorized",
				"message":    "valid bearer token required",
			})
			return
		}
		c.Set("userID", sub)
		c.Next()
	}
}

func bearerToken(h string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// verifyHS256 validates signature, algorithm and time claims and returns
// the subject.
func verifyHS256(raw string, secret []byte) (string, error) {
	if raw == "" {
		return "", errMissingToken
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", errNoSubject
	}
	return sub, nil
}
