package comet

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type AuthClaims struct {
	// the `sub` claim, when present
	ClientKey string
}

// Authorizer is the external permission check for opening sessions and transports.
type Authorizer interface {
	Authorize(r *http.Request) (*AuthClaims, error)
}

type AllowAllAuthorizer struct {
}

func (self *AllowAllAuthorizer) Authorize(r *http.Request) (*AuthClaims, error) {
	return &AuthClaims{}, nil
}

// JwtAuthorizer accepts requests that carry an HMAC signed token,
// either as `Authorization: Bearer <jwt>` or as the `jwt` query parameter.
type JwtAuthorizer struct {
	secret []byte
	parser *gojwt.Parser
}

func NewJwtAuthorizer(secret []byte) *JwtAuthorizer {
	return &JwtAuthorizer{
		secret: secret,
		parser: gojwt.NewParser(
			gojwt.WithValidMethods([]string{
				gojwt.SigningMethodHS256.Alg(),
				gojwt.SigningMethodHS384.Alg(),
				gojwt.SigningMethodHS512.Alg(),
			}),
			gojwt.WithExpirationRequired(),
		),
	}
}

func (self *JwtAuthorizer) Authorize(r *http.Request) (*AuthClaims, error) {
	jwtStr := bearerToken(r)
	if jwtStr == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	token, err := self.parser.Parse(jwtStr, func(token *gojwt.Token) (any, error) {
		return self.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}

	authClaims := &AuthClaims{}
	if subject, err := token.Claims.GetSubject(); err == nil {
		authClaims.ClientKey = subject
	}
	return authClaims, nil
}

func bearerToken(r *http.Request) string {
	if authorization := r.Header.Get("Authorization"); authorization != "" {
		if scheme, jwtStr, ok := strings.Cut(authorization, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(jwtStr)
		}
		return ""
	}
	return r.URL.Query().Get("jwt")
}

// SignJwt creates a token accepted by a `JwtAuthorizer` with the same secret.
func SignJwt(secret []byte, clientKey string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.RegisteredClaims{
		Subject:   clientKey,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
