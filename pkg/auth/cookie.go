package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

// AdminCookieName is the cookie the storefront admin sets after login.
const AdminCookieName = "medusa_admin_jwt"

var ErrInvalidSession = errors.New("invalid admin session")

// CookieSessionEngine authenticates requests carrying the admin session
// cookie.
//
// Without a secret, the presence of a non-empty cookie is accepted. With a
// secret, the cookie must hold an HS256 JWT signed with it.
type CookieSessionEngine struct {
	CookieName string
	secret     []byte
}

// NewCookieSessionEngine creates a CookieSessionEngine for the admin cookie.
// A nil or empty secret disables signature verification.
func NewCookieSessionEngine(secret []byte) *CookieSessionEngine {
	return &CookieSessionEngine{
		CookieName: AdminCookieName,
		secret:     secret,
	}
}

// sessionValue returns the URL-decoded value of the session cookie.
func (e *CookieSessionEngine) sessionValue(r *http.Request) string {
	cookie, err := r.Cookie(e.CookieName)
	if err != nil {
		return ""
	}

	value, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return cookie.Value
	}
	return value
}

func (e *CookieSessionEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	value := e.sessionValue(r)
	if value == "" {
		return nil, nil
	}

	if len(e.secret) == 0 {
		return &User{Name: "admin", Method: "cookie"}, nil
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (interface{}, error) {
		return e.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}

	if !token.Valid {
		return nil, ErrInvalidSession
	}

	name := claims.Subject
	if name == "" {
		name = "admin"
	}

	return &User{Name: name, Method: "jwt"}, nil
}
