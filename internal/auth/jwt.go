// Package auth verifies the session tokens clients present on connect and on
// REST calls.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

var _ interfaces.Authenticator = (*JWTAuthenticator)(nil)

// Options control signing and token lifetime.
type Options struct {
	Secret []byte
	Alg    string
	TTL    time.Duration
}

// DefaultOptions returns HS256 tokens valid for two hours.
func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Users looks up the account a token names.
type Users interface {
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

// JWTAuthenticator accepts HMAC-signed tokens whose subject is a known user.
type JWTAuthenticator struct {
	opts   Options
	method jwtlib.SigningMethod
	users  Users
	logger *zap.Logger
}

// NewJWTAuthenticator validates opts and returns an authenticator.
func NewJWTAuthenticator(opts Options, users Users, logger *zap.Logger) (*JWTAuthenticator, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: jwt secret is required")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWTAuthenticator{opts: opts, method: method, users: users, logger: logger}, nil
}

// Issue signs a token for userID. A non-positive ttl uses the configured one.
func (a *JWTAuthenticator) Issue(userID string, ttl time.Duration) (string, time.Time, error) {
	return Issue(a.opts, userID, ttl)
}

// Issue signs a token for userID with opts.
func Issue(opts Options, userID string, ttl time.Duration) (string, time.Time, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if ttl <= 0 {
		ttl = opts.TTL
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}

	now := time.Now()
	exp := now.Add(ttl)
	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Authenticate returns the user named by credential. Every failure is
// reported as types.ErrAuthRequired with the reason attached.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, credential string) (*types.User, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, types.ErrAuthRequired
	}

	parsed, err := jwtlib.Parse(credential, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return a.opts.Secret, nil
	},
		jwtlib.WithValidMethods([]string{a.method.Alg()}),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return nil, types.Wrap(types.ErrAuthRequired, err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || !types.IsValidUserID(subject) {
		return nil, types.Wrap(types.ErrAuthRequired, errors.New("token subject missing or malformed"))
	}

	user, err := a.users.GetUser(ctx, subject)
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.Wrap(types.ErrAuthRequired, fmt.Errorf("unknown user %q", subject))
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
