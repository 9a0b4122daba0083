package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"voice-notes-go/internal/store"
	"voice-notes-go/internal/types"
)

var ErrUnauthenticated = &types.Error{Kind: types.KindPolicy, Err: errors.New("missing or invalid credentials")}

type callerKey struct{}

// WithCaller stores the authenticated caller id on the context.
func WithCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerKey{}, callerID)
}

// CallerFrom returns the caller id placed by WithCaller.
func CallerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey{}).(string)
	return id, ok && id != ""
}

// Verifier turns HS256 bearer tokens into caller ids (the "sub" claim).
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify accepts either a raw token or an "Authorization: Bearer" value.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" || len(v.secret) == 0 {
		return "", ErrUnauthenticated
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return "", fmt.Errorf("%w: unexpected issuer", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Issue signs a token for callerID. Used by tooling and tests.
func (v *Verifier) Issue(callerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   callerID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Authorizer resolves job ownership from the store.
type Authorizer struct {
	jobs store.Jobs
}

func NewAuthorizer(jobs store.Jobs) *Authorizer {
	return &Authorizer{jobs: jobs}
}

// ResolveOwner returns the owner id of jobID.
func (a *Authorizer) ResolveOwner(ctx context.Context, jobID string) (string, error) {
	j, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.OwnerID, nil
}

// Authorize loads the job and checks that callerID owns it.
func (a *Authorizer) Authorize(ctx context.Context, callerID, jobID string) (*types.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, types.ErrInvalidJobID
	}
	j, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != callerID {
		return nil, types.ErrForbidden
	}
	return j, nil
}
