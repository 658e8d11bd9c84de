// Package auth implements request authentication for the proxy: JWT and
// opaque bearer tokens, each checked against the instance the request is for
// and the permission tier the RPC needs.
package auth

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("auth")

// A Permission is the access tier an RPC requires.
type Permission int

const (
	// Read covers CAS reads and action cache lookups.
	Read Permission = iota
	// ReadWrite additionally covers CAS writes and action cache updates.
	ReadWrite
	// Execute additionally covers execution, bots and operations.
	Execute
)

func (p Permission) String() string {
	switch p {
	case Read:
		return "read"
	case ReadWrite:
		return "read-write"
	default:
		return "execute"
	}
}

// Audience strings, in subsumption order: each one satisfies everything the
// previous ones do.
const (
	AudienceCacheRO = "cache_ro"
	AudienceCacheRW = "cache_rw"
	AudienceExec    = "exec"
)

// Satisfies reports whether the given audience grants the required tier.
func Satisfies(audience string, required Permission) bool {
	switch audience {
	case AudienceCacheRO:
		return required == Read
	case AudienceCacheRW:
		return required <= ReadWrite
	case AudienceExec:
		return true
	default:
		return false
	}
}

// An Authenticator decides whether a request may proceed.
type Authenticator interface {
	// Authenticate checks the credential on the context against the requested
	// instance and required permission. It returns an UNAUTHENTICATED or
	// PERMISSION_DENIED status error on failure.
	Authenticate(ctx context.Context, instance string, required Permission) error
}

// NoAuth is the dev-only bypass authenticator.
type NoAuth struct{}

func (NoAuth) Authenticate(ctx context.Context, instance string, required Permission) error {
	return nil
}

// BearerToken extracts the bearer credential from the incoming metadata.
// The "Bearer " prefix is case-sensitive.
func BearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Errorf(codes.Unauthenticated, "missing request metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", status.Errorf(codes.Unauthenticated, "missing authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(vals[0], prefix) {
		return "", status.Errorf(codes.Unauthenticated, "malformed authorization header")
	}
	return vals[0][len(prefix):], nil
}

// tokenPrefix truncates a credential for logging. Never log the whole thing.
func tokenPrefix(token string) string {
	if len(token) > 10 {
		return token[:10]
	}
	return token
}
