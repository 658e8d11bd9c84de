package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// jwtClaims are the claims we require of customer JWTs: the registered set
// plus the private claim naming the customer's instance.
type jwtClaims struct {
	jwt.RegisteredClaims
	Customer string `json:"toolchain_customer"`
}

// A JWTAuthenticator validates JWT bearer credentials against a JWK Set.
// Keys are selected by the token header's kid; the audience claims carry the
// permission tiers the token grants.
type JWTAuthenticator struct {
	keys   jose.JSONWebKeySet
	parser *jwt.Parser
}

// NewJWTAuthenticator loads a JWK Set from the given file.
func NewJWTAuthenticator(jwkSetPath string) (*JWTAuthenticator, error) {
	b, err := os.ReadFile(jwkSetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWK set: %s", err)
	}
	return NewJWTAuthenticatorFromSet(b)
}

// NewJWTAuthenticatorFromSet parses a JWK Set from its JSON encoding.
func NewJWTAuthenticatorFromSet(b []byte) (*JWTAuthenticator, error) {
	a := &JWTAuthenticator{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "ES256"}),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
		),
	}
	if err := json.Unmarshal(b, &a.keys); err != nil {
		return nil, fmt.Errorf("failed to parse JWK set: %s", err)
	}
	if len(a.keys.Keys) == 0 {
		return nil, fmt.Errorf("JWK set contains no keys")
	}
	return a, nil
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, instance string, required Permission) error {
	token, err := BearerToken(ctx)
	if err != nil {
		return err
	}
	claims := &jwtClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, a.key); err != nil {
		log.Warning("Rejecting JWT %s...: %s", tokenPrefix(token), err)
		return status.Errorf(codes.Unauthenticated, "invalid credential: %s", err)
	}
	// The parser validates iat when present but doesn't require it.
	if claims.IssuedAt == nil {
		log.Warning("Rejecting JWT %s...: no issued-at claim", tokenPrefix(token))
		return status.Errorf(codes.Unauthenticated, "invalid credential: no issued-at claim")
	}
	if len(claims.Audience) == 0 {
		log.Warning("Rejecting JWT %s...: no audience", tokenPrefix(token))
		return status.Errorf(codes.Unauthenticated, "invalid credential: no audience")
	}
	if claims.Customer != instance {
		log.Warning("Rejecting JWT %s... for instance %s: issued for %s", tokenPrefix(token), instance, claims.Customer)
		return status.Errorf(codes.Unauthenticated, "credential is not valid for instance %s", instance)
	}
	for _, aud := range claims.Audience {
		if Satisfies(aud, required) {
			return nil
		}
	}
	log.Warning("Rejecting JWT %s...: audience %v does not grant %s", tokenPrefix(token), claims.Audience, required)
	return status.Errorf(codes.PermissionDenied, "credential does not grant %s access", required)
}

// key is the keyfunc selecting the verification key by the token's kid.
func (a *JWTAuthenticator) key(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	keys := a.keys.Key(kid)
	if len(keys) == 0 {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return keys[0].Key, nil
}
