package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenLeeway absorbs clock skew between the gateway and its callers when
// checking iat/exp.
const TokenLeeway = 10 * time.Second

// Claims carried by a Relay bearer token: sub is the agent id, org the
// organization id, scope either admin or agent.
type Claims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org"`
	Scope string `json:"scope,omitempty"`
}

// TokenManager mints and validates bearer tokens over a KeySet.
type TokenManager struct {
	keySet KeySet
	ttl    time.Duration
}

func NewTokenManager(ks KeySet, ttl time.Duration) *TokenManager {
	return &TokenManager{keySet: ks, ttl: ttl}
}

// TTL reports the lifetime of issued tokens.
func (tm *TokenManager) TTL() time.Duration { return tm.ttl }

// Issue mints a token for an agent. Expiry is now+TTL; validation also
// requires the agent and its org to still be active in the registry.
func (tm *TokenManager) Issue(ctx context.Context, agentID, orgID, scope string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
		OrgID: orgID,
		Scope: scope,
	}
	return tm.keySet.Sign(ctx, claims)
}

// Validate checks the signature and time bounds and returns the claims.
// Registry checks (agent/org presence, active flags) are the Service's job.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tm.keySet.KeyFunc(),
		jwt.WithLeeway(TokenLeeway), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
