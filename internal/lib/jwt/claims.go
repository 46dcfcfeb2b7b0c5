// Package jwt implements parsing and generation of the HS256 tokens the
// surrounding application issues for its tenants. The engine only needs the
// organization identity out of a token so the module-gating middleware can
// run an entitlement check.
package jwt

import (
	"time"
)

// Maker describes token generation and parsing with organization claims.
type Maker interface {
	// GenerateToken issues a token carrying the organization id and role.
	GenerateToken(organizationID, role string) (string, error)
	// ParseToken validates a token and returns its OrgClaims.
	ParseToken(tokenStr string) (*OrgClaims, error)
}

// MakerImpl implements Maker using a shared secret and a token TTL.
type MakerImpl struct {
	secretKey string
	tokenTTL  time.Duration
}

// NewMaker creates a MakerImpl from a secret key and token TTL.
func NewMaker(secretKey string, ttl time.Duration) *MakerImpl {
	return &MakerImpl{
		secretKey: secretKey,
		tokenTTL:  ttl,
	}
}
