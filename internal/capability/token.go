// Package capability defines the capability token claim set, its wire
// encoding, and the permission ordering the ceiling manager and vault
// enforce against.
package capability

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ocx/controlplane/internal/apierr"
	"github.com/ocx/controlplane/internal/cryptoid"
)

// Permission is one of the ordered scope elements a capability can carry.
type Permission string

const (
	PermRead         Permission = "read"
	PermList         Permission = "list"
	PermWrite        Permission = "write"
	PermDelete       Permission = "delete"
	PermAdmin        Permission = "admin"
	PermShareFurther Permission = "share-further"
	PermWildcard     Permission = "*"
)

// order fixes the total order read < list < write < delete < admin <
// share-further. Wildcard is handled separately — it dominates any scope.
var order = map[Permission]int{
	PermRead:         0,
	PermList:         1,
	PermWrite:        2,
	PermDelete:       3,
	PermAdmin:        4,
	PermShareFurther: 5,
}

// Ord returns the ordinal of p, or -1 if p is not a recognized permission
// (the wildcard has no ordinal; callers check for it explicitly).
func Ord(p Permission) int {
	if v, ok := order[p]; ok {
		return v
	}
	return -1
}

// Tier distinguishes a LIVE capability (executed against the issuer's
// online vault) from a CACHED one (precomputed into an encrypted snapshot
// for offline use).
type Tier string

const (
	TierLive   Tier = "LIVE"
	TierCached Tier = "CACHED"
)

// Constraints bounds a capability beyond scope and expiry.
type Constraints struct {
	MaxCalls     int      `json:"maxCalls,omitempty"`
	RateLimit    int      `json:"rateLimit,omitempty"`
	IPAllowlist  []string `json:"ipAllowlist,omitempty"`
}

// Claims is the signed claim set carried by a capability token.
type Claims struct {
	V           int          `json:"v"`
	ID          string       `json:"id"`
	Iss         string       `json:"iss"` // base64 raw 32-byte signing public key
	Sub         string       `json:"sub"`
	Resource    string       `json:"resource"`
	Scope       []Permission `json:"scope"`
	Iat         int64        `json:"iat"`
	Exp         int64        `json:"exp"`
	Constraints *Constraints `json:"constraints,omitempty"`
	Tier        Tier         `json:"tier,omitempty"`
	IssEnc      string       `json:"issEnc,omitempty"`
	SubEnc      string       `json:"subEnc,omitempty"`
	Aud         string       `json:"aud,omitempty"`
}

// signedClaims is the wire envelope: claims plus the detached signature.
type signedClaims struct {
	Claims
	Sig string `json:"sig"`
}

// Encode signs claims with signPriv and returns the base64url token per
// §6.4: base64url(JSON(claims ∪ {sig})).
func Encode(claims Claims, signPriv ed25519.PrivateKey) (string, error) {
	sig, err := cryptoid.Sign(claims, signPriv)
	if err != nil {
		return "", fmt.Errorf("capability: sign claims: %w", err)
	}
	wire := signedClaims{Claims: claims, Sig: base64.StdEncoding.EncodeToString(sig)}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("capability: marshal token: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(data), nil
}

// Decode parses a wire token into its Claims and detached signature without
// verifying it — callers must call Verify separately (rotation-aware
// verification needs access to the issuer's current/previous keys, which
// this package doesn't own).
func Decode(token string) (Claims, []byte, error) {
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(token)
	if err != nil {
		return Claims{}, nil, apierr.Wrap(apierr.InvalidInput, "malformed token encoding", err)
	}
	var wire signedClaims
	if err := json.Unmarshal(data, &wire); err != nil {
		return Claims{}, nil, apierr.Wrap(apierr.InvalidInput, "malformed token json", err)
	}
	sig, err := base64.StdEncoding.DecodeString(wire.Sig)
	if err != nil {
		return Claims{}, nil, apierr.Wrap(apierr.InvalidInput, "malformed signature encoding", err)
	}
	return wire.Claims, sig, nil
}

// VerifySignature checks sig over claims under signPub, using the same
// canonical encoding Encode used (claims without the sig field).
func VerifySignature(claims Claims, sig, signPub []byte) (bool, error) {
	return cryptoid.Verify(claims, sig, signPub)
}

// CeilingPermits reports whether every permission in scope is at or below
// the highest permission in ceiling. A wildcard anywhere in scope requires
// share-further (the maximum ordinal) in the ceiling.
func CeilingPermits(ceiling, scope []Permission) (permitted bool, escalated []Permission) {
	maxCeil := -1
	for _, c := range ceiling {
		if o := Ord(c); o > maxCeil {
			maxCeil = o
		}
	}

	for _, p := range scope {
		if p == PermWildcard {
			if maxCeil < Ord(PermShareFurther) {
				escalated = append(escalated, p)
			}
			continue
		}
		if Ord(p) > maxCeil {
			escalated = append(escalated, p)
		}
	}
	return len(escalated) == 0, escalated
}

// ScopeAllows reports whether operation is permitted by scope: either an
// exact match or the wildcard permission. Empty scope rejects everything.
func ScopeAllows(scope []Permission, operation Permission) bool {
	for _, p := range scope {
		if p == PermWildcard || p == operation {
			return true
		}
	}
	return false
}

// DefaultCeiling is the ceiling applied when no explicit ceiling entry
// exists for an agent.
var DefaultCeiling = []Permission{PermRead, PermList}
