// Package scope derives the identity scope token that namespaces every cache
// key. The token is a one-way fingerprint of the current credential, never the
// credential itself, so a storage dump cannot leak recoverable token material.
package scope

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/oauth2"
)

// Anonymous is the scope token used when no credential is present.
const Anonymous = "anon"

// fingerprintLen is the number of hex characters kept from the SHA-256 sum.
// 16 hex chars = 64 bits, far past accidental-collision territory for the
// handful of credentials one device ever sees.
const fingerprintLen = 16

// Resolver maps the current session credential to a scope token. It is a pure
// function of whatever the token source currently holds.
type Resolver struct {
	src oauth2.TokenSource
}

// NewResolver builds a resolver over a token source. The source should be a
// local one (a stored credential), not a refreshing source that hits the
// network.
func NewResolver(src oauth2.TokenSource) *Resolver {
	return &Resolver{src: src}
}

// Current returns the scope token for the active credential, or Anonymous
// when there is none.
func (r *Resolver) Current() string {
	if r == nil || r.src == nil {
		return Anonymous
	}
	tok, err := r.src.Token()
	if err != nil || tok == nil || tok.AccessToken == "" {
		return Anonymous
	}
	return Fingerprint(tok.AccessToken)
}

// Fingerprint derives the scope token for a raw credential.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
