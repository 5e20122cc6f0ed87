/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package chatlinesdk

import (
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// TokenClaims holds the claims the SDK cares about from a Chatline access
// token. Verification happens server-side; the client decodes the token only
// to learn its own user ID and when the token expires.
type TokenClaims struct {
	// UserID is the authenticated user's ID (the token's subject).
	UserID string

	// Issuer is the token issuer.
	Issuer string

	// ExpiresAt is when the token expires. Zero if the token has no expiry.
	ExpiresAt time.Time
}

// tokenSignatureAlgorithms lists the signature algorithms Chatline issues
// tokens with. ParseSigned rejects anything else.
var tokenSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.HS256,
}

// DecodeAccessToken decodes the claims of a Chatline access token without
// verifying its signature. The SDK never trusts these claims for
// authorization (the API does its own verification on every request) but
// the user ID is needed to address signaling messages and the expiry is
// useful for proactive refresh.
func DecodeAccessToken(raw string) (*TokenClaims, error) {
	tok, err := jwt.ParseSigned(raw, tokenSignatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("error parsing access token: %w", err)
	}

	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("error decoding access token claims: %w", err)
	}

	out := &TokenClaims{
		UserID: claims.Subject,
		Issuer: claims.Issuer,
	}
	if claims.Expiry != nil {
		out.ExpiresAt = claims.Expiry.Time()
	}
	return out, nil
}

// Expired reports whether the token was expired at the given instant.
// A token without an expiry claim never expires.
func (tc *TokenClaims) Expired(now time.Time) bool {
	if tc.ExpiresAt.IsZero() {
		return false
	}
	return now.After(tc.ExpiresAt)
}
