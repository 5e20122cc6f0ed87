/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package chatlinesdk

import (
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

func signedToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	key := []byte("0123456789abcdef0123456789abcdef")
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	return raw
}

func TestDecodeAccessToken(t *testing.T) {
	t.Run("decodes subject issuer and expiry", func(t *testing.T) {
		expiry := time.Now().Add(time.Hour).Truncate(time.Second)
		raw := signedToken(t, jwt.Claims{
			Subject: "user-123",
			Issuer:  "chatline",
			Expiry:  jwt.NewNumericDate(expiry),
		})

		claims, err := DecodeAccessToken(raw)
		if err != nil {
			t.Fatalf("DecodeAccessToken failed: %v", err)
		}
		if claims.UserID != "user-123" {
			t.Errorf("Unexpected user ID: %s", claims.UserID)
		}
		if claims.Issuer != "chatline" {
			t.Errorf("Unexpected issuer: %s", claims.Issuer)
		}
		if !claims.ExpiresAt.Equal(expiry) {
			t.Errorf("Expected expiry %v, got %v", expiry, claims.ExpiresAt)
		}
	})

	t.Run("no expiry claim means never expires", func(t *testing.T) {
		raw := signedToken(t, jwt.Claims{Subject: "user-123"})
		claims, err := DecodeAccessToken(raw)
		if err != nil {
			t.Fatalf("DecodeAccessToken failed: %v", err)
		}
		if !claims.ExpiresAt.IsZero() {
			t.Errorf("Expected zero expiry, got %v", claims.ExpiresAt)
		}
		if claims.Expired(time.Now().Add(1000 * time.Hour)) {
			t.Error("Token without expiry should never expire")
		}
	})

	t.Run("malformed token fails", func(t *testing.T) {
		if _, err := DecodeAccessToken("not-a-jwt"); err == nil {
			t.Error("Expected error for malformed token")
		}
	})
}

func TestTokenClaimsExpired(t *testing.T) {
	now := time.Now()
	tc := &TokenClaims{ExpiresAt: now}
	if tc.Expired(now.Add(-time.Minute)) {
		t.Error("Token should not be expired before its expiry")
	}
	if !tc.Expired(now.Add(time.Minute)) {
		t.Error("Token should be expired after its expiry")
	}
}
