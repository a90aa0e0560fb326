// Package auth implements the service's token minting, stateless token
// validation, and the two-level key-set cache (spec component C4).
package auth

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"kiln/internal/kilnerr"
)

// AccountLookup resolves a raw API token's SHA-256 to the account and
// organization that own it, and reports an org's most-frequently-accessed
// blob keys for key-set warming. Implemented by internal/store in
// production; kept as an interface here so auth can be tested without a
// database.
type AccountLookup interface {
	AccountByTokenHash(ctx context.Context, tokenHashHex string) (accountID int64, orgID int64, orgHeader string, err error)
	TopKeysForOrg(ctx context.Context, org int64, limit int) ([]string, error)
}

// Claims is the payload sealed inside a stateless token.
type Claims struct {
	Audience  string `json:"aud"`
	Subject   string `json:"sub"`
	Issuer    string `json:"iss"`
	OrgID     int64  `json:"org_id"`
	AccountID int64  `json:"account_id"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"exp"`
}

const (
	audience = "kilnd"
	issuer   = "kilnd"
	subject  = "kiln-client"
)

// AuthContext is what a validated request carries forward in place of a raw
// API-token lookup.
type AuthContext struct {
	OrgID     int64
	AccountID int64
	APIToken  string
}

// Service mints and validates stateless tokens and serves the key-set
// cache's read-path short-circuit.
type Service struct {
	lookup      AccountLookup
	aead        cipher.AEAD
	ttl         time.Duration
	keySets     *KeySets
	keyCapacity int
}

// NewService generates a fresh random AEAD key — the service's signing key
// is never persisted, so stateless tokens from a previous process are
// rejected after a restart (spec.md §9 preserves this rotation-on-restart
// behavior intentionally).
func NewService(lookup AccountLookup, ttl time.Duration, orgCapacity, keyCapacity int) (*Service, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "auth.NewService", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "auth.NewService", err)
	}
	keySets, err := NewKeySets(orgCapacity, keyCapacity)
	if err != nil {
		return nil, err
	}
	return &Service{lookup: lookup, aead: aead, ttl: ttl, keySets: keySets, keyCapacity: keyCapacity}, nil
}

// HashToken returns the hex-encoded SHA-256 used to look up an account —
// the raw token itself is never stored or logged.
func HashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// Mint implements POST /auth: validates the bearer API token against the
// supplied org header and seals a stateless token envelope for it.
func (s *Service) Mint(ctx context.Context, rawToken string, orgHeader int64) (string, error) {
	accountID, orgID, _, err := s.lookup.AccountByTokenHash(ctx, HashToken(rawToken))
	if err != nil {
		return "", kilnerr.New(kilnerr.Unauthorized, "auth.Mint", err)
	}
	if orgID != orgHeader {
		return "", kilnerr.New(kilnerr.Unauthorized, "auth.Mint", errUnknownOrg)
	}

	if err := s.warmKeySet(ctx, orgID); err != nil {
		return "", err
	}

	claims := Claims{
		Audience:  audience,
		Subject:   subject,
		Issuer:    issuer,
		OrgID:     orgID,
		AccountID: accountID,
		Token:     rawToken,
		ExpiresAt: time.Now().Add(s.ttl).Unix(),
	}
	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", kilnerr.New(kilnerr.Internal, "auth.Mint", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", kilnerr.New(kilnerr.Internal, "auth.Mint", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), nil
}

// Validate parses and opens a stateless token envelope, checking its
// audience, issuer, subject, and expiry claims.
func (s *Service) Validate(token string) (AuthContext, error) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return AuthContext{}, kilnerr.New(kilnerr.Unauthorized, "auth.Validate", err)
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return AuthContext{}, kilnerr.New(kilnerr.Unauthorized, "auth.Validate", errMalformedToken)
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return AuthContext{}, kilnerr.New(kilnerr.Unauthorized, "auth.Validate", err)
	}

	var claims Claims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return AuthContext{}, kilnerr.New(kilnerr.Unauthorized, "auth.Validate", err)
	}
	if claims.Audience != audience || claims.Issuer != issuer || claims.Subject != subject {
		return AuthContext{}, kilnerr.New(kilnerr.Unauthorized, "auth.Validate", errMalformedToken)
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return AuthContext{}, kilnerr.New(kilnerr.Unauthorized, "auth.Validate", errExpiredToken)
	}

	return AuthContext{OrgID: claims.OrgID, AccountID: claims.AccountID, APIToken: claims.Token}, nil
}

// KeySets returns the service's key-set cache for read-path short-circuiting.
func (s *Service) KeySets() *KeySets { return s.keySets }

// warmKeySet implements token-mint step 2: load the org's most-frequently
// accessed keys (bounded by key-set capacity) into its OrgKeySet.
func (s *Service) warmKeySet(ctx context.Context, orgID int64) error {
	set, err := s.keySets.ForOrg(orgID)
	if err != nil {
		return err
	}
	keys, err := s.lookup.TopKeysForOrg(ctx, orgID, s.keyCapacity)
	if err != nil {
		return kilnerr.New(kilnerr.Internal, "auth.warmKeySet", err)
	}
	for _, k := range keys {
		set.Add(k)
	}
	return nil
}

// CheckAccess implements policy K1/K2 for a single blob-key access check: a
// positive hit in the org's key-set short-circuits checkIndex; a miss falls
// through to checkIndex, and a positive result there is remembered so a
// later request for the same key hits the cache. The key-set is advisory —
// eviction only ever costs a redundant checkIndex call, never a
// false-positive grant.
func (s *Service) CheckAccess(ctx context.Context, org int64, key string, checkIndex func(context.Context) (bool, error)) (bool, error) {
	set, err := s.keySets.ForOrg(org)
	if err != nil {
		return false, err
	}
	if set.Contains(key) {
		return true, nil
	}
	allowed, err := checkIndex(ctx)
	if err != nil {
		return false, err
	}
	if allowed {
		set.Add(key)
	}
	return allowed, nil
}

// RememberGranted records key as known-accessible to org in the key-set
// cache, used after a write implicitly grants access (A2) so a subsequent
// read of the same key short-circuits the access index immediately.
func (s *Service) RememberGranted(org int64, key string) error {
	set, err := s.keySets.ForOrg(org)
	if err != nil {
		return err
	}
	set.Add(key)
	return nil
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errUnknownOrg     = authError("token does not belong to requested organization")
	errMalformedToken = authError("malformed stateless token")
	errExpiredToken   = authError("stateless token expired")
)
