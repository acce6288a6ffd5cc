package x402

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Attestation is the signed statement returned with the legal tier.
type Attestation struct {
	SignedBy   string    `json:"signed_by"`
	Signature  string    `json:"signature"` // ed25519:<hex> over "{record_id}:{digest_hex}:{signed_at}"
	SignedAt   int64     `json:"signed_at"`
	ValidUntil time.Time `json:"valid_until"`
	Token      string    `json:"token"` // EdDSA JWT carrying AttestationClaims
}

// AttestationClaims are the JWT claims of an attestation token.
type AttestationClaims struct {
	jwt.RegisteredClaims
	RecordID  string   `json:"record_id"`
	Digest    string   `json:"digest"`
	Algorithm string   `json:"algorithm"`
	Status    string   `json:"status"`
	Ledgers   []string `json:"ledgers"`
}

// Attestor signs attestations with an ed25519 key.
type Attestor struct {
	key       ed25519.PrivateKey
	authority string
	validFor  time.Duration
	now       func() time.Time
}

// NewAttestor creates an Attestor. validFor defaults to 365 days.
func NewAttestor(key ed25519.PrivateKey, authority string, validFor time.Duration) *Attestor {
	if validFor == 0 {
		validFor = 365 * 24 * time.Hour
	}
	return &Attestor{key: key, authority: authority, validFor: validFor, now: time.Now}
}

// LoadAttestor builds an Attestor from a hex-encoded 32-byte seed.
func LoadAttestor(seedHex, authority string, validFor time.Duration) (*Attestor, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return nil, fmt.Errorf("attestation key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("attestation key: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewAttestor(ed25519.NewKeyFromSeed(seed), authority, validFor), nil
}

// EphemeralAttestor generates a throwaway key for development.
func EphemeralAttestor(authority string) (*Attestor, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate attestation key: %w", err)
	}
	return NewAttestor(key, authority+" (DEV)", 0), nil
}

// Authority names the signer.
func (a *Attestor) Authority() string { return a.authority }

// PublicKey returns the verification key.
func (a *Attestor) PublicKey() ed25519.PublicKey { return a.key.Public().(ed25519.PublicKey) }

// PublicKeyHex returns the verification key hex-encoded.
func (a *Attestor) PublicKeyHex() string { return hex.EncodeToString(a.PublicKey()) }

func attestationMessage(recordID, digestHex string, ts int64) []byte {
	return []byte(recordID + ":" + digestHex + ":" + strconv.FormatInt(ts, 10))
}

// Attest signs a statement that the record carrying digestHex verified with
// status on ledgers.
func (a *Attestor) Attest(recordID, digestHex, status string, ledgers []string) (*Attestation, error) {
	now := a.now().UTC()
	ts := now.Unix()
	sig := ed25519.Sign(a.key, attestationMessage(recordID, digestHex, ts))
	validUntil := now.Add(a.validFor)

	claims := AttestationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.authority,
			Subject:   recordID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(validUntil),
			ID:        uuid.New().String(),
		},
		RecordID:  recordID,
		Digest:    digestHex,
		Algorithm: "sha256",
		Status:    status,
		Ledgers:   ledgers,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(a.key)
	if err != nil {
		return nil, fmt.Errorf("sign attestation token: %w", err)
	}

	return &Attestation{
		SignedBy:   a.authority,
		Signature:  "ed25519:" + hex.EncodeToString(sig),
		SignedAt:   ts,
		ValidUntil: validUntil,
		Token:      token,
	}, nil
}

// VerifyToken parses and validates an attestation token.
func (a *Attestor) VerifyToken(tokenStr string) (*AttestationClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&AttestationClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return a.PublicKey(), nil
		},
		jwt.WithIssuer(a.authority),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify attestation token: %w", err)
	}
	claims, ok := token.Claims.(*AttestationClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid attestation claims")
	}
	return claims, nil
}

// VerifyAttestation checks an "ed25519:<hex>" signature made by Attest.
func VerifyAttestation(publicKeyHex, signature, recordID, digestHex string, signedAt int64) bool {
	sigHex, ok := strings.CutPrefix(signature, "ed25519:")
	if !ok {
		return false
	}
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, attestationMessage(recordID, digestHex, signedAt), sig)
}
