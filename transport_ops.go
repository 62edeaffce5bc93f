// transport_ops.go: X25519 + AES-256-GCM sealing of offloaded blobs
//
// A SealedBlobStore wraps another BlobStore so that the storage service only
// ever holds sealed bytes. Blobs the node writes (offloaded results) are
// sealed to the client's public key; blobs the node reads (offloaded request
// payloads) are opened with the node's own secret key.
//
// Envelope (ECIES):
//   1. Generate ephemeral X25519 keypair
//   2. ECDH(ephemeral_sk, recipient_pk) → shared_secret
//   3. HKDF-SHA256(shared_secret, "he-agg-blob-v1") → AES key (32 bytes)
//   4. AES-256-GCM encrypt(key, random_nonce, plaintext)
//   5. Output: ephemeral_pk (32) || nonce (12) || ciphertext || tag (16)

package main

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sealInfoString = "he-agg-blob-v1"

	sealPKSize    = 32
	sealNonceSize = 12
	sealTagSize   = 16
)

// ============================================================================
// Key Generation
// ============================================================================

type SealKeyPair struct {
	PublicKey string `json:"public_key"` // Base64
	SecretKey string `json:"secret_key"` // Base64
}

func GenerateSealKeyPair() (*SealKeyPair, error) {
	sk, err := ecdh.X25519().GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("X25519 keygen failed: %w", err)
	}
	return &SealKeyPair{
		PublicKey: base64.StdEncoding.EncodeToString(sk.PublicKey().Bytes()),
		SecretKey: base64.StdEncoding.EncodeToString(sk.Bytes()),
	}, nil
}

// ============================================================================
// Sealed store
// ============================================================================

type SealedBlobStore struct {
	inner BlobStore
	self  *ecdh.PrivateKey // opens what is read
	peer  *ecdh.PublicKey  // seals what is written
}

// NewSealedBlobStore decodes the base64 keys. selfSK opens blobs read from
// inner, peerPK is the recipient of blobs written to it. Either may be empty,
// in which case the matching direction fails.
func NewSealedBlobStore(inner BlobStore, selfSK, peerPK string) (*SealedBlobStore, error) {
	s := &SealedBlobStore{inner: inner}
	curve := ecdh.X25519()

	if selfSK != "" {
		raw, err := base64.StdEncoding.DecodeString(selfSK)
		if err != nil {
			return nil, fmt.Errorf("failed to decode seal secret key: %w", err)
		}
		if s.self, err = curve.NewPrivateKey(raw); err != nil {
			return nil, fmt.Errorf("invalid seal secret key: %w", err)
		}
	}
	if peerPK != "" {
		raw, err := base64.StdEncoding.DecodeString(peerPK)
		if err != nil {
			return nil, fmt.Errorf("failed to decode seal peer key: %w", err)
		}
		if s.peer, err = curve.NewPublicKey(raw); err != nil {
			return nil, fmt.Errorf("invalid seal peer key: %w", err)
		}
	}
	return s, nil
}

func (s *SealedBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	if s.peer == nil {
		return "", blobUnavailable(nil, "no recipient key configured for sealing")
	}
	sealed, err := sealTo(s.peer, data)
	if err != nil {
		return "", blobUnavailable(err, "failed to seal blob")
	}
	return s.inner.Put(ctx, sealed)
}

func (s *SealedBlobStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if s.self == nil {
		return nil, blobUnavailable(nil, "no secret key configured for opening")
	}
	sealed, err := s.inner.Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	data, err := openWith(s.self, sealed)
	if err != nil {
		return nil, blobUnavailable(err, "failed to open blob %s", locator)
	}
	return data, nil
}

// ============================================================================
// ECIES seal / open
// ============================================================================

func sealTo(recipient *ecdh.PublicKey, data []byte) ([]byte, error) {
	eph, err := ecdh.X25519().GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ephemeral keygen failed: %w", err)
	}
	shared, err := eph.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}
	gcm, err := newSealAEAD(shared)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, sealNonceSize)
	if _, err := crand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	out := make([]byte, 0, sealPKSize+sealNonceSize+len(data)+sealTagSize)
	out = append(out, eph.PublicKey().Bytes()...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

func openWith(sk *ecdh.PrivateKey, sealed []byte) ([]byte, error) {
	if len(sealed) < sealPKSize+sealNonceSize+sealTagSize {
		return nil, fmt.Errorf("sealed data too short: %d bytes", len(sealed))
	}
	eph, err := ecdh.X25519().NewPublicKey(sealed[:sealPKSize])
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral public key: %w", err)
	}
	shared, err := sk.ECDH(eph)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}
	gcm, err := newSealAEAD(shared)
	if err != nil {
		return nil, err
	}

	nonce := sealed[sealPKSize : sealPKSize+sealNonceSize]
	data, err := gcm.Open(nil, nonce, sealed[sealPKSize+sealNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (authentication error): %w", err)
	}
	return data, nil
}

// newSealAEAD derives the AES-256-GCM instance for one ECDH shared secret.
func newSealAEAD(shared []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(sealInfoString)), key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES cipher failed: %w", err)
	}
	return cipher.NewGCM(block)
}
