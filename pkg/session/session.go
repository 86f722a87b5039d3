// Package session implements pairwise key agreement and
// authenticated-encryption for the mesh's private channel: an X25519
// Diffie-Hellman exchanged in Handshake packets, an HKDF-SHA256
// derivation step, and ChaCha20-Poly1305 AEAD for EncryptedEnvelope
// payloads.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/wiremesh/meshcore/pkg/codec"
)

// KDFContext is the application-specific context string mixed into
// the HKDF derivation.
const KDFContext = "mesh-encryption"

var (
	// ErrNoSession names the condition of having no symmetric key on
	// file for a peer. No function in this package returns it;
	// Store.Get reports a missing key through its boolean result.
	ErrNoSession = errors.New("session: no session key for peer")

	// ErrDecryptFailed covers any AEAD authentication failure. Callers
	// should treat this as a silent drop, never surfaced as an event.
	ErrDecryptFailed = errors.New("session: authenticated decryption failed")
)

// DeriveSharedKey performs X25519 with ourPrivate and theirPublic, then
// derives a 32-byte symmetric key via HKDF-SHA256 with KDFContext as
// the info parameter.
func DeriveSharedKey(ourPrivate, theirPublic [32]byte) ([32]byte, error) {
	var dh [32]byte
	curve25519.ScalarMult(&dh, &ourPrivate, &theirPublic)

	var zero [32]byte
	if dh == zero {
		return zero, fmt.Errorf("session: key agreement produced the all-zero output (low-order point)")
	}

	salt := make([]byte, 32)
	reader := hkdf.New(sha256.New, dh[:], salt, []byte(KDFContext))

	var key [32]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return zero, fmt.Errorf("session: hkdf: %w", err)
	}
	return key, nil
}

// Store maps peer short ids to their derived symmetric key. Sessions
// are intentionally never persisted to disk.
type Store struct {
	mu   sync.RWMutex
	keys map[codec.ShortID][32]byte
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{keys: make(map[codec.ShortID][32]byte)}
}

// Set stores (or replaces) the symmetric key for peer.
func (s *Store) Set(peer codec.ShortID, key [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[peer] = key
}

// Get returns the symmetric key for peer, if one is on file.
func (s *Store) Get(peer codec.ShortID) ([32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[peer]
	return key, ok
}

// Has reports whether a session exists for peer.
func (s *Store) Has(peer codec.ShortID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[peer]
	return ok
}

// Drop removes any session for peer, e.g. on receipt of a Leave.
func (s *Store) Drop(peer codec.ShortID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, peer)
}

// Encrypt seals plaintext under key with a fresh random 96-bit nonce,
// returning nonce||ciphertext-with-tag.
func Encrypt(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("session: new aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("session: nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Decrypt opens a nonce||ciphertext-with-tag envelope produced by
// Encrypt. Any authentication failure is reported as
// ErrDecryptFailed; callers must treat that as a silent drop, not
// surface it to the user.
func Decrypt(key [32]byte, envelope []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("session: new aead: %w", err)
	}

	if len(envelope) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}

	nonce, ciphertext := envelope[:aead.NonceSize()], envelope[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
