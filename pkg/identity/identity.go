// Package identity manages a node's long-lived key material: the
// X25519 static keypair used for session key agreement and the
// Ed25519 signing keypair used to authenticate outbound packets, plus
// the short identifier derived from them.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/wiremesh/meshcore/pkg/codec"
	"github.com/wiremesh/meshcore/pkg/secretstore"
)

// Secret store keys for the two persisted private keys.
const (
	StaticPrivateKeyKey  = "mesh.privateKey"
	SigningPrivateKeyKey = "mesh.signingKey"

	defaultNickname = "anon"
)

// NodeIdentity holds a node's key material and mutable nickname.
type NodeIdentity struct {
	StaticPrivate [32]byte
	StaticPublic  [32]byte

	SigningPrivate ed25519.PrivateKey
	SigningPublic  ed25519.PublicKey

	ShortID codec.ShortID

	Nickname string
}

// Generate creates a brand-new identity with fresh key material.
func Generate() (*NodeIdentity, error) {
	var staticPriv [32]byte
	if _, err := rand.Read(staticPriv[:]); err != nil {
		return nil, fmt.Errorf("identity: generate static key: %w", err)
	}

	var staticPub [32]byte
	curve25519.ScalarBaseMult(&staticPub, &staticPriv)

	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}

	return &NodeIdentity{
		StaticPrivate:  staticPriv,
		StaticPublic:   staticPub,
		SigningPrivate: signingPriv,
		SigningPublic:  signingPub,
		ShortID:        ShortIDFromStaticPublic(staticPub),
		Nickname:       defaultNickname,
	}, nil
}

// ShortIDFromStaticPublic derives the 8-byte short identifier from a
// static public key: the first 8 bytes of SHA-256(staticPublicKey).
// Deterministic, so it is stable across runs for a fixed key pair.
func ShortIDFromStaticPublic(staticPub [32]byte) codec.ShortID {
	sum := sha256.Sum256(staticPub[:])
	var id codec.ShortID
	copy(id[:], sum[:codec.ShortIDSize])
	return id
}

// LoadOrCreate loads a persisted identity from store, or generates and
// persists a new one if none exists. Only the two private keys are
// persisted; the nickname always starts at the default and is not
// read back from storage — there is no other durable state.
func LoadOrCreate(store secretstore.Store) (*NodeIdentity, error) {
	staticPriv, signingPriv, err := loadKeys(store)
	if err != nil {
		return nil, err
	}
	if staticPriv != nil {
		return fromKeys(staticPriv, signingPriv)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := persist(store, id); err != nil {
		return nil, err
	}
	return id, nil
}

func loadKeys(store secretstore.Store) (staticPriv []byte, signingPriv []byte, err error) {
	staticPriv, ok, err := store.Get(StaticPrivateKeyKey)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: load static key: %w", err)
	}
	if !ok {
		return nil, nil, nil
	}

	signingPriv, ok, err = store.Get(SigningPrivateKeyKey)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: load signing key: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("identity: static key present without signing key")
	}

	return staticPriv, signingPriv, nil
}

func fromKeys(staticPriv []byte, signingPriv []byte) (*NodeIdentity, error) {
	if len(staticPriv) != 32 {
		return nil, fmt.Errorf("identity: stored static key has length %d, want 32", len(staticPriv))
	}
	if len(signingPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: stored signing key has length %d, want %d", len(signingPriv), ed25519.PrivateKeySize)
	}

	var sp [32]byte
	copy(sp[:], staticPriv)

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &sp)

	signing := ed25519.PrivateKey(signingPriv)

	return &NodeIdentity{
		StaticPrivate:  sp,
		StaticPublic:   pub,
		SigningPrivate: signing,
		SigningPublic:  signing.Public().(ed25519.PublicKey),
		ShortID:        ShortIDFromStaticPublic(pub),
		Nickname:       defaultNickname,
	}, nil
}

func persist(store secretstore.Store, id *NodeIdentity) error {
	if err := store.Put(StaticPrivateKeyKey, id.StaticPrivate[:]); err != nil {
		return fmt.Errorf("identity: persist static key: %w", err)
	}
	if err := store.Put(SigningPrivateKeyKey, id.SigningPrivate); err != nil {
		return fmt.Errorf("identity: persist signing key: %w", err)
	}
	return nil
}

// Sign signs data (typically a Packet's SignedBytes) with the node's
// Ed25519 signing key.
func (n *NodeIdentity) Sign(data []byte) []byte {
	return ed25519.Sign(n.SigningPrivate, data)
}

// VerifyWith verifies a signature produced by the holder of
// signingPub over data.
func VerifyWith(signingPub ed25519.PublicKey, data, signature []byte) bool {
	return ed25519.Verify(signingPub, data, signature)
}

// Fingerprint returns the hex-encoded SHA-256 fingerprint of the
// node's static public key (the long form; ShortID is its first 8
// bytes).
func (n *NodeIdentity) Fingerprint() string {
	sum := sha256.Sum256(n.StaticPublic[:])
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, len(sum)*2)
	for i, b := range sum {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}
