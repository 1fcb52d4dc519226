package crypto

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"

	"github.com/bfix/gospel/crypto/ed25519"
	"golang.org/x/crypto/curve25519"

	"pstack/util"
)

// Error codes for identity key material.
var (
	ErrIdentitySeedRequired = errors.New("seed required to derive keypair")
	ErrIdentityBadKeySize   = errors.New("invalid key size")
)

const (
	// SeedSize is the length in bytes of the seed used to derive both the
	// signing and the encryption keypair of a node.
	SeedSize = 32
	// EncKeySize is the length in bytes of a curve25519 key.
	EncKeySize = 32
)

//----------------------------------------------------------------------
// Signing identity (long-term, ed25519)
//----------------------------------------------------------------------

// SigningKeyPair is the long-term identity of a node, used to sign outbound
// payloads and verify inbound ones.
type SigningKeyPair struct {
	Priv *ed25519.PrivateKey
	Pub  *ed25519.PublicKey
}

// NewSigningKeyPair derives an ed25519 keypair from a 32-byte seed, the
// same way core.Peer derives its long-term identity in the teacher.
func NewSigningKeyPair(seed []byte) (*SigningKeyPair, error) {
	if len(seed) != SeedSize {
		return nil, ErrIdentityBadKeySize
	}
	prv := ed25519.NewPrivateKeyFromSeed(seed)
	return &SigningKeyPair{Priv: prv, Pub: prv.Public()}, nil
}

// Sign produces a detached signature over msg with the long-term key.
func (kp *SigningKeyPair) Sign(msg []byte) ([]byte, error) {
	sig, err := kp.Priv.EdSign(msg)
	if err != nil {
		return nil, err
	}
	return sig.Bytes(), nil
}

// Verify checks a detached signature against a raw ed25519 public key.
func Verify(pub *ed25519.PublicKey, msg, sigBytes []byte) (bool, error) {
	sig, err := ed25519.NewEdSignatureFromBytes(sigBytes)
	if err != nil {
		return false, err
	}
	return pub.EdVerify(msg, sig)
}

// ParseSigningPublicKey parses a raw 32-byte verify-key; hex input must be
// decoded by the caller first.
func ParseSigningPublicKey(data []byte) (*ed25519.PublicKey, error) {
	if len(data) != 32 {
		return nil, ErrIdentityBadKeySize
	}
	return ed25519.NewPublicKeyFromBytes(util.Clone(data)), nil
}

//----------------------------------------------------------------------
// Encryption identity (short-term, curve25519 / X25519)
//----------------------------------------------------------------------

// EncryptionKeyPair is the per-node curve25519 keypair used by the
// transport's CURVE-style handshake. Its public half doubles as the
// node's socket identity (spec §3).
type EncryptionKeyPair struct {
	Priv [EncKeySize]byte
	Pub  [EncKeySize]byte
}

// DeriveEncryptionKeyPair computes the curve25519 keypair for a node from
// the same seed used for its signing keypair: the seed is hashed with
// SHA-512 and clamped exactly as libsodium's ed25519-sk-to-curve25519
// conversion does (and as the teacher's own PrivateKeyFromSeed clamps the
// "real" scalar 'd' it recovers from a seed). This realizes Data Model
// invariant (3): the encryption public key is the curve-form derived from
// the signing identity's seed.
func DeriveEncryptionKeyPair(seed []byte) (*EncryptionKeyPair, error) {
	if len(seed) != SeedSize {
		return nil, ErrIdentitySeedRequired
	}
	digest := sha512.Sum512(seed)
	var scalar [32]byte
	copy(scalar[:], digest[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64

	kp := &EncryptionKeyPair{}
	copy(kp.Priv[:], scalar[:])
	pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Pub[:], pub)
	return kp, nil
}

// EncryptionPublicFromSigningPublic derives only the curve25519 public key
// that corresponds to a remote peer's ed25519 verify-key, for the case
// where we only know a peer's verify-key and must predict its socket
// identity. GNUnet-style ed25519->curve25519 conversion operates on the
// Edwards y-coordinate; since gospel does not expose that coordinate on an
// arbitrary PublicKey, this stack instead always distributes both halves
// explicitly (keystore.InitRemoteKeys writes the verif file and
// keystore.InitRemoteEncryptionKey the public file) rather than
// recomputing one from the other for a remote identity.
// This function intentionally is not implemented for arbitrary remote keys
// to avoid silently producing a key that cannot be reproduced by a peer
// which derives its own encryption key from its private seed.
func EncryptionPublicFromSigningPublic() ([EncKeySize]byte, error) {
	var zero [EncKeySize]byte
	return zero, errors.New("not derivable from a public verify-key alone; distribute the encryption key explicitly")
}

// Hex returns the hex encoding of an encryption public key.
func (kp *EncryptionKeyPair) Hex() string {
	return hex.EncodeToString(kp.Pub[:])
}
