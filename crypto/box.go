package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/box"

	"pstack/util"
)

// ErrBoxOpenFailed is returned when a sealed box fails to authenticate;
// this always means the frame was tampered with, was not addressed to
// this key, or used the wrong nonce.
var ErrBoxOpenFailed = errors.New("box: authentication failed")

// NonceSize is the length in bytes of a nacl/box nonce.
const NonceSize = 24

// SealBox encrypts and authenticates msg for the peer holding peerPub,
// using our own encryption secret key. It generates a fresh random nonce
// for every call and prepends it to the returned ciphertext, the same
// convention the nacl/box godoc recommends.
func SealBox(msg []byte, peerPub *[EncKeySize]byte, ourPriv *[EncKeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	copy(nonce[:], util.NewRndArray(NonceSize))
	out := make([]byte, 0, NonceSize+len(msg)+box.Overhead)
	out = append(out, nonce[:]...)
	return box.Seal(out, msg, &nonce, peerPub, ourPriv), nil
}

// OpenBox reverses SealBox: it splits off the leading nonce and opens the
// remaining ciphertext against the sender's public key and our own secret
// key.
func OpenBox(sealed []byte, peerPub *[EncKeySize]byte, ourPriv *[EncKeySize]byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, ErrBoxOpenFailed
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	out, ok := box.Open(nil, sealed[NonceSize:], &nonce, peerPub, ourPriv)
	if !ok {
		return nil, ErrBoxOpenFailed
	}
	return out, nil
}
