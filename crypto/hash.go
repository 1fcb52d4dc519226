// Package crypto provides the identity key material (signing and
// encryption keypairs), the authenticated transport primitive, and the
// optional at-rest cipher for secret key files used by the rest of the
// stack.
package crypto

import (
	"bytes"
	"crypto/sha512"

	"pstack/util"
)

// HashCode is the result of a 512-bit hash function (SHA-512).
type HashCode struct {
	Bits []byte
}

// Equals tests if two hash results are equal.
func (hc *HashCode) Equals(n *HashCode) bool {
	return bytes.Equal(hc.Bits, n.Bits)
}

// Hash returns the SHA-512 hash value of a given blob.
func Hash(data []byte) *HashCode {
	val := sha512.Sum512(data)
	return &HashCode{
		Bits: util.Clone(val[:]),
	}
}
