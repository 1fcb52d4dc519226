package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"pstack/crypto"
)

// ErrHandshakeRejected is returned when a peer's identity was rejected by
// the authenticator (restricted mode, unknown key) or didn't match the
// pinned server key expected by a dealer.
var ErrHandshakeRejected = errors.New("transport: handshake rejected")

// maxFrameSize bounds any single length-prefixed frame read off the wire,
// independent of the payload size limit enforced by the message pipeline;
// it exists purely to stop a malicious peer from claiming an unbounded
// length and exhausting memory.
const maxFrameSize = 16 * 1024 * 1024

// writeFrame writes a length-prefixed frame: a 4-byte big-endian length
// followed by payload.
func writeFrame(conn net.Conn, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := conn.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame from conn.
func readFrame(conn net.Conn) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, errors.New("transport: frame too large")
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// handshakeServer performs the router side of the CURVE-style mutual
// authentication: it receives the dealer's curve25519 public key, checks
// it against accept (the authenticator's policy, spec.md §4.2), and
// replies with its own public key so both sides can derive a shared box
// channel (golang.org/x/crypto/nacl/box operates directly on the two raw
// public keys, so no separate shared-secret step is needed here).
func handshakeServer(conn net.Conn, own *crypto.EncryptionKeyPair, accept func(peerPub []byte) bool) (peerPub [crypto.EncKeySize]byte, err error) {
	frame, err := readFrame(conn)
	if err != nil {
		return
	}
	if len(frame) != crypto.EncKeySize {
		err = ErrHandshakeRejected
		return
	}
	if !accept(frame) {
		err = ErrHandshakeRejected
		return
	}
	copy(peerPub[:], frame)
	err = writeFrame(conn, own.Pub[:])
	return
}

// handshakeClient performs the dealer side: it sends its own public key
// first, then reads the server's. If expectedServerPub is non-nil, the
// server's reported key must match it exactly (the server's key was
// pinned when the Remote was added, spec.md §4.3).
func handshakeClient(conn net.Conn, own *crypto.EncryptionKeyPair, expectedServerPub *[crypto.EncKeySize]byte) (serverPub [crypto.EncKeySize]byte, err error) {
	if err = writeFrame(conn, own.Pub[:]); err != nil {
		return
	}
	frame, err := readFrame(conn)
	if err != nil {
		return
	}
	if len(frame) != crypto.EncKeySize {
		err = ErrHandshakeRejected
		return
	}
	copy(serverPub[:], frame)
	if expectedServerPub != nil && serverPub != *expectedServerPub {
		err = ErrHandshakeRejected
		return
	}
	return
}
