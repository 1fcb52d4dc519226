// Package remote implements the stack's in-memory handle for one known
// peer (SPEC_FULL.md §4.3): its address, key material, dealer socket and
// liveness bit.
package remote

import (
	"sync"
	"time"

	"github.com/bfix/gospel/crypto/ed25519"

	"pstack/crypto"
	"pstack/transport"
	"pstack/util"
)

// Remote is the stack's handle for one outbound peer.
//
// State machine: NoSocket -> Dialing (Connect) -> Connected (pong
// received, SetConnected) -> NoSocket (Disconnect). A Reconnect is
// Disconnect followed by Connect.
type Remote struct {
	Name     string
	HostAddr string             // "host:port"
	VerifKey *ed25519.PublicKey // nil if unknown (key-sharing mode)
	EncPub   [crypto.EncKeySize]byte

	uid int

	mu        sync.Mutex
	socket    *transport.Dealer
	connected bool
}

// New constructs a Remote with no socket attached yet.
func New(name, hostAddr string, verifKey *ed25519.PublicKey, encPub [crypto.EncKeySize]byte) *Remote {
	return &Remote{
		Name:     name,
		HostAddr: hostAddr,
		VerifKey: verifKey,
		EncPub:   encPub,
		uid:      util.NextID(),
	}
}

// UID returns the remote's process-unique identifier, assigned once at
// construction.
func (r *Remote) UID() int {
	return r.uid
}

// Connect creates a dealer socket, dials HostAddr and pins EncPub as the
// server's expected identity. Idempotent: an already-connected socket is
// torn down first.
func (r *Remote) Connect(own *crypto.EncryptionKeyPair, keepAlive time.Duration, queueLen int) error {
	r.mu.Lock()
	prior := r.socket
	r.socket = nil
	r.connected = false
	r.mu.Unlock()
	if prior != nil {
		prior.Disconnect()
	}

	dealer := transport.NewDealer(own, keepAlive, queueLen)
	if err := dealer.Connect(r.HostAddr, &r.EncPub); err != nil {
		return err
	}
	r.mu.Lock()
	r.socket = dealer
	r.mu.Unlock()
	return nil
}

// Disconnect tears the socket down with zero linger and clears the
// liveness bit.
func (r *Remote) Disconnect() {
	r.mu.Lock()
	sock := r.socket
	r.socket = nil
	r.connected = false
	r.mu.Unlock()
	if sock != nil {
		sock.Disconnect()
	}
}

// SetConnected sets the liveness bit; called on pong receipt.
func (r *Remote) SetConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
}

// IsConnected reads the liveness bit.
func (r *Remote) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Socket returns the remote's dealer socket, or nil if none is attached.
func (r *Remote) Socket() *transport.Dealer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.socket
}

// HasSocket reports whether a dealer socket is currently attached,
// independent of liveness (a freshly-Connected remote has a socket but
// is not yet "connected" until a pong arrives).
func (r *Remote) HasSocket() bool {
	return r.Socket() != nil
}
