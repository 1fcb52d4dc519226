// Package transport implements the stack's dealer/router sockets: a
// listener (Router) that accepts inbound peers and a per-remote client
// socket (Dealer), both framed over net.Conn and sealed with nacl/box
// under a CURVE-style mutual handshake (SPEC_FULL.md §3/§4.3/§4.4).
//
// Every socket drains with the same non-blocking-style contract spec.md
// §5 requires: a background goroutine owns the blocking net.Conn.Read
// loop and feeds a bounded channel; Recv is a non-blocking select against
// that channel, returning ok=false (EAGAIN) when nothing is queued. This
// mirrors the teacher's NetworkChannel.Read goroutine+channel idiom.
package transport

import (
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/bfix/gospel/logger"

	"pstack/crypto"
)

// ErrEAGAIN signals a non-blocking operation found nothing to do
// (spec.md §7 TransportBusy).
var ErrEAGAIN = errors.New("transport: would block")

// sendTimeout bounds how long a Send blocks before reporting EAGAIN,
// standing in for ZMQ's true non-blocking send semantics over a
// plain net.Conn, which has no native non-blocking write mode.
const sendTimeout = 50 * time.Millisecond

// Frame is one decoded, decrypted inbound payload together with the hex
// identity (encryption public key) of its sender.
type Frame struct {
	Identity string
	Payload  []byte
}

func identityHex(pub [crypto.EncKeySize]byte) string {
	return hex.EncodeToString(pub[:])
}

//----------------------------------------------------------------------
// Router (listener socket)
//----------------------------------------------------------------------

// Accepter decides whether an inbound peer's encryption public key should
// be admitted; backed by auth.Authenticator.Accepts in practice.
type Accepter func(peerPub []byte) bool

// Router is the stack's single listener socket, accepting dealer
// connections from any number of peers.
type Router struct {
	own       *crypto.EncryptionKeyPair
	keepAlive time.Duration
	queueLen  int
	accept    Accepter

	ln net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn // identity -> conn
	inbox chan Frame
	done  chan struct{}
}

// NewRouter constructs a Router socket bound to its own encryption
// keypair. accept is consulted once per inbound connection attempt.
func NewRouter(own *crypto.EncryptionKeyPair, keepAlive time.Duration, queueLen int, accept Accepter) *Router {
	return &Router{
		own:       own,
		keepAlive: keepAlive,
		queueLen:  queueLen,
		accept:    accept,
		conns:     make(map[string]net.Conn),
		inbox:     make(chan Frame, queueLen),
		done:      make(chan struct{}),
	}
}

// Open binds the listener to addr ("host:port") and starts accepting
// connections in the background.
func (r *Router) Open(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.ln = ln
	go r.acceptLoop()
	return nil
}

func (r *Router) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.done:
			default:
				logger.Printf(logger.DBG, "[transport] router accept loop stopped: %v\n", err)
			}
			return
		}
		go r.handleConn(conn)
	}
}

func (r *Router) handleConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(r.keepAlive)
	}
	peerPub, err := handshakeServer(conn, r.own, r.accept)
	if err != nil {
		logger.Printf(logger.WARN, "[transport] router rejected inbound peer: %v\n", err)
		conn.Close()
		return
	}
	id := identityHex(peerPub)
	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	for {
		payload, err := readFrame(conn)
		if err != nil {
			r.mu.Lock()
			delete(r.conns, id)
			r.mu.Unlock()
			conn.Close()
			return
		}
		if len(payload) == 0 {
			// empty frame: connection probe, not queued (spec.md §4.6)
			continue
		}
		plain, err := crypto.OpenBox(payload, &peerPub, &r.own.Priv)
		if err != nil {
			logger.Printf(logger.WARN, "[transport] router dropped frame from %s: %v\n", id, err)
			continue
		}
		select {
		case r.inbox <- Frame{Identity: id, Payload: plain}:
		case <-r.done:
			return
		}
	}
}

// Recv performs one non-blocking receive; ok is false (EAGAIN) if no
// frame is currently queued.
func (r *Router) Recv() (frame Frame, ok bool) {
	select {
	case frame = <-r.inbox:
		return frame, true
	default:
		return Frame{}, false
	}
}

// Send transmits payload (already serialized) to the peer known by
// identity (hex-encoded encryption public key). Used by
// transmit_through_listener (spec.md §4.7).
func (r *Router) Send(identity string, payload []byte) error {
	r.mu.Lock()
	conn, ok := r.conns[identity]
	r.mu.Unlock()
	if !ok {
		return ErrEAGAIN
	}
	var peerPub [crypto.EncKeySize]byte
	raw, err := hex.DecodeString(identity)
	if err != nil || len(raw) != crypto.EncKeySize {
		return ErrHandshakeRejected
	}
	copy(peerPub[:], raw)
	sealed, err := crypto.SealBox(payload, &peerPub, &r.own.Priv)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	if err := writeFrame(conn, sealed); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrEAGAIN
		}
		return err
	}
	return nil
}

// Addr returns the listener's bound network address, useful when Open
// was called with an ephemeral port ("host:0").
func (r *Router) Addr() string {
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

// Has reports whether a connection from identity is currently held.
func (r *Router) Has(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[identity]
	return ok
}

// Close shuts the listener and every accepted connection down.
func (r *Router) Close() error {
	close(r.done)
	var err error
	if r.ln != nil {
		err = r.ln.Close()
	}
	r.mu.Lock()
	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}
	r.mu.Unlock()
	return err
}

//----------------------------------------------------------------------
// Dealer (per-remote outbound socket)
//----------------------------------------------------------------------

// Dealer is one outbound connection to a single peer.
type Dealer struct {
	own       *crypto.EncryptionKeyPair
	peerPub   [crypto.EncKeySize]byte
	keepAlive time.Duration
	queueLen  int

	mu    sync.Mutex
	conn  net.Conn
	inbox chan []byte
	done  chan struct{}
}

// NewDealer constructs a Dealer bound to its own encryption keypair.
func NewDealer(own *crypto.EncryptionKeyPair, keepAlive time.Duration, queueLen int) *Dealer {
	return &Dealer{own: own, keepAlive: keepAlive, queueLen: queueLen}
}

// Connect dials hostAddr ("host:port") and performs the CURVE-style
// handshake, pinning the server's reported key against expectedServerPub
// when non-nil.
func (d *Dealer) Connect(hostAddr string, expectedServerPub *[crypto.EncKeySize]byte) error {
	conn, err := net.DialTimeout("tcp", hostAddr, 10*time.Second)
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(d.keepAlive)
	}
	serverPub, err := handshakeClient(conn, d.own, expectedServerPub)
	if err != nil {
		conn.Close()
		return err
	}
	d.mu.Lock()
	d.conn = conn
	d.peerPub = serverPub
	d.inbox = make(chan []byte, d.queueLen)
	d.done = make(chan struct{})
	d.mu.Unlock()
	go d.readLoop(conn, d.inbox, d.done)
	return nil
}

func (d *Dealer) readLoop(conn net.Conn, inbox chan []byte, done chan struct{}) {
	for {
		payload, err := readFrame(conn)
		if err != nil {
			return
		}
		if len(payload) == 0 {
			continue
		}
		plain, err := crypto.OpenBox(payload, &d.peerPub, &d.own.Priv)
		if err != nil {
			logger.Printf(logger.WARN, "[transport] dealer dropped unreadable frame: %v\n", err)
			continue
		}
		select {
		case inbox <- plain:
		case <-done:
			return
		}
	}
}

// Recv performs one non-blocking receive.
func (d *Dealer) Recv() (payload []byte, ok bool) {
	d.mu.Lock()
	inbox := d.inbox
	d.mu.Unlock()
	if inbox == nil {
		return nil, false
	}
	select {
	case payload = <-inbox:
		return payload, true
	default:
		return nil, false
	}
}

// Send transmits already-serialized payload to the connected peer.
func (d *Dealer) Send(payload []byte) error {
	d.mu.Lock()
	conn := d.conn
	peerPub := d.peerPub
	d.mu.Unlock()
	if conn == nil {
		return ErrEAGAIN
	}
	sealed, err := crypto.SealBox(payload, &peerPub, &d.own.Priv)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	if err := writeFrame(conn, sealed); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrEAGAIN
		}
		return err
	}
	return nil
}

// Connected reports whether the socket currently holds an open
// connection. This is distinct from the Remote's liveness bit, which is
// only set once a pong is received (spec.md §4.3).
func (d *Dealer) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// Disconnect closes the socket with zero linger, matching spec.md §4.3.
func (d *Dealer) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return
	}
	if tc, ok := d.conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	if d.done != nil {
		close(d.done)
	}
	d.conn.Close()
	d.conn = nil
	d.inbox = nil
	d.done = nil
}
