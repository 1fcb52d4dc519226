// Package stack implements the messaging stack proper (SPEC_FULL.md
// §4.4-4.8): the listener, the remote table and its by-key index, the
// inbound queue, and the single `Service` tick that drains both, runs
// them through the pipeline, and dispatches surviving messages to the
// caller's handler. It is grounded in full on
// original_source/stp_zmq/zstack.py's ZStack class.
package stack

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bfix/gospel/crypto/ed25519"
	"github.com/bfix/gospel/logger"

	"pstack/auth"
	"pstack/config"
	"pstack/crypto"
	"pstack/directory"
	"pstack/discovery"
	"pstack/keystore"
	"pstack/pipeline"
	"pstack/remote"
	"pstack/transport"
)

// Errors mirroring spec.md §7's named error kinds not already owned by a
// lower package.
var (
	ErrInsufficientConnectInfo = errors.New("stack: insufficient information to connect (address, encryption key or verify key missing)")
	ErrUnknownRemote           = errors.New("stack: no remote by that name")
	ErrSocketUninitialized     = errors.New("stack: remote has no socket")
	ErrNotListenerAddressable  = errors.New("stack: identity is not a known inbound peer")
	ErrMaxSocketsReached       = errors.New("stack: MAX_SOCKETS reached")
)

// Handler receives one fully decoded application message together with
// the resolved name (or raw identity) of its sender.
type Handler func(msg any, source string)

// RejectHandler is invoked for every inbound frame dropped by the
// pipeline, with a diagnostic reason and the sender's name or identity.
type RejectHandler func(reason string, source string)

// SendOutcome is send_ping_pong's tri-state return value (spec.md §4.8):
// Sent (transmitted), Refused (transport refused, e.g. EAGAIN) or
// Deferred. SendPingPong sends inline and never returns Deferred. The
// heartbeat broadcaster treats anything but Sent as acceptable and
// proceeds regardless.
type SendOutcome int

const (
	Sent SendOutcome = iota
	Refused
	Deferred
)

// rxEntry is one validated, decoded frame waiting to be processed; reply
// routes a health-message response back over whichever socket it arrived
// on (listener or a remote's dealer socket).
type rxEntry struct {
	text     string
	identity string
	reply    func([]byte) error
}

// Stack owns the listener, the remote table and its indices, and the
// inbound queue. One instance corresponds to one node identity.
type Stack struct {
	cfg *config.StackConfig
	ks  *keystore.KeyStore

	signing *crypto.SigningKeyPair
	encKeys *crypto.EncryptionKeyPair

	pipeline *pipeline.Pipeline
	auth     *auth.Authenticator

	// dir and resolver are the optional address-book and DNS lookup
	// helpers ConnectTo consults when the caller omits hostAddr or
	// supplies a bare hostname (SPEC_FULL.md §4.9/§4.10). Both stay nil
	// (no-op) unless cfg names a DirectorySpec/DiscoveryServer.
	dir      *directory.PeerDirectory
	resolver *discovery.Resolver

	Handler       Handler
	RejectHandler RejectHandler

	mu                  sync.Mutex
	listener            *transport.Router
	remotes             map[string]*remote.Remote    // name -> Remote
	remotesByKeys       map[string]*remote.Remote    // hex(enc pub) -> Remote
	verifiers           map[string]*ed25519.PublicKey // hex(verify key) -> key
	peersWithoutRemotes map[string]bool              // hex(enc pub) -> seen
	rxMsgs              []rxEntry
	lastHeartbeatAt     *time.Time
	restricted          bool
}

// New constructs a Stack for one node identity. cfg, the loaded signing
// and encryption keypairs, and the keystore used to resolve peer keys by
// name are all supplied by the caller (cmd/peernode in practice).
func New(cfg *config.StackConfig, ks *keystore.KeyStore, signing *crypto.SigningKeyPair, encKeys *crypto.EncryptionKeyPair) *Stack {
	return &Stack{
		cfg:                 cfg,
		ks:                  ks,
		signing:             signing,
		encKeys:             encKeys,
		pipeline:            pipeline.New(cfg.MsgLenLimit),
		auth:                auth.New(),
		remotes:             make(map[string]*remote.Remote),
		remotesByKeys:       make(map[string]*remote.Remote),
		verifiers:           make(map[string]*ed25519.PublicKey),
		peersWithoutRemotes: make(map[string]bool),
	}
}

//----------------------------------------------------------------------
// Lifecycle (§4.4)
//----------------------------------------------------------------------

// Start starts the authenticator in the requested mode and opens the
// listener. force is passed straight to the authenticator (only
// SetRestricted needs force=true, since it always follows a Stop).
func (s *Stack) Start(restricted bool, force bool) error {
	if err := s.auth.Start(restricted, force); err != nil {
		return err
	}
	s.mu.Lock()
	s.restricted = restricted
	s.mu.Unlock()
	if restricted {
		if err := s.auth.LoadAllowlist(s.ks.PublicDir(), s.ks.Name); err != nil {
			logger.Printf(logger.WARN, "[stack] failed to load allowlist: %v\n", err)
		}
	}
	if s.cfg.DirectorySpec != "" && s.dir == nil {
		dir, err := directory.Open(s.cfg.DirectorySpec)
		if err != nil {
			logger.Printf(logger.WARN, "[stack] failed to open peer directory: %v\n", err)
		} else {
			s.dir = dir
		}
	}
	if s.cfg.DiscoveryServer != "" && s.resolver == nil {
		s.resolver = discovery.NewResolver(s.cfg.DiscoveryServer)
	}
	return s.open()
}

// open creates the router socket, binds it and starts accepting.
func (s *Stack) open() error {
	accept := func(peerPub []byte) bool { return s.auth.Accepts(peerPub) }
	router := transport.NewRouter(s.encKeys, s.cfg.KeepAlive, s.cfg.QueueLength, accept)
	addr := fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.BindPort)
	if err := router.Open(addr); err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = router
	s.mu.Unlock()
	if s.cfg.UseUPnP {
		transport.MaybeForwardPort(true, s.cfg.BindPort)
	}
	return nil
}

// Stop closes the listener, disconnects every remote, clears the
// remote table, the by-key index and the inbound-identity set, and
// stops the authenticator.
func (s *Stack) Stop() {
	s.mu.Lock()
	listener := s.listener
	remotes := s.remotes
	s.listener = nil
	s.remotes = make(map[string]*remote.Remote)
	s.remotesByKeys = make(map[string]*remote.Remote)
	s.verifiers = make(map[string]*ed25519.PublicKey)
	s.peersWithoutRemotes = make(map[string]bool)
	s.rxMsgs = nil
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, r := range remotes {
		r.Disconnect()
	}
	s.auth.Stop()
}

// SetRestricted switches operating mode. If the mode does not actually
// change, only the authenticator's policy is refreshed in place.
// Otherwise the stack is fully stopped, given a brief pause for the
// bound port to be released, and restarted with force=true (the
// authenticator was just stopped, so force is a formality here, not a
// recovery from a stuck state).
func (s *Stack) SetRestricted(restricted bool) error {
	s.mu.Lock()
	changed := restricted != s.restricted
	s.mu.Unlock()
	if !changed {
		s.auth.Configure(restricted)
		return nil
	}
	s.Stop()
	time.Sleep(50 * time.Millisecond)
	return s.Start(restricted, true)
}

// IsRestricted reports the stack's current operating mode.
func (s *Stack) IsRestricted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restricted
}

//----------------------------------------------------------------------
// Remote management (§4.5)
//----------------------------------------------------------------------

// AddRemote constructs a Remote and inserts it into both indices,
// registering a Verifier for verifKey when present. A remote with a
// duplicate name replaces the prior entry (its indices are dropped
// first).
func (s *Stack) AddRemote(name, hostAddr string, verifKey *ed25519.PublicKey, encPub [crypto.EncKeySize]byte) *remote.Remote {
	r := remote.New(name, hostAddr, verifKey, encPub)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.remotes[name]; ok {
		delete(s.remotesByKeys, hex.EncodeToString(old.EncPub[:]))
	}
	s.remotes[name] = r
	s.remotesByKeys[hex.EncodeToString(encPub[:])] = r
	if verifKey != nil {
		s.verifiers[hex.EncodeToString(verifKey.Bytes())] = verifKey
	}
	return r
}

// ConnectTo reuses an existing remote by name, or loads any missing key
// material from disk (and a missing address via resolveHostAddr) and adds
// one, then connects and sends an initial ping. Returns the remote's uid.
func (s *Stack) ConnectTo(name, hostAddr string, verifKeyRaw, pubKeyRaw []byte) (int, error) {
	s.mu.Lock()
	r, ok := s.remotes[name]
	restricted := s.restricted
	maxSockets := s.cfg.MaxSockets
	active := s.countConnectedLocked()
	s.mu.Unlock()

	if !ok {
		hostAddr = s.resolveHostAddr(name, hostAddr)
		if hostAddr == "" {
			return 0, ErrInsufficientConnectInfo
		}
		var verifKey *ed25519.PublicKey
		switch {
		case len(verifKeyRaw) > 0:
			k, err := crypto.ParseSigningPublicKey(verifKeyRaw)
			if err != nil {
				return 0, err
			}
			verifKey = k
		case restricted:
			raw, err := keystore.LoadPublic(s.ks.VerifDir(), name)
			if err != nil {
				return 0, ErrInsufficientConnectInfo
			}
			k, err := crypto.ParseSigningPublicKey(raw)
			if err != nil {
				return 0, err
			}
			verifKey = k
		}

		var encPub [crypto.EncKeySize]byte
		switch {
		case len(pubKeyRaw) == crypto.EncKeySize:
			copy(encPub[:], pubKeyRaw)
		default:
			raw, err := keystore.LoadPublic(s.ks.PublicDir(), name)
			if err != nil {
				return 0, ErrInsufficientConnectInfo
			}
			if len(raw) != crypto.EncKeySize {
				return 0, ErrInsufficientConnectInfo
			}
			copy(encPub[:], raw)
		}
		r = s.AddRemote(name, hostAddr, verifKey, encPub)
	}

	if maxSockets > 0 && active >= maxSockets {
		return 0, ErrMaxSocketsReached
	}
	if err := r.Connect(s.encKeys, s.cfg.KeepAlive, s.cfg.QueueLength); err != nil {
		return 0, err
	}
	s.SendPingPong(r)
	s.recordAddr(name, r.HostAddr)
	return r.UID(), nil
}

// resolveHostAddr fills in a missing or bare-hostname hostAddr using the
// directory cache and DNS discovery (SPEC_FULL.md §4.9/§4.10), in that
// order, without ever overriding an already-complete "host:port" pair
// the caller supplied.
func (s *Stack) resolveHostAddr(name, hostAddr string) string {
	if hostAddr == "" {
		if s.dir == nil {
			return ""
		}
		addr, err := s.dir.HostAddr(name)
		if err != nil {
			return ""
		}
		return addr
	}
	if _, _, err := net.SplitHostPort(hostAddr); err == nil {
		return hostAddr
	}
	if s.resolver == nil {
		return ""
	}
	addr, err := s.resolver.Lookup(hostAddr)
	if err != nil {
		logger.Printf(logger.WARN, "[stack] SRV lookup for %q failed: %v\n", hostAddr, err)
		return ""
	}
	return addr
}

// recordAddr persists name's current address in the directory cache, if
// one is configured, so a restarted stack can repopulate ConnectTo calls
// without being re-told addresses out of band.
func (s *Stack) recordAddr(name, hostAddr string) {
	if s.dir == nil {
		return
	}
	host, portStr, err := net.SplitHostPort(hostAddr)
	if err != nil {
		return
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return
	}
	if err := s.dir.Put(name, host, port); err != nil {
		logger.Printf(logger.WARN, "[stack] failed to record %s's address: %v\n", name, err)
	}
}

func (s *Stack) countConnectedLocked() int {
	n := 0
	for _, r := range s.remotes {
		if r.HasSocket() {
			n++
		}
	}
	return n
}

// ReconnectRemote tears a remote's socket down and re-establishes it,
// followed by a fresh ping.
func (s *Stack) ReconnectRemote(r *remote.Remote) error {
	r.Disconnect()
	if err := r.Connect(s.encKeys, s.cfg.KeepAlive, s.cfg.QueueLength); err != nil {
		return err
	}
	s.SendPingPong(r)
	return nil
}

// DisconnectByName looks up name, disconnects its socket (the remote
// stays in the table) and returns it, or nil if unknown.
func (s *Stack) DisconnectByName(name string) *remote.Remote {
	s.mu.Lock()
	r, ok := s.remotes[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	r.Disconnect()
	return r
}

// RemoveRemote drops r from both indices and from verifiers.
func (s *Stack) RemoveRemote(r *remote.Remote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remotes, r.Name)
	delete(s.remotesByKeys, hex.EncodeToString(r.EncPub[:]))
	if r.VerifKey != nil {
		delete(s.verifiers, hex.EncodeToString(r.VerifKey.Bytes()))
	}
}

// Remote looks up a remote by name.
func (s *Stack) Remote(name string) (*remote.Remote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.remotes[name]
	return r, ok
}

//----------------------------------------------------------------------
// Receive pipeline (§4.6)
//----------------------------------------------------------------------

// Service is the single externally driven tick: heartbeats, then drain
// the listener and every remote with a socket attached under quota
// (whether or not its pong has arrived yet), then process up
// to limit queued frames (unbounded when limit <= 0). Returns the
// number of frames processed.
func (s *Stack) Service(limit int) int {
	s.maybeHeartbeat()

	s.drainListener(s.cfg.ListenerQuota)

	s.mu.Lock()
	remotes := make([]*remote.Remote, 0, len(s.remotes))
	for _, r := range s.remotes {
		remotes = append(remotes, r)
	}
	s.mu.Unlock()
	for _, r := range remotes {
		if r.HasSocket() {
			s.drainRemote(r, s.cfg.SenderQuota)
		}
	}

	s.mu.Lock()
	empty := len(s.rxMsgs) == 0
	s.mu.Unlock()
	if empty {
		return 0
	}
	return s.process(limit)
}

func (s *Stack) maybeHeartbeat() {
	if !s.cfg.EnableHeartbeats {
		return
	}
	now := time.Now()
	s.mu.Lock()
	due := s.lastHeartbeatAt == nil || now.Sub(*s.lastHeartbeatAt) >= s.cfg.HeartbeatFreq
	remotes := make([]*remote.Remote, 0, len(s.remotes))
	for _, r := range s.remotes {
		remotes = append(remotes, r)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	for _, r := range remotes {
		if r.HasSocket() {
			s.SendPingPong(r)
		}
	}
	s.mu.Lock()
	s.lastHeartbeatAt = &now
	s.mu.Unlock()
}

func (s *Stack) drainListener(quota int) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return
	}
	for count := 0; count < quota; count++ {
		frame, ok := listener.Recv()
		if !ok {
			return
		}
		s.noteInboundIdentity(frame.Identity)
		identity := frame.Identity
		s.acceptFrame(frame.Payload, identity, func(payload []byte) error {
			return listener.Send(identity, payload)
		})
	}
}

func (s *Stack) noteInboundIdentity(identity string) {
	if !s.cfg.ListenerOnly {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.remotesByKeys[identity]; !known {
		s.peersWithoutRemotes[identity] = true
	}
}

func (s *Stack) drainRemote(r *remote.Remote, quota int) {
	sock := r.Socket()
	if sock == nil {
		return
	}
	identity := hex.EncodeToString(r.EncPub[:])
	for count := 0; count < quota; count++ {
		payload, ok := sock.Recv()
		if !ok {
			return
		}
		s.acceptFrame(payload, identity, sock.Send)
	}
}

// acceptFrame runs one drained frame through the pipeline's length and
// UTF-8 validation, dropping and reporting on failure, or enqueueing the
// decoded text alongside its reply route on success.
func (s *Stack) acceptFrame(raw []byte, identity string, reply func([]byte) error) {
	text, err := s.pipeline.Accept(raw)
	if err != nil {
		if s.RejectHandler != nil {
			s.RejectHandler(err.Error(), s.sourceName(identity))
		}
		return
	}
	s.mu.Lock()
	s.rxMsgs = append(s.rxMsgs, rxEntry{text: text, identity: identity, reply: reply})
	s.mu.Unlock()
}

func (s *Stack) sourceName(identity string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.remotesByKeys[identity]; ok {
		return r.Name
	}
	return identity
}

func (s *Stack) process(limit int) int {
	s.mu.Lock()
	n := len(s.rxMsgs)
	if limit > 0 && limit < n {
		n = limit
	}
	batch := s.rxMsgs[:n]
	s.rxMsgs = s.rxMsgs[n:]
	s.mu.Unlock()

	for _, e := range batch {
		s.processOne(e)
	}
	return n
}

func (s *Stack) processOne(e rxEntry) {
	name := s.sourceName(e.identity)

	if isHealth, isPing := pipeline.IsHealthMessage(e.text); isHealth {
		if isPing {
			if err := e.reply([]byte(pipeline.PongMessage)); err != nil {
				logger.Printf(logger.DBG, "[stack] pong reply to %s deferred or refused: %v\n", name, err)
			}
		} else {
			s.mu.Lock()
			if r, ok := s.remotesByKeys[e.identity]; ok {
				r.SetConnected()
			}
			s.mu.Unlock()
		}
		return
	}

	decoded, err := pipeline.Deserialize(e.text)
	if err != nil {
		logger.Printf(logger.WARN, "[stack] dropping undecodable payload from %s: %v\n", name, err)
		return
	}
	msg := s.pipeline.ProcessHook(decoded)
	if s.Handler != nil {
		s.Handler(msg, name)
	}
}

//----------------------------------------------------------------------
// Send path (§4.7-4.8)
//----------------------------------------------------------------------

// SendPingPong sends a ping over r's socket inline (spec.md §9:
// "send it inline from connect; no task scheduler is required"),
// reporting the tri-state transport outcome.
func (s *Stack) SendPingPong(r *remote.Remote) SendOutcome {
	sock := r.Socket()
	if sock == nil {
		return Refused
	}
	if err := sock.Send([]byte(pipeline.PingMessage)); err != nil {
		return Refused
	}
	return Sent
}

// HandlePingPong replies to a ping or marks a remote connected on pong
// receipt, for callers that drain frames outside Service (Service itself
// handles health messages in processOne).
func (s *Stack) HandlePingPong(identity, text string, reply func([]byte) error) (handled bool) {
	isHealth, isPing := pipeline.IsHealthMessage(text)
	if !isHealth {
		return false
	}
	if isPing {
		reply([]byte(pipeline.PongMessage))
		return true
	}
	s.mu.Lock()
	if r, ok := s.remotesByKeys[identity]; ok {
		r.SetConnected()
	}
	s.mu.Unlock()
	return true
}

// Send implements the unicast/broadcast/listener-only send contract.
// name=="" means broadcast. In listener-only mode name is interpreted
// as an inbound identity and routed via transmitThroughListener.
func (s *Stack) Send(msg any, name string) (bool, error) {
	s.mu.Lock()
	listenerOnly := s.cfg.ListenerOnly
	s.mu.Unlock()
	if listenerOnly {
		return s.transmitThroughListener(msg, name)
	}
	if name == "" {
		return s.broadcast(msg)
	}
	return s.unicast(msg, name)
}

func (s *Stack) serialize(msg any) ([]byte, error) {
	data, err := s.pipeline.Serialize(msg)
	if err != nil {
		return nil, err
	}
	if err := s.pipeline.ValidateLength(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Stack) unicast(msg any, name string) (bool, error) {
	s.mu.Lock()
	r, ok := s.remotes[name]
	s.mu.Unlock()
	if !ok {
		return false, ErrUnknownRemote
	}
	sock := r.Socket()
	if sock == nil {
		return false, ErrSocketUninitialized
	}
	data, err := s.serialize(msg)
	if err != nil {
		return false, err
	}
	return s.transmit(r, sock, data)
}

func (s *Stack) transmit(r *remote.Remote, sock *transport.Dealer, data []byte) (bool, error) {
	err := sock.Send(data)
	if err == nil {
		if !r.IsConnected() {
			isHealth, _ := pipeline.IsHealthMessage(string(data))
			if !isHealth {
				logger.Printf(logger.WARN, "[stack] sent to %s before connection was confirmed\n", r.Name)
			}
		}
		return true, nil
	}
	if errors.Is(err, transport.ErrEAGAIN) {
		return false, nil
	}
	return false, err
}

func (s *Stack) broadcast(msg any) (bool, error) {
	data, err := s.serialize(msg)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	remotes := make([]*remote.Remote, 0, len(s.remotes))
	for _, r := range s.remotes {
		remotes = append(remotes, r)
	}
	s.mu.Unlock()

	var errs []string
	for _, r := range remotes {
		sock := r.Socket()
		if sock == nil {
			errs = append(errs, fmt.Sprintf("%s: %v", r.Name, ErrSocketUninitialized))
			continue
		}
		if ok, err := s.transmit(r, sock, data); !ok {
			reason := "EAGAIN"
			if err != nil {
				reason = err.Error()
			}
			errs = append(errs, fmt.Sprintf("%s: %s", r.Name, reason))
		}
	}
	if len(errs) == 0 {
		return true, nil
	}
	return false, errors.New("broadcast: " + joinErrs(errs))
}

func joinErrs(errs []string) string {
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}

// transmitThroughListener sends msg back over the listener socket to
// identity, succeeding only when identity is a known inbound peer
// (spec.md §4.7). The unreachable "return true, nil" the original
// carries after its exception arms (spec.md §9) has no analogue here:
// every Go error path already returns directly.
func (s *Stack) transmitThroughListener(msg any, identity string) (bool, error) {
	s.mu.Lock()
	known := s.peersWithoutRemotes[identity]
	listener := s.listener
	s.mu.Unlock()
	if !known || listener == nil {
		return false, ErrNotListenerAddressable
	}
	data, err := s.serialize(msg)
	if err != nil {
		return false, err
	}
	if err := listener.Send(identity, data); err != nil {
		if errors.Is(err, transport.ErrEAGAIN) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HasRemote reports whether name is a known remote.
func (s *Stack) HasRemote(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.remotes[name]
	return ok
}

// IsConnectedTo reports whether name's remote currently has its
// liveness bit set.
func (s *Stack) IsConnectedTo(name string) bool {
	s.mu.Lock()
	r, ok := s.remotes[name]
	s.mu.Unlock()
	return ok && r.IsConnected()
}

// PeersWithoutRemotes returns a snapshot of the inbound identities seen
// with no corresponding outbound Remote (listener-only bookkeeping).
func (s *Stack) PeersWithoutRemotes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peersWithoutRemotes))
	for id := range s.peersWithoutRemotes {
		out = append(out, id)
	}
	return out
}
