// Package auth implements the stack's authenticator: the policy gate
// that decides whether an inbound CURVE-style handshake is accepted
// (SPEC_FULL.md §4.2). It wraps an in-process allowlist keyed by a
// peer's encryption public key, since no ZeroMQ/ZAP binding exists in
// this module's dependency set to wrap directly.
package auth

import (
	"encoding/hex"
	"errors"
	"io/ioutil"
	"path/filepath"
	"sync"

	"github.com/bfix/gospel/logger"
)

// ErrAlreadyRunning is a fatal programming error: starting the
// authenticator twice without force (spec.md §4.2/§7 AuthAlreadyRunning).
var ErrAlreadyRunning = errors.New("auth: authenticator already running")

// Authenticator accepts or denies inbound peers by encryption public key.
// The network-level allow rule is always "any IP" (spec.md §4.2); only
// the peer-key allowlist differs between restricted and key-sharing mode.
type Authenticator struct {
	mu         sync.RWMutex
	running    bool
	restricted bool
	allowed    map[string]bool // hex(encryption public key) -> allowed
}

// New returns a stopped Authenticator.
func New() *Authenticator {
	return &Authenticator{allowed: make(map[string]bool)}
}

// Start begins authenticating in the given mode. A second Start without
// force is a fatal programming error, matching the original's
// `raise RuntimeError('Listener already setup')`.
func (a *Authenticator) Start(restricted bool, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running && !force {
		return ErrAlreadyRunning
	}
	a.restricted = restricted
	a.running = true
	logger.Printf(logger.DBG, "[auth] started (restricted=%v)\n", restricted)
	return nil
}

// Stop tears the authenticator down; idempotent.
func (a *Authenticator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	logger.Printf(logger.DBG, "[auth] stopped\n")
}

// Configure switches between restricted and key-sharing mode without
// otherwise disturbing the allowlist contents.
func (a *Authenticator) Configure(restricted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restricted = restricted
}

// IsRestricted reports the current mode.
func (a *Authenticator) IsRestricted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.restricted
}

// Allow adds a peer's encryption public key to the allowlist.
func (a *Authenticator) Allow(encPub []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed[hex.EncodeToString(encPub)] = true
}

// Revoke removes a peer's encryption public key from the allowlist.
func (a *Authenticator) Revoke(encPub []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allowed, hex.EncodeToString(encPub))
}

// Accepts reports whether a handshake from encPub should be accepted:
// always true in key-sharing mode, allowlist-gated in restricted mode.
func (a *Authenticator) Accepts(encPub []byte) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.restricted {
		return true
	}
	return a.allowed[hex.EncodeToString(encPub)]
}

// LoadAllowlist (re)populates the allowlist from every `<peer>.key` file
// found in a keystore's public_keys directory, the restricted-mode
// binding described in spec.md §4.2 ("bound to the *public* directory as
// its peer allowlist"). ownName's key file is skipped since the local
// node never needs to authenticate itself.
func (a *Authenticator) LoadAllowlist(publicKeysDir, ownName string) error {
	entries, err := ioutil.ReadDir(publicKeysDir)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed = make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".key" {
			continue
		}
		peer := name[:len(name)-len(".key")]
		if peer == ownName {
			continue
		}
		data, err := ioutil.ReadFile(filepath.Join(publicKeysDir, name))
		if err != nil {
			logger.Printf(logger.WARN, "[auth] skipping unreadable key file %s: %v\n", name, err)
			continue
		}
		a.allowed[hex.EncodeToString(data)] = true
	}
	return nil
}
