package stack

import (
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"pstack/config"
	"pstack/keystore"
)

func seedFor(b byte) []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b + byte(i)
	}
	return seed
}

// bringUp materializes a node's keys under dir/name and returns its
// config, keystore, and loaded keypairs.
func bringUp(t *testing.T, dir, name string, seedByte byte, port int) (*config.StackConfig, *keystore.KeyStore) {
	t.Helper()
	ks := keystore.New(name, dir)
	if _, _, err := ks.InitLocalKeys(seedFor(seedByte), false); err != nil {
		t.Fatalf("InitLocalKeys(%s): %v", name, err)
	}
	cfg := config.Defaults()
	cfg.Name = name
	cfg.BaseDir = dir
	cfg.BindHost = "127.0.0.1"
	cfg.BindPort = port
	cfg.EnableHeartbeats = false
	cfg.KeepAlive = time.Second
	cfg.QueueLength = 16
	return cfg, ks
}

func newStack(t *testing.T, cfg *config.StackConfig, ks *keystore.KeyStore) *Stack {
	t.Helper()
	signing, err := ks.LoadLocalSigningKeyPair()
	if err != nil {
		t.Fatalf("LoadLocalSigningKeyPair: %v", err)
	}
	enc, err := ks.LoadLocalEncryptionKeyPair()
	if err != nil {
		t.Fatalf("LoadLocalEncryptionKeyPair: %v", err)
	}
	return New(cfg, ks, signing, enc)
}

func pollUntil(t *testing.T, tries int, interval time.Duration, cond func() bool) bool {
	t.Helper()
	for i := 0; i < tries; i++ {
		if cond() {
			return true
		}
		time.Sleep(interval)
	}
	return cond()
}

func TestTwoNodePingPong(t *testing.T) {
	dir := t.TempDir()
	cfgA, ksA := bringUp(t, dir, "A", 1, 19101)
	cfgB, ksB := bringUp(t, dir, "B", 50, 19102)

	cfgB.ListenerOnly = true

	a := newStack(t, cfgA, ksA)
	b := newStack(t, cfgB, ksB)

	if err := a.Start(false, false); err != nil {
		t.Fatalf("A.Start: %v", err)
	}
	defer a.Stop()
	if err := b.Start(false, false); err != nil {
		t.Fatalf("B.Start: %v", err)
	}
	defer b.Stop()

	bEnc, err := ksB.LoadLocalEncryptionKeyPair()
	if err != nil {
		t.Fatalf("load B enc pub: %v", err)
	}
	bSign, err := ksB.LoadLocalSigningKeyPair()
	if err != nil {
		t.Fatalf("load B sign pub: %v", err)
	}

	if _, err := a.ConnectTo("B", "127.0.0.1:19102", bSign.Pub.Bytes(), bEnc.Pub[:]); err != nil {
		t.Fatalf("A.ConnectTo(B): %v", err)
	}

	ok := pollUntil(t, 50, 20*time.Millisecond, func() bool {
		a.Service(10)
		b.Service(10)
		return a.IsConnectedTo("B")
	})
	if !ok {
		t.Fatal("expected A to observe B as connected after exchanging ping/pong")
	}

	aEnc, err := ksA.LoadLocalEncryptionKeyPair()
	if err != nil {
		t.Fatalf("load A enc pub: %v", err)
	}
	wantIdentity := hex.EncodeToString(aEnc.Pub[:])
	found := false
	for _, id := range b.PeersWithoutRemotes() {
		if id == wantIdentity {
			found = true
		}
	}
	if !found {
		t.Fatal("expected listener-only B to record A's identity in peersWithoutRemotes")
	}
}

// TestPeersWithoutRemotesRequiresListenerOnly checks that a normal (non
// listener-only) stack does not accumulate unknown inbound identities,
// since the set is only meaningful for listener-only deployments that
// have no outbound Remote to address a reply through.
func TestPeersWithoutRemotesRequiresListenerOnly(t *testing.T) {
	dir := t.TempDir()
	cfgA, ksA := bringUp(t, dir, "A", 2, 19103)
	cfgB, ksB := bringUp(t, dir, "B", 51, 19104)

	a := newStack(t, cfgA, ksA)
	b := newStack(t, cfgB, ksB)

	if err := a.Start(false, false); err != nil {
		t.Fatalf("A.Start: %v", err)
	}
	defer a.Stop()
	if err := b.Start(false, false); err != nil {
		t.Fatalf("B.Start: %v", err)
	}
	defer b.Stop()

	bEnc, err := ksB.LoadLocalEncryptionKeyPair()
	if err != nil {
		t.Fatalf("load B enc pub: %v", err)
	}
	bSign, err := ksB.LoadLocalSigningKeyPair()
	if err != nil {
		t.Fatalf("load B sign pub: %v", err)
	}

	if _, err := a.ConnectTo("B", "127.0.0.1:19104", bSign.Pub.Bytes(), bEnc.Pub[:]); err != nil {
		t.Fatalf("A.ConnectTo(B): %v", err)
	}

	ok := pollUntil(t, 50, 20*time.Millisecond, func() bool {
		a.Service(10)
		b.Service(10)
		return a.IsConnectedTo("B")
	})
	if !ok {
		t.Fatal("expected A to observe B as connected after exchanging ping/pong")
	}

	if got := b.PeersWithoutRemotes(); len(got) != 0 {
		t.Fatalf("expected non listener-only B to record no unknown identities, got %v", got)
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	dir := t.TempDir()
	cfgA, ksA := bringUp(t, dir, "A", 10, 19201)
	cfgB, ksB := bringUp(t, dir, "B", 60, 19202)

	a := newStack(t, cfgA, ksA)
	b := newStack(t, cfgB, ksB)

	var mu sync.Mutex
	var received []any
	b.Handler = func(msg any, source string) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	}

	if err := a.Start(false, false); err != nil {
		t.Fatalf("A.Start: %v", err)
	}
	defer a.Stop()
	if err := b.Start(false, false); err != nil {
		t.Fatalf("B.Start: %v", err)
	}
	defer b.Stop()

	bEnc, _ := ksB.LoadLocalEncryptionKeyPair()
	bSign, _ := ksB.LoadLocalSigningKeyPair()
	if _, err := a.ConnectTo("B", "127.0.0.1:19202", bSign.Pub.Bytes(), bEnc.Pub[:]); err != nil {
		t.Fatalf("A.ConnectTo(B): %v", err)
	}

	// D is added but never connected: its socket stays uninitialized.
	var dEncPub [32]byte
	dEncPub[0] = 0xAA
	a.AddRemote("D", "127.0.0.1:19999", nil, dEncPub)

	pollUntil(t, 20, 10*time.Millisecond, func() bool {
		a.Service(10)
		b.Service(10)
		return a.IsConnectedTo("B")
	})

	ok, err := a.Send(map[string]any{"x": 1.0}, "")
	if ok || err == nil {
		t.Fatalf("expected broadcast to report partial failure, got ok=%v err=%v", ok, err)
	}

	pollUntil(t, 20, 10*time.Millisecond, func() bool {
		b.Service(10)
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	})

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatal("expected B to still receive the broadcast frame despite D's failure")
	}
	m, ok := received[0].(map[string]any)
	if !ok || m["x"] != 1.0 {
		t.Fatalf("unexpected decoded payload: %#v", received[0])
	}
}
