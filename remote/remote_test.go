package remote

import (
	"testing"
	"time"

	"pstack/crypto"
	"pstack/transport"
)

func keyPairFor(t *testing.T, b byte) *crypto.EncryptionKeyPair {
	t.Helper()
	seed := make([]byte, crypto.SeedSize)
	for i := range seed {
		seed[i] = b + byte(i)
	}
	kp, err := crypto.DeriveEncryptionKeyPair(seed)
	if err != nil {
		t.Fatalf("DeriveEncryptionKeyPair: %v", err)
	}
	return kp
}

func TestLifecycleNoSocketToConnected(t *testing.T) {
	serverKeys := keyPairFor(t, 1)
	clientKeys := keyPairFor(t, 100)

	router := transport.NewRouter(serverKeys, time.Second, 8, func([]byte) bool { return true })
	if err := router.Open("127.0.0.1:0"); err != nil {
		t.Fatalf("router.Open: %v", err)
	}
	defer router.Close()

	r := New("peerB", router.Addr(), nil, serverKeys.Pub)
	if r.HasSocket() {
		t.Fatal("new remote should start with no socket")
	}
	if r.IsConnected() {
		t.Fatal("new remote should not be connected")
	}

	if err := r.Connect(clientKeys, time.Second, 8); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !r.HasSocket() {
		t.Fatal("expected socket attached after Connect")
	}
	if r.IsConnected() {
		t.Fatal("should not be 'connected' before a pong is received")
	}

	r.SetConnected()
	if !r.IsConnected() {
		t.Fatal("expected connected after SetConnected")
	}

	r.Disconnect()
	if r.HasSocket() || r.IsConnected() {
		t.Fatal("expected NoSocket state after Disconnect")
	}
}

