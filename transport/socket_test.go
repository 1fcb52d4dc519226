package transport

import (
	"testing"
	"time"

	"pstack/crypto"
)

func mustKeyPair(t *testing.T) *crypto.EncryptionKeyPair {
	t.Helper()
	seed := make([]byte, crypto.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	kp, err := crypto.DeriveEncryptionKeyPair(seed)
	if err != nil {
		t.Fatalf("DeriveEncryptionKeyPair: %v", err)
	}
	return kp
}

func TestRouterDealerRoundTrip(t *testing.T) {
	serverKeys := mustKeyPair(t)
	seed2 := make([]byte, crypto.SeedSize)
	for i := range seed2 {
		seed2[i] = byte(200 + i)
	}
	clientKeys, err := crypto.DeriveEncryptionKeyPair(seed2)
	if err != nil {
		t.Fatalf("DeriveEncryptionKeyPair: %v", err)
	}

	router := NewRouter(serverKeys, time.Second, 8, func(peerPub []byte) bool { return true })
	if err := router.Open("127.0.0.1:0"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer router.Close()

	addr := router.ln.Addr().String()
	dealer := NewDealer(clientKeys, time.Second, 8)
	if err := dealer.Connect(addr, &serverKeys.Pub); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer dealer.Disconnect()

	if err := dealer.Send([]byte("pi")); err != nil {
		t.Fatalf("dealer.Send: %v", err)
	}

	received := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !received {
		if frame, ok := router.Recv(); ok {
			if string(frame.Payload) != "pi" {
				t.Fatalf("unexpected payload %q", frame.Payload)
			}
			if err := router.Send(frame.Identity, []byte("po")); err != nil {
				t.Fatalf("router.Send: %v", err)
			}
			received = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !received {
		t.Fatal("router never received the ping frame")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if payload, ok := dealer.Recv(); ok {
			if string(payload) != "po" {
				t.Fatalf("unexpected reply %q", payload)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dealer never received the pong frame")
}

func TestRouterRejectsUnacceptedPeer(t *testing.T) {
	serverKeys := mustKeyPair(t)
	seed2 := make([]byte, crypto.SeedSize)
	for i := range seed2 {
		seed2[i] = byte(50 + i)
	}
	clientKeys, _ := crypto.DeriveEncryptionKeyPair(seed2)

	router := NewRouter(serverKeys, time.Second, 8, func(peerPub []byte) bool { return false })
	if err := router.Open("127.0.0.1:0"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer router.Close()

	dealer := NewDealer(clientKeys, time.Second, 8)
	err := dealer.Connect(router.ln.Addr().String(), nil)
	if err == nil {
		dealer.Disconnect()
		t.Fatal("expected Connect to fail against a rejecting router")
	}
}
