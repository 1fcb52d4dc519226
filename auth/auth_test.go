package auth

import "testing"

func TestKeySharingAcceptsAnyone(t *testing.T) {
	a := New()
	if err := a.Start(false, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Accepts([]byte("anything")) {
		t.Fatal("key-sharing mode should accept any peer")
	}
}

func TestRestrictedDeniesUnlisted(t *testing.T) {
	a := New()
	if err := a.Start(true, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.Accepts([]byte("unknown")) {
		t.Fatal("restricted mode should deny a peer not on the allowlist")
	}
	a.Allow([]byte("known"))
	if !a.Accepts([]byte("known")) {
		t.Fatal("restricted mode should accept an allowlisted peer")
	}
}

func TestStartTwiceWithoutForceFails(t *testing.T) {
	a := New()
	if err := a.Start(true, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(true, false); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := a.Start(true, true); err != nil {
		t.Fatalf("Start with force should succeed: %v", err)
	}
}

func TestConfigureSwitchesMode(t *testing.T) {
	a := New()
	a.Start(false, false)
	if a.IsRestricted() {
		t.Fatal("expected key-sharing mode")
	}
	a.Configure(true)
	if !a.IsRestricted() {
		t.Fatal("expected restricted mode after Configure(true)")
	}
}
