package keystore

import (
	"io/ioutil"
	"os"
	"testing"

	"pstack/crypto"
	"pstack/util"
)

func TestInitLocalKeysSetup(t *testing.T) {
	base, err := ioutil.TempDir("", "keystore_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	ks := New("alice", base)
	seed := util.NewRndArray(32)
	encPub, verifPub, err := ks.InitLocalKeys(seed, false)
	if err != nil {
		t.Fatalf("InitLocalKeys: %v", err)
	}
	if len(encPub) != 64 || len(verifPub) != 64 {
		t.Fatalf("expected 64-char hex keys, got %d/%d", len(encPub), len(verifPub))
	}
	if !ks.AreKeysSetup() {
		t.Fatal("AreKeysSetup() == false after InitLocalKeys")
	}

	enc, err := ks.LoadLocalEncryptionKeyPair()
	if err != nil {
		t.Fatalf("LoadLocalEncryptionKeyPair: %v", err)
	}
	if enc.Hex() != encPub {
		t.Fatalf("reloaded encryption pubkey mismatch: %s != %s", enc.Hex(), encPub)
	}

	sign, err := ks.LoadLocalSigningKeyPair()
	if err != nil {
		t.Fatalf("LoadLocalSigningKeyPair: %v", err)
	}
	msg := []byte("hello")
	sig, err := sign.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := crypto.Verify(sign.Pub, msg, sig)
	if err != nil || !ok {
		t.Fatalf("Verify failed: ok=%v err=%v", ok, err)
	}
}

func TestInitLocalKeysRequiresFullSeed(t *testing.T) {
	base, err := ioutil.TempDir("", "keystore_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	ks := New("bob", base)
	if _, _, err := ks.InitLocalKeys([]byte("short"), false); err == nil {
		t.Fatal("expected error for undersized seed")
	}
}

func TestPassphraseRoundTrip(t *testing.T) {
	base, err := ioutil.TempDir("", "keystore_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	ks := New("carol", base).WithPassphrase("correct horse battery staple")
	seed := util.NewRndArray(32)
	if _, _, err := ks.InitLocalKeys(seed, false); err != nil {
		t.Fatalf("InitLocalKeys: %v", err)
	}
	if _, err := ks.LoadLocalEncryptionKeyPair(); err != nil {
		t.Fatalf("LoadLocalEncryptionKeyPair with correct passphrase: %v", err)
	}
	if _, err := New("carol", base).LoadLocalEncryptionKeyPair(); err == nil {
		t.Fatal("expected loading an encrypted-at-rest key without a passphrase to fail")
	}
}

func TestAreKeysSetupFalseInitially(t *testing.T) {
	base, err := ioutil.TempDir("", "keystore_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	ks := New("dave", base)
	if ks.AreKeysSetup() {
		t.Fatal("AreKeysSetup() == true before any key material exists")
	}
}

func TestClearLocalRoleKeep(t *testing.T) {
	base, err := ioutil.TempDir("", "keystore_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	ks := New("erin", base)
	seed := util.NewRndArray(32)
	if _, _, err := ks.InitLocalKeys(seed, false); err != nil {
		t.Fatalf("InitLocalKeys: %v", err)
	}
	ks.ClearLocalRoleKeep()
	if ks.AreKeysSetup() {
		t.Fatal("AreKeysSetup() == true after ClearLocalRoleKeep")
	}
}
