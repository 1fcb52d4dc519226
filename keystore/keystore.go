// Package keystore implements the on-disk key material layout described
// in SPEC_FULL.md §4.1: per-node home directories holding the local and
// peer halves of a signing (ed25519) and an encryption (curve25519)
// keypair, with optional at-rest encryption of the secret files.
package keystore

import (
	"encoding/hex"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/bfix/gospel/logger"

	"pstack/crypto"
	"pstack/util"
)

// Fixed subdirectory names under a node's home directory (spec.md §6).
const (
	PublicKeyDirName = "public_keys"
	SecretKeyDirName = "private_keys"
	VerifKeyDirName  = "verif_keys"
	SigKeyDirName    = "sig_keys"
)

// ErrKeyNotFound is raised by the loaders on a missing or malformed key
// file (spec.md §7 KeyNotFoundOnDisk).
var ErrKeyNotFound = errors.New("keystore: key not found on disk")

// KeyStore materializes, locates and erases the key files for one node
// identity under baseDir/name/.
type KeyStore struct {
	Name       string
	BaseDir    string
	Passphrase string // optional, enables at-rest secret encryption
}

// New returns a KeyStore rooted at baseDir for the node called name.
func New(name, baseDir string) *KeyStore {
	return &KeyStore{Name: name, BaseDir: baseDir}
}

// WithPassphrase enables at-rest encryption of secret key files using a
// scrypt-derived key (SPEC_FULL.md §4.1 addendum). Returns the receiver
// for chaining.
func (ks *KeyStore) WithPassphrase(passphrase string) *KeyStore {
	ks.Passphrase = passphrase
	return ks
}

func (ks *KeyStore) homeDir() string   { return filepath.Join(ks.BaseDir, ks.Name) }
func (ks *KeyStore) publicDir() string { return filepath.Join(ks.homeDir(), PublicKeyDirName) }
func (ks *KeyStore) secretDir() string { return filepath.Join(ks.homeDir(), SecretKeyDirName) }
func (ks *KeyStore) verifDir() string  { return filepath.Join(ks.homeDir(), VerifKeyDirName) }
func (ks *KeyStore) sigDir() string    { return filepath.Join(ks.homeDir(), SigKeyDirName) }

// PublicDir, VerifDir expose the two directories external callers need
// to read directly: the authenticator's allowlist source and the
// stack's on-demand peer-key loader (ConnectTo).
func (ks *KeyStore) PublicDir() string { return ks.publicDir() }
func (ks *KeyStore) VerifDir() string  { return ks.verifDir() }

func publicFile(dir, name string) string { return filepath.Join(dir, name+".key") }
func secretFile(dir, name string) string { return filepath.Join(dir, name+".key_secret") }

// ensureDirs idempotently creates the four canonical subdirectories.
func (ks *KeyStore) ensureDirs() error {
	for _, d := range []string{ks.homeDir(), ks.publicDir(), ks.secretDir(), ks.verifDir(), ks.sigDir()} {
		if err := util.EnforceDirExists(d); err != nil {
			return err
		}
	}
	return nil
}

// InitLocalKeys generates both keypairs deterministically from seed and
// deposits them into the four canonical subdirectories, returning the
// hex-encoded encryption public key and signing public key.
//
// override is accepted for API compatibility with the original key-init
// functions but is ignored: InitLocalKeys always (re)writes the local key
// files (spec.md §9 Open Questions).
func (ks *KeyStore) InitLocalKeys(seed []byte, override bool) (encPubHex, verifPubHex string, err error) {
	if err = ks.ensureDirs(); err != nil {
		return
	}
	stageDir, err := ioutil.TempDir(ks.homeDir(), "__stage_")
	if err != nil {
		return
	}
	defer os.RemoveAll(stageDir)

	sign, err := crypto.NewSigningKeyPair(seed)
	if err != nil {
		return
	}
	enc, err := crypto.DeriveEncryptionKeyPair(seed)
	if err != nil {
		return
	}

	if err = ks.writeSecret(ks.secretDir(), ks.Name, enc.Priv[:]); err != nil {
		return
	}
	if err = writeFile(publicFile(ks.publicDir(), ks.Name), enc.Pub[:]); err != nil {
		return
	}
	if err = ks.writeSecret(ks.sigDir(), ks.Name, seed); err != nil {
		return
	}
	if err = writeFile(publicFile(ks.verifDir(), ks.Name), sign.Pub.Bytes()); err != nil {
		return
	}

	encPubHex = hex.EncodeToString(enc.Pub[:])
	verifPubHex = hex.EncodeToString(sign.Pub.Bytes())
	logger.Printf(logger.INFO, "[keystore] local keys created for %s\n", ks.Name)
	return
}

// InitRemoteKeys writes a peer's signing public key into verif_keys/.
// verkey may be hex or raw bytes. It does not write the peer's curve
// public key into public_keys/; that file is written by
// InitRemoteEncryptionKey.
//
// override is accepted but ignored, matching InitLocalKeys (spec.md §9).
func (ks *KeyStore) InitRemoteKeys(remoteName string, verkey []byte, override bool) error {
	if err := ks.ensureDirs(); err != nil {
		return err
	}
	raw, err := decodeKey(verkey)
	if err != nil {
		return err
	}
	pub, err := crypto.ParseSigningPublicKey(raw)
	if err != nil {
		return err
	}
	if err := writeFile(publicFile(ks.verifDir(), remoteName), pub.Bytes()); err != nil {
		return err
	}
	return nil
}

// InitRemoteEncryptionKey records a peer's already-known curve25519
// public key into public_keys/. Used when a remote's encryption key is
// distributed directly rather than derived (see the doc comment on
// crypto.EncryptionPublicFromSigningPublic).
func (ks *KeyStore) InitRemoteEncryptionKey(remoteName string, pubkey []byte) error {
	if err := ks.ensureDirs(); err != nil {
		return err
	}
	raw, err := decodeKey(pubkey)
	if err != nil {
		return err
	}
	if len(raw) != crypto.EncKeySize {
		return ErrKeyNotFound
	}
	return writeFile(publicFile(ks.publicDir(), remoteName), raw)
}

// AreKeysSetup reports whether all four canonical local key files exist.
func (ks *KeyStore) AreKeysSetup() bool {
	for _, dir := range []string{ks.verifDir(), ks.publicDir()} {
		if _, err := os.Stat(publicFile(dir, ks.Name)); err != nil {
			return false
		}
	}
	for _, dir := range []string{ks.sigDir(), ks.secretDir()} {
		if _, err := os.Stat(secretFile(dir, ks.Name)); err != nil {
			return false
		}
	}
	return true
}

// LoadPublic loads a public key file (curve or signing) for name from dir.
func LoadPublic(dir, name string) ([]byte, error) {
	data, err := ioutil.ReadFile(publicFile(dir, name))
	if err != nil {
		return nil, ErrKeyNotFound
	}
	return data, nil
}

// LoadSecret loads (and, if a passphrase is configured, decrypts) the
// secret key file for name from dir.
func (ks *KeyStore) LoadSecret(dir, name string) ([]byte, error) {
	data, err := ioutil.ReadFile(secretFile(dir, name))
	if err != nil {
		return nil, ErrKeyNotFound
	}
	if ks.Passphrase == "" {
		return data, nil
	}
	return ks.decryptSecret(data)
}

// LoadLocalEncryptionKeyPair reconstructs this node's curve25519 keypair
// from the on-disk secret file.
func (ks *KeyStore) LoadLocalEncryptionKeyPair() (*crypto.EncryptionKeyPair, error) {
	priv, err := ks.LoadSecret(ks.secretDir(), ks.Name)
	if err != nil {
		return nil, err
	}
	if len(priv) != crypto.EncKeySize {
		return nil, ErrKeyNotFound
	}
	pub, err := LoadPublic(ks.publicDir(), ks.Name)
	if err != nil {
		return nil, err
	}
	kp := &crypto.EncryptionKeyPair{}
	copy(kp.Priv[:], priv)
	copy(kp.Pub[:], pub)
	return kp, nil
}

// LoadLocalSigningKeyPair reconstructs this node's ed25519 keypair from
// the on-disk secret file, which stores the original signing seed.
func (ks *KeyStore) LoadLocalSigningKeyPair() (*crypto.SigningKeyPair, error) {
	seed, err := ks.LoadSecret(ks.sigDir(), ks.Name)
	if err != nil {
		return nil, err
	}
	return crypto.NewSigningKeyPair(seed)
}

// ClearLocalRoleKeep deletes only the local-identity files.
func (ks *KeyStore) ClearLocalRoleKeep() {
	safeRemove(publicFile(ks.publicDir(), ks.Name))
	safeRemove(secretFile(ks.secretDir(), ks.Name))
	safeRemove(publicFile(ks.verifDir(), ks.Name))
	safeRemove(secretFile(ks.sigDir(), ks.Name))
}

// ClearRemoteRoleKeeps deletes every file in the four directories except
// the ones belonging to the local name.
func (ks *KeyStore) ClearRemoteRoleKeeps() {
	for _, dir := range []string{ks.publicDir(), ks.verifDir()} {
		keep := ks.Name + ".key"
		clearDirExcept(dir, keep)
	}
	for _, dir := range []string{ks.secretDir(), ks.sigDir()} {
		keep := ks.Name + ".key_secret"
		clearDirExcept(dir, keep)
	}
}

// ClearAll removes the entire home directory.
func (ks *KeyStore) ClearAll() {
	if err := os.RemoveAll(ks.homeDir()); err != nil {
		logger.Printf(logger.WARN, "[keystore] failed to remove %s: %v\n", ks.homeDir(), err)
	}
}

//----------------------------------------------------------------------
// helpers
//----------------------------------------------------------------------

func (ks *KeyStore) writeSecret(dir, name string, raw []byte) error {
	data := raw
	if ks.Passphrase != "" {
		var err error
		data, err = ks.encryptSecret(raw)
		if err != nil {
			return err
		}
	}
	return writeFile(secretFile(dir, name), data)
}

func writeFile(path string, data []byte) error {
	return ioutil.WriteFile(path, data, 0600)
}

// safeRemove deletes a file and swallows any error, logging it instead
// (spec.md §4.1: "file erasure never fails the operation").
func safeRemove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Printf(logger.WARN, "[keystore] failed to remove %s: %v\n", path, err)
	}
}

func clearDirExcept(dir, keep string) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		logger.Printf(logger.WARN, "[keystore] failed to list %s: %v\n", dir, err)
		return
	}
	for _, e := range entries {
		if e.Name() == keep {
			continue
		}
		safeRemove(filepath.Join(dir, e.Name()))
	}
}

// encryptSecret seals raw with a scrypt-derived key under ks.Passphrase,
// prefixing a fresh random salt and the two stream-cipher IVs.
func (ks *KeyStore) encryptSecret(raw []byte) ([]byte, error) {
	salt := util.NewRndArray(16)
	skey, err := crypto.SymmetricKeyFromPassphrase(ks.Passphrase, salt)
	if err != nil {
		return nil, err
	}
	iv := &crypto.SymmetricIV{AESIv: util.NewRndArray(16), TwofishIv: util.NewRndArray(16)}
	ct, err := crypto.SymmetricEncrypt(raw, skey, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 48+len(ct))
	out = append(out, salt...)
	out = append(out, iv.AESIv...)
	out = append(out, iv.TwofishIv...)
	out = append(out, ct...)
	return out, nil
}

// decryptSecret reverses encryptSecret.
func (ks *KeyStore) decryptSecret(data []byte) ([]byte, error) {
	if len(data) < 48 {
		return nil, ErrKeyNotFound
	}
	salt, aesIv, twofishIv, ct := data[:16], data[16:32], data[32:48], data[48:]
	skey, err := crypto.SymmetricKeyFromPassphrase(ks.Passphrase, salt)
	if err != nil {
		return nil, err
	}
	return crypto.SymmetricDecrypt(ct, skey, &crypto.SymmetricIV{AESIv: aesIv, TwofishIv: twofishIv})
}

// decodeKey accepts either a 32-byte raw key or its 64-character hex
// encoding, matching spec.md §4.1's "accepts hex or raw byte forms".
func decodeKey(raw []byte) ([]byte, error) {
	if len(raw) == 64 {
		if decoded, err := hex.DecodeString(string(raw)); err == nil {
			return decoded, nil
		}
	}
	if len(raw) != 32 {
		return nil, ErrKeyNotFound
	}
	return util.Clone(raw), nil
}
