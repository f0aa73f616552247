package sshkeys

import (
	"bytes"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pubKey)
	if err != nil {
		t.Fatalf("public key is not valid authorized_keys format: %v", err)
	}
	if parsed.Type() != "ssh-ed25519" {
		t.Errorf("expected key type ssh-ed25519, got %s", parsed.Type())
	}

	if block, _ := pem.Decode(privKey); block == nil {
		t.Fatal("private key is not valid PEM")
	}
	signer, err := ParsePrivateKey(privKey)
	if err != nil {
		t.Fatalf("private key cannot be parsed: %v", err)
	}
	if !bytes.Equal(signer.PublicKey().Marshal(), parsed.Marshal()) {
		t.Error("private key does not match public key")
	}
}

func TestGenerateKeyPairUniqueness(t *testing.T) {
	pub1, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("first GenerateKeyPair() error: %v", err)
	}
	pub2, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("second GenerateKeyPair() error: %v", err)
	}
	if bytes.Equal(pub1, pub2) {
		t.Error("two generated key pairs are identical")
	}
}

func TestGenerateKeyPairWithPassphrase(t *testing.T) {
	_, privKey, err := GenerateKeyPairWithPassphrase("hunter2", "test@shellmux")
	if err != nil {
		t.Fatalf("GenerateKeyPairWithPassphrase: %v", err)
	}

	if _, err := ssh.ParsePrivateKey(privKey); err == nil {
		t.Fatal("expected encrypted key to need a passphrase")
	} else if _, ok := err.(*ssh.PassphraseMissingError); !ok {
		t.Fatalf("expected PassphraseMissingError, got %T: %v", err, err)
	}
	if _, err := ssh.ParsePrivateKeyWithPassphrase(privKey, []byte("hunter2")); err != nil {
		t.Fatalf("parse with passphrase: %v", err)
	}
}

func TestSaveKeyPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	path, err := SaveKeyPair(dir, "", priv, pub)
	if err != nil {
		t.Fatalf("SaveKeyPair: %v", err)
	}
	if path != filepath.Join(dir, "id_ed25519") {
		t.Errorf("unexpected key path %q", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %o, want 0600", info.Mode().Perm())
	}
	dirInfo, _ := os.Stat(dir)
	if dirInfo.Mode().Perm() != 0700 {
		t.Errorf("key dir mode = %o, want 0700", dirInfo.Mode().Perm())
	}
	if !KeyPairExists(dir, "") {
		t.Error("expected KeyPairExists to be true")
	}

	if _, err := SaveKeyPair(dir, "", priv, pub); err == nil {
		t.Error("expected error when overwriting an existing key")
	}
}

func TestSaveKeyPair_InvalidName(t *testing.T) {
	for _, name := range []string{"../escape", "a/b", strings.Repeat("x", 65)} {
		if _, err := SaveKeyPair(t.TempDir(), name, []byte("k"), []byte("p")); err == nil {
			t.Errorf("expected error for key name %q", name)
		}
	}
}

func TestGetPublicKeyFingerprint(t *testing.T) {
	pub, priv, _ := GenerateKeyPair()
	fp, err := GetPublicKeyFingerprint(pub)
	if err != nil {
		t.Fatalf("GetPublicKeyFingerprint: %v", err)
	}
	signer, _ := ParsePrivateKey(priv)
	if fp != ssh.FingerprintSHA256(signer.PublicKey()) {
		t.Errorf("fingerprint mismatch: %s", fp)
	}
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("unexpected fingerprint format %q", fp)
	}

	if _, err := GetPublicKeyFingerprint(nil); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := GetPublicKeyFingerprint([]byte("garbage")); err == nil {
		t.Error("expected error for invalid key")
	}
}
