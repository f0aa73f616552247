package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellmux/internal/logutil"
)

const defaultKeyName = "id_ed25519"

var validKeyName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidKeyName reports whether name is usable as a key file name. Empty means
// the default name.
func ValidKeyName(name string) bool {
	return name == "" || validKeyName.MatchString(name)
}

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH-format
// public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	return GenerateKeyPairWithPassphrase("", "")
}

// GenerateKeyPairWithPassphrase is GenerateKeyPair with an optional
// passphrase. With a passphrase the private key is an encrypted OpenSSH key.
func GenerateKeyPairWithPassphrase(passphrase, comment string) (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	if passphrase != "" {
		block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, comment, []byte(passphrase))
		if err != nil {
			return nil, nil, fmt.Errorf("marshal private key: %w", err)
		}
		privateKeyPEM = pem.EncodeToMemory(block)
	} else {
		privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal private key: %w", err)
		}
		privateKeyPEM = pem.EncodeToMemory(&pem.Block{
			Type:  "PRIVATE KEY",
			Bytes: privBytes,
		})
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// SaveKeyPair writes <name> and <name>.pub into dir and returns the private
// key path. An empty name means id_ed25519. Existing files are not replaced.
func SaveKeyPair(dir, name string, privateKey, publicKey []byte) (string, error) {
	if name == "" {
		name = defaultKeyName
	}
	if !validKeyName.MatchString(name) {
		return "", fmt.Errorf("invalid key name %q", name)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}

	privPath := filepath.Join(dir, name)
	if KeyPairExists(dir, name) {
		return "", fmt.Errorf("key %s already exists", logutil.SanitizeForLog(privPath))
	}
	if err := os.WriteFile(privPath, privateKey, 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(privPath+".pub", publicKey, 0644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}

	log.Printf("[sshkeys] key pair saved to %s", logutil.SanitizeForLog(privPath))
	return privPath, nil
}

// KeyPairExists checks whether either file of the named pair exists in dir.
func KeyPairExists(dir, name string) bool {
	if name == "" {
		name = defaultKeyName
	}
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); err == nil {
		return true
	}
	if _, err := os.Stat(p + ".pub"); err == nil {
		return true
	}
	return false
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// GetPublicKeyFingerprint returns the SHA256 fingerprint of an
// authorized_keys formatted public key.
func GetPublicKeyFingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}
