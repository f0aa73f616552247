package sshsession

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellmux/internal/logutil"
)

// AuthMethod is one of Password, KeyFile or Certificate.
type AuthMethod interface {
	// Type returns the stored discriminator ("password", "key", "certificate").
	Type() string
	validate() error
	sshMethods() ([]ssh.AuthMethod, error)
}

// Password authenticates with a plaintext secret. Servers that only offer
// keyboard-interactive get the same secret for every prompt.
type Password struct {
	Secret string
}

// KeyFile authenticates with a private key on local disk.
type KeyFile struct {
	Path       string
	Passphrase string
}

// Certificate authenticates with an OpenSSH certificate. KeyPath defaults to
// Path with the "-cert.pub" suffix removed.
type Certificate struct {
	Path       string
	KeyPath    string
	Passphrase string
}

// NewAuthMethod builds and validates an AuthMethod from its stored
// discriminator.
func NewAuthMethod(authType, secret, keyPath, passphrase, certPath string) (AuthMethod, error) {
	var m AuthMethod
	switch authType {
	case "", "password":
		m = Password{Secret: secret}
	case "key":
		m = KeyFile{Path: keyPath, Passphrase: passphrase}
	case "certificate":
		m = Certificate{Path: certPath, KeyPath: keyPath, Passphrase: passphrase}
	default:
		return nil, NewError(KindInvalid, "auth method", nil, "unknown auth type %q", authType)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (Password) Type() string    { return "password" }
func (KeyFile) Type() string     { return "key" }
func (Certificate) Type() string { return "certificate" }

func (p Password) validate() error {
	if p.Secret == "" {
		return NewError(KindInvalid, "auth method", nil, "password is empty")
	}
	return nil
}

func (k KeyFile) validate() error {
	if strings.TrimSpace(k.Path) == "" {
		return NewError(KindInvalid, "auth method", nil, "key path is empty")
	}
	return nil
}

func (c Certificate) validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return NewError(KindInvalid, "auth method", nil, "certificate path is empty")
	}
	return nil
}

func (p Password) sshMethods() ([]ssh.AuthMethod, error) {
	answer := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = p.Secret
		}
		return answers, nil
	}
	return []ssh.AuthMethod{
		ssh.Password(p.Secret),
		ssh.KeyboardInteractive(answer),
	}, nil
}

func (k KeyFile) sshMethods() ([]ssh.AuthMethod, error) {
	signer, err := loadSigner(k.Path, k.Passphrase)
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (c Certificate) sshMethods() ([]ssh.AuthMethod, error) {
	keyPath := c.KeyPath
	if keyPath == "" {
		keyPath = strings.TrimSuffix(c.Path, "-cert.pub")
	}
	signer, err := loadSigner(keyPath, c.Passphrase)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, NewError(KindAuthentication, "load certificate", err, "read %s", logutil.SanitizeForLog(c.Path))
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, NewError(KindAuthentication, "load certificate", err, "parse certificate")
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil, NewError(KindAuthentication, "load certificate", nil, "%s is not an OpenSSH certificate", logutil.SanitizeForLog(c.Path))
	}
	certSigner, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return nil, NewError(KindAuthentication, "load certificate", err, "certificate does not match key")
	}
	return []ssh.AuthMethod{ssh.PublicKeys(certSigner)}, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError(KindAuthentication, "load private key", err, "read %s", logutil.SanitizeForLog(path))
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, NewError(KindAuthentication, "load private key", err, "key is encrypted and no passphrase was given")
		}
		return nil, NewError(KindAuthentication, "load private key", err, "parse key")
	}
	return signer, nil
}

// describe renders an auth method for logs without secrets.
func describe(m AuthMethod) string {
	switch v := m.(type) {
	case KeyFile:
		return fmt.Sprintf("key %s", logutil.SanitizeForLog(v.Path))
	case Certificate:
		return fmt.Sprintf("certificate %s", logutil.SanitizeForLog(v.Path))
	default:
		return m.Type()
	}
}
