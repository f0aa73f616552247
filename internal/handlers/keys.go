package handlers

import (
	"log"
	"net/http"
	"path/filepath"

	"github.com/gluk-w/shellmux/internal/config"
	"github.com/gluk-w/shellmux/internal/sshkeys"
)

type generateKeyRequest struct {
	Name       string `json:"name"`
	Passphrase string `json:"passphrase"`
	Comment    string `json:"comment"`
}

// KeyDir is where generated key pairs are written.
func KeyDir() string {
	return filepath.Join(config.Cfg.DataPath, "keys")
}

// GenerateKey handles POST /keys/generate. It writes an ED25519 pair under
// KeyDir and returns the private key path for use in a profile.
func GenerateKey(w http.ResponseWriter, r *http.Request) {
	var req generateKeyRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if !sshkeys.ValidKeyName(req.Name) {
		writeError(w, http.StatusBadRequest, "Invalid key name")
		return
	}
	dir := KeyDir()
	if sshkeys.KeyPairExists(dir, req.Name) {
		writeError(w, http.StatusConflict, "A key with this name already exists")
		return
	}
	if req.Comment == "" {
		req.Comment = "shellmux"
	}

	pub, priv, err := sshkeys.GenerateKeyPairWithPassphrase(req.Passphrase, req.Comment)
	if err != nil {
		log.Printf("[api] generate key: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate key")
		return
	}
	path, err := sshkeys.SaveKeyPair(dir, req.Name, priv, pub)
	if err != nil {
		log.Printf("[api] save key: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save key")
		return
	}
	fingerprint, err := sshkeys.GetPublicKeyFingerprint(pub)
	if err != nil {
		fingerprint = ""
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"privateKeyPath": path,
		"publicKey":      string(pub),
		"fingerprint":    fingerprint,
	})
}
