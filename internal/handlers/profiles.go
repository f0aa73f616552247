package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/shellmux/internal/crypto"
	"github.com/gluk-w/shellmux/internal/database"
	"github.com/gluk-w/shellmux/internal/profiles"
)

// maxImportBytes bounds a profile import document.
const maxImportBytes = 4 << 20

func ListProfiles(w http.ResponseWriter, r *http.Request) {
	list, err := profiles.List()
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// profileView adds masked secrets so a client can show that one is stored.
type profileView struct {
	*database.ConnectionProfile
	PasswordMask  string `json:"passwordMask,omitempty"`
	HasPassphrase bool   `json:"hasPassphrase"`
}

func GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := profiles.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSSHError(w, err)
		return
	}
	view := profileView{ConnectionProfile: p, HasPassphrase: p.EncryptedPassphrase != ""}
	if p.EncryptedPassword != "" {
		if plain, err := crypto.Decrypt(p.EncryptedPassword); err == nil {
			view.PasswordMask = crypto.Mask(plain)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func CreateProfile(w http.ResponseWriter, r *http.Request) {
	var in profiles.Input
	if !decodeJSON(w, r, &in, 0) {
		return
	}
	p, err := profiles.Create(in)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// UpdateProfile handles PUT /profiles/{id}. Omitted secrets keep their stored
// values.
func UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in profiles.Input
	if !decodeJSON(w, r, &in, 0) {
		return
	}
	p, err := profiles.Update(chi.URLParam(r, "id"), in)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := profiles.Delete(chi.URLParam(r, "id")); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportProfiles returns every profile as a YAML document. Secrets stay
// encrypted.
func ExportProfiles(w http.ResponseWriter, r *http.Request) {
	data, err := profiles.Export()
	if err != nil {
		writeSSHError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="shellmux-profiles.yaml"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ImportProfiles accepts a YAML or JSON document in the export format.
func ImportProfiles(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Import document too large")
		return
	}
	n, err := profiles.Import(data)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}
