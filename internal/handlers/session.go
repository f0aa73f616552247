package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gluk-w/shellmux/internal/config"
	"github.com/gluk-w/shellmux/internal/profiles"
	"github.com/gluk-w/shellmux/internal/sshsession"
)

// targetRequest names a saved profile or carries inline connection fields.
type targetRequest struct {
	ProfileID       string `json:"profileId"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Username        string `json:"username"`
	AuthType        string `json:"authType"`
	Password        string `json:"password"`
	KeyPath         string `json:"keyPath"`
	Passphrase      string `json:"passphrase"`
	CertificatePath string `json:"certificatePath"`
}

func connectTimeout() time.Duration {
	return config.Duration(config.Cfg.ConnectTimeout, 15*time.Second)
}

func (t targetRequest) params() (sshsession.ConnectParams, error) {
	if t.ProfileID != "" {
		p, err := profiles.Get(t.ProfileID)
		if err != nil {
			return sshsession.ConnectParams{}, err
		}
		return profiles.ConnectParams(p, connectTimeout())
	}
	auth, err := sshsession.NewAuthMethod(t.AuthType, t.Password, t.KeyPath, t.Passphrase, t.CertificatePath)
	if err != nil {
		return sshsession.ConnectParams{}, err
	}
	port := t.Port
	if port == 0 {
		port = 22
	}
	return sshsession.NewConnectParams(t.Host, port, t.Username, auth, sshsession.WithTimeout(connectTimeout()))
}

// Connect handles POST /session/connect. Connecting while already connected
// is rejected; disconnect first.
func Connect(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Session != nil, "SSH session") {
		return
	}
	var req targetRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	params, err := req.params()
	if err != nil {
		writeSSHError(w, err)
		return
	}
	status, err := Session.Connect(r.Context(), params)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	if req.ProfileID != "" {
		if err := profiles.Touch(req.ProfileID); err != nil {
			log.Printf("[api] record last connection for %s: %v", req.ProfileID, err)
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// TestConnection handles POST /session/test. The live connection, if any, is
// left alone.
func TestConnection(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Session != nil, "SSH session") {
		return
	}
	var req targetRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	params, err := req.params()
	if err != nil {
		writeSSHError(w, err)
		return
	}
	ok, err := Session.TestConnection(r.Context(), params)
	resp := map[string]interface{}{"ok": ok}
	if err != nil {
		resp["detail"] = err.Error()
		resp["kind"] = string(sshsession.KindOf(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func Disconnect(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Session != nil, "SSH session") {
		return
	}
	if err := Session.Disconnect(); err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Session.Status())
}

func GetStatus(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Session != nil, "SSH session") {
		return
	}
	writeJSON(w, http.StatusOK, Session.Status())
}

type execRequest struct {
	Command string `json:"command"`
	Account string `json:"account"`
}

// ExecuteCommand handles POST /exec and returns combined output.
func ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Session != nil, "SSH session") {
		return
	}
	var req execRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	out, err := Session.ExecuteCommand(r.Context(), req.Command)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

// ExecuteDashboardCommand handles POST /dashboard/exec. A non-zero exit is a
// normal result, not an error.
func ExecuteDashboardCommand(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Session != nil, "SSH session") {
		return
	}
	var req execRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	account := req.Account
	if account == "" {
		account = defaultAccount()
	}
	res, err := Session.Dashboard().ExecuteAs(r.Context(), req.Command, account)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// defaultAccount is the run-as account of the connected profile, if any.
func defaultAccount() string {
	params, ok := Session.Params()
	if !ok || params.ProfileID() == "" {
		return ""
	}
	p, err := profiles.Get(params.ProfileID())
	if err != nil {
		log.Printf("[api] load profile for default account: %v", err)
		return ""
	}
	return profiles.DefaultAccount(p)
}
