package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gluk-w/shellmux/internal/sshterminal"
)

type createTerminalRequest struct {
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type inputRequest struct {
	Data string `json:"data"`
}

type ackRequest struct {
	Bytes int `json:"bytes"`
}

func ListTerminals(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Terminals != nil, "Terminal multiplexer") {
		return
	}
	writeJSON(w, http.StatusOK, Terminals.List())
}

// CreateTerminal handles POST /terminals. An empty id gets a generated one.
func CreateTerminal(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Terminals != nil, "Terminal multiplexer") {
		return
	}
	var req createTerminalRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	info, err := Terminals.Create(r.Context(), req.ID, req.Cols, req.Rows)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func SendTerminalInput(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Terminals != nil, "Terminal multiplexer") {
		return
	}
	var req inputRequest
	if !decodeJSON(w, r, &req, 2*sshterminal.MaxInputSize) {
		return
	}
	if err := Terminals.SendInput(chi.URLParam(r, "id"), []byte(req.Data)); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ResizeTerminal(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Terminals != nil, "Terminal multiplexer") {
		return
	}
	var req resizeRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if err := Terminals.Resize(chi.URLParam(r, "id"), req.Cols, req.Rows); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AckTerminalOutput handles POST /terminals/{id}/ack for clients that read
// output over the event stream but acknowledge over HTTP.
func AckTerminalOutput(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Terminals != nil, "Terminal multiplexer") {
		return
	}
	var req ackRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if err := Terminals.Ack(chi.URLParam(r, "id"), req.Bytes); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTerminalScrollback returns the retained output as raw bytes.
func GetTerminalScrollback(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Terminals != nil, "Terminal multiplexer") {
		return
	}
	data, err := Terminals.Scrollback(chi.URLParam(r, "id"))
	if err != nil {
		writeSSHError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// CloseTerminal handles DELETE /terminals/{id}. Closing a terminal that was
// closed recently succeeds again.
func CloseTerminal(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Terminals != nil, "Terminal multiplexer") {
		return
	}
	if err := Terminals.Close(chi.URLParam(r, "id")); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func CloseAllTerminals(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Terminals != nil, "Terminal multiplexer") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": Terminals.CloseAll()})
}
