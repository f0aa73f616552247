package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gluk-w/shellmux/internal/sshsession"
)

// maxBodyBytes bounds JSON request bodies. SFTP writes carry file content and
// use the session's read cap instead.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// errorBody is the JSON shape of every failed engine call.
type errorBody struct {
	Detail    string `json:"detail"`
	Kind      string `json:"kind,omitempty"`
	Reconnect bool   `json:"reconnect"`
}

// statusForKind maps an engine error kind to an HTTP status.
func statusForKind(k sshsession.Kind) int {
	switch k {
	case sshsession.KindNotFound:
		return http.StatusNotFound
	case sshsession.KindNotConnected:
		return http.StatusConflict
	case sshsession.KindSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case sshsession.KindInvalid:
		return http.StatusBadRequest
	case sshsession.KindAuthentication:
		return http.StatusUnauthorized
	case sshsession.KindTimeout:
		return http.StatusGatewayTimeout
	case sshsession.KindTransport, sshsession.KindChannel, sshsession.KindProtocol:
		return http.StatusBadGateway
	case sshsession.KindCommand:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeSSHError renders err as {detail, kind, reconnect}.
func writeSSHError(w http.ResponseWriter, err error) {
	kind := sshsession.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
	}
	writeJSON(w, status, errorBody{
		Detail:    err.Error(),
		Kind:      string(kind),
		Reconnect: sshsession.NeedsReconnect(err),
	})
}

// decodeJSON reads a JSON body into v and writes a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) bool {
	if limit <= 0 {
		limit = maxBodyBytes
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Request body required")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// requireService writes 503 when a component was not initialised by main.
func requireService(w http.ResponseWriter, ok bool, name string) bool {
	if !ok {
		writeError(w, http.StatusServiceUnavailable, name+" not initialized")
		return false
	}
	return true
}
