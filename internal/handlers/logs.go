package handlers

import (
	"net/http"

	"github.com/gluk-w/shellmux/internal/sshlogs"
)

func logReader(r *http.Request) *sshlogs.Reader {
	if account := r.URL.Query().Get("account"); account != "" {
		return Logs.As(account)
	}
	return Logs
}

func pageParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	page, ok := queryInt(r, "page", 1)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid page")
		return 0, 0, false
	}
	size, ok := queryInt(r, "pageSize", sshlogs.DefaultPageSize)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid pageSize")
		return 0, 0, false
	}
	return page, size, true
}

func ListLogFiles(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Logs != nil, "Log reader") {
		return
	}
	files, err := logReader(r).ListLogFiles(r.Context())
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

// ReadLog handles GET /logs/read?path=&page=&pageSize=&filter=&account=.
func ReadLog(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Logs != nil, "Log reader") {
		return
	}
	page, size, ok := pageParams(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	res, err := logReader(r).ReadLog(r.Context(), q.Get("path"), page, size, q.Get("filter"))
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func ReadJournal(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Logs != nil, "Log reader") {
		return
	}
	page, size, ok := pageParams(w, r)
	if !ok {
		return
	}
	res, err := logReader(r).ReadJournal(r.Context(), r.URL.Query().Get("unit"), page, size)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
