package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/shellmux/internal/audit"
)

// GetAuditLogs handles GET /audit.
// Query parameters:
//   - profileId, host, eventType, username (optional): exact filters
//   - since, until (optional): RFC 3339 bounds
//   - limit (optional): entries per page (default 50, max 1000)
//   - offset (optional): pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	a := audit.GetAuditor()
	if !requireService(w, a != nil, "Audit logging") {
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		ProfileID: q.Get("profileId"),
		Host:      q.Get("host"),
		EventType: q.Get("eventType"),
		Username:  q.Get("username"),
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+name)
			return
		}
		*dst = &t
	}

	var ok bool
	if opts.Limit, ok = queryInt(r, "limit", 0); !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if opts.Offset, ok = queryInt(r, "offset", 0); !ok {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	res, err := a.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
