package handlers

import (
	"net/http"

	"github.com/gluk-w/shellmux/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	sshState := "uninitialized"
	if Session != nil {
		sshState = Session.State().String()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":   status,
		"database": dbStatus,
		"ssh":      sshState,
	})
}
