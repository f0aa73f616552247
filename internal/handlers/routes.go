package handlers

import (
	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/shellmux/internal/sshfiles"
	"github.com/gluk-w/shellmux/internal/sshlogs"
	"github.com/gluk-w/shellmux/internal/sshsession"
	"github.com/gluk-w/shellmux/internal/sshterminal"
)

// Components are set from main.go during init.
var (
	Session   *sshsession.Session
	Terminals *sshterminal.Multiplexer
	Files     *sshfiles.Service
	Logs      *sshlogs.Reader
	Events    *Hub
)

// Routes mounts the command surface on r. Callers add authentication.
func Routes(r chi.Router) {
	r.Route("/session", func(r chi.Router) {
		r.Post("/connect", Connect)
		r.Post("/test", TestConnection)
		r.Post("/disconnect", Disconnect)
		r.Get("/status", GetStatus)
	})
	r.Post("/exec", ExecuteCommand)
	r.Post("/dashboard/exec", ExecuteDashboardCommand)

	r.Route("/terminals", func(r chi.Router) {
		r.Get("/", ListTerminals)
		r.Post("/", CreateTerminal)
		r.Delete("/", CloseAllTerminals)
		r.Delete("/{id}", CloseTerminal)
		r.Post("/{id}/input", SendTerminalInput)
		r.Post("/{id}/resize", ResizeTerminal)
		r.Post("/{id}/ack", AckTerminalOutput)
		r.Get("/{id}/scrollback", GetTerminalScrollback)
	})

	r.Route("/sftp", func(r chi.Router) {
		r.Get("/list", ListFiles)
		r.Get("/stat", StatFile)
		r.Get("/read", ReadFile)
		r.Put("/write", WriteFile)
		r.Post("/chmod", ChmodFile)
		r.Post("/mkdir", CreateDirectory)
		r.Post("/upload", UploadFile)
		r.Post("/download", DownloadFile)
		r.Post("/compress", CompressFiles)
		r.Post("/extract", ExtractArchive)
	})

	r.Route("/logs", func(r chi.Router) {
		r.Get("/files", ListLogFiles)
		r.Get("/read", ReadLog)
		r.Get("/journal", ReadJournal)
	})

	r.Route("/profiles", func(r chi.Router) {
		r.Get("/", ListProfiles)
		r.Post("/", CreateProfile)
		r.Get("/export", ExportProfiles)
		r.Post("/import", ImportProfiles)
		r.Get("/{id}", GetProfile)
		r.Put("/{id}", UpdateProfile)
		r.Delete("/{id}", DeleteProfile)
	})

	r.Post("/keys/generate", GenerateKey)
	r.Get("/audit", GetAuditLogs)
	r.Get("/server-logs", GetServerLogs)
	r.Get("/events", EventsWS)
	r.Get("/health", HealthCheck)
}
