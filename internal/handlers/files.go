package handlers

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/gluk-w/shellmux/internal/config"
	"github.com/gluk-w/shellmux/internal/sshfiles"
)

const (
	encodingUTF8   = "utf-8"
	encodingBase64 = "base64"
)

type fileContent struct {
	Path     string `json:"path"`
	Size     int    `json:"size"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type chmodRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

type transferRequest struct {
	LocalPath  string `json:"localPath"`
	RemotePath string `json:"remotePath"`
}

type compressRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type extractRequest struct {
	Archive   string `json:"archive"`
	TargetDir string `json:"targetDir"`
	Overwrite bool   `json:"overwrite"`
}

func requirePath(w http.ResponseWriter, p string) bool {
	if p == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return false
	}
	return true
}

func ListFiles(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Files != nil, "SFTP service") {
		return
	}
	p := r.URL.Query().Get("path")
	if p == "" {
		p = "."
	}
	entries, err := Files.ListFiles(p)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": p, "entries": entries})
}

func StatFile(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Files != nil, "SFTP service") {
		return
	}
	p := r.URL.Query().Get("path")
	if !requirePath(w, p) {
		return
	}
	info, err := Files.Stat(p)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ReadFile handles GET /sftp/read. Text comes back as UTF-8, anything else
// base64 encoded.
func ReadFile(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Files != nil, "SFTP service") {
		return
	}
	p := r.URL.Query().Get("path")
	if !requirePath(w, p) {
		return
	}
	var maxBytes int64
	if v := r.URL.Query().Get("maxBytes"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid maxBytes")
			return
		}
		maxBytes = n
	}
	data, err := Files.ReadFile(p, maxBytes)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	resp := fileContent{Path: p, Size: len(data), Encoding: encodingUTF8}
	if utf8.Valid(data) {
		resp.Content = string(data)
	} else {
		resp.Encoding = encodingBase64
		resp.Content = base64.StdEncoding.EncodeToString(data)
	}
	writeJSON(w, http.StatusOK, resp)
}

func WriteFile(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Files != nil, "SFTP service") {
		return
	}
	var req fileContent
	limit := 2*config.Size(config.Cfg.SftpReadCap, sshfiles.DefaultReadCap) + maxBodyBytes
	if !decodeJSON(w, r, &req, limit) || !requirePath(w, req.Path) {
		return
	}
	content := []byte(req.Content)
	switch req.Encoding {
	case "", encodingUTF8:
	case encodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid base64 content")
			return
		}
		content = decoded
	default:
		writeError(w, http.StatusBadRequest, "Unknown encoding "+strconv.Quote(req.Encoding))
		return
	}
	if err := Files.WriteFile(req.Path, content); err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": req.Path, "size": len(content)})
}

// ChmodFile handles POST /sftp/chmod with an octal mode such as "0644".
func ChmodFile(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Files != nil, "SFTP service") {
		return
	}
	var req chmodRequest
	if !decodeJSON(w, r, &req, 0) || !requirePath(w, req.Path) {
		return
	}
	bits, err := strconv.ParseUint(req.Mode, 8, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "mode must be octal, e.g. 0644")
		return
	}
	mode, err := sshfiles.ModeFromUnix(uint32(bits))
	if err != nil {
		writeSSHError(w, err)
		return
	}
	if err := Files.Chmod(req.Path, mode); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func CreateDirectory(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Files != nil, "SFTP service") {
		return
	}
	var req pathRequest
	if !decodeJSON(w, r, &req, 0) || !requirePath(w, req.Path) {
		return
	}
	if err := Files.CreateDirectory(req.Path); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadFile copies a file from the service host to the remote host. Progress
// is published on the event stream.
func UploadFile(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Files != nil, "SFTP service") {
		return
	}
	var req transferRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if req.LocalPath == "" || req.RemotePath == "" {
		writeError(w, http.StatusBadRequest, "localPath and remotePath are required")
		return
	}
	res, err := Files.Upload(r.Context(), req.LocalPath, req.RemotePath, nil)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func DownloadFile(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Files != nil, "SFTP service") {
		return
	}
	var req transferRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if req.LocalPath == "" || req.RemotePath == "" {
		writeError(w, http.StatusBadRequest, "localPath and remotePath are required")
		return
	}
	res, err := Files.Download(r.Context(), req.RemotePath, req.LocalPath, nil)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func CompressFiles(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Files != nil, "SFTP service") {
		return
	}
	var req compressRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if req.Source == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "source and target are required")
		return
	}
	if err := Files.Compress(r.Context(), req.Source, req.Target, req.Format); err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target": req.Target})
}

func ExtractArchive(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Files != nil, "SFTP service") {
		return
	}
	var req extractRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if req.Archive == "" || req.TargetDir == "" {
		writeError(w, http.StatusBadRequest, "archive and targetDir are required")
		return
	}
	if err := Files.Extract(r.Context(), req.Archive, req.TargetDir, req.Overwrite); err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"targetDir": req.TargetDir})
}
