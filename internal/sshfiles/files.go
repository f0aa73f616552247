package sshfiles

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellmux/internal/audit"
	"github.com/gluk-w/shellmux/internal/logutil"
	"github.com/gluk-w/shellmux/internal/sshsession"
)

const (
	DefaultReadCap   = 10 * 1024 * 1024
	DefaultChunkSize = 32 * 1024
)

// Entry kinds.
const (
	KindFile      = "file"
	KindDirectory = "directory"
	KindSymlink   = "symlink"
	KindOther     = "other"
)

// Config tunes a Service. Zero fields take defaults.
type Config struct {
	// ReadCap bounds ReadFile when the caller passes no limit.
	ReadCap int64
	// ChunkSize is the unit of upload and download transfers.
	ChunkSize int
}

// Entry describes one remote file.
type Entry struct {
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	Size          int64     `json:"size"`
	HumanSize     string    `json:"humanSize"`
	Permissions   string    `json:"permissions"`
	Mode          uint32    `json:"mode"`
	Modified      time.Time `json:"modified"`
	Kind          string    `json:"kind"`
	SymlinkTarget string    `json:"symlinkTarget,omitempty"`
}

// FileInfo is an Entry plus ownership.
type FileInfo struct {
	Entry
	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`
}

// Service runs SFTP operations over a Session.
type Service struct {
	s   *sshsession.Session
	cfg Config

	mu       sync.Mutex
	inflight map[*sftp.Client]struct{}
}

// New returns a Service bound to s. Disconnecting s closes any SFTP channel
// still open.
func New(s *sshsession.Session, cfg Config) *Service {
	if cfg.ReadCap <= 0 {
		cfg.ReadCap = DefaultReadCap
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	svc := &Service{s: s, cfg: cfg, inflight: make(map[*sftp.Client]struct{})}
	s.RegisterCloser("sftp", svc.closeInflight)
	return svc
}

// open starts an SFTP subsystem under the transport lock. The returned
// release closes it.
func (svc *Service) open(op string) (*sftp.Client, func(), error) {
	var client *sftp.Client
	err := svc.s.WithClient(func(c *ssh.Client) error {
		cl, err := sftp.NewClient(c)
		if err != nil {
			var oce *ssh.OpenChannelError
			if errors.As(err, &oce) {
				return sshsession.NewError(sshsession.KindChannel, op, err, "open sftp channel")
			}
			return sshsession.NewError(sshsession.KindChannel, op, err, "start sftp subsystem")
		}
		client = cl
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	svc.mu.Lock()
	svc.inflight[client] = struct{}{}
	svc.mu.Unlock()

	release := func() {
		svc.mu.Lock()
		_, tracked := svc.inflight[client]
		delete(svc.inflight, client)
		svc.mu.Unlock()
		if tracked {
			svc.s.WithLock(func() { client.Close() })
		}
	}
	return client, release, nil
}

// do runs one operation on a fresh SFTP channel.
func (svc *Service) do(op string, fn func(c *sftp.Client) error) error {
	client, release, err := svc.open(op)
	if err != nil {
		return err
	}
	defer release()
	return svc.s.WithClient(func(*ssh.Client) error { return fn(client) })
}

// closeInflight runs on disconnect. It does not take the transport lock: an
// operation blocked on a dead channel may be holding it.
func (svc *Service) closeInflight() {
	svc.mu.Lock()
	clients := make([]*sftp.Client, 0, len(svc.inflight))
	for c := range svc.inflight {
		clients = append(clients, c)
	}
	svc.inflight = make(map[*sftp.Client]struct{})
	svc.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	if len(clients) > 0 {
		log.Printf("[sftp] closed %d in-flight channels", len(clients))
	}
}

// Inflight returns the number of open SFTP channels.
func (svc *Service) Inflight() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return len(svc.inflight)
}

func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var se *sshsession.Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return sshsession.NewError(sshsession.KindNotFound, op, err, "%s does not exist", p)
	case errors.Is(err, os.ErrPermission):
		return sshsession.NewError(sshsession.KindInvalid, op, err, "permission denied on %s", p)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, sftp.ErrSSHFxConnectionLost):
		return sshsession.NewError(sshsession.KindTransport, op, err, "")
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return sshsession.NewError(sshsession.KindProtocol, op, err, "%s", p)
	}
	return sshsession.NewError(sshsession.KindChannel, op, err, "%s", p)
}

func kindOf(mode os.FileMode) string {
	switch {
	case mode&os.ModeSymlink != 0:
		return KindSymlink
	case mode.IsDir():
		return KindDirectory
	case mode.IsRegular():
		return KindFile
	}
	return KindOther
}

func newEntry(dir string, fi os.FileInfo) Entry {
	return Entry{
		Name:        fi.Name(),
		Path:        path.Join(dir, fi.Name()),
		Size:        fi.Size(),
		HumanSize:   units.HumanSize(float64(fi.Size())),
		Permissions: fi.Mode().String(),
		Mode:        uint32(fi.Mode().Perm()),
		Modified:    fi.ModTime(),
		Kind:        kindOf(fi.Mode()),
	}
}

// ListFiles lists dir, directories first then by name.
func (svc *Service) ListFiles(dir string) ([]Entry, error) {
	const op = "list files"
	start := time.Now()
	if dir == "" {
		dir = "."
	}
	var entries []Entry
	err := svc.do(op, func(c *sftp.Client) error {
		infos, err := c.ReadDir(dir)
		if err != nil {
			return mapError(op, dir, err)
		}
		entries = make([]Entry, 0, len(infos))
		for _, fi := range infos {
			e := newEntry(dir, fi)
			if e.Kind == KindSymlink {
				if target, err := c.ReadLink(e.Path); err == nil {
					e.SymlinkTarget = target
				}
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		di, dj := entries[i].Kind == KindDirectory, entries[j].Kind == KindDirectory
		if di != dj {
			return di
		}
		return entries[i].Name < entries[j].Name
	})
	log.Printf("[sftp] ListFiles %s (%d entries) completed in %s", logutil.SanitizeForLog(dir), len(entries), time.Since(start))
	return entries, nil
}

// Stat describes one path without following a final symlink.
func (svc *Service) Stat(p string) (*FileInfo, error) {
	const op = "stat"
	var info *FileInfo
	err := svc.do(op, func(c *sftp.Client) error {
		fi, err := c.Lstat(p)
		if err != nil {
			return mapError(op, p, err)
		}
		e := newEntry(path.Dir(p), fi)
		e.Path = p
		if e.Kind == KindSymlink {
			if target, err := c.ReadLink(p); err == nil {
				e.SymlinkTarget = target
			}
		}
		info = &FileInfo{Entry: e}
		if st, ok := fi.Sys().(*sftp.FileStat); ok {
			info.UID = st.UID
			info.GID = st.GID
		}
		return nil
	})
	return info, err
}

// ReadFile returns the content of p. maxBytes <= 0 uses the configured cap;
// larger files fail with KindSizeExceeded.
func (svc *Service) ReadFile(p string, maxBytes int64) ([]byte, error) {
	const op = "read file"
	start := time.Now()
	if maxBytes <= 0 {
		maxBytes = svc.cfg.ReadCap
	}
	var data []byte
	err := svc.do(op, func(c *sftp.Client) error {
		fi, err := c.Stat(p)
		if err != nil {
			return mapError(op, p, err)
		}
		if fi.IsDir() {
			return sshsession.NewError(sshsession.KindInvalid, op, nil, "%s is a directory", p)
		}
		if fi.Size() > maxBytes {
			return sizeExceeded(op, p, fi.Size(), maxBytes)
		}
		f, err := c.Open(p)
		if err != nil {
			return mapError(op, p, err)
		}
		defer f.Close()
		data, err = io.ReadAll(io.LimitReader(f, maxBytes+1))
		if err != nil {
			return mapError(op, p, err)
		}
		if int64(len(data)) > maxBytes {
			return sizeExceeded(op, p, int64(len(data)), maxBytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[sftp] ReadFile %s (%d bytes) completed in %s", logutil.SanitizeForLog(p), len(data), time.Since(start))
	return data, nil
}

func sizeExceeded(op, p string, size, limit int64) error {
	return sshsession.NewError(sshsession.KindSizeExceeded, op, nil, "%s is %s, limit is %s",
		p, units.HumanSize(float64(size)), units.HumanSize(float64(limit)))
}

// WriteFile creates or truncates p with content.
func (svc *Service) WriteFile(p string, content []byte) error {
	const op = "write file"
	start := time.Now()
	err := svc.do(op, func(c *sftp.Client) error {
		f, err := c.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return mapError(op, p, err)
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			return mapError(op, p, err)
		}
		return mapError(op, p, f.Close())
	})
	if err != nil {
		return err
	}
	svc.audit("write", p)
	log.Printf("[sftp] WriteFile %s (%d bytes) completed in %s", logutil.SanitizeForLog(p), len(content), time.Since(start))
	return nil
}

// CreateDirectory creates p and any missing parents.
func (svc *Service) CreateDirectory(p string) error {
	const op = "create directory"
	err := svc.do(op, func(c *sftp.Client) error {
		return mapError(op, p, c.MkdirAll(p))
	})
	if err != nil {
		return err
	}
	svc.audit("mkdir", p)
	return nil
}

// Chmod sets the permission bits of p.
// chmodBits are the mode bits Chmod may set.
const chmodBits = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky

// ModeFromUnix converts unix permission bits such as 04755 to an os.FileMode,
// mapping setuid, setgid and sticky to their Go flags.
func ModeFromUnix(bits uint32) (os.FileMode, error) {
	if bits&^07777 != 0 {
		return 0, sshsession.NewError(sshsession.KindInvalid, "chmod", nil, "mode %o out of range", bits)
	}
	mode := os.FileMode(bits & 0777)
	if bits&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if bits&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if bits&01000 != 0 {
		mode |= os.ModeSticky
	}
	return mode, nil
}

func unixBits(mode os.FileMode) uint32 {
	bits := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		bits |= 04000
	}
	if mode&os.ModeSetgid != 0 {
		bits |= 02000
	}
	if mode&os.ModeSticky != 0 {
		bits |= 01000
	}
	return bits
}

func (svc *Service) Chmod(p string, mode os.FileMode) error {
	const op = "chmod"
	if mode&^chmodBits != 0 {
		return sshsession.NewError(sshsession.KindInvalid, op, nil, "mode %v has non-permission bits", mode)
	}
	err := svc.do(op, func(c *sftp.Client) error {
		return mapError(op, p, c.Chmod(p, mode))
	})
	if err != nil {
		return err
	}
	svc.audit(fmt.Sprintf("chmod %04o", unixBits(mode)), p)
	return nil
}

func (svc *Service) audit(operation, p string) {
	if params, ok := svc.s.Params(); ok {
		audit.LogFileOperation(params.ProfileID(), params.Host(), params.Username(), operation, p)
	}
}
