// Package sshtest runs an in-process SSH server for tests. It accepts a
// password or one client key, answers a small set of exec commands, emulates
// an interactive shell on PTY sessions, and serves SFTP from the local
// filesystem.
package sshtest

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellmux/internal/sshkeys"
)

// Options configures a Server. Zero values give user "admin" with password
// "secret".
type Options struct {
	User     string
	Password string
	// Passphrase encrypts the client key written to KeyPath.
	Passphrase string
	// Exec overrides the built-in exec handler. It returns the exit code.
	Exec func(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) int
}

// Server is a running test SSH server.
type Server struct {
	Addr     string
	Host     string
	Port     int
	User     string
	Password string
	// KeyPath is a client private key accepted by the server.
	KeyPath    string
	Passphrase string
	Signer     ssh.Signer

	opts     Options
	listener net.Listener

	mu          sync.Mutex
	conns       []*ssh.ServerConn
	commands    []string
	sudoInputs  []string
	windowSizes []string
	shells      int
}

// NewServer starts a server on 127.0.0.1 that is closed via t.Cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.User == "" {
		opts.User = "admin"
	}
	if opts.Password == "" {
		opts.Password = "secret"
	}

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := sshkeys.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	clientPub, clientPEM, err := sshkeys.GenerateKeyPairWithPassphrase(opts.Passphrase, "sshtest")
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	authorized, _, _, _, err := ssh.ParseAuthorizedKey(clientPub)
	if err != nil {
		t.Fatalf("parse client public key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, clientPEM, 0600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	s := &Server{
		User:       opts.User,
		Password:   opts.Password,
		KeyPath:    keyPath,
		Passphrase: opts.Passphrase,
		opts:       opts,
	}
	if opts.Passphrase == "" {
		s.Signer, _ = ssh.ParsePrivateKey(clientPEM)
	} else {
		s.Signer, _ = ssh.ParsePrivateKeyWithPassphrase(clientPEM, []byte(opts.Passphrase))
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == opts.User && string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == opts.User && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorized) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConn(netConn, config)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		<-done
		s.DropConnections()
	})
	return s
}

// DropConnections closes every live server-side connection, simulating a
// network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Commands returns the exec commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// SudoInputs returns what sudo -S read from stdin.
func (s *Server) SudoInputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sudoInputs...)
}

// WindowSizes returns the "COLSxROWS" of every pty-req and window-change.
func (s *Server) WindowSizes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.windowSizes...)
}

// Shells returns the number of shells started.
func (s *Server) Shells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shells
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.mu.Unlock()
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hasPTY bool
	started := false
	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			if cols, rows, ok := parsePtyReq(req.Payload); ok {
				s.recordWindow(cols, rows)
			}
			reply(req, true)

		case "window-change":
			if len(req.Payload) >= 8 {
				s.recordWindow(binary.BigEndian.Uint32(req.Payload[0:4]), binary.BigEndian.Uint32(req.Payload[4:8]))
			}
			reply(req, true)

		case "env":
			reply(req, true)

		case "shell":
			if started {
				reply(req, false)
				continue
			}
			started = true
			reply(req, true)
			s.mu.Lock()
			s.shells++
			s.mu.Unlock()
			go s.runShell(ch, hasPTY)

		case "exec":
			if started {
				reply(req, false)
				continue
			}
			started = true
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				reply(req, false)
				continue
			}
			reply(req, true)
			go s.runExec(ctx, ch, payload.Command)

		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" || started {
				reply(req, false)
				continue
			}
			started = true
			reply(req, true)
			go func() {
				defer ch.Close()
				srv, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				srv.Serve()
				srv.Close()
			}()

		default:
			reply(req, false)
		}
	}
}

func (s *Server) runExec(ctx context.Context, ch ssh.Channel, cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	exec := s.opts.Exec
	if exec == nil {
		exec = s.builtinExec
	}
	code := exec(ctx, cmd, ch, ch, ch.Stderr())
	sendExit(ch, code)
	ch.Close()
}

var sudoPattern = regexp.MustCompile(`^sudo (-S -p '' |-n )-u '([^']*)' -- sh -c '(.*)'$`)

// builtinExec understands whoami, echo, exit N, sleep SECONDS, flood BYTES,
// sudo wrappers produced by the dashboard executor, and archive commands.
func (s *Server) builtinExec(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
	return s.runAs(ctx, s.opts.User, cmd, stdin, stdout, stderr)
}

func (s *Server) runAs(ctx context.Context, user, cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
	if m := sudoPattern.FindStringSubmatch(cmd); m != nil {
		if strings.HasPrefix(m[1], "-S") {
			line, _ := bufio.NewReader(stdin).ReadString('\n')
			s.mu.Lock()
			s.sudoInputs = append(s.sudoInputs, strings.TrimSuffix(line, "\n"))
			s.mu.Unlock()
		}
		inner := strings.ReplaceAll(m[3], `'\''`, `'`)
		return s.runAs(ctx, m[2], inner, stdin, stdout, stderr)
	}

	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return 0
	}
	switch fields[0] {
	case "whoami":
		fmt.Fprintln(stdout, user)
		return 0
	case "echo":
		fmt.Fprintln(stdout, strings.TrimSpace(strings.TrimPrefix(cmd, "echo")))
		return 0
	case "exit":
		code := 0
		if len(fields) > 1 {
			code, _ = strconv.Atoi(fields[1])
		}
		return code
	case "sleep":
		d := time.Second
		if len(fields) > 1 {
			if secs, err := strconv.ParseFloat(fields[1], 64); err == nil {
				d = time.Duration(secs * float64(time.Second))
			}
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
		return 0
	case "flood":
		n := 0
		if len(fields) > 1 {
			n, _ = strconv.Atoi(fields[1])
		}
		stdout.Write([]byte(strings.Repeat("x", n)))
		return 0
	case "mkdir", "tar", "unzip", "zip", "cd", "find", "tail", "sed", "grep", "journalctl":
		if strings.Contains(cmd, "fail") {
			fmt.Fprintln(stderr, fields[0]+": simulated failure")
			return 2
		}
		return 0
	}
	fmt.Fprintf(stderr, "sh: %s: command not found\n", fields[0])
	return 127
}

// runShell emulates a login shell on a PTY: input is echoed, "echo X" prints
// X, "flood N" prints N bytes, "exit" ends the session.
func (s *Server) runShell(ch ssh.Channel, hasPTY bool) {
	defer ch.Close()
	if hasPTY {
		ch.Write([]byte("$ "))
	}
	r := bufio.NewReader(ch)
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		if hasPTY {
			if b == '\r' || b == '\n' {
				ch.Write([]byte("\r\n"))
			} else {
				ch.Write([]byte{b})
			}
		}
		if b != '\n' && b != '\r' {
			line = append(line, b)
			continue
		}

		cmd := strings.TrimSpace(string(line))
		line = line[:0]
		fields := strings.Fields(cmd)
		switch {
		case len(fields) == 0:
		case fields[0] == "exit":
			sendExit(ch, 0)
			return
		case fields[0] == "echo":
			ch.Write([]byte(strings.TrimSpace(strings.TrimPrefix(cmd, "echo")) + "\r\n"))
		case fields[0] == "flood" && len(fields) > 1:
			n, _ := strconv.Atoi(fields[1])
			chunk := []byte(strings.Repeat("y", 4096))
			for n > 0 {
				w := chunk
				if n < len(w) {
					w = w[:n]
				}
				if _, err := ch.Write(w); err != nil {
					return
				}
				n -= len(w)
			}
		default:
			ch.Write([]byte("sh: " + fields[0] + ": command not found\r\n"))
		}
		if hasPTY {
			ch.Write([]byte("$ "))
		}
	}
}

func (s *Server) recordWindow(cols, rows uint32) {
	s.mu.Lock()
	s.windowSizes = append(s.windowSizes, fmt.Sprintf("%dx%d", cols, rows))
	s.mu.Unlock()
}

func parsePtyReq(payload []byte) (cols, rows uint32, ok bool) {
	var req struct {
		Term     string
		Columns  uint32
		Rows     uint32
		Width    uint32
		Height   uint32
		Modelist string
	}
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return 0, 0, false
	}
	return req.Columns, req.Rows, true
}

func sendExit(ch ssh.Channel, code int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}
