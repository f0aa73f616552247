package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellmux/internal/audit"
	"github.com/gluk-w/shellmux/internal/logutil"
	"github.com/gluk-w/shellmux/internal/sshsession"
)

// State is the lifecycle state of one terminal.
type State string

const (
	StateCreating State = "creating"
	StateActive   State = "active"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

const (
	DefaultMaxTerminals = 16
	DefaultJoinTimeout  = 2 * time.Second
	DefaultInputTimeout = 5 * time.Second

	// recentlyClosedLimit bounds the set of ids whose Close is a no-op.
	recentlyClosedLimit = 256
)

// Config tunes a Multiplexer. Zero fields take defaults.
type Config struct {
	MaxTerminals   int
	JoinTimeout    time.Duration
	// InputTimeout bounds one input write, which holds the transport lock.
	InputTimeout   time.Duration
	ScrollbackSize int
	Flow           FlowConfig
}

func (c Config) withDefaults() Config {
	if c.MaxTerminals <= 0 {
		c.MaxTerminals = DefaultMaxTerminals
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = DefaultInputTimeout
	}
	if c.ScrollbackSize <= 0 {
		c.ScrollbackSize = DefaultScrollbackSize
	}
	c.Flow = c.Flow.withDefaults()
	return c
}

// Info describes an open terminal.
type Info struct {
	ID        string    `json:"id"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	BytesIn   int64     `json:"bytesIn"`
	BytesOut  int64     `json:"bytesOut"`
	Flow      FlowStats `json:"flow"`
}

type terminal struct {
	id        string
	createdAt time.Time

	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader

	flow   *flowWindow
	coal   *coalescer
	scroll *scrollbackBuffer
	seq    uint64 // guarded by coal.mu

	bytesIn atomic.Int64

	// done is closed once the terminal is Closed and removed.
	done chan struct{}

	mu    sync.Mutex
	state State
	cols  int
	rows  int
}

func (t *terminal) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *terminal) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// beginClose moves the terminal to Closing. It reports false if someone else
// already did.
func (t *terminal) beginClose() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosing || t.state == StateClosed {
		return false
	}
	t.state = StateClosing
	return true
}

func (t *terminal) info() Info {
	t.mu.Lock()
	info := Info{ID: t.id, Cols: t.cols, Rows: t.rows, State: t.state, CreatedAt: t.createdAt}
	t.mu.Unlock()
	info.BytesIn = t.bytesIn.Load()
	info.Flow = t.flow.snapshot()
	info.BytesOut = info.Flow.BytesRead
	return info
}

// Multiplexer runs interactive terminals over one Session.
type Multiplexer struct {
	s       *sshsession.Session
	cfg     Config
	workers *ThreadManager

	// createMu serializes Create.
	createMu sync.Mutex

	mu        sync.RWMutex
	terms     map[string]*terminal
	closed    map[string]struct{}
	closedIDs []string
}

// New returns a Multiplexer bound to s. Disconnecting s closes every
// terminal first.
func New(s *sshsession.Session, cfg Config) *Multiplexer {
	m := &Multiplexer{
		s:       s,
		cfg:     cfg.withDefaults(),
		workers: NewThreadManager(),
		terms:   make(map[string]*terminal),
		closed:  make(map[string]struct{}),
	}
	s.RegisterCloser("terminals", func() { m.CloseAll() })
	return m
}

// Create opens a PTY shell of cols x rows under the caller-chosen id.
func (m *Multiplexer) Create(ctx context.Context, id string, cols, rows int) (*Info, error) {
	const op = "create terminal"
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := ValidateSize(cols, rows); err != nil {
		return nil, err
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	m.mu.RLock()
	_, exists := m.terms[id]
	open := len(m.terms)
	m.mu.RUnlock()
	if exists {
		return nil, sshsession.NewError(sshsession.KindInvalid, op, nil, "terminal %s is already open", id)
	}
	if open >= m.cfg.MaxTerminals {
		return nil, sshsession.NewError(sshsession.KindChannel, op, nil, "terminal limit of %d reached", m.cfg.MaxTerminals)
	}
	if err := ctx.Err(); err != nil {
		return nil, sshsession.NewError(sshsession.KindTimeout, op, err, "")
	}

	t := &terminal{
		id:        id,
		createdAt: time.Now(),
		state:     StateCreating,
		cols:      cols,
		rows:      rows,
		flow:      newFlowWindow(id, m.cfg.Flow),
		scroll:    newScrollbackBuffer(m.cfg.ScrollbackSize),
		done:      make(chan struct{}),
	}
	t.coal = newCoalescer(m.cfg.Flow.CoalesceWindow, m.cfg.Flow.MaxEventBytes, func(data []byte) {
		t.seq++
		t.flow.emitted(len(data))
		m.s.Publish(sshsession.Event{
			Type:       sshsession.EventOutput,
			TerminalID: id,
			Data:       data,
			Seq:        t.seq,
		})
	})

	err := m.s.WithClient(func(c *ssh.Client) error {
		return openShell(c, t)
	})
	if err != nil {
		return nil, err
	}

	t.setState(StateActive)
	m.mu.Lock()
	m.terms[id] = t
	delete(m.closed, id)
	n := len(m.terms)
	m.mu.Unlock()

	if err := m.workers.Spawn(id, func(stop <-chan struct{}) { m.readLoop(t, stop) }); err != nil {
		m.mu.Lock()
		delete(m.terms, id)
		m.mu.Unlock()
		m.s.WithLock(func() { t.sess.Close() })
		return nil, sshsession.NewError(sshsession.KindChannel, op, err, "")
	}
	m.s.SetTerminalCount(n)

	if p, ok := m.s.Params(); ok {
		audit.LogTerminalSessionStart(p.ProfileID(), p.Host(), p.Username(), id, cols, rows)
	}
	log.Printf("[terminal] opened %s (%dx%d)", logutil.SanitizeForLog(id), cols, rows)
	info := t.info()
	return &info, nil
}

// openShell must run under the transport lock.
func openShell(c *ssh.Client, t *terminal) error {
	const op = "create terminal"
	sess, err := c.NewSession()
	if err != nil {
		var oce *ssh.OpenChannelError
		if errors.As(err, &oce) {
			return sshsession.NewError(sshsession.KindChannel, op, err, "")
		}
		return sshsession.NewError(sshsession.KindTransport, op, err, "")
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", t.rows, t.cols, modes); err != nil {
		sess.Close()
		return sshsession.NewError(sshsession.KindChannel, op, err, "request pty")
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return sshsession.NewError(sshsession.KindChannel, op, err, "stdin pipe")
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return sshsession.NewError(sshsession.KindChannel, op, err, "stdout pipe")
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return sshsession.NewError(sshsession.KindChannel, op, err, "start shell")
	}
	t.sess = sess
	t.stdin = stdin
	t.stdout = stdout
	return nil
}

// readLoop is the one reader of a terminal's output.
func (m *Multiplexer) readLoop(t *terminal, stop <-chan struct{}) {
	burst := m.cfg.Flow.BurstSize
	buf := make([]byte, burst)
	for {
		if !t.flow.reserve(burst, stop) {
			return
		}
		n, err := t.stdout.Read(buf)
		t.flow.commit(burst, n)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.scroll.Write(data)
			t.coal.add(data)
		}
		if err == nil {
			continue
		}

		if t.State() != StateActive {
			return
		}
		detail := "connection lost"
		if errors.Is(err, io.EOF) {
			detail = exitDetail(t.sess)
		}
		t.coal.close()
		log.Printf("[terminal] %s ended: %s", logutil.SanitizeForLog(t.id), detail)
		m.s.Publish(sshsession.Event{
			Type:       sshsession.EventTerminalExit,
			TerminalID: t.id,
			Detail:     detail,
		})
		go m.closeTerm(t)
		return
	}
}

// exitDetail reports the remote exit status once the shell's output has
// ended. Servers that never send one are not waited on for long.
func exitDetail(sess *ssh.Session) string {
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()
	select {
	case err := <-done:
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			return "exit status 0"
		case errors.As(err, &exitErr):
			return fmt.Sprintf("exit status %d", exitErr.ExitStatus())
		default:
			return err.Error()
		}
	case <-timer.C:
		return "shell exited"
	}
}

func (m *Multiplexer) lookup(op, id string) (*terminal, error) {
	m.mu.RLock()
	t, ok := m.terms[id]
	m.mu.RUnlock()
	if !ok {
		return nil, sshsession.NewError(sshsession.KindNotFound, op, nil, "terminal %s not found", id)
	}
	return t, nil
}

// SendInput writes data to the terminal's shell.
func (m *Multiplexer) SendInput(id string, data []byte) error {
	const op = "send input"
	if len(data) > MaxInputSize {
		return sshsession.NewError(sshsession.KindSizeExceeded, op, nil, "%d bytes, limit is %d", len(data), MaxInputSize)
	}
	t, err := m.lookup(op, id)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	err = m.s.WithClient(func(*ssh.Client) error {
		if st := t.State(); st != StateActive {
			return sshsession.NewError(sshsession.KindNotConnected, op, nil, "terminal %s is %s", id, st)
		}
		err := writeInput(t.stdin, data, m.cfg.InputTimeout, func() {
			log.Printf("[terminal] input to %s stalled for %s, closing channel", logutil.SanitizeForLog(id), m.cfg.InputTimeout)
			t.sess.Close()
		})
		if errors.Is(err, errInputStalled) {
			return sshsession.NewError(sshsession.KindChannel, op, err, "terminal %s closed", id)
		}
		if err != nil {
			return sshsession.NewError(sshsession.KindChannel, op, err, "")
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.bytesIn.Add(int64(len(data)))
	return nil
}

var errInputStalled = errors.New("input write stalled")

// writeInput writes data to w, calling abort and returning errInputStalled if
// the write has not finished within timeout. A write blocked on a full
// channel window is released once abort closes the channel.
func writeInput(w io.Writer, data []byte, timeout time.Duration, abort func()) error {
	done := make(chan error, 1)
	go func() {
		_, err := w.Write(data)
		done <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		abort()
		return errInputStalled
	}
}

// Resize sends a window-change for the terminal.
func (m *Multiplexer) Resize(id string, cols, rows int) error {
	const op = "resize terminal"
	if err := ValidateSize(cols, rows); err != nil {
		return err
	}
	t, err := m.lookup(op, id)
	if err != nil {
		return err
	}
	err = m.s.WithClient(func(*ssh.Client) error {
		if st := t.State(); st != StateActive {
			return sshsession.NewError(sshsession.KindNotConnected, op, nil, "terminal %s is %s", id, st)
		}
		if err := t.sess.WindowChange(rows, cols); err != nil {
			return sshsession.NewError(sshsession.KindChannel, op, err, "")
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	t.mu.Unlock()
	return nil
}

// Ack acknowledges n bytes of output the caller has consumed.
func (m *Multiplexer) Ack(id string, n int) error {
	const op = "ack output"
	if n < 0 {
		return sshsession.NewError(sshsession.KindInvalid, op, nil, "negative byte count %d", n)
	}
	t, err := m.lookup(op, id)
	if err != nil {
		return err
	}
	t.flow.ack(n)
	return nil
}

// Close closes one terminal. Closing a recently closed id is a no-op.
// It returns once the terminal is closed, waiting for a close already in
// progress.
func (m *Multiplexer) Close(id string) error {
	m.mu.RLock()
	t, ok := m.terms[id]
	_, recent := m.closed[id]
	m.mu.RUnlock()
	if !ok {
		if recent {
			return nil
		}
		return sshsession.NewError(sshsession.KindNotFound, "close terminal", nil, "terminal %s not found", id)
	}
	m.closeTerm(t)
	return nil
}

// closeTerm closes t. If another caller is already closing it, closeTerm
// waits for that close to finish.
func (m *Multiplexer) closeTerm(t *terminal) {
	id := t.id
	if !t.beginClose() {
		<-t.done
		return
	}

	m.s.WithLock(func() {
		if err := t.sess.Close(); err != nil && !errors.Is(err, io.EOF) {
			log.Printf("[terminal] close channel %s: %v", logutil.SanitizeForLog(id), err)
		}
	})
	if !m.workers.Stop(id, m.cfg.JoinTimeout) {
		log.Printf("[terminal] reader for %s abandoned after %s", logutil.SanitizeForLog(id), m.cfg.JoinTimeout)
	}
	t.coal.close()
	t.setState(StateClosed)

	m.mu.Lock()
	delete(m.terms, id)
	m.rememberClosed(id)
	n := len(m.terms)
	m.mu.Unlock()
	close(t.done)

	m.s.SetTerminalCount(n)
	m.s.Publish(sshsession.Event{Type: sshsession.EventTerminalClosed, TerminalID: id})
	if p, ok := m.s.Params(); ok {
		audit.LogTerminalSessionEnd(p.ProfileID(), p.Host(), p.Username(), id, time.Since(t.createdAt).Milliseconds())
	}
	log.Printf("[terminal] closed %s", logutil.SanitizeForLog(id))
}

// rememberClosed must be called with m.mu held.
func (m *Multiplexer) rememberClosed(id string) {
	if _, ok := m.closed[id]; ok {
		return
	}
	m.closed[id] = struct{}{}
	m.closedIDs = append(m.closedIDs, id)
	for len(m.closedIDs) > recentlyClosedLimit {
		delete(m.closed, m.closedIDs[0])
		m.closedIDs = m.closedIDs[1:]
	}
}

// CloseAll closes every open terminal and returns how many were closed.
// Individual failures are logged.
func (m *Multiplexer) CloseAll() int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.terms))
	for id := range m.terms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	closed := 0
	for _, id := range ids {
		if err := m.Close(id); err != nil {
			log.Printf("[terminal] close %s: %v", logutil.SanitizeForLog(id), err)
			continue
		}
		closed++
	}
	if closed > 0 {
		log.Printf("[terminal] closed %d terminals", closed)
	}
	return closed
}

// Shutdown closes every terminal and joins any reader still registered.
func (m *Multiplexer) Shutdown() {
	m.CloseAll()
	if n := m.workers.StopAll(m.cfg.JoinTimeout); n > 0 {
		log.Printf("[terminal] %d readers abandoned at shutdown", n)
	}
}

// List returns open terminals, oldest first.
func (m *Multiplexer) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.terms))
	for _, t := range m.terms {
		out = append(out, t.info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Multiplexer) Get(id string) (*Info, error) {
	t, err := m.lookup("get terminal", id)
	if err != nil {
		return nil, err
	}
	info := t.info()
	return &info, nil
}

// Scrollback returns the most recent output of the terminal.
func (m *Multiplexer) Scrollback(id string) ([]byte, error) {
	t, err := m.lookup("scrollback", id)
	if err != nil {
		return nil, err
	}
	return t.scroll.Snapshot(), nil
}

// Count returns the number of open terminals.
func (m *Multiplexer) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.terms)
}

// Live returns the number of reader goroutines still running.
func (m *Multiplexer) Live() int { return m.workers.Live() }

// Abandoned returns how many readers were given up on.
func (m *Multiplexer) Abandoned() int { return m.workers.Abandoned() }
