package sshsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/shellmux/internal/audit"
	"github.com/gluk-w/shellmux/internal/logutil"
)

// Options tunes a Session. Zero fields take the defaults from DefaultOptions.
type Options struct {
	ConnectTimeout      time.Duration
	KeepaliveSchedule   string
	KeepaliveTimeout    time.Duration
	DisconnectGrace     time.Duration
	DashboardTimeout    time.Duration
	DashboardQueueDepth int
	MaxOutputBytes      int
	KnownHostsPath      string
	ConnectLimit        ConnectLimitConfig
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:      15 * time.Second,
		KeepaliveSchedule:   "@every 30s",
		KeepaliveTimeout:    15 * time.Second,
		DisconnectGrace:     3 * time.Second,
		DashboardTimeout:    30 * time.Second,
		DashboardQueueDepth: 32,
		MaxOutputBytes:      8 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = d.KeepaliveTimeout
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = d.DisconnectGrace
	}
	if o.DashboardTimeout <= 0 {
		o.DashboardTimeout = d.DashboardTimeout
	}
	if o.DashboardQueueDepth <= 0 {
		o.DashboardQueueDepth = d.DashboardQueueDepth
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = d.MaxOutputBytes
	}
	return o
}

// Status is a point-in-time snapshot of the Session.
type Status struct {
	State         State      `json:"state"`
	Host          string     `json:"host,omitempty"`
	Port          int        `json:"port,omitempty"`
	Username      string     `json:"username,omitempty"`
	ProfileID     string     `json:"profileId,omitempty"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	ServerVersion string     `json:"serverVersion,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	Terminals     int        `json:"terminals"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type namedCloser struct {
	name string
	fn   func()
}

// Session owns the one SSH transport of the application. Create it once with
// New and pass it to every component that needs the connection.
type Session struct {
	opts Options
	sink EventSink

	// mu is the transport lock. Every write on the connection happens under it.
	mu sync.Mutex
	// lifeMu serializes Connect, Disconnect and drop handling.
	lifeMu sync.Mutex

	state  *stateTracker
	client atomic.Pointer[ssh.Client]
	params atomic.Pointer[ConnectParams]
	cron   *cron.Cron

	statusMu      sync.Mutex
	status        atomic.Pointer[Status]
	connectedAt   time.Time
	serverVersion string
	lastErr       string
	terminals     int

	closersMu sync.Mutex
	closers   []namedCloser

	dashboard *Dashboard
	limiter   *connectLimiter
}

// New returns a disconnected Session publishing to sink.
func New(sink EventSink, opts Options) *Session {
	if sink == nil {
		sink = Discard
	}
	s := &Session{
		opts:  opts.withDefaults(),
		sink:  sink,
		state: newStateTracker(),
	}
	s.dashboard = newDashboard(s)
	s.limiter = newConnectLimiter(s.opts.ConnectLimit)
	s.publishStatus()
	return s
}

// Dashboard returns the executor for short non-interactive commands.
func (s *Session) Dashboard() *Dashboard { return s.dashboard }

// Connect dials, authenticates and verifies the host key. It fails with
// KindInvalid unless the Session is Disconnected or Failed.
func (s *Session) Connect(ctx context.Context, params ConnectParams) (*Status, error) {
	const op = "connect"
	if params.IsZero() {
		return nil, NewError(KindInvalid, op, nil, "connection parameters are required")
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if cur, ok := s.state.CompareAndSet(StateConnecting, StateDisconnected, StateFailed); !ok {
		return nil, NewError(KindInvalid, op, nil, "session is %s, disconnect first", cur)
	}
	s.params.Store(&params)
	s.publishStatus()

	log.Printf("[session] connecting to %s as %s (%s)",
		logutil.SanitizeForLog(params.Addr()), logutil.SanitizeForLog(params.Username()), describe(params.Auth()))

	start := time.Now()
	client, err := s.dial(ctx, params)
	if err != nil {
		s.statusMu.Lock()
		s.lastErr = err.Error()
		s.statusMu.Unlock()
		s.state.Set(StateFailed)
		s.publishStatus()
		audit.LogConnectionFailed(params.ProfileID(), params.Host(), params.Username(), err.Error())
		log.Printf("[session] connect to %s failed: %v", logutil.SanitizeForLog(params.Addr()), err)
		return nil, err
	}

	s.client.Store(client)
	s.statusMu.Lock()
	s.connectedAt = time.Now()
	s.serverVersion = string(client.ServerVersion())
	s.lastErr = ""
	s.statusMu.Unlock()
	s.state.Set(StateConnected)
	s.startKeepalive(client)
	go s.watch(client)
	s.publishStatus()

	audit.LogConnection(params.ProfileID(), params.Host(), params.Username())
	log.Printf("[session] connected to %s in %s", logutil.SanitizeForLog(params.Addr()), time.Since(start).Round(time.Millisecond))
	return s.Status(), nil
}

// Disconnect closes every registered participant, then the transport. It is
// idempotent and safe to call while other operations are in flight.
func (s *Session) Disconnect() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.client.Load() == nil {
		if s.state.Get() == StateFailed {
			s.state.Set(StateDisconnected)
			s.publishStatus()
		}
		return nil
	}
	s.teardown(StateDisconnected, "")
	return nil
}

// Status returns the last published snapshot. It never takes the transport
// lock.
func (s *Session) Status() *Status {
	st := *s.status.Load()
	return &st
}

func (s *Session) State() State { return s.state.Get() }

func (s *Session) Transitions() []StateTransition { return s.state.Transitions() }

func (s *Session) OnStateChange(cb StateCallback) { s.state.OnChange(cb) }

// Params returns the parameters of the current or last connection.
func (s *Session) Params() (ConnectParams, bool) {
	p := s.params.Load()
	if p == nil {
		return ConnectParams{}, false
	}
	return *p, true
}

// Publish forwards e to the Session's event sink.
func (s *Session) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.sink.Publish(e)
}

// WithClient runs fn under the transport lock with the live client. It fails
// with KindNotConnected unless the Session is Connected.
func (s *Session) WithClient(fn func(c *ssh.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.client.Load()
	if c == nil || s.state.Get() != StateConnected {
		return NewError(KindNotConnected, "", nil, "session is %s", s.state.Get())
	}
	return fn(c)
}

// WithLock runs fn under the transport lock regardless of state. Used for
// channel close brackets, which must work while disconnecting.
func (s *Session) WithLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// RegisterCloser adds a participant that is run on disconnect before the
// transport is closed.
func (s *Session) RegisterCloser(name string, fn func()) {
	s.closersMu.Lock()
	defer s.closersMu.Unlock()
	s.closers = append(s.closers, namedCloser{name: name, fn: fn})
}

// SetTerminalCount updates the open terminal count in the status snapshot.
func (s *Session) SetTerminalCount(n int) {
	s.statusMu.Lock()
	changed := s.terminals != n
	s.terminals = n
	s.statusMu.Unlock()
	if changed {
		s.publishStatus()
	}
}

// TestConnection performs a disposable dial, authentication and close on a
// separate client. The live connection is not touched.
func (s *Session) TestConnection(ctx context.Context, params ConnectParams) (bool, error) {
	if params.IsZero() {
		return false, NewError(KindInvalid, "test connection", nil, "connection parameters are required")
	}
	client, err := s.dial(ctx, params)
	if err != nil {
		return false, err
	}
	client.Close()
	return true, nil
}

// ExecuteCommand runs cmd through the dashboard executor and returns stdout
// followed by stderr. A non-zero exit is not an error.
func (s *Session) ExecuteCommand(ctx context.Context, cmd string) (string, error) {
	res, err := s.dashboard.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	return res.Stdout + res.Stderr, nil
}

// dial applies the per-host attempt limits around handshake.
func (s *Session) dial(ctx context.Context, params ConnectParams) (*ssh.Client, error) {
	addr := params.Addr()
	if err := s.limiter.allow(addr); err != nil {
		return nil, err
	}
	c, err := s.handshake(ctx, params)
	if err != nil {
		s.limiter.failure(addr)
		return nil, err
	}
	s.limiter.success(addr)
	return c, nil
}

func (s *Session) handshake(ctx context.Context, params ConnectParams) (*ssh.Client, error) {
	const op = "connect"
	methods, err := params.Auth().sshMethods()
	if err != nil {
		return nil, err
	}
	hkCallback, err := hostKeyCallback(s.opts.KnownHostsPath)
	if err != nil {
		return nil, NewError(KindTransport, op, err, "host key verification")
	}

	timeout := params.Timeout()
	if timeout <= 0 {
		timeout = s.opts.ConnectTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            params.Username(),
		Auth:            methods,
		HostKeyCallback: hkCallback,
		Timeout:         timeout,
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := params.Addr()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(dctx, addr, err)
	}

	// The handshake has no context support; a deadline bounds it and
	// cancellation pulls the deadline in.
	conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(dctx, func() { conn.SetDeadline(time.Now()) })

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			c.Close()
		}
		conn.Close()
		return nil, NewError(KindTimeout, op, dctx.Err(), "handshake with %s", logutil.SanitizeForLog(addr))
	}
	if err != nil {
		conn.Close()
		return nil, classifyDialError(dctx, addr, err)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func classifyDialError(ctx context.Context, addr string, err error) error {
	const op = "connect"
	addr = logutil.SanitizeForLog(addr)
	var keyErr *knownhosts.KeyError
	var netErr net.Error
	switch {
	case errors.As(err, &keyErr), strings.Contains(err.Error(), "key mismatch"):
		return NewError(KindTransport, op, err, "host key mismatch for %s", addr)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return NewError(KindAuthentication, op, err, "authentication to %s rejected", addr)
	case ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()):
		return NewError(KindTimeout, op, err, "%s did not respond in time", addr)
	default:
		return NewError(KindTransport, op, err, "%s", addr)
	}
}

func (s *Session) watch(c *ssh.Client) {
	err := c.Wait()
	s.handleDrop(c, err)
}

// handleDrop tears down after the transport died underneath us. It is a
// no-op if c is no longer the live client.
func (s *Session) handleDrop(c *ssh.Client, cause error) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.client.Load() != c {
		return
	}
	reason := "connection lost"
	if cause != nil {
		reason = fmt.Sprintf("connection lost: %v", cause)
	}
	log.Printf("[session] %s", reason)
	s.teardown(StateFailed, reason)
}

// teardown must be called with lifeMu held.
func (s *Session) teardown(final State, reason string) {
	s.state.Set(StateDisconnecting)
	s.publishStatus()

	s.runClosers()

	if c := s.client.Swap(nil); c != nil {
		c.Close()
	}
	s.stopKeepalive()

	s.statusMu.Lock()
	connectedAt := s.connectedAt
	s.connectedAt = time.Time{}
	s.serverVersion = ""
	if reason != "" {
		s.lastErr = reason
	}
	s.statusMu.Unlock()

	s.state.Set(final)
	s.publishStatus()

	if p := s.params.Load(); p != nil {
		details := "requested"
		if reason != "" {
			details = reason
		}
		audit.LogDisconnection(p.ProfileID(), p.Host(), p.Username(), details, time.Since(connectedAt).Milliseconds())
		log.Printf("[session] disconnected from %s (%s)", logutil.SanitizeForLog(p.Addr()), details)
	}
}

// runClosers runs every closer concurrently so a closer that waits on the
// transport lock cannot hold back one that aborts the lock's current holder.
func (s *Session) runClosers() {
	s.closersMu.Lock()
	closers := make([]namedCloser, len(s.closers))
	copy(closers, s.closers)
	s.closersMu.Unlock()
	if len(closers) == 0 {
		return
	}

	var pending sync.Map
	var wg sync.WaitGroup
	for _, c := range closers {
		pending.Store(c.name, struct{}{})
		wg.Add(1)
		go func(c namedCloser) {
			defer wg.Done()
			c.fn()
			pending.Delete(c.name)
		}(c)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.opts.DisconnectGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		var names []string
		pending.Range(func(k, _ any) bool {
			names = append(names, k.(string))
			return true
		})
		log.Printf("[session] closers %v still running after %s, closing transport", names, s.opts.DisconnectGrace)
	}
}

func (s *Session) startKeepalive(c *ssh.Client) {
	if s.opts.KeepaliveSchedule == "" {
		return
	}
	cr := cron.New()
	if _, err := cr.AddFunc(s.opts.KeepaliveSchedule, func() { s.keepalive(c) }); err != nil {
		log.Printf("[session] invalid keepalive schedule %q: %v", s.opts.KeepaliveSchedule, err)
		return
	}
	cr.Start()
	s.cron = cr
}

func (s *Session) stopKeepalive() {
	if s.cron != nil {
		// Not waiting for the returned context: teardown may run from
		// inside the keepalive job itself.
		s.cron.Stop()
		s.cron = nil
	}
}

func (s *Session) keepalive(c *ssh.Client) {
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()

	timer := time.NewTimer(s.opts.KeepaliveTimeout)
	defer timer.Stop()
	var err error
	select {
	case err = <-errCh:
	case <-timer.C:
		err = fmt.Errorf("no reply within %s", s.opts.KeepaliveTimeout)
	}
	if err != nil {
		log.Printf("[session] keepalive failed: %v", err)
		s.handleDrop(c, fmt.Errorf("keepalive: %w", err))
	}
}

func (s *Session) publishStatus() {
	s.statusMu.Lock()
	st := &Status{
		State:         s.state.Get(),
		ServerVersion: s.serverVersion,
		LastError:     s.lastErr,
		Terminals:     s.terminals,
		UpdatedAt:     time.Now(),
	}
	if p := s.params.Load(); p != nil {
		st.Host = p.Host()
		st.Port = p.Port()
		st.Username = p.Username()
		st.ProfileID = p.ProfileID()
	}
	if !s.connectedAt.IsZero() {
		t := s.connectedAt
		st.ConnectedAt = &t
	}
	s.status.Store(st)
	s.statusMu.Unlock()

	snapshot := *st
	s.sink.Publish(Event{Type: EventStatus, Status: &snapshot, Timestamp: st.UpdatedAt})
}
