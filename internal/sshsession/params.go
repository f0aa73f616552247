package sshsession

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Account is an additional remote account usable for run-as dashboard
// commands. Password is plaintext and only ever fed to sudo on stdin.
type Account struct {
	Username string
	Password string
}

// ConnectParams is the validated, read-only description of one connection.
// Build it with NewConnectParams.
type ConnectParams struct {
	profileID string
	host      string
	port      int
	username  string
	auth      AuthMethod
	accounts  []Account
	timeout   time.Duration
}

// ParamOption customizes ConnectParams.
type ParamOption func(*ConnectParams)

func WithProfileID(id string) ParamOption {
	return func(p *ConnectParams) { p.profileID = id }
}

func WithAccounts(accounts ...Account) ParamOption {
	return func(p *ConnectParams) {
		p.accounts = append([]Account(nil), accounts...)
	}
}

// WithTimeout overrides the session's default dial and handshake timeout.
func WithTimeout(d time.Duration) ParamOption {
	return func(p *ConnectParams) { p.timeout = d }
}

// NewConnectParams validates and returns connection parameters. Port 0
// means 22.
func NewConnectParams(host string, port int, username string, auth AuthMethod, opts ...ParamOption) (ConnectParams, error) {
	const op = "connect params"
	host = strings.TrimSpace(host)
	if host == "" {
		return ConnectParams{}, NewError(KindInvalid, op, nil, "host is empty")
	}
	if strings.ContainsAny(host, " \t\r\n/") {
		return ConnectParams{}, NewError(KindInvalid, op, nil, "host %q is not a valid hostname", host)
	}
	if port == 0 {
		port = 22
	}
	if port < 1 || port > 65535 {
		return ConnectParams{}, NewError(KindInvalid, op, nil, "invalid port %d", port)
	}
	if strings.TrimSpace(username) == "" {
		return ConnectParams{}, NewError(KindInvalid, op, nil, "username is empty")
	}
	if auth == nil {
		return ConnectParams{}, NewError(KindInvalid, op, nil, "auth method is required")
	}
	if err := auth.validate(); err != nil {
		return ConnectParams{}, err
	}

	p := ConnectParams{host: host, port: port, username: username, auth: auth}
	for _, o := range opts {
		o(&p)
	}
	if p.timeout < 0 {
		return ConnectParams{}, NewError(KindInvalid, op, nil, "negative timeout")
	}
	for _, a := range p.accounts {
		if strings.TrimSpace(a.Username) == "" {
			return ConnectParams{}, NewError(KindInvalid, op, nil, "account username is empty")
		}
	}
	return p, nil
}

func (p ConnectParams) ProfileID() string      { return p.profileID }
func (p ConnectParams) Host() string           { return p.host }
func (p ConnectParams) Port() int              { return p.port }
func (p ConnectParams) Username() string       { return p.username }
func (p ConnectParams) Auth() AuthMethod       { return p.auth }
func (p ConnectParams) Timeout() time.Duration { return p.timeout }

// Addr returns host:port.
func (p ConnectParams) Addr() string {
	return net.JoinHostPort(p.host, strconv.Itoa(p.port))
}

// Accounts returns a copy of the configured run-as accounts.
func (p ConnectParams) Accounts() []Account {
	return append([]Account(nil), p.accounts...)
}

// Account looks up a run-as account by username.
func (p ConnectParams) Account(username string) (Account, bool) {
	for _, a := range p.accounts {
		if a.Username == username {
			return a, true
		}
	}
	return Account{}, false
}

// IsZero reports whether p was never built through NewConnectParams.
func (p ConnectParams) IsZero() bool { return p.host == "" }
