package sshsession

import (
	"log"
	"sync"
	"time"

	"github.com/gluk-w/shellmux/internal/logutil"
)

// Connection attempt limits per host address. Two independent mechanisms
// protect a host from connection storms:
//   - Sliding window: at most MaxAttemptsPerMinute dials per minute.
//   - Failure block: after MaxConsecFailures failed dials in a row the host
//     is blocked for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 20
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = time.Minute
)

type ConnectLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

func DefaultConnectLimitConfig() ConnectLimitConfig {
	return ConnectLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

func (c ConnectLimitConfig) withDefaults() ConnectLimitConfig {
	d := DefaultConnectLimitConfig()
	if c.MaxAttemptsPerMinute <= 0 {
		c.MaxAttemptsPerMinute = d.MaxAttemptsPerMinute
	}
	if c.MaxConsecFailures <= 0 {
		c.MaxConsecFailures = d.MaxConsecFailures
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = d.BlockDuration
	}
	return c
}

type hostAttempts struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// connectLimiter tracks dial attempts per host address.
type connectLimiter struct {
	mu    sync.Mutex
	cfg   ConnectLimitConfig
	hosts map[string]*hostAttempts
	nowFn func() time.Time
}

func newConnectLimiter(cfg ConnectLimitConfig) *connectLimiter {
	return &connectLimiter{
		cfg:   cfg.withDefaults(),
		hosts: make(map[string]*hostAttempts),
		nowFn: time.Now,
	}
}

func (l *connectLimiter) host(addr string) *hostAttempts {
	h, ok := l.hosts[addr]
	if !ok {
		h = &hostAttempts{}
		l.hosts[addr] = h
	}
	return h
}

// allow records a dial attempt for addr or returns a KindInvalid error when
// the host is blocked or over its per-minute budget.
func (l *connectLimiter) allow(addr string) error {
	const op = "connect"
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	h := l.host(addr)
	if now.Before(h.blockedUntil) {
		remaining := h.blockedUntil.Sub(now).Truncate(time.Second)
		return NewError(KindInvalid, op, nil, "%s is blocked for %s after %d consecutive failures",
			logutil.SanitizeForLog(addr), remaining, h.consecFailures)
	}

	cutoff := now.Add(-time.Minute)
	pruned := h.attempts[:0]
	for _, t := range h.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	h.attempts = pruned
	if len(h.attempts) >= l.cfg.MaxAttemptsPerMinute {
		return NewError(KindInvalid, op, nil, "too many connection attempts to %s (%d in the last minute)",
			logutil.SanitizeForLog(addr), len(h.attempts))
	}
	h.attempts = append(h.attempts, now)
	return nil
}

func (l *connectLimiter) success(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.host(addr)
	h.consecFailures = 0
	h.blockedUntil = time.Time{}
}

func (l *connectLimiter) failure(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.host(addr)
	h.consecFailures++
	if h.consecFailures >= l.cfg.MaxConsecFailures {
		h.blockedUntil = l.nowFn().Add(l.cfg.BlockDuration)
		log.Printf("[session] blocking connections to %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(addr), h.blockedUntil.Format(time.RFC3339), h.consecFailures)
	}
}
