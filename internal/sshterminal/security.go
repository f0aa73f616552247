package sshterminal

import (
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gluk-w/shellmux/internal/sshsession"
)

// Limits on caller-supplied terminal parameters.
const (
	// MaxInputSize is the largest payload accepted by one SendInput call.
	MaxInputSize = 64 * 1024

	MaxIDLength = 128

	MaxTermCols = 500
	MaxTermRows = 200

	// MessageRateLimit is the sustained number of input frames per second a
	// single event-stream client may send.
	MessageRateLimit = 100
	// MessageRateBurst is the burst allowance for the rate limiter.
	MessageRateBurst = 200
)

// ValidateID checks a caller-chosen terminal id: non-empty, at most
// MaxIDLength characters, no control characters.
func ValidateID(id string) error {
	const op = "terminal id"
	if id == "" {
		return sshsession.NewError(sshsession.KindInvalid, op, nil, "id is empty")
	}
	if !utf8.ValidString(id) {
		return sshsession.NewError(sshsession.KindInvalid, op, nil, "id is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(id); n > MaxIDLength {
		return sshsession.NewError(sshsession.KindInvalid, op, nil, "id is %d characters, limit is %d", n, MaxIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return sshsession.NewError(sshsession.KindInvalid, op, nil, "id contains control character %U", r)
		}
	}
	return nil
}

// ValidateSize checks PTY geometry against 1..MaxTermCols and 1..MaxTermRows.
func ValidateSize(cols, rows int) error {
	if cols < 1 || cols > MaxTermCols || rows < 1 || rows > MaxTermRows {
		return sshsession.NewError(sshsession.KindInvalid, "terminal size", nil,
			"%dx%d outside 1..%d columns and 1..%d rows", cols, rows, MaxTermCols, MaxTermRows)
	}
	return nil
}

// RateLimiter implements a simple token bucket rate limiter for input frames.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter with the given rate (tokens/sec) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// Allow returns true if a frame is permitted, consuming one token.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.refillRate
	rl.lastRefill = now
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
