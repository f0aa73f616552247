package sshterminal

import (
	"log"
	"sync"
	"time"
)

// FlowConfig bounds how fast a terminal's output is read and how it is
// grouped into events.
type FlowConfig struct {
	// BurstSize is the size of each read from the channel.
	BurstSize int
	// CoalesceWindow is how long bursts are merged before an event is emitted.
	CoalesceWindow time.Duration
	// MaxEventBytes caps the payload of one output event.
	MaxEventBytes int
	// HighWatermark caps unacknowledged bytes. Reading pauses before a burst
	// would cross it.
	HighWatermark int
	// LowWatermark is where reading resumes once paused.
	LowWatermark int
	// AckTimeout is how long a paused reader waits for acknowledgments
	// before replenishing the window on its own.
	AckTimeout time.Duration
}

func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		BurstSize:      4 * 1024,
		CoalesceWindow: 8 * time.Millisecond,
		MaxEventBytes:  32 * 1024,
		HighWatermark:  256 * 1024,
		LowWatermark:   64 * 1024,
		AckTimeout:     time.Second,
	}
}

func (c FlowConfig) withDefaults() FlowConfig {
	d := DefaultFlowConfig()
	if c.BurstSize <= 0 {
		c.BurstSize = d.BurstSize
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = d.CoalesceWindow
	}
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = d.MaxEventBytes
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = d.HighWatermark
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = d.LowWatermark
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.BurstSize > c.MaxEventBytes {
		c.BurstSize = c.MaxEventBytes
	}
	if c.BurstSize > c.HighWatermark {
		c.BurstSize = c.HighWatermark
	}
	if c.LowWatermark >= c.HighWatermark {
		c.LowWatermark = c.HighWatermark / 4
	}
	return c
}

// FlowStats is a snapshot of one terminal's flow control counters.
type FlowStats struct {
	Unacked      int    `json:"unacked"`
	Paused       bool   `json:"paused"`
	Pauses       int    `json:"pauses"`
	AckTimeouts  int    `json:"ackTimeouts"`
	BytesRead    int64  `json:"bytesRead"`
	BytesEmitted int64  `json:"bytesEmitted"`
	BytesAcked   int64  `json:"bytesAcked"`
	Events       uint64 `json:"events"`
}

// flowWindow counts bytes read but not yet acknowledged. A read reserves its
// full burst up front so unacked never exceeds the high watermark.
type flowWindow struct {
	cfg  FlowConfig
	id   string
	wake chan struct{}

	mu    sync.Mutex
	stats FlowStats
}

func newFlowWindow(id string, cfg FlowConfig) *flowWindow {
	return &flowWindow{cfg: cfg, id: id, wake: make(chan struct{}, 1)}
}

// reserve blocks until n more bytes fit in the window. It returns false if
// stop is closed first.
func (w *flowWindow) reserve(n int, stop <-chan struct{}) bool {
	for {
		w.mu.Lock()
		if w.stats.Paused && w.stats.Unacked <= w.cfg.LowWatermark {
			w.stats.Paused = false
		}
		if !w.stats.Paused && w.stats.Unacked+n <= w.cfg.HighWatermark {
			w.stats.Unacked += n
			w.mu.Unlock()
			return true
		}
		if !w.stats.Paused {
			w.stats.Paused = true
			w.stats.Pauses++
		}
		w.mu.Unlock()

		timer := time.NewTimer(w.cfg.AckTimeout)
		select {
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
			w.mu.Lock()
			w.stats.Unacked = 0
			w.stats.Paused = false
			w.stats.AckTimeouts++
			w.mu.Unlock()
			log.Printf("[flow] %s: no acknowledgment within %s, resuming", w.id, w.cfg.AckTimeout)
		case <-stop:
			timer.Stop()
			return false
		}
	}
}

// commit settles a reservation of reserved bytes of which n were read.
func (w *flowWindow) commit(reserved, n int) {
	w.mu.Lock()
	w.stats.Unacked -= reserved - n
	if w.stats.Unacked < 0 {
		w.stats.Unacked = 0
	}
	w.stats.BytesRead += int64(n)
	w.mu.Unlock()
}

func (w *flowWindow) ack(n int) {
	w.mu.Lock()
	w.stats.Unacked -= n
	if w.stats.Unacked < 0 {
		w.stats.Unacked = 0
	}
	w.stats.BytesAcked += int64(n)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *flowWindow) emitted(n int) {
	w.mu.Lock()
	w.stats.BytesEmitted += int64(n)
	w.stats.Events++
	w.mu.Unlock()
}

func (w *flowWindow) snapshot() FlowStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// coalescer merges writes that arrive within window into one emit call of at
// most max bytes. emit runs under the coalescer lock, so emits are ordered.
type coalescer struct {
	window time.Duration
	max    int
	emit   func([]byte)

	mu     sync.Mutex
	buf    []byte
	timer  *time.Timer
	gen    uint64
	closed bool
}

func newCoalescer(window time.Duration, max int, emit func([]byte)) *coalescer {
	return &coalescer{window: window, max: max, emit: emit}
}

func (c *coalescer) add(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for len(p) > 0 {
		room := c.max - len(c.buf)
		if room == 0 {
			c.flushLocked()
			room = c.max
		}
		n := min(room, len(p))
		c.buf = append(c.buf, p[:n]...)
		p = p[n:]
	}
	if len(c.buf) >= c.max {
		c.flushLocked()
	}
	if len(c.buf) > 0 && c.timer == nil {
		gen := c.gen
		c.timer = time.AfterFunc(c.window, func() { c.expire(gen) })
	}
}

func (c *coalescer) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.flushLocked()
}

func (c *coalescer) flushLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	if len(c.buf) == 0 {
		return
	}
	out := c.buf
	c.buf = make([]byte, 0, len(out))
	c.emit(out)
}

// close emits anything pending and drops later writes.
func (c *coalescer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.flushLocked()
	c.closed = true
}
