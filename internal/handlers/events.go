package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/shellmux/internal/sshsession"
	"github.com/gluk-w/shellmux/internal/sshterminal"
)

// DefaultSubscriberBuffer is the number of events queued per WebSocket before
// the subscriber is considered too slow and dropped.
const DefaultSubscriberBuffer = 1024

const eventWriteTimeout = 10 * time.Second

// Hub fans session events out to WebSocket subscribers. It is the
// EventSink behind the session's Dispatcher, so Publish never blocks on a
// client: a subscriber whose queue is full is disconnected.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	buffer int
}

type subscriber struct {
	ch      chan sshsession.Event
	dropped chan struct{}
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

func (h *Hub) Publish(e sshsession.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- e:
		default:
			delete(h.subs, s)
			close(s.dropped)
		}
	}
}

func (h *Hub) subscribe() *subscriber {
	s := &subscriber{
		ch:      make(chan sshsession.Event, h.buffer),
		dropped: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscribers returns the number of attached clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// clientFrame is a message sent by a WebSocket client.
type clientFrame struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

type errorFrame struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	errorBody
}

// EventsWS streams session events as JSON text frames. Output data is base64
// encoded. Clients may send ack, input and resize frames back; input and
// resize frames beyond the rate limit are dropped.
func EventsWS(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, Events != nil, "Event stream") {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(2 * sshterminal.MaxInputSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := Events.subscribe()
	defer Events.unsubscribe(sub)
	log.Printf("[events] subscriber attached (%d total)", Events.Subscribers())

	if Session != nil {
		if err := writeEvent(ctx, conn, sshsession.Event{
			Type:      sshsession.EventStatus,
			Status:    Session.Status(),
			Timestamp: time.Now(),
		}); err != nil {
			return
		}
	}

	go func() {
		defer cancel()
		readFrames(ctx, conn)
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-sub.dropped:
			log.Printf("[events] dropping slow subscriber")
			conn.Close(websocket.StatusPolicyViolation, "event stream fell behind")
			return
		case e := <-sub.ch:
			if err := writeEvent(ctx, conn, e); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func readFrames(ctx context.Context, conn *websocket.Conn) {
	limiter := sshterminal.NewRateLimiter(sshterminal.MessageRateLimit, sshterminal.MessageRateBurst)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			writeEvent(ctx, conn, errorFrame{Type: "error", errorBody: errorBody{Detail: "invalid frame"}})
			continue
		}
		// Acks are never rate limited; dropping one would stall output until
		// the ack timeout.
		if f.Type != "ack" && !limiter.Allow() {
			continue
		}
		if err := handleFrame(f); err != nil {
			writeEvent(ctx, conn, errorFrame{
				Type:       "error",
				TerminalID: f.TerminalID,
				errorBody: errorBody{
					Detail:    err.Error(),
					Kind:      string(sshsession.KindOf(err)),
					Reconnect: sshsession.NeedsReconnect(err),
				},
			})
		}
	}
}

func handleFrame(f clientFrame) error {
	if Terminals == nil {
		return sshsession.NewError(sshsession.KindNotConnected, f.Type, nil, "terminal multiplexer not initialized")
	}
	switch f.Type {
	case "ack":
		return Terminals.Ack(f.TerminalID, f.Bytes)
	case "input":
		return Terminals.SendInput(f.TerminalID, []byte(f.Data))
	case "resize":
		return Terminals.Resize(f.TerminalID, f.Cols, f.Rows)
	}
	return sshsession.NewError(sshsession.KindInvalid, "event frame", nil, "unknown frame type %q", f.Type)
}
