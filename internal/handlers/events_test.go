package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/shellmux/internal/sshsession"
)

type wsFrame struct {
	sshsession.Event
	Kind string `json:"kind"`
}

func dialEvents(t *testing.T, e *testEnv) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(e.api.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) wsFrame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f wsFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return f
}

func sendFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, f clientFrame) {
	t.Helper()
	data, _ := json.Marshal(f)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestEventsStreamStatusFirst(t *testing.T) {
	e := newTestEnv(t)
	conn, ctx := dialEvents(t, e)

	f := readFrame(t, ctx, conn)
	if f.Type != sshsession.EventStatus || f.Status == nil || f.Status.State != sshsession.StateDisconnected {
		t.Fatalf("expected initial status frame, got %+v", f)
	}

	e.connect()
	for {
		f = readFrame(t, ctx, conn)
		if f.Type == sshsession.EventStatus && f.Status != nil && f.Status.State == sshsession.StateConnected {
			break
		}
	}
}

func TestEventsInputAndAckFrames(t *testing.T) {
	e := newTestEnv(t)
	e.connect()
	conn, ctx := dialEvents(t, e)

	if code := e.call(http.MethodPost, "/terminals", map[string]interface{}{"id": "ws", "cols": 80, "rows": 24}, nil); code != http.StatusCreated {
		t.Fatalf("create terminal: %d", code)
	}
	sendFrame(t, ctx, conn, clientFrame{Type: "input", TerminalID: "ws", Data: "echo over-ws\r"})

	var out strings.Builder
	for !strings.Contains(out.String(), "\r\nover-ws\r\n") {
		f := readFrame(t, ctx, conn)
		if f.Type != sshsession.EventOutput || f.TerminalID != "ws" {
			continue
		}
		out.Write(f.Data)
		sendFrame(t, ctx, conn, clientFrame{Type: "ack", TerminalID: "ws", Bytes: len(f.Data)})
	}

	info, err := Terminals.Get("ws")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.BytesIn != int64(len("echo over-ws\r")) {
		t.Errorf("bytes in %d", info.BytesIn)
	}
}

func TestEventsBadFramesReportErrors(t *testing.T) {
	e := newTestEnv(t)
	conn, ctx := dialEvents(t, e)
	readFrame(t, ctx, conn)

	sendFrame(t, ctx, conn, clientFrame{Type: "teleport", TerminalID: "x"})
	f := readFrame(t, ctx, conn)
	if f.Type != "error" || f.Kind != string(sshsession.KindInvalid) {
		t.Errorf("unknown frame: %+v", f)
	}

	sendFrame(t, ctx, conn, clientFrame{Type: "resize", TerminalID: "missing", Cols: 80, Rows: 24})
	f = readFrame(t, ctx, conn)
	if f.Type != "error" || f.Kind != string(sshsession.KindNotFound) || f.TerminalID != "missing" {
		t.Errorf("missing terminal: %+v", f)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	f = readFrame(t, ctx, conn)
	if f.Type != "error" {
		t.Errorf("malformed frame: %+v", f)
	}
}
