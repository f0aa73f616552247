package sshfiles

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"

	"github.com/gluk-w/shellmux/internal/sshsession"
	"github.com/gluk-w/shellmux/internal/sshterminal"
	"github.com/gluk-w/shellmux/internal/sshtest"
)

type transferLog struct {
	mu     sync.Mutex
	events []sshsession.TransferProgress
}

func (l *transferLog) Publish(e sshsession.Event) {
	if e.Type != sshsession.EventTransfer {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, *e.Transfer)
	l.mu.Unlock()
}

func (l *transferLog) snapshot() []sshsession.TransferProgress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sshsession.TransferProgress(nil), l.events...)
}

func newTestService(t *testing.T, cfg Config) (*Service, *sshsession.Session, *sshtest.Server, *transferLog) {
	t.Helper()
	srv := sshtest.NewServer(t, sshtest.Options{})
	sink := &transferLog{}
	opts := sshsession.DefaultOptions()
	opts.KeepaliveSchedule = ""
	opts.ConnectTimeout = 5 * time.Second
	s := sshsession.New(sink, opts)
	svc := New(s, cfg)

	params, err := sshsession.NewConnectParams(srv.Host, srv.Port, srv.User, sshsession.Password{Secret: srv.Password})
	if err != nil {
		t.Fatalf("NewConnectParams: %v", err)
	}
	if _, err := s.Connect(context.Background(), params); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Disconnect() })
	return svc, s, srv, sink
}

func TestWriteReadRoundTrip(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	p := filepath.Join(t.TempDir(), "notes.txt")

	if err := svc.WriteFile(p, []byte("hello sftp\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := svc.ReadFile(p, 0)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello sftp\n" {
		t.Errorf("got %q", got)
	}

	// Overwrite truncates.
	if err := svc.WriteFile(p, []byte("x")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, _ = svc.ReadFile(p, 0)
	if string(got) != "x" {
		t.Errorf("expected truncated content, got %q", got)
	}
	if svc.Inflight() != 0 {
		t.Errorf("expected no channel left open, got %d", svc.Inflight())
	}
}

func TestReadFile_SizeExceeded(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{ReadCap: 1024})
	p := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(p, bytes.Repeat([]byte("a"), 2048), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ReadFile(p, 0); !errors.Is(err, sshsession.ErrSizeExceeded) {
		t.Errorf("expected SizeExceeded with default cap, got %v", err)
	}
	if _, err := svc.ReadFile(p, 100); !errors.Is(err, sshsession.ErrSizeExceeded) {
		t.Errorf("expected SizeExceeded with explicit cap, got %v", err)
	}
	data, err := svc.ReadFile(p, 4096)
	if err != nil || len(data) != 2048 {
		t.Errorf("expected full read under a larger cap, got %d bytes, %v", len(data), err)
	}
}

func TestReadFile_NotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	_, err := svc.ReadFile(filepath.Join(t.TempDir(), "missing"), 0)
	if !errors.Is(err, sshsession.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := svc.Stat(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, sshsession.ErrNotFound) {
		t.Errorf("expected NotFound from Stat, got %v", err)
	}
	if _, err := svc.ListFiles(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, sshsession.ErrNotFound) {
		t.Errorf("expected NotFound from ListFiles, got %v", err)
	}
}

func TestReadFile_Directory(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	if _, err := svc.ReadFile(t.TempDir(), 0); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid for a directory, got %v", err)
	}
}

func TestListFiles_Ordering(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt"} {
		os.WriteFile(filepath.Join(dir, name), []byte("data"), 0644)
	}
	for _, name := range []string{"zdir", "adir"} {
		os.Mkdir(filepath.Join(dir, name), 0755)
	}
	if err := os.Symlink(filepath.Join(dir, "a.txt"), filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.ListFiles(dir)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if got := strings.Join(names, ","); got != "adir,zdir,a.txt,b.txt,link" {
		t.Fatalf("unexpected order %s", got)
	}

	byName := map[string]Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if e := byName["adir"]; e.Kind != KindDirectory || !strings.HasPrefix(e.Permissions, "d") {
		t.Errorf("unexpected directory entry %+v", e)
	}
	if e := byName["a.txt"]; e.Kind != KindFile || e.Size != 4 || e.HumanSize != "4B" || e.Path != filepath.Join(dir, "a.txt") {
		t.Errorf("unexpected file entry %+v", e)
	}
	if e := byName["link"]; e.Kind != KindSymlink || e.SymlinkTarget != filepath.Join(dir, "a.txt") {
		t.Errorf("unexpected symlink entry %+v", e)
	}
}

func TestStat(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	p := filepath.Join(t.TempDir(), "f")
	os.WriteFile(p, []byte("abc"), 0640)

	info, err := svc.Stat(p)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 3 || info.Kind != KindFile || info.Mode != 0640 {
		t.Errorf("unexpected info %+v", info)
	}
	if info.UID != uint32(os.Getuid()) {
		t.Errorf("expected uid %d, got %d", os.Getuid(), info.UID)
	}
}

func TestCreateDirectoryAndChmod(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	p := filepath.Join(t.TempDir(), "a", "b", "c")

	if err := svc.CreateDirectory(p); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if fi, err := os.Stat(p); err != nil || !fi.IsDir() {
		t.Fatalf("expected directory created: %v", err)
	}
	if err := svc.CreateDirectory(p); err != nil {
		t.Errorf("creating an existing directory should succeed: %v", err)
	}

	if err := svc.Chmod(p, 0700); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	fi, _ := os.Stat(p)
	if fi.Mode().Perm() != 0700 {
		t.Errorf("expected 0700, got %o", fi.Mode().Perm())
	}
	if err := svc.Chmod(p, os.ModeDir|0755); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid mode, got %v", err)
	}
}

func TestModeFromUnix(t *testing.T) {
	cases := map[uint32]os.FileMode{
		0644:  0644,
		04755: os.ModeSetuid | 0755,
		02750: os.ModeSetgid | 0750,
		01777: os.ModeSticky | 0777,
		07000: os.ModeSetuid | os.ModeSetgid | os.ModeSticky,
	}
	for bits, want := range cases {
		got, err := ModeFromUnix(bits)
		if err != nil {
			t.Errorf("ModeFromUnix(%o): %v", bits, err)
			continue
		}
		if got != want {
			t.Errorf("ModeFromUnix(%o) = %v, want %v", bits, got, want)
		}
		if back := unixBits(got); back != bits {
			t.Errorf("unixBits(%v) = %o, want %o", got, back, bits)
		}
	}
	if _, err := ModeFromUnix(010000); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid for 010000, got %v", err)
	}
}

func TestChmod_SpecialBits(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	dir := filepath.Join(t.TempDir(), "shared")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}

	mode, err := ModeFromUnix(01777)
	if err != nil {
		t.Fatalf("ModeFromUnix: %v", err)
	}
	if err := svc.Chmod(dir, mode); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode()&os.ModeSticky == 0 || fi.Mode().Perm() != 0777 {
		t.Errorf("expected sticky 0777, got %v", fi.Mode())
	}
}

func TestNotConnected(t *testing.T) {
	s := sshsession.New(nil, sshsession.DefaultOptions())
	svc := New(s, Config{})
	if _, err := svc.ListFiles("/"); !errors.Is(err, sshsession.ErrNotConnected) {
		t.Errorf("expected NotConnected, got %v", err)
	}
}

func TestUploadDownload(t *testing.T) {
	svc, _, _, sink := newTestService(t, Config{ChunkSize: 1000})
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("0123456789"), 450)
	local := filepath.Join(dir, "local.bin")
	os.WriteFile(local, payload, 0644)
	remote := filepath.Join(dir, "remote.bin")

	var calls int
	res, err := svc.Upload(context.Background(), local, remote, func(p sshsession.TransferProgress) { calls++ })
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Bytes != int64(len(payload)) {
		t.Errorf("expected %d bytes uploaded, got %d", len(payload), res.Bytes)
	}
	if got, _ := os.ReadFile(remote); !bytes.Equal(got, payload) {
		t.Error("uploaded content differs")
	}
	// 5 chunks plus the final report.
	if calls != 6 {
		t.Errorf("expected 6 progress calls, got %d", calls)
	}

	back := filepath.Join(dir, "back.bin")
	res, err = svc.Download(context.Background(), remote, back, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got, _ := os.ReadFile(back); !bytes.Equal(got, payload) {
		t.Error("downloaded content differs")
	}

	events := sink.snapshot()
	if len(events) == 0 {
		t.Fatal("expected transfer events")
	}
	last := events[len(events)-1]
	if !last.Done || last.Direction != DirectionDownload || last.Transferred != int64(len(payload)) || last.Total != int64(len(payload)) {
		t.Errorf("unexpected final event %+v", last)
	}
	if svc.Inflight() != 0 {
		t.Errorf("expected no channel left open, got %d", svc.Inflight())
	}
}

func TestUpload_Cancelled(t *testing.T) {
	svc, _, _, sink := newTestService(t, Config{ChunkSize: 10})
	dir := t.TempDir()
	local := filepath.Join(dir, "local.bin")
	os.WriteFile(local, bytes.Repeat([]byte("x"), 1000), 0644)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := svc.Upload(ctx, local, filepath.Join(dir, "remote.bin"), func(p sshsession.TransferProgress) {
		if p.Transferred >= 50 {
			cancel()
		}
	})
	if !errors.Is(err, sshsession.ErrTimeout) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	events := sink.snapshot()
	last := events[len(events)-1]
	if !last.Done || last.Error == "" || last.Transferred >= 1000 {
		t.Errorf("unexpected final event %+v", last)
	}
}

func TestUpload_MissingLocal(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	_, err := svc.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"), "/tmp/x", nil)
	if !errors.Is(err, sshsession.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestDownload_MissingRemoteLeavesNoFile(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	dir := t.TempDir()
	local := filepath.Join(dir, "out")
	_, err := svc.Download(context.Background(), filepath.Join(dir, "nope"), local, nil)
	if !errors.Is(err, sshsession.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Error("expected no local file after failed download")
	}
}

func TestDisconnectClosesInflight(t *testing.T) {
	svc, s, _, _ := newTestService(t, Config{})
	client, release, err := svc.open("test")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer release()
	if svc.Inflight() != 1 {
		t.Fatalf("expected 1 in-flight channel, got %d", svc.Inflight())
	}
	s.Disconnect()
	if svc.Inflight() != 0 {
		t.Errorf("expected in-flight channels closed on disconnect, got %d", svc.Inflight())
	}
	if _, err := client.Getwd(); err == nil {
		t.Error("expected closed client to fail")
	}
}

func TestDisconnect_StuckOperationDoesNotHoldBackTerminals(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	opts := sshsession.DefaultOptions()
	opts.KeepaliveSchedule = ""
	opts.ConnectTimeout = 5 * time.Second
	opts.DisconnectGrace = 3 * time.Second
	s := sshsession.New(sshsession.Discard, opts)
	// Same registration order as the service: terminals first.
	terms := sshterminal.New(s, sshterminal.Config{})
	svc := New(s, Config{})
	t.Cleanup(terms.Shutdown)

	params, err := sshsession.NewConnectParams(srv.Host, srv.Port, srv.User, sshsession.Password{Secret: srv.Password})
	if err != nil {
		t.Fatalf("NewConnectParams: %v", err)
	}
	if _, err := s.Connect(context.Background(), params); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := terms.Create(context.Background(), "t1", 80, 24); err != nil {
		t.Fatalf("Create: %v", err)
	}

	holding := make(chan struct{})
	opDone := make(chan error, 1)
	go func() {
		opDone <- svc.do("busy", func(c *sftp.Client) error {
			close(holding)
			for {
				if _, err := c.Getwd(); err != nil {
					return err
				}
			}
		})
	}()
	<-holding

	start := time.Now()
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if d := time.Since(start); d >= opts.DisconnectGrace {
		t.Errorf("Disconnect waited out the grace period (%s)", d)
	}
	if n := terms.Count(); n != 0 {
		t.Errorf("expected terminals closed before the transport, %d still open", n)
	}
	select {
	case err := <-opDone:
		if err == nil {
			t.Error("expected the in-flight operation to fail")
		}
	case <-time.After(2 * time.Second):
		t.Error("in-flight operation never returned")
	}
}
