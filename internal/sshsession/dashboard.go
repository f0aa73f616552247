package sshsession

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"github.com/gluk-w/shellmux/internal/audit"
	"github.com/gluk-w/shellmux/internal/logutil"
)

// CommandResult is the outcome of a dashboard command. A non-zero ExitCode is
// a normal result.
type CommandResult struct {
	ExitCode  int           `json:"exitCode"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Dashboard runs short non-interactive commands, one at a time, each on its
// own exec channel. The transport lock is held only while the channel is
// opened and started, and again while it is closed.
type Dashboard struct {
	s       *Session
	sem     *semaphore.Weighted
	waiting atomic.Int32
}

func newDashboard(s *Session) *Dashboard {
	return &Dashboard{s: s, sem: semaphore.NewWeighted(1)}
}

// Execute runs cmd as the connected user.
func (d *Dashboard) Execute(ctx context.Context, cmd string) (*CommandResult, error) {
	return d.ExecuteAs(ctx, cmd, "")
}

// ExecuteAs runs cmd as account through sudo. An empty account, or the
// connected username, runs cmd directly. A known account password is written
// to sudo's stdin and never appears on the command line.
func (d *Dashboard) ExecuteAs(ctx context.Context, cmd, account string) (*CommandResult, error) {
	const op = "dashboard exec"
	if strings.TrimSpace(cmd) == "" {
		return nil, NewError(KindInvalid, op, nil, "command is empty")
	}

	if n := d.waiting.Add(1); int(n) > d.s.opts.DashboardQueueDepth+1 {
		d.waiting.Add(-1)
		return nil, NewError(KindChannel, op, nil, "dashboard queue full")
	}
	defer d.waiting.Add(-1)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.s.opts.DashboardTimeout)
		defer cancel()
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, NewError(KindTimeout, op, err, "waiting for previous dashboard command")
	}
	defer d.sem.Release(1)

	params, _ := d.s.Params()
	wrapped, stdin := wrapRunAs(cmd, account, params)

	stdout := &cappedBuffer{max: d.s.opts.MaxOutputBytes}
	stderr := &cappedBuffer{max: d.s.opts.MaxOutputBytes}
	start := time.Now()

	var sess *ssh.Session
	err := d.s.WithClient(func(c *ssh.Client) error {
		var err error
		sess, err = c.NewSession()
		if err != nil {
			return openChannelError(op, err)
		}
		sess.Stdout = stdout
		sess.Stderr = stderr
		if stdin != "" {
			sess.Stdin = strings.NewReader(stdin)
		}
		if err := sess.Start(wrapped); err != nil {
			sess.Close()
			return NewError(KindChannel, op, err, "start command")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		d.s.WithLock(func() { sess.Close() })
		log.Printf("[dashboard] command timed out after %s: %s", time.Since(start).Round(time.Millisecond), logutil.Truncate(cmd, 80))
		return nil, NewError(KindTimeout, op, ctx.Err(), "command did not finish in time")
	}
	d.s.WithLock(func() { sess.Close() })

	res := &CommandResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if waitErr != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(waitErr, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		case errors.As(waitErr, &missing):
			return nil, NewError(KindProtocol, op, waitErr, "remote sent no exit status")
		default:
			return nil, NewError(KindTransport, op, waitErr, "wait for command")
		}
	}

	if res.Duration > 500*time.Millisecond {
		log.Printf("[dashboard] SLOW command (%s): %s", res.Duration.Round(time.Millisecond), logutil.Truncate(cmd, 80))
	}
	if account != "" {
		audit.LogCommand(params.ProfileID(), params.Host(), account, logutil.Truncate(cmd, 200), exitSummary(res.ExitCode))
	}
	return res, nil
}

// Waiting returns the number of callers queued or running.
func (d *Dashboard) Waiting() int { return int(d.waiting.Load()) }

// wrapRunAs returns the command to run and the data for its stdin.
func wrapRunAs(cmd, account string, params ConnectParams) (string, string) {
	if account == "" || account == params.Username() {
		return cmd, ""
	}
	if acct, ok := params.Account(account); ok && acct.Password != "" {
		return "sudo -S -p '' -u " + ShellQuote(account) + " -- sh -c " + ShellQuote(cmd), acct.Password + "\n"
	}
	return "sudo -n -u " + ShellQuote(account) + " -- sh -c " + ShellQuote(cmd), ""
}

func openChannelError(op string, err error) error {
	var openErr *ssh.OpenChannelError
	if errors.As(err, &openErr) {
		return NewError(KindChannel, op, err, "remote refused channel")
	}
	return NewError(KindTransport, op, err, "open channel")
}

func exitSummary(code int) string {
	if code == 0 {
		return "ok"
	}
	return "exit " + strconv.Itoa(code)
}

// ShellQuote wraps s in single quotes, escaping embedded single quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// cappedBuffer keeps the first max bytes written and reports success for the
// rest so the remote side is never blocked.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
