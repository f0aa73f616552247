package sshfiles

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellmux/internal/logutil"
	"github.com/gluk-w/shellmux/internal/sshsession"
)

const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// ProgressFunc observes a transfer. It is called after every chunk and once
// more when the transfer ends.
type ProgressFunc func(sshsession.TransferProgress)

// TransferResult summarizes a finished transfer.
type TransferResult struct {
	ID          string        `json:"id"`
	Bytes       int64         `json:"bytes"`
	Duration    time.Duration `json:"duration"`
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
}

type transfer struct {
	svc      *Service
	progress ProgressFunc
	state    sshsession.TransferProgress
}

func (svc *Service) newTransfer(direction, p string, total int64, progress ProgressFunc) *transfer {
	return &transfer{
		svc:      svc,
		progress: progress,
		state: sshsession.TransferProgress{
			ID:        uuid.New().String(),
			Direction: direction,
			Path:      p,
			Total:     total,
		},
	}
}

func (t *transfer) report() {
	if t.progress != nil {
		t.progress(t.state)
	}
	st := t.state
	t.svc.s.Publish(sshsession.Event{Type: sshsession.EventTransfer, Transfer: &st})
}

func (t *transfer) advance(n int) {
	t.state.Transferred += int64(n)
	t.report()
}

func (t *transfer) finish(err error) {
	t.state.Done = true
	if err != nil {
		t.state.Error = err.Error()
	}
	t.report()
}

func cancelled(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return sshsession.NewError(sshsession.KindTimeout, op, err, "transfer cancelled")
	}
	return nil
}

// Upload copies localPath to remotePath in chunks. The transport lock is
// taken per chunk and ctx is checked between chunks.
func (svc *Service) Upload(ctx context.Context, localPath, remotePath string, progress ProgressFunc) (*TransferResult, error) {
	const op = "upload"
	start := time.Now()

	src, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, sshsession.NewError(sshsession.KindNotFound, op, err, "local file %s does not exist", localPath)
		}
		return nil, sshsession.NewError(sshsession.KindInvalid, op, err, "open local file")
	}
	defer src.Close()
	st, err := src.Stat()
	if err != nil {
		return nil, sshsession.NewError(sshsession.KindInvalid, op, err, "stat local file")
	}
	if st.IsDir() {
		return nil, sshsession.NewError(sshsession.KindInvalid, op, nil, "%s is a directory", localPath)
	}

	client, release, err := svc.open(op)
	if err != nil {
		return nil, err
	}
	defer release()

	var dst *sftp.File
	err = svc.s.WithClient(func(*ssh.Client) error {
		f, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return mapError(op, remotePath, err)
		}
		dst = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	tr := svc.newTransfer(DirectionUpload, remotePath, st.Size(), progress)
	err = svc.copyChunks(ctx, op, remotePath, src, dst, tr, true)
	svc.s.WithLock(func() {
		if cerr := dst.Close(); err == nil && cerr != nil {
			err = mapError(op, remotePath, cerr)
		}
	})
	tr.finish(err)
	if err != nil {
		log.Printf("[sftp] upload to %s failed after %d bytes: %v", logutil.SanitizeForLog(remotePath), tr.state.Transferred, err)
		return nil, err
	}

	svc.audit("upload", remotePath)
	res := &TransferResult{ID: tr.state.ID, Bytes: tr.state.Transferred, Duration: time.Since(start), Source: localPath, Destination: remotePath}
	log.Printf("[sftp] uploaded %s (%d bytes) in %s", logutil.SanitizeForLog(remotePath), res.Bytes, res.Duration)
	return res, nil
}

// Download copies remotePath to localPath in chunks. A failed download
// removes the partial local file.
func (svc *Service) Download(ctx context.Context, remotePath, localPath string, progress ProgressFunc) (*TransferResult, error) {
	const op = "download"
	start := time.Now()

	client, release, err := svc.open(op)
	if err != nil {
		return nil, err
	}
	defer release()

	var src *sftp.File
	var size int64
	err = svc.s.WithClient(func(*ssh.Client) error {
		f, err := client.Open(remotePath)
		if err != nil {
			return mapError(op, remotePath, err)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return mapError(op, remotePath, err)
		}
		if fi.IsDir() {
			f.Close()
			return sshsession.NewError(sshsession.KindInvalid, op, nil, "%s is a directory", remotePath)
		}
		src, size = f, fi.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer svc.s.WithLock(func() { src.Close() })

	dst, err := os.Create(localPath)
	if err != nil {
		return nil, sshsession.NewError(sshsession.KindInvalid, op, err, "create local file")
	}

	tr := svc.newTransfer(DirectionDownload, remotePath, size, progress)
	err = svc.copyChunks(ctx, op, remotePath, src, dst, tr, false)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = sshsession.NewError(sshsession.KindInvalid, op, cerr, "close local file")
	}
	tr.finish(err)
	if err != nil {
		os.Remove(localPath)
		log.Printf("[sftp] download of %s failed after %d bytes: %v", logutil.SanitizeForLog(remotePath), tr.state.Transferred, err)
		return nil, err
	}

	svc.audit("download", remotePath)
	res := &TransferResult{ID: tr.state.ID, Bytes: tr.state.Transferred, Duration: time.Since(start), Source: remotePath, Destination: localPath}
	log.Printf("[sftp] downloaded %s (%d bytes) in %s", logutil.SanitizeForLog(remotePath), res.Bytes, res.Duration)
	return res, nil
}

// copyChunks moves src to dst one chunk at a time. The remote side of each
// chunk (the write when uploading, the read when downloading) runs under the
// transport lock.
func (svc *Service) copyChunks(ctx context.Context, op, remotePath string, src io.Reader, dst io.Writer, tr *transfer, upload bool) error {
	buf := make([]byte, svc.cfg.ChunkSize)
	for {
		if err := cancelled(ctx, op); err != nil {
			return err
		}

		var n int
		var rerr error
		if upload {
			n, rerr = src.Read(buf)
		} else {
			err := svc.s.WithClient(func(*ssh.Client) error {
				n, rerr = io.ReadFull(src, buf)
				return nil
			})
			if err != nil {
				return err
			}
			if errors.Is(rerr, io.ErrUnexpectedEOF) {
				rerr = io.EOF
			}
		}

		if n > 0 {
			if upload {
				err := svc.s.WithClient(func(*ssh.Client) error {
					if _, err := dst.Write(buf[:n]); err != nil {
						return mapError(op, remotePath, err)
					}
					return nil
				})
				if err != nil {
					return err
				}
			} else if _, err := dst.Write(buf[:n]); err != nil {
				return sshsession.NewError(sshsession.KindInvalid, op, err, "write local file")
			}
			tr.advance(n)
		}

		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			if upload {
				return sshsession.NewError(sshsession.KindInvalid, op, rerr, "read local file")
			}
			return mapError(op, remotePath, rerr)
		}
	}
}
