package sshfiles

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/gluk-w/shellmux/internal/logutil"
	"github.com/gluk-w/shellmux/internal/sshsession"
)

// Archive formats understood by Compress and Extract.
const (
	FormatTarGz  = "tar.gz"
	FormatTar    = "tar"
	FormatTarBz2 = "tar.bz2"
	FormatZip    = "zip"
)

var q = sshsession.ShellQuote

// FormatFromName picks an archive format from a file name's extension.
func FormatFromName(name string) (string, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, true
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		return FormatTarBz2, true
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, true
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, true
	}
	return "", false
}

// BuildCompressCommand returns the shell command that archives source into
// target. source is archived by its base name relative to its parent.
func BuildCompressCommand(source, target, format string) (string, error) {
	const op = "compress"
	source = strings.TrimRight(source, "/")
	if source == "" || target == "" {
		return "", sshsession.NewError(sshsession.KindInvalid, op, nil, "source and target are required")
	}
	dir, base := path.Dir(source), path.Base(source)
	switch format {
	case FormatTarGz:
		return fmt.Sprintf("tar -czf %s -C %s %s", q(target), q(dir), q(base)), nil
	case FormatTar:
		return fmt.Sprintf("tar -cf %s -C %s %s", q(target), q(dir), q(base)), nil
	case FormatTarBz2:
		return fmt.Sprintf("tar -cjf %s -C %s %s", q(target), q(dir), q(base)), nil
	case FormatZip:
		return fmt.Sprintf("cd %s && zip -r -q %s %s", q(dir), q(target), q(base)), nil
	}
	return "", sshsession.NewError(sshsession.KindInvalid, op, nil, "unsupported format %q", format)
}

// BuildExtractCommand returns the shell command that unpacks archive into
// targetDir. Without overwrite, files already present are kept.
func BuildExtractCommand(archive, targetDir string, overwrite bool) (string, error) {
	const op = "extract"
	if archive == "" || targetDir == "" {
		return "", sshsession.NewError(sshsession.KindInvalid, op, nil, "archive and target directory are required")
	}
	format, ok := FormatFromName(archive)
	if !ok {
		return "", sshsession.NewError(sshsession.KindInvalid, op, nil, "cannot tell archive format of %s", archive)
	}
	mkdir := "mkdir -p " + q(targetDir)
	if format == FormatZip {
		flag := "-n"
		if overwrite {
			flag = "-o"
		}
		return fmt.Sprintf("%s && unzip -q %s %s -d %s", mkdir, flag, q(archive), q(targetDir)), nil
	}

	flags := map[string]string{FormatTarGz: "-xzf", FormatTar: "-xf", FormatTarBz2: "-xjf"}[format]
	policy := "--skip-old-files"
	if overwrite {
		policy = "--overwrite"
	}
	return fmt.Sprintf("%s && tar %s %s -C %s %s", mkdir, flags, q(archive), q(targetDir), policy), nil
}

// Compress archives source into target on the remote host.
func (svc *Service) Compress(ctx context.Context, source, target, format string) error {
	if format == "" {
		format, _ = FormatFromName(target)
	}
	cmd, err := BuildCompressCommand(source, target, format)
	if err != nil {
		return err
	}
	if err := svc.runArchive(ctx, "compress", cmd); err != nil {
		return err
	}
	svc.audit("compress "+format, target)
	return nil
}

// Extract unpacks archive into targetDir on the remote host.
func (svc *Service) Extract(ctx context.Context, archive, targetDir string, overwrite bool) error {
	cmd, err := BuildExtractCommand(archive, targetDir, overwrite)
	if err != nil {
		return err
	}
	if err := svc.runArchive(ctx, "extract", cmd); err != nil {
		return err
	}
	svc.audit("extract", archive)
	return nil
}

func (svc *Service) runArchive(ctx context.Context, op, cmd string) error {
	start := time.Now()
	res, err := svc.s.Dashboard().Execute(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(res.Stderr)
		log.Printf("[sftp] %s failed (exit %d): %s", op, res.ExitCode, logutil.Truncate(stderr, 200))
		return sshsession.NewError(sshsession.KindCommand, op, nil, "exit %d: %s", res.ExitCode, stderr)
	}
	log.Printf("[sftp] %s completed in %s: %s", op, time.Since(start), logutil.Truncate(cmd, 120))
	return nil
}
