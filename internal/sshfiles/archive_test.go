package sshfiles

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gluk-w/shellmux/internal/sshsession"
)

func TestBuildCompressCommand(t *testing.T) {
	cases := map[string]string{
		FormatTarGz:  "tar -czf '/tmp/out.tgz' -C '/srv' 'app'",
		FormatTar:    "tar -cf '/tmp/out.tgz' -C '/srv' 'app'",
		FormatTarBz2: "tar -cjf '/tmp/out.tgz' -C '/srv' 'app'",
		FormatZip:    "cd '/srv' && zip -r -q '/tmp/out.tgz' 'app'",
	}
	for format, want := range cases {
		got, err := BuildCompressCommand("/srv/app/", "/tmp/out.tgz", format)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if got != want {
			t.Errorf("%s:\n got %s\nwant %s", format, got, want)
		}
	}
	if _, err := BuildCompressCommand("/srv/app", "/tmp/out.rar", "rar"); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid format, got %v", err)
	}
}

func TestBuildExtractCommand_OverwriteFlag(t *testing.T) {
	over, err := BuildExtractCommand("/tmp/a.tar.gz", "/srv/out", true)
	if err != nil {
		t.Fatal(err)
	}
	keep, err := BuildExtractCommand("/tmp/a.tar.gz", "/srv/out", false)
	if err != nil {
		t.Fatal(err)
	}
	if over == keep {
		t.Fatal("overwrite flag must change the command")
	}
	if want := "mkdir -p '/srv/out' && tar -xzf '/tmp/a.tar.gz' -C '/srv/out' --overwrite"; over != want {
		t.Errorf("got %s", over)
	}
	if !strings.HasSuffix(keep, "--skip-old-files") {
		t.Errorf("expected --skip-old-files, got %s", keep)
	}

	zipOver, _ := BuildExtractCommand("/tmp/a.zip", "/srv/out", true)
	zipKeep, _ := BuildExtractCommand("/tmp/a.zip", "/srv/out", false)
	if !strings.Contains(zipOver, "unzip -q -o ") || !strings.Contains(zipKeep, "unzip -q -n ") {
		t.Errorf("unexpected unzip commands %q %q", zipOver, zipKeep)
	}

	bz, _ := BuildExtractCommand("/tmp/a.TBZ2", "/d", false)
	if !strings.Contains(bz, "tar -xjf") {
		t.Errorf("expected bzip2 flags, got %s", bz)
	}
	if _, err := BuildExtractCommand("/tmp/a.rar", "/d", false); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid for unknown extension, got %v", err)
	}
}

func TestFormatFromName(t *testing.T) {
	for name, want := range map[string]string{
		"a.tar.gz": FormatTarGz, "a.tgz": FormatTarGz, "a.tar": FormatTar,
		"a.tar.bz2": FormatTarBz2, "A.ZIP": FormatZip,
	} {
		if got, ok := FormatFromName(name); !ok || got != want {
			t.Errorf("FormatFromName(%q) = %q, %v", name, got, ok)
		}
	}
	if _, ok := FormatFromName("a.txt"); ok {
		t.Error("expected no format for a.txt")
	}
}

func TestExtractRunsThroughDashboard(t *testing.T) {
	svc, _, srv, _ := newTestService(t, Config{})

	if err := svc.Extract(context.Background(), "/tmp/a.tar.gz", "/srv/out", false); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	cmds := srv.Commands()
	if len(cmds) == 0 || !strings.Contains(cmds[len(cmds)-1], "--skip-old-files") {
		t.Errorf("expected extract command on the server, got %v", cmds)
	}

	if err := svc.Compress(context.Background(), "/srv/app", "/tmp/app.zip", ""); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	cmds = srv.Commands()
	if !strings.HasPrefix(cmds[len(cmds)-1], "cd '/srv' && zip") {
		t.Errorf("expected zip picked from the target name, got %s", cmds[len(cmds)-1])
	}
}

func TestArchiveCommandErrorCarriesStderr(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})

	err := svc.Extract(context.Background(), "/tmp/fail.tar", "/srv/out", true)
	if !errors.Is(err, sshsession.ErrCommand) {
		t.Fatalf("expected command error, got %v", err)
	}
	if !strings.Contains(err.Error(), "simulated failure") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}
