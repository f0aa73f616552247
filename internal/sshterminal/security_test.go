package sshterminal

import (
	"errors"
	"strings"
	"testing"

	"github.com/gluk-w/shellmux/internal/sshsession"
)

func TestValidateID(t *testing.T) {
	for _, id := range []string{"t1", "build-log", "ünïcode", strings.Repeat("a", MaxIDLength)} {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q): %v", id, err)
		}
	}
	for _, id := range []string{"", strings.Repeat("a", MaxIDLength+1), "a\nb", "tab\there", "bell\x07"} {
		if err := ValidateID(id); !errors.Is(err, sshsession.ErrInvalid) {
			t.Errorf("ValidateID(%q) = %v, want invalid", id, err)
		}
	}
}

func TestValidateSize(t *testing.T) {
	if err := ValidateSize(1, 1); err != nil {
		t.Errorf("1x1: %v", err)
	}
	if err := ValidateSize(MaxTermCols, MaxTermRows); err != nil {
		t.Errorf("max size: %v", err)
	}
	for _, sz := range [][2]int{{0, 24}, {80, 0}, {MaxTermCols + 1, 24}, {80, MaxTermRows + 1}, {-1, -1}} {
		if err := ValidateSize(sz[0], sz[1]); !errors.Is(err, sshsession.ErrInvalid) {
			t.Errorf("ValidateSize(%d, %d) = %v, want invalid", sz[0], sz[1], err)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("expected burst token %d", i)
		}
	}
	if rl.Allow() {
		t.Error("expected limiter to refuse after burst")
	}
}
