package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	got := SanitizeForLog("host\nFAKE ENTRY\r\tx\x00\x1b[31m")
	want := "host FAKE ENTRY  x[31m"
	if got != want {
		t.Errorf("SanitizeForLog = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 80); got != "short" {
		t.Errorf("expected untouched string, got %q", got)
	}
	if got := Truncate("abcdefgh", 3); got != "abc..." {
		t.Errorf("expected %q, got %q", "abc...", got)
	}
	if got := Truncate("a\nb", 0); got != "a b" {
		t.Errorf("expected sanitized string, got %q", got)
	}
}
