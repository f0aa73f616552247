package crypto

import (
	"path/filepath"
	"testing"

	"github.com/gluk-w/shellmux/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "crypto.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	old := database.DB
	database.DB = db
	ResetKeyCache()
	t.Cleanup(func() {
		database.DB = old
		ResetKeyCache()
	})
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	setupTestDB(t)

	tok, err := Encrypt("s3cret-pass")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if tok == "" || tok == "s3cret-pass" {
		t.Fatalf("expected opaque token, got %q", tok)
	}

	plain, err := Decrypt(tok)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "s3cret-pass" {
		t.Errorf("expected round trip, got %q", plain)
	}

	if _, err := database.GetSetting(keySetting); err != nil {
		t.Errorf("expected key to be persisted: %v", err)
	}
}

func TestEncryptEmpty(t *testing.T) {
	setupTestDB(t)

	tok, err := Encrypt("")
	if err != nil || tok != "" {
		t.Errorf("expected empty token, got %q, %v", tok, err)
	}
	plain, err := Decrypt("")
	if err != nil || plain != "" {
		t.Errorf("expected empty plaintext, got %q, %v", plain, err)
	}
}

func TestDecryptInvalidToken(t *testing.T) {
	setupTestDB(t)

	if _, err := Decrypt("not-a-token"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestKeySurvivesCacheReset(t *testing.T) {
	setupTestDB(t)

	tok, err := Encrypt("persisted")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ResetKeyCache()
	plain, err := Decrypt(tok)
	if err != nil {
		t.Fatalf("Decrypt after reset: %v", err)
	}
	if plain != "persisted" {
		t.Errorf("expected %q, got %q", "persisted", plain)
	}
}

func TestMask(t *testing.T) {
	if Mask("") != "" {
		t.Error("expected empty mask for empty value")
	}
	if got := Mask("abc"); got != "****" {
		t.Errorf("expected ****, got %q", got)
	}
	if got := Mask("password1234"); got != "****1234" {
		t.Errorf("expected ****1234, got %q", got)
	}
}
