package database

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing and installs
// it as the package DB.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	old := DB
	DB = db
	t.Cleanup(func() {
		DB = old
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestProfileDefaults(t *testing.T) {
	db := setupTestDB(t)

	p := ConnectionProfile{ID: "p-1", Name: "web", Host: "10.0.0.5", Username: "admin"}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("create profile: %v", err)
	}

	var loaded ConnectionProfile
	if err := db.First(&loaded, "id = ?", "p-1").Error; err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if loaded.Port != 22 {
		t.Errorf("expected default port 22, got %d", loaded.Port)
	}
	if loaded.AuthType != AuthTypePassword {
		t.Errorf("expected default auth type %q, got %q", AuthTypePassword, loaded.AuthType)
	}
}

func TestProfileTagsAndAccountsRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	p := ConnectionProfile{
		ID:       "p-2",
		Name:     "db",
		Host:     "db.internal",
		Port:     2222,
		Username: "ops",
		AuthType: AuthTypeKey,
		KeyPath:  "/keys/id_ed25519",
		Tags:     []string{"prod", "db"},
		Accounts: []AccountCredential{
			{Username: "postgres", AuthType: AuthTypePassword, EncryptedPassword: "tok"},
		},
	}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("create profile: %v", err)
	}

	var loaded ConnectionProfile
	if err := db.Preload("Accounts").First(&loaded, "id = ?", "p-2").Error; err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if len(loaded.Tags) != 2 || loaded.Tags[0] != "prod" || loaded.Tags[1] != "db" {
		t.Errorf("unexpected tags: %v", loaded.Tags)
	}
	if len(loaded.Accounts) != 1 || loaded.Accounts[0].Username != "postgres" {
		t.Fatalf("unexpected accounts: %+v", loaded.Accounts)
	}
	if loaded.Accounts[0].ProfileID != "p-2" {
		t.Errorf("expected account profile id p-2, got %q", loaded.Accounts[0].ProfileID)
	}
}

func TestSettings(t *testing.T) {
	setupTestDB(t)

	if _, err := GetSetting("missing"); err == nil {
		t.Error("expected error for missing setting")
	}
	if err := SetSetting("fernet_key", "abc"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := SetSetting("fernet_key", "def"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err := GetSetting("fernet_key")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "def" {
		t.Errorf("expected def, got %q", v)
	}
	if err := DeleteSetting("fernet_key"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := GetSetting("fernet_key"); err == nil {
		t.Error("expected error after delete")
	}
}
