package profiles

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/shellmux/internal/crypto"
	"github.com/gluk-w/shellmux/internal/database"
	"github.com/gluk-w/shellmux/internal/sshsession"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "profiles.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	old := database.DB
	database.DB = db
	crypto.ResetKeyCache()
	t.Cleanup(func() {
		database.DB = old
		crypto.ResetKeyCache()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
}

func sampleInput() Input {
	return Input{
		Name:     "web",
		Host:     "web.example.com",
		Port:     2222,
		Username: "deploy",
		AuthType: database.AuthTypePassword,
		Password: "hunter2",
		Tags:     []string{"prod", "web"},
		Accounts: []AccountInput{
			{Username: "postgres", Password: "pgpass", IsDefault: true, Description: "db owner"},
		},
	}
}

func TestCreateEncryptsSecrets(t *testing.T) {
	setupTestDB(t)

	p, err := Create(sampleInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected generated id")
	}
	if p.EncryptedPassword == "" || p.EncryptedPassword == "hunter2" {
		t.Errorf("password stored as %q", p.EncryptedPassword)
	}
	if len(p.Accounts) != 1 || p.Accounts[0].EncryptedPassword == "pgpass" {
		t.Fatalf("unexpected accounts %+v", p.Accounts)
	}

	var raw database.ConnectionProfile
	if err := database.DB.First(&raw, "id = ?", p.ID).Error; err != nil {
		t.Fatalf("load raw: %v", err)
	}
	if strings.Contains(raw.EncryptedPassword, "hunter2") {
		t.Error("plaintext password found in row")
	}
	got, err := crypto.Decrypt(raw.EncryptedPassword)
	if err != nil || got != "hunter2" {
		t.Errorf("Decrypt = %q, %v", got, err)
	}
}

func TestCreateValidation(t *testing.T) {
	setupTestDB(t)

	in := sampleInput()
	in.Host = ""
	if _, err := Create(in); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid for empty host, got %v", err)
	}
	in = sampleInput()
	in.AuthType = "kerberos"
	if _, err := Create(in); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid for unknown auth type, got %v", err)
	}
	in = sampleInput()
	in.Port = 70000
	if _, err := Create(in); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid for bad port, got %v", err)
	}
}

func TestCreateDefaultsName(t *testing.T) {
	setupTestDB(t)

	in := sampleInput()
	in.Name = ""
	in.Port = 0
	p, err := Create(in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Name != "deploy@web.example.com" || p.Port != 22 {
		t.Errorf("unexpected defaults name=%q port=%d", p.Name, p.Port)
	}
}

func TestGetNotFound(t *testing.T) {
	setupTestDB(t)

	_, err := Get("missing")
	if !errors.Is(err, sshsession.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := Delete("missing"); !errors.Is(err, sshsession.ErrNotFound) {
		t.Errorf("expected not found on delete, got %v", err)
	}
}

func TestUpdateKeepsSecretsWhenOmitted(t *testing.T) {
	setupTestDB(t)

	p, err := Create(sampleInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	in := sampleInput()
	in.Name = "web-renamed"
	in.Password = ""
	in.Accounts[0].Password = ""
	in.Accounts = append(in.Accounts, AccountInput{Username: "backup", Password: "bk"})

	updated, err := Update(p.ID, in)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "web-renamed" {
		t.Errorf("expected renamed profile, got %q", updated.Name)
	}
	params, err := ConnectParams(updated, 0)
	if err != nil {
		t.Fatalf("ConnectParams: %v", err)
	}
	pw, ok := params.Auth().(sshsession.Password)
	if !ok || pw.Secret != "hunter2" {
		t.Errorf("expected kept password, got %#v", params.Auth())
	}
	acct, ok := params.Account("postgres")
	if !ok || acct.Password != "pgpass" {
		t.Errorf("expected kept account password, got %+v", acct)
	}
	if acct, ok := params.Account("backup"); !ok || acct.Password != "bk" {
		t.Errorf("expected new account, got %+v", acct)
	}
}

func TestListAndDelete(t *testing.T) {
	setupTestDB(t)

	b := sampleInput()
	b.Name = "beta"
	a := sampleInput()
	a.Name = "alpha"
	if _, err := Create(b); err != nil {
		t.Fatal(err)
	}
	pa, err := Create(a)
	if err != nil {
		t.Fatal(err)
	}

	list, err := List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if len(list[0].Accounts) != 1 {
		t.Errorf("expected preloaded accounts, got %d", len(list[0].Accounts))
	}

	if err := Delete(pa.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var n int64
	database.DB.Model(&database.AccountCredential{}).Where("profile_id = ?", pa.ID).Count(&n)
	if n != 0 {
		t.Errorf("expected accounts removed, %d remain", n)
	}
	if list, _ := List(); len(list) != 1 {
		t.Errorf("expected 1 profile after delete, got %d", len(list))
	}
}

func TestTouch(t *testing.T) {
	setupTestDB(t)

	p, err := Create(sampleInput())
	if err != nil {
		t.Fatal(err)
	}
	if p.LastConnected != nil {
		t.Fatal("expected no last-connected time on a new profile")
	}
	if err := Touch(p.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, _ := Get(p.ID)
	if got.LastConnected == nil {
		t.Error("expected last-connected time after Touch")
	}
}

func TestConnectParams(t *testing.T) {
	setupTestDB(t)

	in := sampleInput()
	in.ActiveAccount = "postgres"
	p, err := Create(in)
	if err != nil {
		t.Fatal(err)
	}
	params, err := ConnectParams(p, 0)
	if err != nil {
		t.Fatalf("ConnectParams: %v", err)
	}
	if params.Host() != "web.example.com" || params.Port() != 2222 || params.Username() != "deploy" {
		t.Errorf("unexpected params %s %d %s", params.Host(), params.Port(), params.Username())
	}
	if params.ProfileID() != p.ID {
		t.Errorf("expected profile id %s, got %s", p.ID, params.ProfileID())
	}
	if DefaultAccount(p) != "postgres" {
		t.Errorf("expected active account, got %q", DefaultAccount(p))
	}

	p.EncryptedPassword = "garbage"
	if _, err := ConnectParams(p, 0); sshsession.KindOf(err) != sshsession.KindAuthentication {
		t.Errorf("expected authentication error for bad token, got %v", err)
	}
}

func TestConnectParams_KeyFileMissing(t *testing.T) {
	setupTestDB(t)

	in := sampleInput()
	in.AuthType = database.AuthTypeKey
	in.KeyPath = ""
	p, err := Create(in)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ConnectParams(p, 0); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid for key auth without path, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	setupTestDB(t)

	p, err := Create(sampleInput())
	if err != nil {
		t.Fatal(err)
	}
	data, err := Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	text := string(data)
	for _, field := range []string{"id:", "authType:", "encryptedPassword:", "accounts:", "tags:"} {
		if !strings.Contains(text, field) {
			t.Errorf("export missing %q:\n%s", field, text)
		}
	}
	if strings.Contains(text, "hunter2") {
		t.Error("export leaked a plaintext password")
	}

	if err := Delete(p.ID); err != nil {
		t.Fatal(err)
	}
	n, err := Import(data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 imported, got %d", n)
	}
	got, err := Get(p.ID)
	if err != nil {
		t.Fatalf("Get after import: %v", err)
	}
	if got.Name != p.Name || got.Host != p.Host || got.Port != p.Port || len(got.Accounts) != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "prod" {
		t.Errorf("unexpected tags %v", got.Tags)
	}
	params, err := ConnectParams(got, 0)
	if err != nil {
		t.Fatalf("ConnectParams: %v", err)
	}
	if pw := params.Auth().(sshsession.Password); pw.Secret != "hunter2" {
		t.Errorf("secret lost in round trip")
	}

	// Importing again updates in place.
	if _, err := Import(data); err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if list, _ := List(); len(list) != 1 {
		t.Errorf("expected upsert, got %d profiles", len(list))
	}
	if got, _ := Get(p.ID); len(got.Accounts) != 1 {
		t.Errorf("expected accounts replaced, got %d", len(got.Accounts))
	}
}

func TestImportJSON(t *testing.T) {
	setupTestDB(t)

	doc := `{"profiles": [{"id": "p1", "host": "h.example", "username": "root", "authType": "key", "keyPath": "/k", "tags": ["a"], "accounts": []}]}`
	n, err := Import([]byte(doc))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	p, err := Get("p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Port != 22 || p.Name != "root@h.example" || p.AuthType != database.AuthTypeKey {
		t.Errorf("unexpected defaults %+v", p)
	}
}

func TestImportRejectsBadDocument(t *testing.T) {
	setupTestDB(t)

	if _, err := Import([]byte("profiles: [")); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid for malformed yaml, got %v", err)
	}
	if _, err := Import([]byte("profiles:\n  - host: h\n    username: u\n")); !errors.Is(err, sshsession.ErrInvalid) {
		t.Errorf("expected invalid for missing id, got %v", err)
	}
	if list, _ := List(); len(list) != 0 {
		t.Errorf("expected nothing imported, got %d", len(list))
	}
}
