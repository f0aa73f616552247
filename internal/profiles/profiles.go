package profiles

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gluk-w/shellmux/internal/crypto"
	"github.com/gluk-w/shellmux/internal/database"
	"github.com/gluk-w/shellmux/internal/logutil"
	"github.com/gluk-w/shellmux/internal/sshsession"
)

// AccountInput is an account credential as supplied by a caller. Password and
// Passphrase are plaintext.
type AccountInput struct {
	Username        string `json:"username"`
	AuthType        string `json:"authType"`
	Password        string `json:"password,omitempty"`
	KeyPath         string `json:"keyPath,omitempty"`
	Passphrase      string `json:"passphrase,omitempty"`
	CertificatePath string `json:"certificatePath,omitempty"`
	IsDefault       bool   `json:"isDefault"`
	Description     string `json:"description,omitempty"`
}

// Input creates or updates a profile. On update an empty Password or
// Passphrase keeps the stored secret.
type Input struct {
	Name            string         `json:"name"`
	Host            string         `json:"host"`
	Port            int            `json:"port"`
	Username        string         `json:"username"`
	AuthType        string         `json:"authType"`
	Password        string         `json:"password,omitempty"`
	KeyPath         string         `json:"keyPath,omitempty"`
	Passphrase      string         `json:"passphrase,omitempty"`
	CertificatePath string         `json:"certificatePath,omitempty"`
	ActiveAccount   string         `json:"activeAccount,omitempty"`
	Tags            []string       `json:"tags"`
	SortOrder       int            `json:"sortOrder"`
	Accounts        []AccountInput `json:"accounts"`
}

func notFound(op, id string) error {
	return sshsession.NewError(sshsession.KindNotFound, op, nil, "profile %s not found", id)
}

func invalid(op, format string, args ...any) error {
	return sshsession.NewError(sshsession.KindInvalid, op, nil, format, args...)
}

func validAuthType(t string) bool {
	switch t {
	case database.AuthTypePassword, database.AuthTypeKey, database.AuthTypeCertificate:
		return true
	}
	return false
}

func (in *Input) normalize(op string) error {
	in.Name = strings.TrimSpace(in.Name)
	in.Host = strings.TrimSpace(in.Host)
	in.Username = strings.TrimSpace(in.Username)
	if in.AuthType == "" {
		in.AuthType = database.AuthTypePassword
	}
	if in.Port == 0 {
		in.Port = 22
	}
	switch {
	case in.Host == "":
		return invalid(op, "host is required")
	case in.Username == "":
		return invalid(op, "username is required")
	case in.Port < 1 || in.Port > 65535:
		return invalid(op, "port %d out of range", in.Port)
	case !validAuthType(in.AuthType):
		return invalid(op, "unknown auth type %q", in.AuthType)
	}
	if in.Name == "" {
		in.Name = in.Username + "@" + in.Host
	}
	for i := range in.Accounts {
		a := &in.Accounts[i]
		a.Username = strings.TrimSpace(a.Username)
		if a.Username == "" {
			return invalid(op, "account %d has no username", i)
		}
		if a.AuthType == "" {
			a.AuthType = database.AuthTypePassword
		}
		if !validAuthType(a.AuthType) {
			return invalid(op, "account %s: unknown auth type %q", a.Username, a.AuthType)
		}
	}
	return nil
}

// List returns every profile ordered by sort order then name.
func List() ([]database.ConnectionProfile, error) {
	var out []database.ConnectionProfile
	if err := database.DB.Preload("Accounts").Order("sort_order ASC, name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return out, nil
}

// Get returns one profile with its accounts.
func Get(id string) (*database.ConnectionProfile, error) {
	var p database.ConnectionProfile
	if err := database.DB.Preload("Accounts").First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("get profile", id)
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// Create stores a new profile and returns it.
func Create(in Input) (*database.ConnectionProfile, error) {
	const op = "create profile"
	if err := in.normalize(op); err != nil {
		return nil, err
	}
	p := database.ConnectionProfile{ID: uuid.New().String()}
	if err := apply(&p, in, true); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := database.DB.Create(&p).Error; err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	log.Printf("[profiles] created %s (%s)", p.ID, logutil.SanitizeForLog(p.Name))
	return Get(p.ID)
}

// Update replaces the profile's fields and accounts.
func Update(id string, in Input) (*database.ConnectionProfile, error) {
	const op = "update profile"
	if err := in.normalize(op); err != nil {
		return nil, err
	}
	p, err := Get(id)
	if err != nil {
		return nil, err
	}
	oldAccounts := make(map[string]database.AccountCredential, len(p.Accounts))
	for _, a := range p.Accounts {
		oldAccounts[a.Username] = a
	}
	if err := apply(p, in, false); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// Accounts sent without a password keep the one already stored.
	for i := range p.Accounts {
		old, ok := oldAccounts[p.Accounts[i].Username]
		if !ok {
			continue
		}
		if in.Accounts[i].Password == "" {
			p.Accounts[i].EncryptedPassword = old.EncryptedPassword
		}
		if in.Accounts[i].Passphrase == "" {
			p.Accounts[i].EncryptedPassphrase = old.EncryptedPassphrase
		}
	}

	err = database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_id = ?", id).Delete(&database.AccountCredential{}).Error; err != nil {
			return err
		}
		accounts := p.Accounts
		p.Accounts = nil
		if err := tx.Save(p).Error; err != nil {
			return err
		}
		for i := range accounts {
			accounts[i].ID = 0
			accounts[i].ProfileID = id
		}
		if len(accounts) > 0 {
			if err := tx.Create(&accounts).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	log.Printf("[profiles] updated %s", id)
	return Get(id)
}

// Delete removes a profile and its accounts.
func Delete(id string) error {
	err := database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_id = ?", id).Delete(&database.AccountCredential{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&database.ConnectionProfile{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound("delete profile", id)
		}
		return nil
	})
	if err != nil {
		if sshsession.KindOf(err) == sshsession.KindNotFound {
			return err
		}
		return fmt.Errorf("delete profile: %w", err)
	}
	log.Printf("[profiles] deleted %s", id)
	return nil
}

// Touch records a successful connection.
func Touch(id string) error {
	now := time.Now()
	return database.DB.Model(&database.ConnectionProfile{}).Where("id = ?", id).
		UpdateColumn("last_connected", &now).Error
}

// apply copies in onto p, encrypting secrets. When create is false, empty
// secrets keep the stored values.
func apply(p *database.ConnectionProfile, in Input, create bool) error {
	p.Name = in.Name
	p.Host = in.Host
	p.Port = in.Port
	p.Username = in.Username
	p.AuthType = in.AuthType
	p.KeyPath = in.KeyPath
	p.CertificatePath = in.CertificatePath
	p.ActiveAccount = in.ActiveAccount
	p.Tags = in.Tags
	if p.Tags == nil {
		p.Tags = []string{}
	}
	p.SortOrder = in.SortOrder

	if in.Password != "" || create {
		enc, err := crypto.Encrypt(in.Password)
		if err != nil {
			return err
		}
		p.EncryptedPassword = enc
	}
	if in.Passphrase != "" || create {
		enc, err := crypto.Encrypt(in.Passphrase)
		if err != nil {
			return err
		}
		p.EncryptedPassphrase = enc
	}

	p.Accounts = make([]database.AccountCredential, 0, len(in.Accounts))
	for _, a := range in.Accounts {
		pw, err := crypto.Encrypt(a.Password)
		if err != nil {
			return err
		}
		pp, err := crypto.Encrypt(a.Passphrase)
		if err != nil {
			return err
		}
		p.Accounts = append(p.Accounts, database.AccountCredential{
			ProfileID:           p.ID,
			Username:            a.Username,
			AuthType:            a.AuthType,
			EncryptedPassword:   pw,
			KeyPath:             a.KeyPath,
			EncryptedPassphrase: pp,
			CertificatePath:     a.CertificatePath,
			IsDefault:           a.IsDefault,
			Description:         a.Description,
		})
	}
	return nil
}

// ConnectParams decrypts the profile's secrets and builds validated
// connection parameters. A zero timeout uses the session default.
func ConnectParams(p *database.ConnectionProfile, timeout time.Duration) (sshsession.ConnectParams, error) {
	const op = "profile params"
	secret, err := crypto.Decrypt(p.EncryptedPassword)
	if err != nil {
		return sshsession.ConnectParams{}, sshsession.NewError(sshsession.KindAuthentication, op, err, "cannot decrypt password for profile %s", p.ID)
	}
	passphrase, err := crypto.Decrypt(p.EncryptedPassphrase)
	if err != nil {
		return sshsession.ConnectParams{}, sshsession.NewError(sshsession.KindAuthentication, op, err, "cannot decrypt key passphrase for profile %s", p.ID)
	}
	auth, err := sshsession.NewAuthMethod(p.AuthType, secret, p.KeyPath, passphrase, p.CertificatePath)
	if err != nil {
		return sshsession.ConnectParams{}, err
	}

	accounts := make([]sshsession.Account, 0, len(p.Accounts))
	for _, a := range p.Accounts {
		pw, err := crypto.Decrypt(a.EncryptedPassword)
		if err != nil {
			log.Printf("[profiles] cannot decrypt password for account %s on %s: %v",
				logutil.SanitizeForLog(a.Username), p.ID, err)
			pw = ""
		}
		accounts = append(accounts, sshsession.Account{Username: a.Username, Password: pw})
	}

	opts := []sshsession.ParamOption{
		sshsession.WithProfileID(p.ID),
		sshsession.WithAccounts(accounts...),
	}
	if timeout > 0 {
		opts = append(opts, sshsession.WithTimeout(timeout))
	}
	return sshsession.NewConnectParams(p.Host, p.Port, p.Username, auth, opts...)
}

// DefaultAccount returns the account dashboard commands should run as when
// the caller names none: the active account, else the one flagged default.
func DefaultAccount(p *database.ConnectionProfile) string {
	if p.ActiveAccount != "" {
		return p.ActiveAccount
	}
	for _, a := range p.Accounts {
		if a.IsDefault {
			return a.Username
		}
	}
	return ""
}
