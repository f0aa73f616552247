package profiles

import (
	"fmt"
	"log"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/gluk-w/shellmux/internal/database"
)

// AccountDocument is the portable form of an account credential.
type AccountDocument struct {
	Username          string `yaml:"username" json:"username"`
	AuthType          string `yaml:"authType" json:"authType"`
	EncryptedPassword string `yaml:"encryptedPassword,omitempty" json:"encryptedPassword,omitempty"`
	KeyPath           string `yaml:"keyPath,omitempty" json:"keyPath,omitempty"`
	KeyPassphrase     string `yaml:"keyPassphrase,omitempty" json:"keyPassphrase,omitempty"`
	CertificatePath   string `yaml:"certificatePath,omitempty" json:"certificatePath,omitempty"`
	IsDefault         bool   `yaml:"isDefault,omitempty" json:"isDefault,omitempty"`
	Description       string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Document is the portable form of a profile. Secrets stay as fernet tokens.
type Document struct {
	ID                string            `yaml:"id" json:"id"`
	Name              string            `yaml:"name" json:"name"`
	Host              string            `yaml:"host" json:"host"`
	Port              int               `yaml:"port" json:"port"`
	Username          string            `yaml:"username" json:"username"`
	AuthType          string            `yaml:"authType" json:"authType"`
	EncryptedPassword string            `yaml:"encryptedPassword,omitempty" json:"encryptedPassword,omitempty"`
	KeyPath           string            `yaml:"keyPath,omitempty" json:"keyPath,omitempty"`
	KeyPassphrase     string            `yaml:"keyPassphrase,omitempty" json:"keyPassphrase,omitempty"`
	CertificatePath   string            `yaml:"certificatePath,omitempty" json:"certificatePath,omitempty"`
	Accounts          []AccountDocument `yaml:"accounts" json:"accounts"`
	ActiveAccount     string            `yaml:"activeAccount,omitempty" json:"activeAccount,omitempty"`
	Tags              []string          `yaml:"tags" json:"tags"`
}

type exportFile struct {
	Profiles []Document `yaml:"profiles"`
}

func toDocument(p database.ConnectionProfile) Document {
	d := Document{
		ID:                p.ID,
		Name:              p.Name,
		Host:              p.Host,
		Port:              p.Port,
		Username:          p.Username,
		AuthType:          p.AuthType,
		EncryptedPassword: p.EncryptedPassword,
		KeyPath:           p.KeyPath,
		KeyPassphrase:     p.EncryptedPassphrase,
		CertificatePath:   p.CertificatePath,
		ActiveAccount:     p.ActiveAccount,
		Tags:              p.Tags,
		Accounts:          []AccountDocument{},
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	for _, a := range p.Accounts {
		d.Accounts = append(d.Accounts, AccountDocument{
			Username:          a.Username,
			AuthType:          a.AuthType,
			EncryptedPassword: a.EncryptedPassword,
			KeyPath:           a.KeyPath,
			KeyPassphrase:     a.EncryptedPassphrase,
			CertificatePath:   a.CertificatePath,
			IsDefault:         a.IsDefault,
			Description:       a.Description,
		})
	}
	return d
}

func fromDocument(d Document) database.ConnectionProfile {
	p := database.ConnectionProfile{
		ID:                  d.ID,
		Name:                d.Name,
		Host:                d.Host,
		Port:                d.Port,
		Username:            d.Username,
		AuthType:            d.AuthType,
		EncryptedPassword:   d.EncryptedPassword,
		KeyPath:             d.KeyPath,
		EncryptedPassphrase: d.KeyPassphrase,
		CertificatePath:     d.CertificatePath,
		ActiveAccount:       d.ActiveAccount,
		Tags:                d.Tags,
	}
	if p.Port == 0 {
		p.Port = 22
	}
	if p.AuthType == "" {
		p.AuthType = database.AuthTypePassword
	}
	if p.Name == "" {
		p.Name = p.Username + "@" + p.Host
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	for _, a := range d.Accounts {
		authType := a.AuthType
		if authType == "" {
			authType = database.AuthTypePassword
		}
		p.Accounts = append(p.Accounts, database.AccountCredential{
			ProfileID:           d.ID,
			Username:            a.Username,
			AuthType:            authType,
			EncryptedPassword:   a.EncryptedPassword,
			KeyPath:             a.KeyPath,
			EncryptedPassphrase: a.KeyPassphrase,
			CertificatePath:     a.CertificatePath,
			IsDefault:           a.IsDefault,
			Description:         a.Description,
		})
	}
	return p
}

// Export renders every profile as a YAML document.
func Export() ([]byte, error) {
	list, err := List()
	if err != nil {
		return nil, err
	}
	f := exportFile{Profiles: make([]Document, 0, len(list))}
	for _, p := range list {
		f.Profiles = append(f.Profiles, toDocument(p))
	}
	out, err := yaml.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("export profiles: %w", err)
	}
	return out, nil
}

// Import reads a document produced by Export (YAML or JSON) and upserts each
// profile by id. It returns the number of profiles written.
func Import(data []byte) (int, error) {
	const op = "import profiles"
	var f exportFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, invalid(op, "parse document: %v", err)
	}
	for i, d := range f.Profiles {
		switch {
		case d.ID == "":
			return 0, invalid(op, "profile %d has no id", i)
		case d.Host == "" || d.Username == "":
			return 0, invalid(op, "profile %s needs host and username", d.ID)
		case d.AuthType != "" && !validAuthType(d.AuthType):
			return 0, invalid(op, "profile %s: unknown auth type %q", d.ID, d.AuthType)
		}
	}

	err := database.DB.Transaction(func(tx *gorm.DB) error {
		for _, d := range f.Profiles {
			p := fromDocument(d)
			accounts := p.Accounts
			p.Accounts = nil
			if err := tx.Where("profile_id = ?", p.ID).Delete(&database.AccountCredential{}).Error; err != nil {
				return err
			}
			if err := tx.Save(&p).Error; err != nil {
				return err
			}
			if len(accounts) > 0 {
				if err := tx.Create(&accounts).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	log.Printf("[profiles] imported %d profiles", len(f.Profiles))
	return len(f.Profiles), nil
}
