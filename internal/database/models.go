package database

import "time"

// Auth type discriminators as stored on disk.
const (
	AuthTypePassword    = "password"
	AuthTypeKey         = "key"
	AuthTypeCertificate = "certificate"
)

// ConnectionProfile is a saved SSH target. Secret columns hold fernet tokens,
// never plaintext.
type ConnectionProfile struct {
	ID                  string     `gorm:"primaryKey;size:36" json:"id"`
	Name                string     `gorm:"not null" json:"name"`
	Host                string     `gorm:"not null" json:"host"`
	Port                int        `gorm:"not null;default:22" json:"port"`
	Username            string     `gorm:"not null" json:"username"`
	AuthType            string     `gorm:"not null;default:password" json:"authType"`
	EncryptedPassword   string     `json:"-"`
	KeyPath             string     `json:"keyPath,omitempty"`
	EncryptedPassphrase string     `json:"-"`
	CertificatePath     string     `json:"certificatePath,omitempty"`
	ActiveAccount       string     `json:"activeAccount,omitempty"`
	Tags                []string   `gorm:"serializer:json" json:"tags"`
	SortOrder           int        `gorm:"not null;default:0" json:"sortOrder"`
	LastConnected       *time.Time `json:"lastConnected,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`

	Accounts []AccountCredential `gorm:"foreignKey:ProfileID;constraint:OnDelete:CASCADE" json:"accounts"`
}

// AccountCredential is an additional remote account usable for run-as
// dashboard commands on the profile's host.
type AccountCredential struct {
	ID                  uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	ProfileID           string `gorm:"not null;index;size:36" json:"-"`
	Username            string `gorm:"not null" json:"username"`
	AuthType            string `gorm:"not null;default:password" json:"authType"`
	EncryptedPassword   string `json:"-"`
	KeyPath             string `json:"keyPath,omitempty"`
	EncryptedPassphrase string `json:"-"`
	CertificatePath     string `json:"certificatePath,omitempty"`
	IsDefault           bool   `json:"isDefault"`
	Description         string `json:"description,omitempty"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditLog is one row of the SSH audit trail.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"not null;index" json:"event_type"`
	ProfileID string    `gorm:"index;size:36" json:"profile_id,omitempty"`
	Host      string    `json:"host,omitempty"`
	Username  string    `gorm:"index" json:"username,omitempty"`
	Details   string    `gorm:"type:text" json:"details"`
	Duration  int64     `json:"duration_ms"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
