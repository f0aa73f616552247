package audit

import (
	"sync"

	"gorm.io/gorm"
)

var (
	globalAuditor *Auditor
	registryMu    sync.RWMutex
)

// InitGlobal creates and stores the global Auditor. Call once during startup
// after the database is initialized.
func InitGlobal(db *gorm.DB, retentionDays int) *Auditor {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalAuditor = NewAuditor(db, retentionDays)
	return globalAuditor
}

// GetAuditor returns the global Auditor, or nil before InitGlobal.
func GetAuditor() *Auditor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return globalAuditor
}

// SetGlobalForTest sets the global Auditor for tests.
func SetGlobalForTest(a *Auditor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalAuditor = a
}

// ResetGlobalForTest clears the global Auditor.
func ResetGlobalForTest() {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalAuditor = nil
}
