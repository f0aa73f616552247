package audit

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/gluk-w/shellmux/internal/database"
	"github.com/gluk-w/shellmux/internal/logutil"
)

// Event types for audit logging.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionTerminated  = "connection_terminated"
	EventConnectionFailed      = "connection_failed"
	EventCommandExecution      = "command_execution"
	EventFileOperation         = "file_operation"
	EventTerminalSessionStart  = "terminal_session_start"
	EventTerminalSessionEnd    = "terminal_session_end"
	EventHostKeyMismatch       = "host_key_mismatch"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry contains the fields needed to create an audit log entry.
type Entry struct {
	ProfileID  string
	Host       string
	EventType  string
	Username   string
	Details    string
	DurationMs int64
}

// Auditor writes audit records to the database and the standard logger.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
	cron          *cron.Cron
}

// NewAuditor creates an Auditor writing to db. A retentionDays of 0 means
// DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an audit event.
func (a *Auditor) Log(entry Entry) error {
	record := database.AuditLog{
		EventType: entry.EventType,
		ProfileID: entry.ProfileID,
		Host:      entry.Host,
		Username:  entry.Username,
		Details:   entry.Details,
		Duration:  entry.DurationMs,
	}

	a.mu.RLock()
	err := a.db.Create(&record).Error
	a.mu.RUnlock()
	if err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s host=%s user=%s details=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.Host),
		logutil.SanitizeForLog(entry.Username),
		logutil.Truncate(entry.Details, 200),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	ProfileID string
	Host      string
	EventType string
	Username  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})
	if opts.ProfileID != "" {
		tx = tx.Where("profile_id = ?", opts.ProfileID)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days (the retention period when
// days <= 0). Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// StartPurgeSchedule runs PurgeOlderThan with the retention period on the
// given cron spec ("@daily" when empty).
func (a *Auditor) StartPurgeSchedule(spec string) error {
	if spec == "" {
		spec = "@daily"
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { a.PurgeOlderThan(0) }); err != nil {
		return err
	}
	c.Start()
	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()
	return nil
}

// Stop halts the purge schedule, waiting for a running purge to finish.
func (a *Auditor) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
