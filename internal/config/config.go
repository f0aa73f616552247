package config

import (
	"log"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8420"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/shellmux.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	APIToken     string `envconfig:"API_TOKEN" default:""`
	AllowedIPs   string `envconfig:"ALLOWED_IPS" default:""`

	// SSH transport
	KnownHostsPath    string `envconfig:"KNOWN_HOSTS_PATH" default:""`
	ConnectTimeout    string `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	KeepaliveSchedule string `envconfig:"KEEPALIVE_SCHEDULE" default:"@every 30s"`
	DisconnectGrace   string `envconfig:"DISCONNECT_GRACE" default:"3s"`

	// Connection attempt limits per host
	ConnectAttemptsPerMinute int    `envconfig:"CONNECT_ATTEMPTS_PER_MINUTE" default:"20"`
	ConnectMaxFailures       int    `envconfig:"CONNECT_MAX_FAILURES" default:"5"`
	ConnectBlockDuration     string `envconfig:"CONNECT_BLOCK_DURATION" default:"1m"`

	// Dashboard exec
	DashboardTimeout    string `envconfig:"DASHBOARD_TIMEOUT" default:"30s"`
	DashboardQueueDepth int    `envconfig:"DASHBOARD_QUEUE_DEPTH" default:"32"`

	// Terminal sessions and flow control
	MaxTerminals      int    `envconfig:"MAX_TERMINALS" default:"16"`
	ReadBurstSize     int    `envconfig:"READ_BURST_SIZE" default:"4096"`
	CoalesceWindow    string `envconfig:"COALESCE_WINDOW" default:"8ms"`
	MaxEventBytes     int    `envconfig:"MAX_EVENT_BYTES" default:"32768"`
	HighWatermark     int    `envconfig:"HIGH_WATERMARK" default:"262144"`
	LowWatermark      int    `envconfig:"LOW_WATERMARK" default:"65536"`
	AckTimeout        string `envconfig:"ACK_TIMEOUT" default:"1s"`
	ReaderJoinTimeout string `envconfig:"READER_JOIN_TIMEOUT" default:"2s"`
	InputTimeout      string `envconfig:"INPUT_TIMEOUT" default:"5s"`
	ScrollbackSize    string `envconfig:"SCROLLBACK_SIZE" default:"256KiB"`
	EventBuffer       int    `envconfig:"EVENT_BUFFER" default:"1024"`

	// SFTP
	SftpReadCap   string `envconfig:"SFTP_READ_CAP" default:"10MB"`
	SftpChunkSize int    `envconfig:"SFTP_CHUNK_SIZE" default:"32768"`

	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SHELLMUX", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Duration parses a duration setting, falling back to def when the value is
// empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Printf("WARNING: invalid duration %q, using %s", value, def)
		return def
	}
	return d
}

// Size parses a human-readable size such as "10MB" or "512KiB".
func Size(value string, def int64) int64 {
	if value == "" {
		return def
	}
	n, err := units.RAMInBytes(value)
	if err != nil || n <= 0 {
		log.Printf("WARNING: invalid size %q, using %s", value, units.BytesSize(float64(def)))
		return def
	}
	return n
}
