package config

import "time"

// Application constants
const (
	AppName    = "licensed"
	AppVersion = "1.0.0"

	EnvPrefix     = "LICENSED"
	ConfigFileEnv = "LICENSED_CONFIG"

	// Server
	DefaultPort           = 8080
	DefaultRequestTimeout = 30 * time.Second

	// Rate limiting
	DefaultRateLimit = 100 // requests per second
	DefaultBurstSize = 50

	// Failed-validation lockout
	MaxFailedValidations    = 10
	FailedValidationWindow  = 5 * time.Minute
	ValidationBlockDuration = 15 * time.Minute

	// Store
	StoreDriverMemory       = "memory"
	StoreDriverSQLite       = "sqlite"
	DefaultStorePath        = "data/licenses.db"
	DefaultStoreReadTimeout = 2 * time.Second
	DefaultCASRetries       = 8

	// License policy
	DefaultValidityWindow      = 365 * 24 * time.Hour
	DefaultIssueRetries        = 5
	DefaultExpiryWarningWindow = 7 * 24 * time.Hour
	DefaultExpiryScanInterval  = time.Hour

	// Notifications
	DefaultNotificationQueue   = 256
	DefaultNotificationWorkers = 2

	// WebSocket
	WebSocketReadBufferSize  = 1024
	WebSocketWriteBufferSize = 1024
	WebSocketPingPeriod      = 30 * time.Second
	WebSocketPongWait        = 60 * time.Second

	// Logging
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogFile   = "logs/licensed.log"
)
