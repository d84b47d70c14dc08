package config

const (
	// DefaultAddr is the default listen address for the WebSocket server.
	DefaultAddr = "127.0.0.1:7171"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"

	DefaultHistoryBytes     = 100_000
	DefaultHistoryTrimBytes = 50_000

	DefaultLaunchCommand = "claude\r"
	DefaultLaunchDelayMs = 500
	DefaultDedupWindowMs = 2

	DefaultMaxSessions = 20

	DefaultInputRate  = 200
	DefaultInputBurst = 400
)
