// Package config holds tinystats defaults and the validated runtime configuration.
package config

import "time"

// Server defaults
const (
	DefaultAddr        = ":8080"
	DefaultMaxMemoryMB = 48
	DefaultDataDir     = "./data/tinystats"
	DefaultLogLevel    = "info"
)

// Update schedule
const (
	// DefaultSchedule is a cron spec (robfig/cron, with optional seconds field)
	DefaultSchedule      = "0 */10 * * * *"
	DefaultWorkers       = 4
	DefaultUpdateTimeout = 5 * time.Minute
	DefaultSourceTimeout = 2 * time.Minute
	DefaultRetryElapsed  = 3 * time.Minute
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// Read API timeouts and limits
const (
	ReadTimeout       = 10 * time.Second
	StatusTimeout     = 5 * time.Second
	ShutdownTimeout   = 30 * time.Second
	MaxPointsPerRead  = 100000
	ManualUpdateLimit = 1 // concurrent POST /update runs
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Store backends besides the SQL dialects
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
)
