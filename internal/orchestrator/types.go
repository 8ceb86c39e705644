package orchestrator

import "time"

// Config bounds every timeout and retry policy the orchestrator applies
// these govern every blocking remote call the orchestrator makes.
type Config struct {
	CheckTimeout         time.Duration
	BulkUpgradeTimeout   time.Duration
	SinglePackageTimeout time.Duration
	RebootTimeout        time.Duration
	LaunchTimeout        time.Duration
	DetectTimeout        time.Duration
	SSHReadyTimeout      time.Duration

	ReconnectWindow   time.Duration
	ReconnectInterval time.Duration

	// FilesGoneRecheckRetries/Interval govern the post-check retried while
	// reachability is still settling after a FILES_GONE inference (up to
	// three 10s-spaced retries by default).
	FilesGoneRecheckRetries  int
	FilesGoneRecheckInterval time.Duration
}

// DefaultConfig returns the default timeout values.
func DefaultConfig() Config {
	return Config{
		CheckTimeout:             120 * time.Second,
		BulkUpgradeTimeout:       3600 * time.Second,
		SinglePackageTimeout:     300 * time.Second,
		RebootTimeout:            30 * time.Second,
		LaunchTimeout:            30 * time.Second,
		DetectTimeout:            10 * time.Second,
		SSHReadyTimeout:          30 * time.Second,
		ReconnectWindow:          5 * time.Minute,
		ReconnectInterval:        15 * time.Second,
		FilesGoneRecheckRetries:  3,
		FilesGoneRecheckInterval: 10 * time.Second,
	}
}

// ActiveOperation describes the in-flight workflow on a host, exposed to
// the HTTP layer so the UI can show "operation X running" instead of
// racing a second request — any second call is queued, not rejected.
type ActiveOperation struct {
	Action    string
	StartedAt time.Time
}
