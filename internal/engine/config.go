package engine

import "time"

// Defaults for the orchestration engine.
const (
	DefaultCandidateLimit = 30
	DefaultBatchSize      = 10
	DefaultMaxAttempts    = 5
	DefaultBackoffBase    = 15 * time.Second
	DefaultBackoffCeiling = 5 * time.Minute
	DefaultHandlerTimeout = 2 * time.Minute
	DefaultClaimStale     = 2 * time.Minute
	DefaultLockTTL        = 30 * time.Second
	DefaultPauseDuration  = time.Hour

	// DefaultTripRule trips the governor on either threshold.
	DefaultTripRule = "failure_pct >= failure_threshold_pct || critical_open >= critical_open_threshold"
)

// Config tunes claiming, dispatch, retry and approval behavior.
type Config struct {
	// CandidateLimit is how many queued runs one claim scan considers.
	CandidateLimit int
	// BatchSize caps the runs claimed and dispatched by one batch.
	BatchSize      int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	HandlerTimeout time.Duration
	ClaimStale     time.Duration
	LockTTL        time.Duration
	PauseDuration  time.Duration
	TripRule       string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CandidateLimit: DefaultCandidateLimit,
		BatchSize:      DefaultBatchSize,
		BackoffBase:    DefaultBackoffBase,
		BackoffCeiling: DefaultBackoffCeiling,
		HandlerTimeout: DefaultHandlerTimeout,
		ClaimStale:     DefaultClaimStale,
		LockTTL:        DefaultLockTTL,
		PauseDuration:  DefaultPauseDuration,
		TripRule:       DefaultTripRule,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = d.BackoffCeiling
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	if c.ClaimStale <= 0 {
		c.ClaimStale = d.ClaimStale
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.PauseDuration <= 0 {
		c.PauseDuration = d.PauseDuration
	}
	if c.TripRule == "" {
		c.TripRule = d.TripRule
	}
	return c
}
