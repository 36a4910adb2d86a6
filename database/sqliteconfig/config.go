// Package sqliteconfig builds validated connection URLs for the
// modernc.org/sqlite driver.
package sqliteconfig

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by config validation.
var (
	ErrPathEmpty           = errors.New("path cannot be empty")
	ErrBusyTimeoutNegative = errors.New("busy_timeout must be >= 0")
	ErrInvalidJournalMode  = errors.New("invalid journal_mode")
	ErrWALAutocheckpoint   = errors.New("wal_autocheckpoint must be >= -1")
	ErrInvalidSynchronous  = errors.New("invalid synchronous")
	ErrInvalidTxLock       = errors.New("invalid txlock")
)

// DefaultBusyTimeout is the default busy timeout in milliseconds.
const DefaultBusyTimeout = 10000

// JournalMode represents SQLite journal_mode pragma values.
type JournalMode string

const (
	// JournalModeWAL enables Write-Ahead Logging.
	JournalModeWAL JournalMode = "WAL"
	// JournalModeDelete uses traditional rollback journaling.
	JournalModeDelete JournalMode = "DELETE"
	// JournalModeMemory keeps the journal in memory.
	JournalModeMemory JournalMode = "MEMORY"
)

// IsValid returns true if the JournalMode is valid.
func (j JournalMode) IsValid() bool {
	switch j {
	case JournalModeWAL, JournalModeDelete, JournalModeMemory:
		return true
	default:
		return false
	}
}

// Synchronous represents SQLite synchronous pragma values.
type Synchronous string

const (
	// SynchronousOff disables syncing.
	SynchronousOff Synchronous = "OFF"
	// SynchronousNormal provides balanced performance and safety.
	SynchronousNormal Synchronous = "NORMAL"
	// SynchronousFull provides maximum durability with performance cost.
	SynchronousFull Synchronous = "FULL"
)

// IsValid returns true if the Synchronous value is valid.
func (s Synchronous) IsValid() bool {
	switch s {
	case SynchronousOff, SynchronousNormal, SynchronousFull:
		return true
	default:
		return false
	}
}

// TxLock represents the transaction lock mode.
type TxLock string

const (
	// TxLockDeferred acquires locks lazily.
	TxLockDeferred TxLock = "deferred"
	// TxLockImmediate acquires the write lock at BEGIN.
	TxLockImmediate TxLock = "immediate"
)

// IsValid returns true if the TxLock is valid.
func (t TxLock) IsValid() bool {
	switch t {
	case TxLockDeferred, TxLockImmediate, "":
		return true
	default:
		return false
	}
}

// Config holds SQLite database configuration.
type Config struct {
	Path              string      // file path or ":memory:"
	BusyTimeout       int         // milliseconds (0 = default/disabled)
	JournalMode       JournalMode // affects concurrency and crash recovery
	WALAutocheckpoint int         // pages (-1 = default, 0 = disabled, >0 = enabled)
	Synchronous       Synchronous // durability vs performance
	ForeignKeys       bool        // enforce foreign key constraints
	TxLock            TxLock      // transaction lock mode
}

// Default returns the production configuration.
func Default(path string) *Config {
	return &Config{
		Path:              path,
		BusyTimeout:       DefaultBusyTimeout,
		JournalMode:       JournalModeWAL,
		WALAutocheckpoint: 1000,
		Synchronous:       SynchronousNormal,
		ForeignKeys:       true,
		TxLock:            TxLockImmediate,
	}
}

// Memory returns a configuration for in-memory databases, used by tests.
func Memory() *Config {
	return &Config{
		Path:              ":memory:",
		WALAutocheckpoint: -1,
		ForeignKeys:       true,
	}
}

// Validate checks if all configuration values are valid.
func (c *Config) Validate() error {
	if c.Path == "" {
		return ErrPathEmpty
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrBusyTimeoutNegative, c.BusyTimeout)
	}
	if c.JournalMode != "" && !c.JournalMode.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidJournalMode, c.JournalMode)
	}
	if c.WALAutocheckpoint < -1 {
		return fmt.Errorf("%w, got %d", ErrWALAutocheckpoint, c.WALAutocheckpoint)
	}
	if c.Synchronous != "" && !c.Synchronous.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidSynchronous, c.Synchronous)
	}
	if !c.TxLock.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidTxLock, c.TxLock)
	}
	return nil
}

// ToURL builds a properly encoded SQLite connection string using _pragma
// parameters.
func (c *Config) ToURL() (string, error) {
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("invalid config: %w", err)
	}

	var pragmas []string

	if c.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("busy_timeout=%d", c.BusyTimeout))
	}
	if c.JournalMode != "" {
		pragmas = append(pragmas, fmt.Sprintf("journal_mode=%s", c.JournalMode))
	}
	if c.WALAutocheckpoint >= 0 {
		pragmas = append(pragmas, fmt.Sprintf("wal_autocheckpoint=%d", c.WALAutocheckpoint))
	}
	if c.Synchronous != "" {
		pragmas = append(pragmas, fmt.Sprintf("synchronous=%s", c.Synchronous))
	}
	if c.ForeignKeys {
		pragmas = append(pragmas, "foreign_keys=ON")
	}

	baseURL := c.Path
	if c.Path != ":memory:" {
		baseURL = "file:" + c.Path
	}

	queryParts := make([]string, 0, 1+len(pragmas))
	if c.TxLock != "" {
		queryParts = append(queryParts, "_txlock="+string(c.TxLock))
	}
	for _, pragma := range pragmas {
		queryParts = append(queryParts, "_pragma="+pragma)
	}

	if len(queryParts) > 0 {
		baseURL += "?" + strings.Join(queryParts, "&")
	}

	return baseURL, nil
}
