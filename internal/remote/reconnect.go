package remote

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultReconnectInterval is the fixed delay between connection attempts.
const DefaultReconnectInterval = 10 * time.Second

// ErrMaxReconnectAttempts is returned when the maximum number of reconnection attempts is reached.
var ErrMaxReconnectAttempts = errors.New("maximum reconnection attempts reached")

// ReconnectConfig holds configuration for reconnection behavior.
type ReconnectConfig struct {
	// Interval is the fixed delay before every reconnection attempt.
	Interval time.Duration
	// MaxAttempts is the maximum number of consecutive attempts (0 = unlimited).
	MaxAttempts int
}

// DefaultReconnectConfig returns the default reconnection configuration.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Interval:    DefaultReconnectInterval,
		MaxAttempts: 0, // Unlimited
	}
}

// ReconnectManager paces reconnection attempts with a fixed interval,
// no jitter and no backoff growth.
type ReconnectManager struct {
	config   ReconnectConfig
	attempts int
	mu       sync.Mutex
}

// NewReconnectManager creates a new ReconnectManager with the given configuration.
func NewReconnectManager(config ReconnectConfig) *ReconnectManager {
	if config.Interval <= 0 {
		config.Interval = DefaultReconnectInterval
	}
	return &ReconnectManager{config: config}
}

// Reset clears the attempt counter. Call this after a successful connection.
func (r *ReconnectManager) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// ShouldReconnect returns true if another reconnection attempt should be made.
func (r *ReconnectManager) ShouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.MaxAttempts == 0 {
		return true
	}
	return r.attempts < r.config.MaxAttempts
}

// GetAttempts returns the number of attempts since the last Reset.
func (r *ReconnectManager) GetAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Interval returns the delay between attempts.
func (r *ReconnectManager) Interval() time.Duration {
	return r.config.Interval
}

// WaitForReconnect waits for the reconnect interval. It returns the
// context error on cancellation or ErrMaxReconnectAttempts once the
// attempt budget is spent.
func (r *ReconnectManager) WaitForReconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.config.MaxAttempts > 0 && r.attempts >= r.config.MaxAttempts {
		r.mu.Unlock()
		return ErrMaxReconnectAttempts
	}
	r.attempts++
	r.mu.Unlock()

	timer := time.NewTimer(r.config.Interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
