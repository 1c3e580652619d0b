package store

import (
	"math/rand"
	"strings"
	"time"
)

type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransient reports SQLite lock contention that busy_timeout did not
// absorb. PostgreSQL errors are never retried here.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func retryOp(cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			time.Sleep(backoffDelay(cfg, attempt))
		}
	}
	return lastErr
}

// backoffDelay is baseDelay * 2^attempt, capped, plus up to baseDelay of jitter.
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}
