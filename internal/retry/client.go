// Package retry wraps broker cancellations with bounded, jittered retries.
// Entry placements are deliberately not retried: a retried placement that
// actually reached the exchange duplicates the position.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/quantfold/depthtrader/internal/broker"
)

// Config controls retry behavior.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is tuned for gateway hiccups, not outages.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Timeout:        30 * time.Second,
}

// Client retries cancellations against a broker.
type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewClient creates a retry client. Pass a Config to override the defaults.
func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{broker: b, logger: logger, config: cfg}
}

// CancelOrderWithRetry cancels an order, retrying transient failures with
// jittered backoff. A missing or already-terminal order is treated as
// success by most gateways; hard errors surface immediately.
func (c *Client) CancelOrderWithRetry(ctx context.Context, orderID string) error {
	cancelCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := cancelCtx.Err(); err != nil {
			return fmt.Errorf("cancel of %s timed out: %w", orderID, err)
		}

		err := c.broker.CancelOrder(orderID)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Printf("Cancel attempt %d/%d for order %s failed: %v",
			attempt+1, c.config.MaxRetries+1, orderID, err)

		if !isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-cancelCtx.Done():
			return fmt.Errorf("cancel of %s timed out during backoff: %w", orderID, cancelCtx.Err())
		}
	}
	return fmt.Errorf("failed to cancel order %s after %d attempts: %w",
		orderID, c.config.MaxRetries+1, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"rate limit",
		"network",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
