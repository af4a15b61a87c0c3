package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Dispatch DispatchConfig `json:"dispatch"`
	Limits   LimitsConfig   `json:"limits"`
	Notify   NotifyConfig   `json:"notify"`
	Carrier  CarrierConfig  `json:"carrier"`
}

// DispatchConfig tunes the worker pool, retry policy, and queue behavior.
// The spec-level knobs (retry ceiling, backoff constants, per-recipient cap)
// are deployment parameters, never hard-coded at use sites.
type DispatchConfig struct {
	// Workers bounds total concurrent outbound delivery attempts.
	Workers int `json:"workers"`
	// PerRecipientCap bounds simultaneous in-flight attempts per recipient.
	PerRecipientCap int `json:"perRecipientCap"`
	// MaxAttempts is the retry ceiling; a message that fails retryably this
	// many times becomes terminally failed.
	MaxAttempts int `json:"maxAttempts"`
	// AttemptTimeoutMs bounds each carrier call.
	AttemptTimeoutMs int64 `json:"attemptTimeoutMs"`
	// BaseDelayMs and MaxDelayMs bound the exponential backoff curve.
	BaseDelayMs int64 `json:"baseDelayMs"`
	MaxDelayMs  int64 `json:"maxDelayMs"`
	// JitterFraction randomizes each backoff delay by ±delay*fraction.
	JitterFraction float64 `json:"jitterFraction"`
	// ReconcileIntervalMs is the period of the queue's due-scan against the store.
	ReconcileIntervalMs int64 `json:"reconcileIntervalMs"`
}

// LimitsConfig bounds accepted input.
type LimitsConfig struct {
	PayloadMaxBytes int `json:"payloadMaxBytes"`
	RecipientMaxLen int `json:"recipientMaxLen"`
}

// NotifyConfig tunes status event fanout.
type NotifyConfig struct {
	// Buffer is the handoff channel depth between workers and the dispatcher.
	Buffer int `json:"buffer"`
	// SubscriberBuffer is the per-subscriber channel depth; a full subscriber
	// drops events rather than stalling the dispatcher.
	SubscriberBuffer int `json:"subscriberBuffer"`
}

// CarrierConfig configures the built-in webhook carrier used by the server.
type CarrierConfig struct {
	// Endpoint is the URL the webhook carrier posts payloads to.
	Endpoint string `json:"endpoint"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Dispatch: DispatchConfig{
			Workers:             8,
			PerRecipientCap:     5,
			MaxAttempts:         5,
			AttemptTimeoutMs:    10_000,
			BaseDelayMs:         500,
			MaxDelayMs:          60_000,
			JitterFraction:      0.25,
			ReconcileIntervalMs: 1_000,
		},
		Limits: LimitsConfig{
			PayloadMaxBytes: 64 << 10,
			RecipientMaxLen: 256,
		},
		Notify: NotifyConfig{
			Buffer:           1024,
			SubscriberBuffer: 64,
		},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// AttemptTimeout returns the per-attempt timeout as a duration.
func (c DispatchConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMs) * time.Millisecond
}

// ReconcileInterval returns the reconcile period as a duration.
func (c DispatchConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMs) * time.Millisecond
}

// BaseDelay returns the backoff base delay as a duration.
func (c DispatchConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff delay cap as a duration.
func (c DispatchConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}
