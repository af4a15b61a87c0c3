package config

import (
	"os"
	"strconv"
)

// FromEnv overlays COURIER_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	overlayInt(&cfg.Dispatch.Workers, "COURIER_DISPATCH_WORKERS")
	overlayInt(&cfg.Dispatch.PerRecipientCap, "COURIER_DISPATCH_PER_RECIPIENT_CAP")
	overlayInt(&cfg.Dispatch.MaxAttempts, "COURIER_DISPATCH_MAX_ATTEMPTS")
	overlayInt64(&cfg.Dispatch.AttemptTimeoutMs, "COURIER_DISPATCH_ATTEMPT_TIMEOUT_MS")
	overlayInt64(&cfg.Dispatch.BaseDelayMs, "COURIER_DISPATCH_BASE_DELAY_MS")
	overlayInt64(&cfg.Dispatch.MaxDelayMs, "COURIER_DISPATCH_MAX_DELAY_MS")
	overlayInt64(&cfg.Dispatch.ReconcileIntervalMs, "COURIER_DISPATCH_RECONCILE_INTERVAL_MS")
	if v := os.Getenv("COURIER_DISPATCH_JITTER_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Dispatch.JitterFraction = f
		}
	}

	overlayInt(&cfg.Limits.PayloadMaxBytes, "COURIER_LIMITS_PAYLOAD_MAX_BYTES")
	overlayInt(&cfg.Limits.RecipientMaxLen, "COURIER_LIMITS_RECIPIENT_MAX_LEN")

	overlayInt(&cfg.Notify.Buffer, "COURIER_NOTIFY_BUFFER")
	overlayInt(&cfg.Notify.SubscriberBuffer, "COURIER_NOTIFY_SUBSCRIBER_BUFFER")

	if v := os.Getenv("COURIER_CARRIER_ENDPOINT"); v != "" {
		cfg.Carrier.Endpoint = v
	}
}

func overlayInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overlayInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
