package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults reflect a conservative short-range link: small MTU, tight replay
// window, few simultaneous peers.
const (
	DefaultMaxFragmentBytes     = 512
	DefaultReplayWindow         = 5 * time.Minute
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultConnectionTimeout    = 30 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxConnections       = 7
	DefaultAckTimeout           = 10 * time.Second
	DefaultSendRetries          = 3
	DefaultRetryBackoff         = 1 * time.Second
	DefaultSessionTTL           = 1 * time.Hour
	DefaultPaymentExpiry        = 5 * time.Minute
)

type Config struct {
	MaxFragmentBytes     int
	ReplayWindow         time.Duration
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxConnections       int
	AckTimeout           time.Duration
	SendRetries          int
	RetryBackoff         time.Duration
	SessionTTL           time.Duration
	PaymentExpiry        time.Duration
}

func Default() Config {
	return Config{
		MaxFragmentBytes:     DefaultMaxFragmentBytes,
		ReplayWindow:         DefaultReplayWindow,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ConnectionTimeout:    DefaultConnectionTimeout,
		AutoReconnect:        true,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectDelay:       DefaultReconnectDelay,
		MaxConnections:       DefaultMaxConnections,
		AckTimeout:           DefaultAckTimeout,
		SendRetries:          DefaultSendRetries,
		RetryBackoff:         DefaultRetryBackoff,
		SessionTTL:           DefaultSessionTTL,
		PaymentExpiry:        DefaultPaymentExpiry,
	}
}

// FromEnv applies MESHPAY_* overrides on top of the defaults.
func FromEnv() Config {
	cfg := Default()
	if v, ok := envInt("MESHPAY_MAX_FRAGMENT_BYTES"); ok && v > 0 {
		cfg.MaxFragmentBytes = v
	}
	if v, ok := envDuration("MESHPAY_REPLAY_WINDOW_MS"); ok {
		cfg.ReplayWindow = v
	}
	if v, ok := envDuration("MESHPAY_HEARTBEAT_INTERVAL_MS"); ok {
		cfg.HeartbeatInterval = v
	}
	if v, ok := envDuration("MESHPAY_CONNECTION_TIMEOUT_MS"); ok {
		cfg.ConnectionTimeout = v
	}
	if v := os.Getenv("MESHPAY_AUTO_RECONNECT"); v == "0" {
		cfg.AutoReconnect = false
	}
	if v, ok := envInt("MESHPAY_MAX_RECONNECT_ATTEMPTS"); ok && v >= 0 {
		cfg.MaxReconnectAttempts = v
	}
	if v, ok := envDuration("MESHPAY_RECONNECT_DELAY_MS"); ok {
		cfg.ReconnectDelay = v
	}
	if v, ok := envInt("MESHPAY_MAX_CONNECTIONS"); ok && v > 0 {
		cfg.MaxConnections = v
	}
	if v, ok := envDuration("MESHPAY_ACK_TIMEOUT_MS"); ok {
		cfg.AckTimeout = v
	}
	if v, ok := envInt("MESHPAY_SEND_RETRIES"); ok && v >= 0 {
		cfg.SendRetries = v
	}
	if v, ok := envDuration("MESHPAY_RETRY_BACKOFF_MS"); ok {
		cfg.RetryBackoff = v
	}
	if v, ok := envDuration("MESHPAY_SESSION_TTL_MS"); ok {
		cfg.SessionTTL = v
	}
	if v, ok := envDuration("MESHPAY_PAYMENT_EXPIRY_MS"); ok {
		cfg.PaymentExpiry = v
	}
	return cfg
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(name string) (time.Duration, bool) {
	v, ok := envInt(name)
	if !ok || v <= 0 {
		return 0, false
	}
	return time.Duration(v) * time.Millisecond, true
}
