package connection

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/gorilla/websocket"
)

const (
	defaultURL            = "ws://localhost:8080/ws"
	defaultMaxMessageSize = 8 * 1024 * 1024
)

type Config struct {
	// URL is the WebSocket endpoint, for example ws://localhost:8080/ws.
	URL string
	// HTTPBase is used for the liveness probe. Derived from URL when empty.
	HTTPBase string

	Log        *slog.Logger
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	ProbeAttempts         int
	ProbeTimeout          time.Duration
	ProbeBackoff          time.Duration
	UnavailableCooldown   time.Duration
	EarlyRetryProbability float64

	PingInterval           time.Duration
	KeepAliveInterval      time.Duration
	HeartbeatCheckInterval time.Duration
	HeartbeatTimeout       time.Duration
	ForceReconnectDelay    time.Duration

	// Backoff.MaxAttempts is the consecutive failure ceiling.
	Backoff           shared.BackoffConfig
	FailureDecayAfter time.Duration

	WriteTimeout   time.Duration
	CloseTimeout   time.Duration
	MaxMessageSize int64
}

func DefaultConfig() Config {
	return Config{
		URL:                    defaultURL,
		ProbeAttempts:          3,
		ProbeTimeout:           5 * time.Second,
		ProbeBackoff:           time.Second,
		UnavailableCooldown:    30 * time.Second,
		EarlyRetryProbability:  0.25,
		PingInterval:           15 * time.Second,
		KeepAliveInterval:      45 * time.Second,
		HeartbeatCheckInterval: 30 * time.Second,
		HeartbeatTimeout:       20 * time.Second,
		ForceReconnectDelay:    500 * time.Millisecond,
		Backoff: shared.BackoffConfig{
			Initial:     time.Second,
			Multiplier:  2,
			MaxDelay:    30 * time.Second,
			Jitter:      0.2,
			MaxAttempts: 5,
		},
		FailureDecayAfter: 60 * time.Second,
		WriteTimeout:      5 * time.Second,
		CloseTimeout:      2 * time.Second,
		MaxMessageSize:    defaultMaxMessageSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.HTTPBase == "" {
		c.HTTPBase = HTTPBaseFromURL(c.URL)
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = d.ProbeAttempts
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ProbeBackoff <= 0 {
		c.ProbeBackoff = d.ProbeBackoff
	}
	if c.UnavailableCooldown <= 0 {
		c.UnavailableCooldown = d.UnavailableCooldown
	}
	if c.EarlyRetryProbability < 0 || c.EarlyRetryProbability > 1 {
		c.EarlyRetryProbability = d.EarlyRetryProbability
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.HeartbeatCheckInterval <= 0 {
		c.HeartbeatCheckInterval = d.HeartbeatCheckInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.ForceReconnectDelay <= 0 {
		c.ForceReconnectDelay = d.ForceReconnectDelay
	}
	if c.Backoff == (shared.BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	c.Backoff = normalizeBackoff(c.Backoff)
	if c.FailureDecayAfter <= 0 {
		c.FailureDecayAfter = d.FailureDecayAfter
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// HTTPBaseFromURL maps ws://host/ws to http://host and wss:// to https://.
func HTTPBaseFromURL(wsURL string) string {
	base := strings.TrimSuffix(wsURL, "/")
	base = strings.TrimSuffix(base, "/ws")
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	}
	return base
}
