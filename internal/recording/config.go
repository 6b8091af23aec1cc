package recording

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/voice-recorder/internal/capture"
	"github.com/eleven-am/voice-recorder/internal/connection"
	"github.com/eleven-am/voice-recorder/internal/metrics"
	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/transport"
)

// Connection is the part of connection.Manager the coordinator drives.
type Connection interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Send(ctx context.Context, t transport.MessageType, payload any) bool
	Subscribe(fn func(connection.Event)) func()
	IsConnected() bool
	RegisterActiveSession(id string)
	UnregisterActiveSession(id string)
	Status() connection.Status
}

type Poller interface {
	Start(ctx context.Context, sessionID string) error
	Stop(sessionID string)
	StopAll()
}

// Identity keeps the local record of which sessions this client owns.
type Identity interface {
	TrackSession(sessionID, status string)
	UntrackSession(sessionID string)
}

type Deps struct {
	Connection  Connection
	Queue       queue.Requester
	Source      capture.Source
	Permissions capture.Permissions
	Poller      Poller
	Identity    Identity
	Metrics     *metrics.Metrics
	Log         *slog.Logger
}

type Config struct {
	FinalizeTimeout time.Duration
	ResumeSettle    time.Duration
	// OpenSettle delays reconciliation and replay after the socket opens.
	OpenSettle          time.Duration
	FreshSessionDelay   time.Duration
	PendingResumeDelay  time.Duration
	KeepAliveInterval   time.Duration
	BacklogMaxChunks    int
	BacklogMaxAge       time.Duration
	BacklogCheckEvery   time.Duration
	ReplayPerSecond     float64
	DrainBatchSize      int
	DrainBatchGap       time.Duration
	StaleSweepInterval  time.Duration
	StaleSweepDelay     time.Duration
	StaleAfter          time.Duration
	PendingCleanupEvery time.Duration
	PendingMaxAge       time.Duration
	StorageCheckEvery   time.Duration
	StorageThresholdMB  float64
	OperationTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		FinalizeTimeout:     60 * time.Second,
		ResumeSettle:        time.Second,
		OpenSettle:          time.Second,
		FreshSessionDelay:   500 * time.Millisecond,
		PendingResumeDelay:  2 * time.Second,
		KeepAliveInterval:   30 * time.Second,
		BacklogMaxChunks:    50,
		BacklogMaxAge:       5 * time.Minute,
		BacklogCheckEvery:   30 * time.Second,
		ReplayPerSecond:     5,
		DrainBatchSize:      10,
		DrainBatchGap:       50 * time.Millisecond,
		StaleSweepInterval:  5 * time.Minute,
		StaleSweepDelay:     5 * time.Second,
		StaleAfter:          5 * time.Minute,
		PendingCleanupEvery: 24 * time.Hour,
		PendingMaxAge:       24 * time.Hour,
		StorageCheckEvery:   time.Hour,
		StorageThresholdMB:  50,
		OperationTimeout:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = d.FinalizeTimeout
	}
	if c.ResumeSettle <= 0 {
		c.ResumeSettle = d.ResumeSettle
	}
	if c.OpenSettle <= 0 {
		c.OpenSettle = d.OpenSettle
	}
	if c.FreshSessionDelay <= 0 {
		c.FreshSessionDelay = d.FreshSessionDelay
	}
	if c.PendingResumeDelay <= 0 {
		c.PendingResumeDelay = d.PendingResumeDelay
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.BacklogMaxChunks <= 0 {
		c.BacklogMaxChunks = d.BacklogMaxChunks
	}
	if c.BacklogMaxAge <= 0 {
		c.BacklogMaxAge = d.BacklogMaxAge
	}
	if c.BacklogCheckEvery <= 0 {
		c.BacklogCheckEvery = d.BacklogCheckEvery
	}
	if c.ReplayPerSecond <= 0 {
		c.ReplayPerSecond = d.ReplayPerSecond
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = d.DrainBatchSize
	}
	if c.DrainBatchGap <= 0 {
		c.DrainBatchGap = d.DrainBatchGap
	}
	if c.StaleSweepInterval <= 0 {
		c.StaleSweepInterval = d.StaleSweepInterval
	}
	if c.StaleSweepDelay <= 0 {
		c.StaleSweepDelay = d.StaleSweepDelay
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.PendingCleanupEvery <= 0 {
		c.PendingCleanupEvery = d.PendingCleanupEvery
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = d.PendingMaxAge
	}
	if c.StorageCheckEvery <= 0 {
		c.StorageCheckEvery = d.StorageCheckEvery
	}
	if c.StorageThresholdMB <= 0 {
		c.StorageThresholdMB = d.StorageThresholdMB
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	return c
}
