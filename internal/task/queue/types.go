package queue

import (
	"context"
	"encoding/json"
	"time"

	"alarmaway/internal/task/engine"
)

type Config struct {
	// DefaultGrace is used when a request has no ExpiresAt.
	DefaultGrace time.Duration
	// RunTimeout bounds one handler attempt.
	RunTimeout time.Duration
	// RetryMax is passed to the engine per job.
	RetryMax int
}

func (c Config) withDefaults() Config {
	if c.DefaultGrace <= 0 {
		c.DefaultGrace = 2 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Second
	}
	return c
}

// Request describes a job to run at FireAt. Payload is JSON-encoded.
type Request struct {
	Kind      string
	Payload   any
	FireAt    time.Time
	ExpiresAt time.Time
}

// Job is what a handler receives.
type Job struct {
	ID        string
	Kind      string
	Payload   []byte
	FireAt    time.Time
	ExpiresAt time.Time
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error { return json.Unmarshal(j.Payload, v) }

type Handler func(ctx context.Context, job Job) error

// Executor runs fired jobs. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
}

// DispatchEvent is published on the event bus for queue lifecycle events.
type DispatchEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	FireAt    time.Time `json:"fire_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}
