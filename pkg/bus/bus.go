// Package bus provides the event bus the formatting pipeline publishes
// telemetry on: formatted responses, experiment lifecycle transitions, and
// configuration changes. The default implementation uses NATS, with an
// in-memory option for testing.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Subjects published by the pipeline.
const (
	SubjectResponseFormatted  = "burnish.response.formatted"
	SubjectExperimentCreated  = "burnish.experiment.created"
	SubjectExperimentStopped  = "burnish.experiment.stopped"
	SubjectExperimentExpired  = "burnish.experiment.expired"
	SubjectConfigUpdated      = "burnish.config.updated"
	SubjectFeedbackReceived   = "burnish.feedback.received"
	SubjectExperimentAnalyzed = "burnish.experiment.analyzed"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// EventBus is the narrow pub/sub surface the pipeline publishes on.
// Implementations must be safe for concurrent use.
type EventBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Supports wildcards: "burnish.experiment.*" matches
	// "burnish.experiment.created".
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Handler processes incoming messages.
type Handler func(msg *Message)

// Message is an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Config holds configuration for creating an EventBus.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	// Ignored for the in-memory bus.
	URL string `yaml:"url"`

	// Name is a client identifier for debugging/monitoring.
	Name string `yaml:"name"`

	// Timeout is the default timeout for connection operations.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "burnish",
		Timeout: 30 * time.Second,
	}
}

// PublishJSON marshals the payload and publishes it. A nil bus is a no-op,
// so callers can leave the bus unconfigured.
func PublishJSON(ctx context.Context, b EventBus, subject string, payload any) error {
	if b == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.Publish(ctx, subject, data)
}
