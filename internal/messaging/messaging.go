// Package messaging provides the live notification channel that pushes
// alerts and access activity to subscribed administrator sessions.
package messaging

import "context"

// Subject constants for the notification bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// SubjectAlertsCreated carries every durable alert as it is created.
	SubjectAlertsCreated = "access.alerts.created"

	// SubjectAccessAttempt carries the live access-attempt feed.
	SubjectAccessAttempt = "access.events.attempt"

	// SubjectDoorStatus carries door online/offline transitions.
	SubjectDoorStatus = "access.doors.status"
)

// Publisher publishes notifications to subjects. Implementations must be
// safe for concurrent use.
type Publisher interface {
	// Publish sends a message to the specified subject, fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases any resources held by the publisher.
	Close() error
}

// NopPublisher discards every message. Used when no broker is configured and
// in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, subject string, data []byte) error { return nil }
func (NopPublisher) Close() error                                                   { return nil }
