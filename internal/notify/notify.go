// Package notify delivers best-effort lifecycle notifications. A failed
// delivery is reported to the caller but never undoes a state change.
package notify

import (
	"context"
	"log/slog"
)

// Notification types.
const (
	TypeSubmitted = "request.submitted"
	TypeApproved  = "ticket.approved"
	TypeRejected  = "ticket.rejected"
	TypeCancelled = "ticket.cancelled"
	TypeSucceeded = "request.succeeded"
	TypeFailed    = "request.failed"
)

type Notification struct {
	Type        string         `json:"type"`
	EventID     string         `json:"event_id"`
	TicketID    string         `json:"ticket_id,omitempty"`
	AggregateID string         `json:"aggregate_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Status      string         `json:"status"`
	TS          string         `json:"ts"`
	Details     map[string]any `json:"details,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Send(context.Context, Notification) error { return nil }

// Deliver sends n and logs a failure instead of returning it.
func Deliver(ctx context.Context, s Sender, logger *slog.Logger, n Notification) {
	if s == nil {
		return
	}
	if err := s.Send(ctx, n); err != nil && logger != nil {
		logger.Warn("notification failed",
			slog.String("type", n.Type),
			slog.String("event_id", n.EventID),
			slog.String("error", err.Error()))
	}
}
