package logging

import "log/slog"

// Common field names for consistent logging across components.
const (
	FieldService      = "service"
	FieldComponent    = "component"
	FieldRunID        = "run_id"
	FieldTopic        = "topic"
	FieldSubscription = "subscription"
	FieldTicketID     = "ticket_id"
	FieldMessageID    = "message_id"
	FieldAttempt      = "attempt"
	FieldEndpoint     = "endpoint"
	FieldState        = "state"
	FieldRuleID       = "rule_id"
	FieldError        = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Component returns a slog attribute naming the pipeline component.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// Topic returns a slog attribute for the bus topic.
func Topic(topic string) slog.Attr {
	return slog.String(FieldTopic, topic)
}

// Subscription returns a slog attribute for the subscription path.
func Subscription(path string) slog.Attr {
	return slog.String(FieldSubscription, path)
}

// TicketID returns a slog attribute for a publish ticket.
func TicketID(id string) slog.Attr {
	return slog.String(FieldTicketID, id)
}

// MessageID returns a slog attribute for a bus message id.
func MessageID(id string) slog.Attr {
	return slog.String(FieldMessageID, id)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Endpoint returns a slog attribute for a remote endpoint.
func Endpoint(url string) slog.Attr {
	return slog.String(FieldEndpoint, url)
}

// State returns a slog attribute for a lifecycle state.
func State(s string) slog.Attr {
	return slog.String(FieldState, s)
}

// RuleID returns a slog attribute for a firehose rule id.
func RuleID(id string) slog.Attr {
	return slog.String(FieldRuleID, id)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
