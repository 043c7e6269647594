package logger

import (
	"log/slog"

	"github.com/google/uuid"
)

// Error records err under the key "error". A nil error yields an empty Attr,
// which slog drops, so callers need no nil check.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the local user id. uuid.Nil yields an empty Attr.
func UserID(id uuid.UUID) slog.Attr {
	if id == uuid.Nil {
		return slog.Attr{}
	}
	return slog.String("user_id", id.String())
}

// RequestID records the HTTP request id.
func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}

func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

func EventKind(kind string) slog.Attr {
	return slog.String("event_kind", kind)
}

func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// ProviderSubscriptionID records the provider's subscription id, empty for free plans.
func ProviderSubscriptionID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("provider_subscription_id", id)
}

// Outcome records the processing outcome of a webhook event.
func Outcome(outcome string) slog.Attr {
	return slog.String("outcome", outcome)
}

func Plan(plan string) slog.Attr {
	return slog.String("plan", plan)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
