package billing

import "context"

// EventArchive keeps verified raw webhook payloads for operator replay and audit.
type EventArchive interface {
	Archive(ctx context.Context, provider, eventID string, payload []byte) error
}

type noopArchive struct{}

func (noopArchive) Archive(context.Context, string, string, []byte) error { return nil }
