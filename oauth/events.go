package oauth

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event type constants for oauth manager events.
// Following CloudEvents specification reverse domain notation.
const (
	EventTypeProviderRegistered = "com.modhost.oauth.provider.registered"
	EventTypeAuthStarted        = "com.modhost.oauth.auth.started"
	EventTypeAuthCompleted      = "com.modhost.oauth.auth.completed"
	EventTypeAuthFailed         = "com.modhost.oauth.auth.failed"
	EventTypeTokenRefreshed     = "com.modhost.oauth.token.refreshed" // #nosec G101 - not a credential
	EventTypeRefreshFailed      = "com.modhost.oauth.token.refresh_failed"
	EventTypeTokenRevoked       = "com.modhost.oauth.token.revoked" // #nosec G101 - not a credential
)

const eventSource = "modhost.oauth"

// EventEmitter receives manager events.
type EventEmitter interface {
	EmitEvent(ctx context.Context, event cloudevents.Event) error
}

func (m *Manager) emitEvent(ctx context.Context, eventType string, data map[string]any) {
	if m.emitter == nil {
		return
	}
	event := cloudevents.NewEvent()
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	event.SetID(id.String())
	event.SetType(eventType)
	event.SetSource(eventSource)
	event.SetTime(time.Now())
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	_ = m.emitter.EmitEvent(ctx, event)
}
