package daemon

import "github.com/servicestatus/agent/internal/domain"

// Wire envelopes for the websocket protocol. Every message carries an
// "event" discriminator so the backend can parse them uniformly.

// ServiceInfo is the static service metadata sent to the backend.
type ServiceInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Schedule    string `json:"schedule"`
}

// AgentHelloEvent is the initial handshake message: the agent credential
// plus the full catalog of installed services.
type AgentHelloEvent struct {
	Event    string        `json:"event"`
	AgentKey string        `json:"agent_key"`
	Services []ServiceInfo `json:"services"`
}

// StatusUpdate is one delivered status event.
type StatusUpdate struct {
	ServiceID string `json:"service_id"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// StatusUpdateEvent wraps a StatusUpdate for the wire.
type StatusUpdateEvent struct {
	Event  string       `json:"event"`
	Update StatusUpdate `json:"update"`
}

// ServiceAddedEvent announces a newly installed service.
type ServiceAddedEvent struct {
	Event   string      `json:"event"`
	Service ServiceInfo `json:"service"`
}

// ServiceRemovedEvent announces a removed service.
type ServiceRemovedEvent struct {
	Event     string `json:"event"`
	ServiceID string `json:"service_id"`
}

// Event discriminator values.
const (
	EventAgentHello     = "agent_hello"
	EventStatusUpdate   = "status_update"
	EventServiceAdded   = "service_added"
	EventServiceRemoved = "service_removed"
)

func newServiceInfo(rec domain.ServiceRecord) ServiceInfo {
	return ServiceInfo{
		ID:          rec.ID,
		Name:        rec.Manifest.Name,
		Description: rec.Manifest.Description,
		Version:     rec.Manifest.Version,
		Schedule:    rec.Manifest.Schedule,
	}
}

func newStatusUpdateEvent(ev domain.StatusEvent) StatusUpdateEvent {
	return StatusUpdateEvent{
		Event: EventStatusUpdate,
		Update: StatusUpdate{
			ServiceID: ev.ServiceID,
			Timestamp: ev.Timestamp,
			Status:    string(ev.Status),
			Message:   ev.Message,
		},
	}
}
