package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Session lifecycle events
	EventSessionConnected    EventType = "session.connected"
	EventSessionDisconnected EventType = "session.disconnected"

	// Configuration events
	EventConfigSubmitted EventType = "config.submitted"
	EventConfigReloaded  EventType = "config.reloaded"

	// Repository events
	EventRepositoryAdded    EventType = "repository.added"
	EventRepositoryUpdated  EventType = "repository.updated"
	EventRepositoryDeleted  EventType = "repository.deleted"
	EventRepositorySelected EventType = "repository.selected"
	EventRepositoryDenied   EventType = "repository.denied"

	// File tree events
	EventTreeFetched     EventType = "tree.fetched"
	EventTreeFetchFailed EventType = "tree.fetch_failed"

	// Chat events
	EventChatExchange EventType = "chat.exchange"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	EventType EventType `json:"event_type"`
	Result    Result    `json:"result"`

	// Client information
	RemoteAddr string `json:"remote_addr,omitempty"`

	// Resource information
	Resource     string `json:"resource,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`

	// Action details
	Action      string                 `json:"action,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error string `json:"error,omitempty"`

	// Duration tracking
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithSessionID sets the session the event belongs to
func (e *Event) WithSessionID(id string) *Event {
	e.SessionID = id
	return e
}

// WithRemoteAddr sets the client address that triggered the event
func (e *Event) WithRemoteAddr(addr string) *Event {
	e.RemoteAddr = addr
	return e
}

// WithResource sets the resource being acted upon
func (e *Event) WithResource(resource, resourceType string) *Event {
	e.Resource = resource
	e.ResourceType = resourceType
	return e
}

// WithAction sets the action being performed
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information and marks the event failed
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
