package websocket

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeBlockImportCompleted MessageType = "import.blocks_completed"
	TypeICalSyncCompleted    MessageType = "ical.sync_completed"
	TypeFeedSyncError        MessageType = "ical.feed_error"
	TypeIssueResolved        MessageType = "issue.resolved"
	TypeNotification         MessageType = "notification"

	// Client -> Server command types
	TypePing MessageType = "ping"

	// Server -> Client response types
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type           MessageType `json:"type"`
	OrganizationID string      `json:"organization_id,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Payload        any         `json:"payload,omitempty"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, orgID string, payload any) Message {
	return Message{
		Type:           msgType,
		OrganizationID: orgID,
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// ClientMessage is a command sent by a client.
type ClientMessage struct {
	Type MessageType `json:"type"`
}

// BlockImportPayload is the payload for import.blocks_completed events.
type BlockImportPayload struct {
	Success    bool             `json:"success"`
	StopReason string           `json:"stop_reason"`
	Stats      models.SyncStats `json:"stats"`
	Next       models.Cursor    `json:"next"`
	Pages      int              `json:"pages"`
	ElapsedMs  int64            `json:"elapsed_ms"`
	Error      string           `json:"error,omitempty"`
}

// ICalSyncPayload is the payload for ical.sync_completed events.
type ICalSyncPayload struct {
	Success bool                 `json:"success"`
	Range   models.DateRange     `json:"range"`
	Stats   models.ICalSyncStats `json:"stats"`
}

// FeedSyncErrorPayload is the payload for ical.feed_error events.
type FeedSyncErrorPayload struct {
	FeedID      string `json:"feed_id"`
	PropertyRef string `json:"property_ref"`
	Platform    string `json:"platform"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

// IssuePayload is the payload for issue events.
type IssuePayload struct {
	IssueID string `json:"issue_id"`
	Kind    string `json:"kind"`
	Status  string `json:"status"`
}

// NotificationPayload is the payload for notification events.
type NotificationPayload struct {
	Level       string `json:"level"` // info, warning, error, success
	Title       string `json:"title"`
	Message     string `json:"message"`
	Dismissible bool   `json:"dismissible"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}
