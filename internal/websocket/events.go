package websocket

import (
	"errors"

	"github.com/rental-calendar-sync/backend/internal/calendar"
	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// EventBroadcaster turns sync results into WebSocket events. It implements
// the notifiers of the block import and iCal sync services.
type EventBroadcaster struct {
	hub *Hub
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub}
}

// BlockImportCompleted sends an import.blocks_completed event.
func (b *EventBroadcaster) BlockImportCompleted(orgID string, result *models.ImportResult) {
	payload := BlockImportPayload{
		Success:    result.Success,
		StopReason: result.StopReason,
		Stats:      result.Stats,
		Next:       result.Next,
		Pages:      result.Pages,
		ElapsedMs:  result.ElapsedMs,
		Error:      result.Error,
	}
	b.broadcast(NewMessage(TypeBlockImportCompleted, orgID, payload))

	if !result.Success {
		b.BroadcastNotification(orgID, "error", "Block import failed", result.Error)
	}
}

// ICalSyncCompleted sends an ical.sync_completed event.
func (b *EventBroadcaster) ICalSyncCompleted(orgID string, result *models.ICalSyncResult) {
	payload := ICalSyncPayload{
		Success: result.Success,
		Range:   result.Range,
		Stats:   result.Stats,
	}
	b.broadcast(NewMessage(TypeICalSyncCompleted, orgID, payload))
}

// FeedSyncFailed sends an ical.feed_error event.
func (b *EventBroadcaster) FeedSyncFailed(orgID string, feed models.ListingFeed, err error) {
	payload := FeedSyncErrorPayload{
		FeedID:      feed.ID,
		PropertyRef: feed.PropertyRef,
		Platform:    feed.Platform,
		Error:       feedErrorCode(err),
		Message:     err.Error(),
	}
	b.broadcast(NewMessage(TypeFeedSyncError, orgID, payload))
}

// IssueResolved sends an issue.resolved event.
func (b *EventBroadcaster) IssueResolved(orgID string, issue *models.UnresolvedIssue) {
	payload := IssuePayload{
		IssueID: issue.ID,
		Kind:    issue.Kind,
		Status:  issue.Status,
	}
	b.broadcast(NewMessage(TypeIssueResolved, orgID, payload))
}

// BroadcastNotification sends a notification to the clients of orgID.
func (b *EventBroadcaster) BroadcastNotification(orgID, level, title, message string) {
	payload := NotificationPayload{
		Level:       level,
		Title:       title,
		Message:     message,
		Dismissible: true,
	}
	b.broadcast(NewMessage(TypeNotification, orgID, payload))
}

func feedErrorCode(err error) string {
	var status *calendar.FeedStatusError
	switch {
	case errors.As(err, &status):
		return "feed_status"
	case errors.Is(err, calendar.ErrFeedTooLarge):
		return "feed_too_large"
	case errors.Is(err, calendar.ErrEmptyFeed):
		return "feed_empty"
	default:
		return "sync_error"
	}
}

// broadcast sends a message to the clients of its organization.
func (b *EventBroadcaster) broadcast(msg Message) {
	data, err := msg.JSON()
	if err != nil {
		logging.Error().Err(err).Str("type", string(msg.Type)).Msg("Error encoding WebSocket message")
		return
	}

	b.hub.Broadcast(msg.OrganizationID, data)
}
