package client

import (
	"context"

	"crowdmirror/internal/domain"
	"crowdmirror/internal/wire"
)

// RegisterNotifications subscribes a type's events to a webhook endpoint
// and mirrors the registration. Passing no event types subscribes all of
// them.
func (c *Client) RegisterNotifications(ctx context.Context, typeID, destination string, eventTypes []string) error {
	if len(eventTypes) == 0 {
		eventTypes = wire.AllEventTypes
	}
	if err := c.facade.RegisterNotificationHandler(ctx, typeID, destination, "REST", eventTypes); err != nil {
		return err
	}
	return c.store.PutNotificationRegistration(ctx, domain.NotificationRegistration{
		TypeID:         typeID,
		RegisteredTime: c.Now(),
	})
}

// StopNotifications disables a type's event delivery and drops the
// mirrored registration.
func (c *Client) StopNotifications(ctx context.Context, typeID string) error {
	if err := c.facade.DisableNotificationHandler(ctx, typeID); err != nil {
		return err
	}
	return c.store.DeleteNotificationRegistration(ctx, typeID)
}

// SendTestNotification asks the remote to deliver a synthetic event to the
// destination, to verify the webhook is reachable.
func (c *Client) SendTestNotification(ctx context.Context, destination, eventType string) error {
	return c.facade.SendTestNotification(ctx, destination, "REST", eventType)
}

// NotificationRegistrations lists the mirrored registrations.
func (c *Client) NotificationRegistrations(ctx context.Context) ([]domain.NotificationRegistration, error) {
	return c.store.ListNotificationRegistrations(ctx)
}

// HandleEvent reacts to one delivered event: the registration is marked
// connected and, since events prove local state is stale, a sync is
// suggested. Event bursts coalesce into at most one sync per interval.
func (c *Client) HandleEvent(ctx context.Context, ev domain.NotificationEvent) error {
	if ev.TypeID != "" {
		if err := c.store.TouchNotificationRegistration(ctx, ev.TypeID, c.Now()); err != nil {
			c.log.Warn("event for unregistered type", "type_id", ev.TypeID, "event_type", ev.EventType)
		}
	}
	c.log.Info("notification event",
		"event_type", ev.EventType,
		"type_id", ev.TypeID,
		"work_unit_id", ev.WorkUnitID,
		"assignment_id", ev.AssignmentID)
	_, err := c.SuggestSync(ctx, false)
	return err
}
