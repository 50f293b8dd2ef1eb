package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans events out over Redis pub/sub. The realtime edge
// (widget/dashboard websocket servers) subscribes to the channels below
// and forwards to connected clients.
//
// Channel scheme:
//
//	rt:dashboard:{organizationId}   dashboard clients of the org
//	rt:widget:{websiteId}           widget clients of the site
//
// Audience "all" publishes to both channels; "dashboard" and "widget"
// publish to one.
type RedisPublisher struct {
	rdb redis.UniversalClient
}

// NewRedisPublisher wraps an existing Redis client.
func NewRedisPublisher(rdb redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// DashboardChannel returns the dashboard pub/sub channel for an org.
func DashboardChannel(organizationID string) string {
	return "rt:dashboard:" + organizationID
}

// WidgetChannel returns the widget pub/sub channel for a website.
func WidgetChannel(websiteID string) string {
	return "rt:widget:" + websiteID
}

// Publish marshals the event once and publishes to the channels its
// audience selects.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", event.Kind, err)
	}

	var channels []string
	switch event.Audience {
	case AudienceDashboard:
		channels = []string{DashboardChannel(event.OrganizationID)}
	case AudienceWidget:
		channels = []string{WidgetChannel(event.WebsiteID)}
	default: // AudienceAll
		channels = []string{
			DashboardChannel(event.OrganizationID),
			WidgetChannel(event.WebsiteID),
		}
	}

	var firstErr error
	for _, ch := range channels {
		if err := p.rdb.Publish(ctx, ch, data).Err(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("publish %s: %w", ch, err)
		}
	}
	return firstErr
}
