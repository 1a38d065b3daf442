// Package events publishes user change notifications to the message queue.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/usersvc/apiserver/internal/mq"
	"github.com/usersvc/apiserver/types"
)

const (
	TypeUserCreated = "user.created"
	TypeUserUpdated = "user.updated"
)

// Publisher is the subset of mq.MQ used to send events.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// UserEvent describes a stored change to a user. It never carries credentials.
type UserEvent struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	UserID      int       `json:"user_id"`
	Username    string    `json:"username"`
	IsActive    bool      `json:"is_active"`
	IsSuperuser bool      `json:"is_superuser"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// UserEvents sends user events to a single channel.
type UserEvents struct {
	publisher Publisher
	channel   string
}

func NewUserEvents(publisher Publisher, channel string) *UserEvents {
	return &UserEvents{publisher: publisher, channel: channel}
}

func (e *UserEvents) UserCreated(ctx context.Context, user types.User) error {
	return e.publish(ctx, TypeUserCreated, user, user.CreatedAt)
}

func (e *UserEvents) UserUpdated(ctx context.Context, user types.User) error {
	return e.publish(ctx, TypeUserUpdated, user, user.UpdatedAt)
}

func (e *UserEvents) publish(ctx context.Context, kind string, user types.User, at time.Time) error {
	event := UserEvent{
		ID:          uuid.NewString(),
		Type:        kind,
		UserID:      user.ID,
		Username:    user.Username,
		IsActive:    user.IsActive,
		IsSuperuser: user.IsSuperuser,
		OccurredAt:  at,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := e.publisher.Publish(ctx, e.channel, data, map[string]string{mq.AttrEventType: kind}); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

// Decode parses a message produced by UserEvents.
func Decode(msg mq.Message) (UserEvent, error) {
	var event UserEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return UserEvent{}, fmt.Errorf("decode user event: %w", err)
	}
	if event.Type == "" {
		return UserEvent{}, errors.New("decode user event: missing type")
	}
	return event, nil
}
