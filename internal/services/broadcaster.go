package services

import "agent-royale-backend/internal/models"

// Broadcaster receives public arena events. Publish must not block.
type Broadcaster interface {
	Publish(evt *models.Event)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(*models.Event) {}
