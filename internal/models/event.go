package models

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventChannelOpened EventType = "channel_opened"
	EventChannelClosed EventType = "channel_closed"
	EventGameSettled   EventType = "game"
	EventLottoTicket   EventType = "lotto_buy"
	EventLottoDrawn    EventType = "lotto_draw"
	EventFairness      EventType = "fairness_violation"
)

// Event is the public arena feed entry. Agents appear shortened and
// signatures or proofs are never attached.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action,omitempty"`
	Agent     string                 `json:"agent,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

var privateEventFields = []string{"signature", "proof", "casinoSeed", "agentSeed", "randomValue"}

func NewEvent(typ EventType, action, agent string, data map[string]interface{}) *Event {
	clean := make(map[string]interface{}, len(data))
	for k, v := range data {
		clean[k] = v
	}
	for _, k := range privateEventFields {
		delete(clean, k)
	}

	return &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Action:    action,
		Agent:     shortAgent(agent),
		Data:      clean,
		Timestamp: time.Now().UnixMilli(),
	}
}

func shortAgent(addr string) string {
	if addr == "" {
		return ""
	}
	if len(addr) < 10 {
		return "unknown"
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
