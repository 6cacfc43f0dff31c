package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventMessage is the work item on the queue. Workers load everything else
// from the event store.
type EventMessage struct {
	EventID string `json:"event_id"`
}

var (
	ErrEmptyMessage     = errors.New("message has no event id")
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

func EncodeMessage(eventID string) ([]byte, error) {
	if eventID == "" {
		return nil, ErrEmptyMessage
	}
	return json.Marshal(EventMessage{EventID: eventID})
}

func DecodeMessage(body []byte) (EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return EventMessage{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.EventID == "" {
		return EventMessage{}, ErrEmptyMessage
	}
	return msg, nil
}
