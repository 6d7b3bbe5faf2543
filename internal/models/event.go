package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is published after a defence command completes
type Event struct {
	ID           uuid.UUID  `json:"id"`
	CreatedAt    time.Time  `json:"createdAt"`
	DeviceSerial string     `json:"deviceSerial"`
	Type         EventType  `json:"type"`
	Level        EventLevel `json:"level"`
	Description  string     `json:"description"`
	Details      Variables  `json:"details,omitempty"`
}

// EventType represents event types
type EventType string

const (
	EventTypeDefenceArmed    EventType = "DEFENCE_ARMED"
	EventTypeDefenceDisarmed EventType = "DEFENCE_DISARMED"
	EventTypeDefenceFailed   EventType = "DEFENCE_FAILED"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelInfo  EventLevel = "INFO"
	EventLevelError EventLevel = "ERROR"
)

// NewDefenceEvent describes the outcome of cmd
func NewDefenceEvent(cmd *DefenceCommand) *Event {
	ev := &Event{
		ID:           uuid.New(),
		CreatedAt:    time.Now().UTC(),
		DeviceSerial: cmd.DeviceSerial,
		Level:        EventLevelInfo,
		Details: Variables{
			"commandId": cmd.ID.String(),
			"enable":    cmd.Enable,
			"source":    string(cmd.Source),
		},
	}

	switch {
	case !cmd.Success:
		ev.Type = EventTypeDefenceFailed
		ev.Level = EventLevelError
		ev.Description = cmd.Error
	case cmd.Enable == 1:
		ev.Type = EventTypeDefenceArmed
		ev.Description = "defence mode armed"
	default:
		ev.Type = EventTypeDefenceDisarmed
		ev.Description = "defence mode disarmed"
	}
	return ev
}
