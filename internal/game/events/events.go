package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of a server→client game event.
type EventType string

const (
	EventTypeOfferReceived    EventType = "OfferReceived"
	EventTypeOfferRejected    EventType = "OfferRejected"
	EventTypeOfferAccepted    EventType = "OfferAccepted"
	EventTypeDepositCountdown EventType = "DepositCountdown"
	EventTypeDepositConfirmed EventType = "DepositConfirmed"
	EventTypeDepositTimeout   EventType = "DepositTimeout"
	EventTypeGameStarted      EventType = "GameStarted"
	EventTypeRoundStarted     EventType = "RoundStarted"
	EventTypeChoiceMade       EventType = "ChoiceMade"
	EventTypePowerUpdate      EventType = "PowerUpdate"
	EventTypeRoundResolved    EventType = "RoundResolved"
	EventTypeGameCompleted    EventType = "GameCompleted"
	EventTypeGameCancelled    EventType = "GameCancelled"
	EventTypeChatMessage      EventType = "ChatMessage"
	EventTypeSessionState     EventType = "SessionState"
	// EventTypeError carries a synchronous validation/authorization
	// failure back to the originating client only; never broadcast.
	EventTypeError EventType = "Error"
)

// GameEvent is the envelope for all server→client events.
type GameEvent struct {
	ID        string          `json:"id"`        // Event UUID
	GameID    string          `json:"game_id"`   // Session UUID (room key)
	Type      EventType       `json:"type"`      // Event type
	Timestamp time.Time       `json:"timestamp"` // Event creation time
	Data      json.RawMessage `json:"data"`      // Event-specific payload
}

// New wraps a payload into a GameEvent envelope.
func New(gameID uuid.UUID, eventType EventType, payload interface{}) (*GameEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &GameEvent{
		ID:        uuid.New().String(),
		GameID:    gameID.String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Broadcaster delivers events to connected room participants. The
// gateway's connection manager is the production implementation.
type Broadcaster interface {
	// BroadcastToGame sends an event to every connection in the game room.
	BroadcastToGame(gameID uuid.UUID, event *GameEvent)
	// BroadcastToUser sends an event only to the named participant.
	BroadcastToUser(gameID uuid.UUID, address string, event *GameEvent)
}

// ParseEventPayload parses event data into the matching payload struct.
func ParseEventPayload(event *GameEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeOfferReceived:
		return decode[OfferReceivedPayload](event.Data)
	case EventTypeOfferRejected:
		return decode[OfferRejectedPayload](event.Data)
	case EventTypeOfferAccepted:
		return decode[OfferAcceptedPayload](event.Data)
	case EventTypeDepositCountdown:
		return decode[DepositCountdownPayload](event.Data)
	case EventTypeDepositConfirmed:
		return decode[DepositConfirmedPayload](event.Data)
	case EventTypeDepositTimeout:
		return decode[DepositTimeoutPayload](event.Data)
	case EventTypeGameStarted:
		return decode[GameStartedPayload](event.Data)
	case EventTypeRoundStarted:
		return decode[RoundStartedPayload](event.Data)
	case EventTypeChoiceMade:
		return decode[ChoiceMadePayload](event.Data)
	case EventTypePowerUpdate:
		return decode[PowerUpdatePayload](event.Data)
	case EventTypeRoundResolved:
		return decode[RoundResolvedPayload](event.Data)
	case EventTypeGameCompleted:
		return decode[GameCompletedPayload](event.Data)
	case EventTypeGameCancelled:
		return decode[GameCancelledPayload](event.Data)
	case EventTypeChatMessage:
		return decode[ChatMessagePayload](event.Data)
	case EventTypeSessionState:
		return decode[SessionStatePayload](event.Data)
	case EventTypeError:
		return decode[ErrorPayload](event.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", event.Type)
	}
}

func decode[T any](data json.RawMessage) (T, error) {
	var payload T
	err := json.Unmarshal(data, &payload)
	return payload, err
}
