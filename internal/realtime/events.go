package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent marks a malformed or unknown inbound event. The handler
// converts it to an error event back to the sender; no state changes.
var ErrInvalidEvent = errors.New("invalid event")

// Names of events emitted to clients.
const (
	EventUserConnected        = "user_connected"
	EventUserDisconnected     = "user_disconnected"
	EventRoomJoined           = "room_joined"
	EventRoomLeft             = "room_left"
	EventRoomDenied           = "room_denied"
	EventNewNotification      = "new_notification"
	EventDriverLocationUpdate = "driver_location_update"
	EventETAUpdate            = "eta_update"
	EventOrderStatusUpdate    = "order_status_update"
	EventRideStatusUpdate     = "ride_status_update"
	EventServerShutdown       = "server_shutdown"
	EventChatMessage          = "chat_message"
	EventError                = "error"
)

// OutboundEvent is the envelope written to client sockets.
type OutboundEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// InboundKind enumerates every message kind a client may send. The set is
// closed: decoding anything else fails with ErrInvalidEvent.
type InboundKind string

const (
	KindHeartbeat      InboundKind = "heartbeat"
	KindJoinRoom       InboundKind = "join_room"
	KindLeaveRoom      InboundKind = "leave_room"
	KindChatMessage    InboundKind = "chat_message"
	KindLocationUpdate InboundKind = "location_update"
	KindStatusChange   InboundKind = "status_change"
)

// InboundEvent is the decoded form of a client message. Exactly one concrete
// type exists per InboundKind.
type InboundEvent interface {
	Kind() InboundKind
}

type HeartbeatEvent struct{}

func (HeartbeatEvent) Kind() InboundKind { return KindHeartbeat }

type JoinRoomEvent struct {
	RoomID   string `json:"room_id"`
	RoomType string `json:"room_type"`
}

func (JoinRoomEvent) Kind() InboundKind { return KindJoinRoom }

type LeaveRoomEvent struct {
	RoomID string `json:"room_id"`
}

func (LeaveRoomEvent) Kind() InboundKind { return KindLeaveRoom }

type ChatMessageEvent struct {
	RoomID string `json:"room_id"`
	Body   string `json:"body"`
}

func (ChatMessageEvent) Kind() InboundKind { return KindChatMessage }

type LocationUpdateEvent struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Heading    float64 `json:"heading,omitempty"`
	SpeedKmh   float64 `json:"speed_kmh,omitempty"`
	AccuracyM  float64 `json:"accuracy_m,omitempty"`
	BatteryPct float64 `json:"battery_pct,omitempty"`
	OrderID    string  `json:"order_id,omitempty"`
	RideID     string  `json:"ride_id,omitempty"`
}

func (LocationUpdateEvent) Kind() InboundKind { return KindLocationUpdate }

type StatusChangeEvent struct {
	RoomID string `json:"room_id"`
	Status string `json:"status"`
}

func (StatusChangeEvent) Kind() InboundKind { return KindStatusChange }

type inboundEnvelope struct {
	Kind InboundKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// DecodeInbound parses a raw client frame into its typed event.
func DecodeInbound(raw []byte) (InboundEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	decode := func(v InboundEvent) (InboundEvent, error) {
		if len(env.Data) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			return nil, fmt.Errorf("%w: bad %s payload: %v", ErrInvalidEvent, env.Kind, err)
		}
		return v, nil
	}

	switch env.Kind {
	case KindHeartbeat:
		return HeartbeatEvent{}, nil
	case KindJoinRoom:
		return decode(&JoinRoomEvent{})
	case KindLeaveRoom:
		return decode(&LeaveRoomEvent{})
	case KindChatMessage:
		return decode(&ChatMessageEvent{})
	case KindLocationUpdate:
		return decode(&LocationUpdateEvent{})
	case KindStatusChange:
		return decode(&StatusChangeEvent{})
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, env.Kind)
	}
}

// PresenceData is the payload for user_connected / user_disconnected.
type PresenceData struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}
