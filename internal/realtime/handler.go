package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sapliy/marketpulse/internal/auth"
	"github.com/sapliy/marketpulse/pkg/observability"
)

// LocationSink receives driver location updates decoded off the wire. The
// geofence engine implements it; the handler only hands off and returns.
type LocationSink interface {
	IngestRaw(ctx context.Context, agentID string, ev LocationUpdateEvent) error
}

// Handler terminates websocket connections and dispatches inbound events.
type Handler struct {
	registry *Registry
	rooms    *RoomManager
	location LocationSink
	upgrader websocket.Upgrader
	log      *observability.Logger
}

func NewHandler(registry *Registry, rooms *RoomManager, location LocationSink, log *observability.Logger) *Handler {
	return &Handler{
		registry: registry,
		rooms:    rooms,
		location: location,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.WithComponent("ws"),
	}
}

// ServeWS upgrades the request and runs the connection's read loop until the
// client goes away.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	conn, err := h.registry.Connect(r.Context(), token, r.RemoteAddr, ws)
	if err != nil {
		h.rejectSocket(ws, err)
		return
	}

	h.readLoop(conn, ws)
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (h *Handler) rejectSocket(ws *websocket.Conn, err error) {
	code := websocket.ClosePolicyViolation
	msg := "connection rejected"
	switch {
	case errors.Is(err, ErrRateLimited):
		msg = "rate limit exceeded"
	case errors.Is(err, auth.ErrNotAuthenticated):
		msg = "authentication failed"
	}
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), deadline)
	ws.Close()
}

func (h *Handler) readLoop(conn *Connection, ws *websocket.Conn) {
	defer h.registry.Disconnect(conn.ID)

	ws.SetReadLimit(64 << 10)
	ws.SetPongHandler(func(string) error {
		h.registry.Heartbeat(context.Background(), conn.ID)
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("read error", "conn", conn.ID, "err", err)
			}
			return
		}
		conn.Touch()

		ev, err := DecodeInbound(raw)
		if err != nil {
			conn.Send(OutboundEvent{Event: EventError, Data: map[string]string{"error": err.Error()}})
			continue
		}

		if err := h.dispatch(conn, ev); err != nil {
			conn.Send(OutboundEvent{Event: EventError, Data: map[string]string{"error": err.Error()}})
		}
	}
}

// dispatch routes a decoded event to the owning engine. The event set is
// closed; every kind is handled here.
func (h *Handler) dispatch(conn *Connection, ev InboundEvent) error {
	ctx := context.Background()

	switch e := ev.(type) {
	case HeartbeatEvent:
		h.registry.Heartbeat(ctx, conn.ID)
		return nil

	case *JoinRoomEvent:
		if err := h.rooms.Join(ctx, conn, e.RoomID, e.RoomType); err != nil {
			if errors.Is(err, ErrAccessDenied) {
				conn.Send(OutboundEvent{Event: EventRoomDenied, Data: map[string]string{"room_id": e.RoomID}})
				return nil
			}
			return err
		}
		return nil

	case *LeaveRoomEvent:
		h.rooms.Leave(conn.UserID, e.RoomID)
		return nil

	case *ChatMessageEvent:
		if !h.rooms.IsMember(conn.UserID, e.RoomID) {
			return ErrAccessDenied
		}
		h.rooms.Broadcast(e.RoomID, EventChatMessage, map[string]interface{}{
			"room_id": e.RoomID,
			"from":    conn.UserID,
			"body":    e.Body,
			"at":      time.Now().UTC(),
		})
		return nil

	case *LocationUpdateEvent:
		if h.location == nil {
			return nil
		}
		return h.location.IngestRaw(ctx, conn.UserID, *e)

	case *StatusChangeEvent:
		event := EventOrderStatusUpdate
		if strings.HasPrefix(e.RoomID, "ride:") {
			event = EventRideStatusUpdate
		}
		if !h.rooms.IsMember(conn.UserID, e.RoomID) {
			return ErrAccessDenied
		}
		h.rooms.Broadcast(e.RoomID, event, map[string]string{
			"room_id": e.RoomID,
			"status":  e.Status,
			"by":      conn.UserID,
		})
		return nil

	default:
		return ErrInvalidEvent
	}
}
