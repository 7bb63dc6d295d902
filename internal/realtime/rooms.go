package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sapliy/marketpulse/internal/auth"
	"github.com/sapliy/marketpulse/pkg/observability"
)

// ErrAccessDenied rejects a room join. The connection stays open; the caller
// sends a room_denied event so the denial is never silent.
var ErrAccessDenied = errors.New("access denied")

// ConnLookup resolves a user's live connections. Implemented by the Registry.
type ConnLookup interface {
	ConnectionsForUser(userID string) []*Connection
}

// ConnEvictor tears down a connection by id. Implemented by the Registry.
type ConnEvictor interface {
	Disconnect(connID string)
}

// slowConsumerStrikes is how many consecutive full-buffer sends a connection
// gets before the fanout evicts it.
const slowConsumerStrikes = 3

type room struct {
	// fanout serializes broadcasts so delivery order within a room matches
	// the order broadcasts were issued.
	fanout  sync.Mutex
	members map[string]struct{}
}

// RoomManager tracks room membership keyed by user id (a user with two devices
// counts once) and fans events out to every device of every member.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*room

	conns   ConnLookup
	evictor ConnEvictor
	authz   auth.RoomAuthorizer
	log     *observability.Logger
}

func NewRoomManager(conns ConnLookup, authz auth.RoomAuthorizer, log *observability.Logger) *RoomManager {
	evictor, _ := conns.(ConnEvictor)
	return &RoomManager{
		rooms:   make(map[string]*room),
		conns:   conns,
		evictor: evictor,
		authz:   authz,
		log:     log.WithComponent("rooms"),
	}
}

// Join authorizes and records membership, and marks the joining device's room
// set. Personal rooms (roomType "user") are joined by the registry without a
// policy round-trip only for the owner.
func (rm *RoomManager) Join(ctx context.Context, conn *Connection, roomID, roomType string) error {
	if rm.authz != nil {
		ok, err := rm.authz.CanJoin(auth.WithRole(ctx, conn.Role), conn.UserID, roomID, roomType)
		if err != nil {
			return fmt.Errorf("room authorization failed: %w", err)
		}
		if !ok {
			return ErrAccessDenied
		}
	}

	rm.joinMember(conn.UserID, roomID)
	conn.addRoom(roomID)

	rm.Broadcast(roomID, EventRoomJoined, map[string]string{
		"room_id": roomID,
		"user_id": conn.UserID,
	})
	return nil
}

func (rm *RoomManager) joinMember(userID, roomID string) {
	rm.mu.Lock()
	r, ok := rm.rooms[roomID]
	if !ok {
		r = &room{members: make(map[string]struct{})}
		rm.rooms[roomID] = r
		ActiveRooms.Inc()
	}
	r.members[userID] = struct{}{}
	rm.mu.Unlock()
}

// Leave removes the user from the room across all devices. The departure is
// announced before membership is dropped, so the leaver receives their own
// room_left event even when they were the last member. Removing the last
// member deletes the room record.
func (rm *RoomManager) Leave(userID, roomID string) {
	rm.mu.RLock()
	r, ok := rm.rooms[roomID]
	if ok {
		_, ok = r.members[userID]
	}
	rm.mu.RUnlock()
	if !ok {
		return
	}

	rm.Broadcast(roomID, EventRoomLeft, map[string]string{
		"room_id": roomID,
		"user_id": userID,
	})

	rm.mu.Lock()
	if r, ok := rm.rooms[roomID]; ok {
		delete(r.members, userID)
		if len(r.members) == 0 {
			delete(rm.rooms, roomID)
			ActiveRooms.Dec()
		}
	}
	rm.mu.Unlock()

	for _, c := range rm.conns.ConnectionsForUser(userID) {
		c.removeRoom(roomID)
	}
}

// dropConnection prunes membership for a disconnecting device. The user stays
// a member of a room while another of their devices has it joined.
func (rm *RoomManager) dropConnection(conn *Connection) {
	for _, roomID := range conn.Rooms() {
		stillJoined := false
		for _, other := range rm.conns.ConnectionsForUser(conn.UserID) {
			if other.ID != conn.ID && other.inRoom(roomID) {
				stillJoined = true
				break
			}
		}
		if !stillJoined {
			rm.Leave(conn.UserID, roomID)
		}
	}
}

// Broadcast fans an event out to every device of every member, in issue order
// per room. A slow consumer drops the event; one that keeps failing for
// slowConsumerStrikes consecutive sends is disconnected.
func (rm *RoomManager) Broadcast(roomID, event string, data interface{}) {
	rm.mu.RLock()
	r, ok := rm.rooms[roomID]
	var members []string
	if ok {
		members = make([]string, 0, len(r.members))
		for id := range r.members {
			members = append(members, id)
		}
	}
	rm.mu.RUnlock()

	if !ok {
		return
	}

	// Eviction happens after the fanout lock is released: Disconnect prunes
	// membership, which broadcasts into this room again.
	var evict []*Connection

	r.fanout.Lock()
	ev := OutboundEvent{Event: event, Data: data}
	for _, userID := range members {
		for _, c := range rm.conns.ConnectionsForUser(userID) {
			if c.Send(ev) {
				continue
			}
			rm.log.Warn("dropping event for slow consumer",
				"room", roomID, "user", userID, "conn", c.ID, "event", event)
			if rm.evictor != nil && c.sendFailures() >= slowConsumerStrikes {
				evict = append(evict, c)
			}
		}
	}
	BroadcastsTotal.WithLabelValues(event).Inc()
	r.fanout.Unlock()

	for _, c := range evict {
		rm.log.Info("evicting slow consumer", "conn", c.ID, "user", c.UserID, "room", roomID)
		DroppedConnections.Inc()
		rm.evictor.Disconnect(c.ID)
	}
}

// EmitToUser delivers directly to all of one user's devices, bypassing rooms.
func (rm *RoomManager) EmitToUser(userID, event string, data interface{}) bool {
	delivered := false
	ev := OutboundEvent{Event: event, Data: data}
	for _, c := range rm.conns.ConnectionsForUser(userID) {
		if c.Send(ev) {
			delivered = true
		}
	}
	return delivered
}

// OnlineMembers lists members of the room that have at least one live device.
func (rm *RoomManager) OnlineMembers(roomID string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	r, ok := rm.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		if len(rm.conns.ConnectionsForUser(id)) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// RoomCount reports how many rooms currently have members.
func (rm *RoomManager) RoomCount() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms)
}

// IsMember reports room membership for a user.
func (rm *RoomManager) IsMember(userID, roomID string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	r, ok := rm.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = r.members[userID]
	return ok
}
