package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sapliy/marketpulse/internal/auth"
	"github.com/sapliy/marketpulse/pkg/observability"
)

// SnapshotStore persists connect/disconnect facts so a restarted instance can
// reconcile the presence mirror. Persistence engine is a collaborator.
type SnapshotStore interface {
	RecordConnect(ctx context.Context, connID, userID, role string, at time.Time) error
	RecordDisconnect(ctx context.Context, connID string, at time.Time) error
}

// RegistryConfig tunes eviction behavior.
type RegistryConfig struct {
	InactivityTimeout time.Duration // default 5m
	SweepInterval     time.Duration // default 45s
}

// Registry owns every live Connection: it authenticates connects, tracks
// per-user socket sets, answers presence queries and evicts stale sockets.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection

	verifier  auth.Verifier
	limiter   *RateLimiter
	mirror    *PresenceMirror
	snapshots SnapshotStore
	rooms     *RoomManager
	log       *observability.Logger

	inactivity time.Duration
	sweepEvery time.Duration
}

func NewRegistry(verifier auth.Verifier, limiter *RateLimiter, mirror *PresenceMirror, snapshots SnapshotStore, log *observability.Logger, cfg RegistryConfig) *Registry {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 45 * time.Second
	}
	return &Registry{
		conns:      make(map[string]*Connection),
		byUser:     make(map[string]map[string]*Connection),
		verifier:   verifier,
		limiter:    limiter,
		mirror:     mirror,
		snapshots:  snapshots,
		log:        log.WithComponent("registry"),
		inactivity: cfg.InactivityTimeout,
		sweepEvery: cfg.SweepInterval,
	}
}

// SetRoomManager wires the room manager after construction; registry and rooms
// reference each other (personal-room join on connect, fanout on broadcast).
func (r *Registry) SetRoomManager(rm *RoomManager) {
	r.rooms = rm
}

// PersonalRoom is the per-user room every device joins on connect.
func PersonalRoom(userID string) string {
	return "user:" + userID
}

// Connect verifies credentials, registers the connection, joins it to the
// user's personal room and announces presence.
func (r *Registry) Connect(ctx context.Context, token, remoteAddr string, sock Socket) (*Connection, error) {
	if r.limiter != nil && !r.limiter.Allow(ctx, remoteAddr) {
		RateLimitedConnects.Inc()
		return nil, ErrRateLimited
	}

	id, err := r.verifier.VerifyCredentials(ctx, token)
	if err != nil {
		return nil, err
	}

	conn := newConnection(id.UserID, id.Role, sock)
	go conn.writePump()

	r.mu.Lock()
	r.conns[conn.ID] = conn
	userConns, ok := r.byUser[id.UserID]
	if !ok {
		userConns = make(map[string]*Connection)
		r.byUser[id.UserID] = userConns
	}
	userConns[conn.ID] = conn
	r.mu.Unlock()
	ActiveConnections.Inc()

	personal := PersonalRoom(id.UserID)
	r.rooms.joinMember(id.UserID, personal)
	conn.addRoom(personal)

	if err := r.mirror.MarkOnline(ctx, id.UserID, conn.ID); err != nil {
		r.log.Warn("presence mirror update failed", "err", err)
	}
	if r.snapshots != nil {
		if err := r.snapshots.RecordConnect(ctx, conn.ID, id.UserID, id.Role, conn.ConnectedAt); err != nil {
			r.log.Warn("connection snapshot failed", "err", err)
		}
	}

	r.rooms.Broadcast(personal, EventUserConnected, PresenceData{UserID: id.UserID, At: conn.ConnectedAt})
	r.log.Info("connection established", "conn", conn.ID, "user", id.UserID, "role", id.Role)
	return conn, nil
}

// Disconnect tears a connection down, prunes room membership and announces the
// disconnect to the user's remaining devices and roommates.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		if userConns, ok := r.byUser[conn.UserID]; ok {
			delete(userConns, connID)
			if len(userConns) == 0 {
				delete(r.byUser, conn.UserID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	ActiveConnections.Dec()

	now := time.Now()
	r.rooms.Broadcast(PersonalRoom(conn.UserID), EventUserDisconnected, PresenceData{UserID: conn.UserID, At: now})
	r.rooms.dropConnection(conn)
	conn.close()

	ctx := context.Background()
	if err := r.mirror.MarkOffline(ctx, conn.UserID, conn.ID); err != nil {
		r.log.Warn("presence mirror update failed", "err", err)
	}
	if r.snapshots != nil {
		if err := r.snapshots.RecordDisconnect(ctx, conn.ID, now); err != nil {
			r.log.Warn("connection snapshot failed", "err", err)
		}
	}
	r.log.Info("connection closed", "conn", conn.ID, "user", conn.UserID)
}

// Heartbeat refreshes the activity clock and the durable presence mirror.
func (r *Registry) Heartbeat(ctx context.Context, connID string) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	conn.Touch()
	if err := r.mirror.Refresh(ctx, conn.UserID); err != nil {
		r.log.Warn("presence mirror refresh failed", "err", err)
	}
}

// IsUserOnline reports whether the user has at least one live connection on
// this instance.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ConnectionsForUser returns all live connections for a user (multi-device).
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// BroadcastAll pushes an event to every live connection on this instance.
func (r *Registry) BroadcastAll(event string, data interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev := OutboundEvent{Event: event, Data: data}
	for _, c := range r.conns {
		c.Send(ev)
	}
}

// Run executes the inactivity sweep until ctx is cancelled. Errors are logged
// and the loop continues on its next tick.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.inactivity)

	r.mu.RLock()
	var stale []string
	for id, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.log.Info("evicting inactive connection", "conn", id)
		DroppedConnections.Inc()
		r.Disconnect(id)
	}
}

// Shutdown notifies every client and closes all connections.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	ev := OutboundEvent{Event: EventServerShutdown, Data: map[string]string{
		"message": fmt.Sprintf("server shutting down at %s", time.Now().Format(time.RFC3339)),
	}}
	for _, c := range conns {
		c.Send(ev)
	}
	for _, c := range conns {
		r.Disconnect(c.ID)
	}
}
