package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
)

// RoomAuthorizer decides whether a user may join a room. Denials are surfaced
// to the caller; they must never be silently swallowed.
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, userID, roomID, roomType string) (bool, error)
}

// ParticipantStore answers who belongs to a domain entity (order, ride, vendor).
// Backed by the platform's primary datastore; consumed here as a collaborator.
type ParticipantStore interface {
	Participants(ctx context.Context, roomType, entityID string) ([]string, error)
}

const roomPolicy = `
package rooms

default allow := false

# A personal room belongs to exactly one user.
allow if {
	input.room_type == "user"
	input.entity_id == input.user_id
}

# Order, ride and vendor rooms admit recorded participants.
allow if {
	input.room_type != "user"
	some p in input.participants
	p == input.user_id
}

# Platform admins can observe any room.
allow if {
	input.role == "admin"
}
`

// PolicyAuthorizer evaluates room joins against an embedded Rego policy.
type PolicyAuthorizer struct {
	query        rego.PreparedEvalQuery
	participants ParticipantStore
}

func NewPolicyAuthorizer(ctx context.Context, store ParticipantStore) (*PolicyAuthorizer, error) {
	query, err := rego.New(
		rego.Query("data.rooms.allow"),
		rego.Module("rooms.rego", roomPolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare room policy: %w", err)
	}
	return &PolicyAuthorizer{query: query, participants: store}, nil
}

// CanJoin evaluates the policy with the caller's identity, the room's type and
// entity id, and the entity's recorded participants.
func (a *PolicyAuthorizer) CanJoin(ctx context.Context, userID, roomID, roomType string) (bool, error) {
	entityID := EntityID(roomID)

	var members []string
	if roomType != "user" && a.participants != nil {
		var err error
		members, err = a.participants.Participants(ctx, roomType, entityID)
		if err != nil {
			return false, fmt.Errorf("failed to resolve participants for %s: %w", roomID, err)
		}
	}

	input := map[string]interface{}{
		"user_id":      userID,
		"room_type":    roomType,
		"entity_id":    entityID,
		"participants": members,
	}
	if role, ok := RoleFromContext(ctx); ok {
		input["role"] = role
	}

	rs, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("room policy evaluation failed: %w", err)
	}
	return rs.Allowed(), nil
}

// EntityID strips the room-type namespace from a room id: "order:123" -> "123".
func EntityID(roomID string) string {
	if i := strings.IndexByte(roomID, ':'); i >= 0 {
		return roomID[i+1:]
	}
	return roomID
}

type roleKey struct{}

// WithRole stores the caller's role on the context for policy evaluation.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

func RoleFromContext(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleKey{}).(string)
	return role, ok
}
