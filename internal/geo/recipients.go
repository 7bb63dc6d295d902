package geo

import "context"

// MemberLister exposes online room membership. Implemented by the realtime
// room manager.
type MemberLister interface {
	OnlineMembers(roomID string) []string
}

// RoomRecipients resolves geofence recipients from live room membership:
// whoever is watching the trip or vendor room gets the notification.
type RoomRecipients struct {
	rooms MemberLister
}

func NewRoomRecipients(rooms MemberLister) *RoomRecipients {
	return &RoomRecipients{rooms: rooms}
}

func (r *RoomRecipients) RecipientsFor(ctx context.Context, fence Geofence) ([]string, error) {
	switch {
	case fence.OrderID != "":
		return r.rooms.OnlineMembers("order:"+fence.OrderID), nil
	case fence.RideID != "":
		return r.rooms.OnlineMembers("ride:"+fence.RideID), nil
	case fence.VendorID != "":
		return r.rooms.OnlineMembers("vendor:"+fence.VendorID), nil
	default:
		return nil, nil
	}
}
