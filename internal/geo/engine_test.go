package geo

import (
	"context"
	"sync"
	"testing"

	"github.com/sapliy/marketpulse/internal/realtime"
	"github.com/sapliy/marketpulse/pkg/observability"
)

type mockGeoStore struct {
	mu        sync.Mutex
	samples   []LocationSample
	fences    []Geofence
	events    []GeofenceEvent
	open      map[string]bool
	dismissed int
}

func newMockGeoStore(fences ...Geofence) *mockGeoStore {
	return &mockGeoStore{fences: fences, open: make(map[string]bool)}
}

func pairKey(agentID, fenceID string) string { return agentID + "|" + fenceID }

func (m *mockGeoStore) SaveSample(ctx context.Context, s *LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = "s-1"
	m.samples = append(m.samples, *s)
	return nil
}

func (m *mockGeoStore) CurrentLocation(ctx context.Context, agentID string) (*LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.samples) - 1; i >= 0; i-- {
		if m.samples[i].AgentID == agentID {
			s := m.samples[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (m *mockGeoStore) CreateGeofence(ctx context.Context, g *Geofence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = "f-new"
	m.fences = append(m.fences, *g)
	return nil
}

func (m *mockGeoStore) DeactivateGeofence(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.fences {
		if m.fences[i].ID == id {
			m.fences[i].Active = false
		}
	}
	return nil
}

func (m *mockGeoStore) ActiveGeofences(ctx context.Context) ([]Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Geofence
	for _, f := range m.fences {
		if f.Active {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockGeoStore) HasOpenEvent(ctx context.Context, agentID, geofenceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[pairKey(agentID, geofenceID)], nil
}

func (m *mockGeoStore) CreateEvent(ctx context.Context, e *GeofenceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = "e-1"
	m.events = append(m.events, *e)
	m.open[pairKey(e.AgentID, e.GeofenceID)] = true
	return nil
}

func (m *mockGeoStore) DismissEvents(ctx context.Context, agentID, geofenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[pairKey(agentID, geofenceID)] = false
	m.dismissed++
	return nil
}

func (m *mockGeoStore) NearbyAgents(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]NearbyAgent, error) {
	return nil, nil
}

type broadcastCall struct {
	room  string
	event string
	data  interface{}
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *fakeBroadcaster) Broadcast(roomID, event string, data interface{}) {
	b.mu.Lock()
	b.calls = append(b.calls, broadcastCall{roomID, event, data})
	b.mu.Unlock()
}

func (b *fakeBroadcaster) byEvent(event string) []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broadcastCall
	for _, c := range b.calls {
		if c.event == event {
			out = append(out, c)
		}
	}
	return out
}

func testGeoEngine(store Store, rooms RoomBroadcaster) *Engine {
	log := observability.NewLogger("test")
	return NewEngine(store, rooms, nil, nil, nil, nil, log, EngineConfig{})
}

func pickupFence(orderID string) Geofence {
	return Geofence{
		ID: "f-pickup", Name: "restaurant", Latitude: 0, Longitude: 0,
		RadiusKm: 0.5, Purpose: PurposePickup, OrderID: orderID, Active: true,
	}
}

func TestIngestRejectsBadCoordinates(t *testing.T) {
	engine := testGeoEngine(newMockGeoStore(), &fakeBroadcaster{})

	err := engine.Ingest(context.Background(), &LocationSample{
		AgentID: "d1", Latitude: 91, Longitude: 0,
	})
	if err == nil {
		t.Fatal("expected out-of-range coordinates rejected")
	}
}

func TestIngestBroadcastsToTripRoom(t *testing.T) {
	store := newMockGeoStore()
	rooms := &fakeBroadcaster{}
	engine := testGeoEngine(store, rooms)

	err := engine.Ingest(context.Background(), &LocationSample{
		AgentID: "d1", Latitude: 10, Longitude: 10, OrderID: "o1",
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if len(store.samples) != 1 {
		t.Fatal("expected sample persisted")
	}
	updates := rooms.byEvent(realtime.EventDriverLocationUpdate)
	if len(updates) != 1 || updates[0].room != "order:o1" {
		t.Fatalf("expected one driver_location_update to order:o1, got %v", updates)
	}
}

func TestGeofenceSingleEventPerDwell(t *testing.T) {
	store := newMockGeoStore(pickupFence("o1"))
	rooms := &fakeBroadcaster{}
	engine := testGeoEngine(store, rooms)
	ctx := context.Background()

	inside := &LocationSample{AgentID: "d1", Latitude: 0.001, Longitude: 0.001, OrderID: "o1"}
	outside := &LocationSample{AgentID: "d1", Latitude: 0.1, Longitude: 0.1, OrderID: "o1"}

	// First inside sample fires the entry event.
	first := *inside
	if err := engine.Ingest(ctx, &first); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected 1 geofence event, got %d", len(store.events))
	}

	// Staying inside must not fire again.
	again := *inside
	if err := engine.Ingest(ctx, &again); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("dwell fired twice: %d events", len(store.events))
	}

	// Leaving closes the dwell.
	if err := engine.Ingest(ctx, outside); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if store.dismissed != 1 {
		t.Fatalf("expected dwell dismissed, got %d", store.dismissed)
	}

	// Re-entry starts a new dwell and a new event.
	reenter := *inside
	if err := engine.Ingest(ctx, &reenter); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(store.events) != 2 {
		t.Fatalf("expected 2 events after re-entry, got %d", len(store.events))
	}

	// Entry triggered a status broadcast to the order room.
	statuses := rooms.byEvent(realtime.EventOrderStatusUpdate)
	if len(statuses) < 1 || statuses[0].room != "order:o1" {
		t.Fatalf("expected order_status_update to order:o1, got %v", statuses)
	}
}

func TestGeofenceIgnoresOtherTrips(t *testing.T) {
	store := newMockGeoStore(pickupFence("o1"))
	engine := testGeoEngine(store, &fakeBroadcaster{})

	err := engine.Ingest(context.Background(), &LocationSample{
		AgentID: "d1", Latitude: 0.001, Longitude: 0.001, OrderID: "other-order",
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(store.events) != 0 {
		t.Fatalf("fence for o1 must not match other-order, got %d events", len(store.events))
	}
}

func TestVendorAreaFenceMatchesAnyAgent(t *testing.T) {
	fence := Geofence{
		ID: "f-vendor", Name: "market hall", Latitude: 0, Longitude: 0,
		RadiusKm: 1, Purpose: PurposeVendorArea, VendorID: "v1", Active: true,
	}
	store := newMockGeoStore(fence)
	rooms := &fakeBroadcaster{}
	engine := testGeoEngine(store, rooms)

	err := engine.Ingest(context.Background(), &LocationSample{
		AgentID: "d1", Latitude: 0.001, Longitude: 0.001,
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected vendor-area entry, got %d events", len(store.events))
	}
	statuses := rooms.byEvent(realtime.EventOrderStatusUpdate)
	if len(statuses) != 1 || statuses[0].room != "vendor:v1" {
		t.Fatalf("expected broadcast to vendor:v1, got %v", statuses)
	}
}

func TestETAUpdateTargetsPickupThenDelivery(t *testing.T) {
	pickup := pickupFence("o1")
	delivery := Geofence{
		ID: "f-delivery", Name: "customer", Latitude: 0.5, Longitude: 0.5,
		RadiusKm: 0.2, Purpose: PurposeDelivery, OrderID: "o1", Active: true,
	}
	store := newMockGeoStore(pickup, delivery)
	rooms := &fakeBroadcaster{}
	engine := testGeoEngine(store, rooms)
	ctx := context.Background()

	// Far from both fences: the target is the pickup.
	if err := engine.Ingest(ctx, &LocationSample{
		AgentID: "d1", Latitude: 0.05, Longitude: 0.05, OrderID: "o1",
	}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	etas := rooms.byEvent(realtime.EventETAUpdate)
	if len(etas) != 1 {
		t.Fatalf("expected 1 eta_update, got %d", len(etas))
	}
	if got := etas[0].data.(ETA); got.TargetKind != PurposePickup {
		t.Errorf("expected pickup target, got %s", got.TargetKind)
	}

	// Inside the pickup fence the dwell opens; the target flips to delivery.
	if err := engine.Ingest(ctx, &LocationSample{
		AgentID: "d1", Latitude: 0.001, Longitude: 0.001, OrderID: "o1",
	}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	etas = rooms.byEvent(realtime.EventETAUpdate)
	if len(etas) != 2 {
		t.Fatalf("expected 2 eta_updates, got %d", len(etas))
	}
	if got := etas[1].data.(ETA); got.TargetKind != PurposeDelivery {
		t.Errorf("expected delivery target after pickup entry, got %s", got.TargetKind)
	}
}

func TestCreateGeofenceValidates(t *testing.T) {
	store := newMockGeoStore()
	engine := testGeoEngine(store, &fakeBroadcaster{})
	ctx := context.Background()

	tests := []struct {
		name  string
		fence Geofence
	}{
		{"bad latitude", Geofence{Latitude: 95, Longitude: 0, RadiusKm: 1, Purpose: PurposePickup}},
		{"zero radius", Geofence{Latitude: 0, Longitude: 0, RadiusKm: 0, Purpose: PurposePickup}},
		{"unknown purpose", Geofence{Latitude: 0, Longitude: 0, RadiusKm: 1, Purpose: "loitering"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fence := tt.fence
			if err := engine.CreateGeofence(ctx, &fence); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	good := Geofence{Name: "ok", Latitude: 0, Longitude: 0, RadiusKm: 0.3, Purpose: PurposeDelivery}
	if err := engine.CreateGeofence(ctx, &good); err != nil {
		t.Fatalf("valid fence rejected: %v", err)
	}
	if len(store.fences) != 1 {
		t.Error("expected fence stored")
	}
}
