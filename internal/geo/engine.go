package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sapliy/marketpulse/internal/notify"
	"github.com/sapliy/marketpulse/internal/realtime"
	"github.com/sapliy/marketpulse/pkg/observability"
)

var (
	samplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketpulse_location_samples_total",
		Help: "Location samples accepted from agents.",
	})

	geofenceEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_geofence_entries_total",
		Help: "Geofence entry events by purpose.",
	}, []string{"purpose"})

	notifyDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketpulse_geo_notify_dropped_total",
		Help: "Geofence notifications dropped because the handoff buffer was full.",
	})
)

// Store is the persistence surface the engine needs.
type Store interface {
	SaveSample(ctx context.Context, s *LocationSample) error
	CurrentLocation(ctx context.Context, agentID string) (*LocationSample, error)
	CreateGeofence(ctx context.Context, g *Geofence) error
	DeactivateGeofence(ctx context.Context, id string) error
	ActiveGeofences(ctx context.Context) ([]Geofence, error)
	HasOpenEvent(ctx context.Context, agentID, geofenceID string) (bool, error)
	CreateEvent(ctx context.Context, e *GeofenceEvent) error
	DismissEvents(ctx context.Context, agentID, geofenceID string) error
	NearbyAgents(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]NearbyAgent, error)
}

// RoomBroadcaster fans events to a room's members. Implemented by the
// realtime room manager.
type RoomBroadcaster interface {
	Broadcast(roomID, event string, data interface{})
}

// Notifier is the orchestrator surface the engine hands geofence
// notifications to.
type Notifier interface {
	Notify(ctx context.Context, payload notify.Payload) ([]notify.DeliveryAttempt, error)
}

// RecipientResolver names the users a geofence entry should notify. A nil
// resolver limits entry handling to room broadcasts.
type RecipientResolver interface {
	RecipientsFor(ctx context.Context, fence Geofence) ([]string, error)
}

// EventPublisher streams accepted samples and entries to the analytics topic.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// ConditionsSource supplies traffic and weather multipliers for a position.
// A nil source means unscaled estimates.
type ConditionsSource interface {
	Current(ctx context.Context, lat, lng float64) Conditions
}

// EngineConfig tunes the ingest pipeline.
type EngineConfig struct {
	FenceRefresh time.Duration // active-fence cache TTL, default 30s
	NotifyBuffer int           // async notification handoff depth, default 256
	NotifyWait   time.Duration // per handed-off Notify call, default 10s
}

// Engine is the location ingest pipeline: persist the sample, stream it,
// broadcast it to the trip room, evaluate geofences and recompute the ETA.
type Engine struct {
	store      Store
	rooms      RoomBroadcaster
	notifier   Notifier
	recipients RecipientResolver
	publisher  EventPublisher
	conditions ConditionsSource
	log        *observability.Logger
	cfg        EngineConfig

	mu         sync.RWMutex
	fences     []Geofence
	fencesAsOf time.Time

	notifyCh chan notify.Payload

	now func() time.Time
}

func NewEngine(store Store, rooms RoomBroadcaster, notifier Notifier, recipients RecipientResolver, publisher EventPublisher, conditions ConditionsSource, log *observability.Logger, cfg EngineConfig) *Engine {
	if cfg.FenceRefresh <= 0 {
		cfg.FenceRefresh = 30 * time.Second
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = 256
	}
	if cfg.NotifyWait <= 0 {
		cfg.NotifyWait = 10 * time.Second
	}
	return &Engine{
		store:      store,
		rooms:      rooms,
		notifier:   notifier,
		recipients: recipients,
		publisher:  publisher,
		conditions: conditions,
		log:        log.WithComponent("geo"),
		cfg:        cfg,
		notifyCh:   make(chan notify.Payload, cfg.NotifyBuffer),
		now:        time.Now,
	}
}

// Run drains the notification handoff buffer until ctx is cancelled. Ingest
// never waits on the orchestrator; this worker does.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-e.notifyCh:
			sendCtx, cancel := context.WithTimeout(ctx, e.cfg.NotifyWait)
			if _, err := e.notifier.Notify(sendCtx, payload); err != nil {
				e.log.Error("geofence notification failed", "user", payload.UserID, "err", err)
			}
			cancel()
		}
	}
}

// IngestRaw adapts a wire-level location update into the ingest pipeline.
// Implements the realtime location sink.
func (e *Engine) IngestRaw(ctx context.Context, agentID string, ev realtime.LocationUpdateEvent) error {
	sample := &LocationSample{
		AgentID:    agentID,
		Latitude:   ev.Latitude,
		Longitude:  ev.Longitude,
		Heading:    ev.Heading,
		SpeedKmh:   ev.SpeedKmh,
		AccuracyM:  ev.AccuracyM,
		BatteryPct: ev.BatteryPct,
		OrderID:    ev.OrderID,
		RideID:     ev.RideID,
		RecordedAt: e.now().UTC(),
	}
	return e.Ingest(ctx, sample)
}

// Ingest processes one sample end to end. The sample write is the only step
// that can fail the call; downstream effects are logged and skipped.
func (e *Engine) Ingest(ctx context.Context, sample *LocationSample) error {
	if err := validateCoords(sample.Latitude, sample.Longitude); err != nil {
		return err
	}
	if err := e.store.SaveSample(ctx, sample); err != nil {
		return err
	}
	samplesIngested.Inc()

	e.streamSample(ctx, sample)

	if roomID := tripRoom(sample.OrderID, sample.RideID); roomID != "" {
		e.rooms.Broadcast(roomID, realtime.EventDriverLocationUpdate, map[string]interface{}{
			"agent_id":  sample.AgentID,
			"latitude":  sample.Latitude,
			"longitude": sample.Longitude,
			"heading":   sample.Heading,
			"speed_kmh": sample.SpeedKmh,
			"at":        sample.RecordedAt,
		})
	}

	e.evaluateGeofences(ctx, sample)
	e.broadcastETA(ctx, sample)
	return nil
}

func validateCoords(lat, lng float64) error {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("coordinates out of range: %f,%f", lat, lng)
	}
	return nil
}

func tripRoom(orderID, rideID string) string {
	if orderID != "" {
		return "order:" + orderID
	}
	if rideID != "" {
		return "ride:" + rideID
	}
	return ""
}

// streamEnvelope is the analytics-topic message shape. Messages are keyed by
// agent so a consumer sees one agent's track in order.
type streamEnvelope struct {
	Kind   string          `json:"kind"`
	Sample *LocationSample `json:"sample,omitempty"`
	Event  *GeofenceEvent  `json:"event,omitempty"`
}

// streamSample publishes the accepted sample to the analytics topic.
func (e *Engine) streamSample(ctx context.Context, sample *LocationSample) {
	if e.publisher == nil {
		return
	}
	raw, err := json.Marshal(streamEnvelope{Kind: "sample", Sample: sample})
	if err != nil {
		return
	}
	if err := e.publisher.Publish(ctx, sample.AgentID, raw); err != nil {
		e.log.Warn("failed to stream location sample", "agent", sample.AgentID, "err", err)
	}
}

// streamEvent publishes a geofence entry to the analytics topic.
func (e *Engine) streamEvent(ctx context.Context, event *GeofenceEvent) {
	if e.publisher == nil {
		return
	}
	raw, err := json.Marshal(streamEnvelope{Kind: "geofence_event", Event: event})
	if err != nil {
		return
	}
	if err := e.publisher.Publish(ctx, event.AgentID, raw); err != nil {
		e.log.Warn("failed to stream geofence event", "agent", event.AgentID, "err", err)
	}
}

// activeFences returns the cached fence set, refreshing it past its TTL.
func (e *Engine) activeFences(ctx context.Context) []Geofence {
	e.mu.RLock()
	fresh := e.now().Sub(e.fencesAsOf) < e.cfg.FenceRefresh
	fences := e.fences
	e.mu.RUnlock()
	if fresh {
		return fences
	}

	loaded, err := e.store.ActiveGeofences(ctx)
	if err != nil {
		e.log.Error("failed to load geofences", "err", err)
		return fences
	}

	e.mu.Lock()
	e.fences = loaded
	e.fencesAsOf = e.now()
	e.mu.Unlock()
	return loaded
}

// relevant reports whether a fence applies to this sample. Trip-scoped fences
// match only their trip; vendor-area fences match any agent.
func relevant(fence Geofence, sample *LocationSample) bool {
	if fence.OrderID != "" {
		return fence.OrderID == sample.OrderID
	}
	if fence.RideID != "" {
		return fence.RideID == sample.RideID
	}
	return fence.Purpose == PurposeVendorArea
}

// evaluateGeofences emits at most one entry event per (agent, fence) pair per
// continuous dwell: an open event suppresses re-entry, and leaving the radius
// dismisses it so the next entry fires again.
func (e *Engine) evaluateGeofences(ctx context.Context, sample *LocationSample) {
	for _, fence := range e.activeFences(ctx) {
		if !relevant(fence, sample) {
			continue
		}

		dist := Haversine(sample.Latitude, sample.Longitude, fence.Latitude, fence.Longitude)
		inside := dist <= fence.RadiusKm

		open, err := e.store.HasOpenEvent(ctx, sample.AgentID, fence.ID)
		if err != nil {
			e.log.Error("failed to check geofence dwell", "fence", fence.ID, "err", err)
			continue
		}

		switch {
		case inside && !open:
			event := &GeofenceEvent{GeofenceID: fence.ID, AgentID: sample.AgentID, DistanceKm: dist}
			if err := e.store.CreateEvent(ctx, event); err != nil {
				e.log.Error("failed to record geofence entry", "fence", fence.ID, "err", err)
				continue
			}
			geofenceEntries.WithLabelValues(string(fence.Purpose)).Inc()
			e.streamEvent(ctx, event)
			e.handleEntry(ctx, fence, sample)
		case !inside && open:
			if err := e.store.DismissEvents(ctx, sample.AgentID, fence.ID); err != nil {
				e.log.Error("failed to close geofence dwell", "fence", fence.ID, "err", err)
			}
		}
	}
}

// handleEntry runs the purpose handler for a fresh fence entry: a room status
// broadcast plus notifications handed off to the orchestrator worker.
func (e *Engine) handleEntry(ctx context.Context, fence Geofence, sample *LocationSample) {
	var (
		roomID   string
		event    string
		status   string
		title    string
		body     string
		category notify.Category
		urgent   bool
	)

	switch fence.Purpose {
	case PurposePickup:
		roomID = tripRoom(fence.OrderID, fence.RideID)
		event = statusEventFor(fence)
		status = "driver_arrived_pickup"
		title = "Your driver has arrived"
		body = fmt.Sprintf("%s is at the pickup point.", sample.AgentID)
		category = categoryFor(fence)
		urgent = true
	case PurposeDelivery:
		roomID = tripRoom(fence.OrderID, fence.RideID)
		event = statusEventFor(fence)
		status = "driver_arrived_delivery"
		title = "Your delivery is arriving"
		body = "The driver is at the drop-off location."
		category = categoryFor(fence)
		urgent = true
	case PurposeVendorArea:
		roomID = "vendor:" + fence.VendorID
		event = realtime.EventOrderStatusUpdate
		status = "driver_nearby"
		title = "Driver approaching"
		body = fmt.Sprintf("%s is near %s.", sample.AgentID, fence.Name)
		category = notify.CategoryOrder
	default:
		e.log.Warn("geofence with unknown purpose", "fence", fence.ID, "purpose", fence.Purpose)
		return
	}

	if roomID != "" {
		e.rooms.Broadcast(roomID, event, map[string]interface{}{
			"status":   status,
			"agent_id": sample.AgentID,
			"fence":    fence.Name,
			"at":       e.now().UTC(),
		})
	}

	if e.notifier == nil || e.recipients == nil {
		return
	}
	users, err := e.recipients.RecipientsFor(ctx, fence)
	if err != nil {
		e.log.Error("failed to resolve geofence recipients", "fence", fence.ID, "err", err)
		return
	}
	for _, userID := range users {
		if userID == sample.AgentID {
			continue
		}
		e.enqueueNotify(notify.Payload{
			UserID:   userID,
			Title:    title,
			Body:     body,
			Category: category,
			Urgent:   urgent,
			OrderID:  fence.OrderID,
			RideID:   fence.RideID,
			VendorID: fence.VendorID,
			DriverID: sample.AgentID,
			Data:     map[string]string{"status": status},
		})
	}
}

// enqueueNotify hands a payload to the worker without blocking ingest.
func (e *Engine) enqueueNotify(payload notify.Payload) {
	select {
	case e.notifyCh <- payload:
	default:
		notifyDropped.Inc()
		e.log.Warn("notification handoff buffer full, dropping", "user", payload.UserID)
	}
}

func statusEventFor(fence Geofence) string {
	if fence.RideID != "" {
		return realtime.EventRideStatusUpdate
	}
	return realtime.EventOrderStatusUpdate
}

func categoryFor(fence Geofence) notify.Category {
	if fence.RideID != "" {
		return notify.CategoryRide
	}
	return notify.CategoryOrder
}

// broadcastETA recomputes time-to-target and pushes it to the trip room. The
// target is the trip's pickup fence until entry fires, then its delivery
// fence.
func (e *Engine) broadcastETA(ctx context.Context, sample *LocationSample) {
	roomID := tripRoom(sample.OrderID, sample.RideID)
	if roomID == "" {
		return
	}

	target, ok := e.currentTarget(ctx, sample)
	if !ok {
		return
	}

	var cond Conditions
	if e.conditions != nil {
		cond = e.conditions.Current(ctx, sample.Latitude, sample.Longitude)
	}

	eta := EstimateETA(sample.AgentID,
		sample.Latitude, sample.Longitude,
		target.Latitude, target.Longitude,
		sample.SpeedKmh, cond, target.Purpose, e.now().UTC())

	e.rooms.Broadcast(roomID, realtime.EventETAUpdate, eta)
}

// currentTarget picks the trip fence the agent is heading for.
func (e *Engine) currentTarget(ctx context.Context, sample *LocationSample) (Geofence, bool) {
	var pickup, delivery *Geofence
	for _, fence := range e.activeFences(ctx) {
		if !relevant(fence, sample) {
			continue
		}
		f := fence
		switch fence.Purpose {
		case PurposePickup:
			pickup = &f
		case PurposeDelivery:
			delivery = &f
		}
	}

	if pickup != nil {
		entered, err := e.store.HasOpenEvent(ctx, sample.AgentID, pickup.ID)
		if err == nil && !entered {
			return *pickup, true
		}
	}
	if delivery != nil {
		return *delivery, true
	}
	return Geofence{}, false
}

// CreateGeofence registers a fence and invalidates the cache so the next
// sample sees it.
func (e *Engine) CreateGeofence(ctx context.Context, g *Geofence) error {
	if err := validateCoords(g.Latitude, g.Longitude); err != nil {
		return err
	}
	if g.RadiusKm <= 0 {
		return fmt.Errorf("geofence radius must be positive")
	}
	switch g.Purpose {
	case PurposePickup, PurposeDelivery, PurposeVendorArea:
	default:
		return fmt.Errorf("unknown geofence purpose %q", g.Purpose)
	}
	if err := e.store.CreateGeofence(ctx, g); err != nil {
		return err
	}
	e.invalidateFences()
	return nil
}

// DeactivateGeofence retires a fence.
func (e *Engine) DeactivateGeofence(ctx context.Context, id string) error {
	if err := e.store.DeactivateGeofence(ctx, id); err != nil {
		return err
	}
	e.invalidateFences()
	return nil
}

func (e *Engine) invalidateFences() {
	e.mu.Lock()
	e.fencesAsOf = time.Time{}
	e.mu.Unlock()
}

// CurrentLocation exposes the agent's latest sample.
func (e *Engine) CurrentLocation(ctx context.Context, agentID string) (*LocationSample, error) {
	return e.store.CurrentLocation(ctx, agentID)
}

// NearbyAgents ranks agents around a point, nearest first.
func (e *Engine) NearbyAgents(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]NearbyAgent, error) {
	if err := validateCoords(lat, lng); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		radiusKm = 5
	}
	if limit <= 0 {
		limit = 20
	}
	return e.store.NearbyAgents(ctx, lat, lng, radiusKm, limit)
}
