package geo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// agentGeoKey is the Redis GEO index of current agent positions.
const agentGeoKey = "geo:agents"

// agentPositionTTL bounds staleness of the GEO index; an agent that stops
// reporting drops out of nearby searches.
const agentPositionTTL = 10 * time.Minute

// Repository persists samples, fences and events in Postgres and mirrors
// current agent positions into a Redis GEO index for radius search.
type Repository struct {
	db  *sql.DB
	rdb *redis.Client
}

func NewRepository(db *sql.DB, rdb *redis.Client) *Repository {
	return &Repository{db: db, rdb: rdb}
}

// SaveSample appends the sample and updates the agent's position in the GEO
// index. Redis errors are returned but the Postgres write stands.
func (r *Repository) SaveSample(ctx context.Context, s *LocationSample) error {
	s.ID = uuid.New().String()
	if s.RecordedAt.IsZero() {
		s.RecordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO location_samples (id, agent_id, latitude, longitude, heading, speed_kmh, accuracy_m, battery_pct, order_id, ride_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.AgentID, s.Latitude, s.Longitude, s.Heading, s.SpeedKmh,
		s.AccuracyM, s.BatteryPct, nullable(s.OrderID), nullable(s.RideID), s.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store location sample: %w", err)
	}

	if r.rdb == nil {
		return nil
	}
	pipe := r.rdb.Pipeline()
	pipe.GeoAdd(ctx, agentGeoKey, &redis.GeoLocation{
		Name:      s.AgentID,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
	})
	pipe.Set(ctx, "geo:agent:"+s.AgentID+":seen", s.RecordedAt.Unix(), agentPositionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update agent geo index: %w", err)
	}
	return nil
}

// CurrentLocation returns the agent's latest sample, or nil when none exists.
func (r *Repository) CurrentLocation(ctx context.Context, agentID string) (*LocationSample, error) {
	query := `
		SELECT id, agent_id, latitude, longitude, heading, speed_kmh, accuracy_m, battery_pct, order_id, ride_id, recorded_at
		FROM location_samples
		WHERE agent_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`
	var s LocationSample
	var heading, speed, accuracy, battery sql.NullFloat64
	var orderID, rideID sql.NullString
	err := r.db.QueryRowContext(ctx, query, agentID).Scan(
		&s.ID, &s.AgentID, &s.Latitude, &s.Longitude, &heading, &speed,
		&accuracy, &battery, &orderID, &rideID, &s.RecordedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Heading = heading.Float64
	s.SpeedKmh = speed.Float64
	s.AccuracyM = accuracy.Float64
	s.BatteryPct = battery.Float64
	s.OrderID = orderID.String
	s.RideID = rideID.String
	return &s, nil
}

// CreateGeofence stores a new active fence.
func (r *Repository) CreateGeofence(ctx context.Context, g *Geofence) error {
	g.ID = uuid.New().String()
	g.Active = true
	g.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO geofences (id, name, latitude, longitude, radius_km, purpose, order_id, ride_id, vendor_id, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		g.ID, g.Name, g.Latitude, g.Longitude, g.RadiusKm, g.Purpose,
		nullable(g.OrderID), nullable(g.RideID), nullable(g.VendorID), g.Active, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store geofence: %w", err)
	}
	return nil
}

// DeactivateGeofence retires a fence; it no longer matches samples.
func (r *Repository) DeactivateGeofence(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE geofences SET active = FALSE WHERE id = $1`, id)
	return err
}

// ActiveGeofences lists every fence that should be checked against samples.
func (r *Repository) ActiveGeofences(ctx context.Context) ([]Geofence, error) {
	query := `
		SELECT id, name, latitude, longitude, radius_km, purpose, order_id, ride_id, vendor_id, active, created_at
		FROM geofences
		WHERE active = TRUE
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fences []Geofence
	for rows.Next() {
		var g Geofence
		var orderID, rideID, vendorID sql.NullString
		if err := rows.Scan(&g.ID, &g.Name, &g.Latitude, &g.Longitude, &g.RadiusKm,
			&g.Purpose, &orderID, &rideID, &vendorID, &g.Active, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.OrderID = orderID.String
		g.RideID = rideID.String
		g.VendorID = vendorID.String
		fences = append(fences, g)
	}
	return fences, rows.Err()
}

// HasOpenEvent reports whether an undismissed event exists for the pair,
// meaning the agent is mid-dwell and entry already fired.
func (r *Repository) HasOpenEvent(ctx context.Context, agentID, geofenceID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM geofence_events WHERE agent_id = $1 AND geofence_id = $2 AND dismissed = FALSE`,
		agentID, geofenceID,
	).Scan(&n)
	return n > 0, err
}

// CreateEvent records a fence entry.
func (r *Repository) CreateEvent(ctx context.Context, e *GeofenceEvent) error {
	e.ID = uuid.New().String()
	e.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO geofence_events (id, geofence_id, agent_id, distance_km, dismissed, created_at)
		 VALUES ($1, $2, $3, $4, FALSE, $5)`,
		e.ID, e.GeofenceID, e.AgentID, e.DistanceKm, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store geofence event: %w", err)
	}
	return nil
}

// DismissEvents closes the dwell for a pair once the agent leaves the fence,
// so the next entry produces a fresh event.
func (r *Repository) DismissEvents(ctx context.Context, agentID, geofenceID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE geofence_events SET dismissed = TRUE WHERE agent_id = $1 AND geofence_id = $2 AND dismissed = FALSE`,
		agentID, geofenceID,
	)
	return err
}

// NearbyAgents runs a radius search on the GEO index, nearest first.
func (r *Repository) NearbyAgents(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]NearbyAgent, error) {
	if r.rdb == nil {
		return nil, fmt.Errorf("geo index unavailable")
	}
	locs, err := r.rdb.GeoSearchLocation(ctx, agentGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search failed: %w", err)
	}

	out := make([]NearbyAgent, 0, len(locs))
	for _, loc := range locs {
		// Skip agents whose freshness marker has expired.
		seen, err := r.rdb.Exists(ctx, "geo:agent:"+loc.Name+":seen").Result()
		if err == nil && seen == 0 {
			continue
		}
		out = append(out, NearbyAgent{
			AgentID:    loc.Name,
			DistanceKm: loc.Dist,
			Latitude:   loc.Latitude,
			Longitude:  loc.Longitude,
		})
	}
	return out, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
