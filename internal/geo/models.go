package geo

import (
	"time"
)

// LocationSample is one point reading from a moving agent. Append-only; the
// latest sample per agent is the agent's current location.
type LocationSample struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Heading    float64   `json:"heading,omitempty"`
	SpeedKmh   float64   `json:"speed_kmh,omitempty"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	BatteryPct float64   `json:"battery_pct,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	RideID     string    `json:"ride_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Purpose tags what entering a geofence means.
type Purpose string

const (
	PurposePickup     Purpose = "pickup"
	PurposeDelivery   Purpose = "delivery"
	PurposeVendorArea Purpose = "vendor-area"
)

// Geofence is a circular region that triggers domain events on entry.
// Active until explicitly deactivated.
type Geofence struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	RadiusKm  float64   `json:"radius_km"`
	Purpose   Purpose   `json:"purpose"`
	OrderID   string    `json:"order_id,omitempty"`
	RideID    string    `json:"ride_id,omitempty"`
	VendorID  string    `json:"vendor_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// GeofenceEvent records one entry per continuous dwell: while an undismissed
// event exists for an (agent, fence) pair, further inside-samples are ignored.
type GeofenceEvent struct {
	ID         string    `json:"id"`
	GeofenceID string    `json:"geofence_id"`
	AgentID    string    `json:"agent_id"`
	DistanceKm float64   `json:"distance_km"`
	Dismissed  bool      `json:"dismissed"`
	CreatedAt  time.Time `json:"created_at"`
}

// TrafficCondition scales ETA for congestion.
type TrafficCondition string

const (
	TrafficLight    TrafficCondition = "LIGHT"
	TrafficModerate TrafficCondition = "MODERATE"
	TrafficHeavy    TrafficCondition = "HEAVY"
)

// WeatherCondition scales ETA for weather.
type WeatherCondition string

const (
	WeatherClear WeatherCondition = "CLEAR"
	WeatherRain  WeatherCondition = "RAIN"
	WeatherSnow  WeatherCondition = "SNOW"
)

// Conditions are the optional multiplier inputs supplied with a sample.
type Conditions struct {
	Traffic TrafficCondition `json:"traffic,omitempty"`
	Weather WeatherCondition `json:"weather,omitempty"`
}

// Multiplier returns the combined ETA scale factor. Unknown values count as 1.
func (c Conditions) Multiplier() float64 {
	m := 1.0
	switch c.Traffic {
	case TrafficModerate:
		m *= 1.3
	case TrafficHeavy:
		m *= 1.7
	}
	switch c.Weather {
	case WeatherRain:
		m *= 1.2
	case WeatherSnow:
		m *= 1.5
	}
	return m
}

// ETA is a derived time-to-target estimate.
type ETA struct {
	AgentID     string    `json:"agent_id"`
	TargetKind  Purpose   `json:"target_kind"`
	DistanceKm  float64   `json:"distance_km"`
	Minutes     float64   `json:"minutes"`
	Confidence  float64   `json:"confidence"`
	VarianceMin float64   `json:"variance_minutes"`
	ComputedAt  time.Time `json:"computed_at"`
}

// NearbyAgent is one ranked result of a radius search.
type NearbyAgent struct {
	AgentID    string  `json:"agent_id"`
	DistanceKm float64 `json:"distance_km"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}
