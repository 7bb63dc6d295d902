package geo

import (
	"math"
	"testing"
	"time"
)

func TestConditionsMultiplier(t *testing.T) {
	tests := []struct {
		name string
		cond Conditions
		want float64
	}{
		{"empty", Conditions{}, 1.0},
		{"light clear", Conditions{Traffic: TrafficLight, Weather: WeatherClear}, 1.0},
		{"moderate", Conditions{Traffic: TrafficModerate}, 1.3},
		{"heavy", Conditions{Traffic: TrafficHeavy}, 1.7},
		{"rain", Conditions{Weather: WeatherRain}, 1.2},
		{"snow", Conditions{Weather: WeatherSnow}, 1.5},
		{"heavy snow", Conditions{Traffic: TrafficHeavy, Weather: WeatherSnow}, 2.55},
		{"unknown values", Conditions{Traffic: "GRIDLOCK", Weather: "HAIL"}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Multiplier(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Multiplier = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEstimateETA(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Roughly 2 km apart along the equator.
	fromLat, fromLng := 0.0, 0.0
	toLat, toLng := 0.0, 2.0/111.19493

	t.Run("clear conditions", func(t *testing.T) {
		eta := EstimateETA("d1", fromLat, fromLng, toLat, toLng, 0, Conditions{}, PurposePickup, now)

		if math.Abs(eta.DistanceKm-2.0) > 0.01 {
			t.Fatalf("distance = %v, want ~2 km", eta.DistanceKm)
		}
		// 2 km at the 40 km/h default is 3 minutes.
		if math.Abs(eta.Minutes-3.0) > 0.05 {
			t.Errorf("minutes = %v, want ~3", eta.Minutes)
		}
		if math.Abs(eta.VarianceMin-eta.Minutes*0.2) > 1e-9 {
			t.Errorf("variance = %v, want 20%% of %v", eta.VarianceMin, eta.Minutes)
		}
	})

	t.Run("heavy traffic scales the estimate", func(t *testing.T) {
		eta := EstimateETA("d1", fromLat, fromLng, toLat, toLng, 0, Conditions{Traffic: TrafficHeavy}, PurposePickup, now)
		if math.Abs(eta.Minutes-5.1) > 0.1 {
			t.Errorf("minutes = %v, want ~5.1", eta.Minutes)
		}
	})

	t.Run("reported speed replaces the default", func(t *testing.T) {
		eta := EstimateETA("d1", fromLat, fromLng, toLat, toLng, 60, Conditions{}, PurposePickup, now)
		if math.Abs(eta.Minutes-2.0) > 0.05 {
			t.Errorf("minutes = %v, want ~2 at 60 km/h", eta.Minutes)
		}
	})

	t.Run("near-zero speed falls back to the default", func(t *testing.T) {
		eta := EstimateETA("d1", fromLat, fromLng, toLat, toLng, 1, Conditions{}, PurposePickup, now)
		if math.Abs(eta.Minutes-3.0) > 0.05 {
			t.Errorf("minutes = %v, want ~3 at the default speed", eta.Minutes)
		}
	})

	t.Run("confidence decays with distance to a floor", func(t *testing.T) {
		short := EstimateETA("d1", 0, 0, 0, 0.001, 0, Conditions{}, PurposePickup, now)
		far := EstimateETA("d1", 40.7128, -74.0060, 34.0522, -118.2437, 0, Conditions{}, PurposeDelivery, now)

		if short.Confidence <= far.Confidence {
			t.Errorf("confidence must decay with distance: short %v, far %v", short.Confidence, far.Confidence)
		}
		if far.Confidence != 0.6 {
			t.Errorf("confidence floor is 0.6, got %v", far.Confidence)
		}
		if short.Confidence > 0.95 {
			t.Errorf("confidence base is 0.95, got %v", short.Confidence)
		}
	})
}
