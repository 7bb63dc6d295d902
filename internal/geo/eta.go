package geo

import "time"

const (
	// defaultSpeedKmh is the assumed average travel speed when the agent
	// reports none.
	defaultSpeedKmh = 40.0

	// minSpeedKmh guards against near-zero reported speeds producing
	// unbounded estimates.
	minSpeedKmh = 8.0

	confidenceFloor  = 0.6
	confidenceBase   = 0.95
	confidencePerKm  = 0.03
	varianceFraction = 0.20
)

// EstimateETA computes time-to-target from the great-circle distance and an
// assumed average speed, scaled by the supplied conditions. Confidence decays
// with distance down to a floor; variance is a fixed fraction of the estimate.
func EstimateETA(agentID string, fromLat, fromLng, toLat, toLng, reportedSpeedKmh float64, cond Conditions, target Purpose, now time.Time) ETA {
	distance := Haversine(fromLat, fromLng, toLat, toLng)

	speed := defaultSpeedKmh
	if reportedSpeedKmh >= minSpeedKmh {
		speed = reportedSpeedKmh
	}

	minutes := distance / speed * 60 * cond.Multiplier()

	confidence := confidenceBase - confidencePerKm*distance
	if confidence < confidenceFloor {
		confidence = confidenceFloor
	}

	return ETA{
		AgentID:     agentID,
		TargetKind:  target,
		DistanceKm:  distance,
		Minutes:     minutes,
		Confidence:  confidence,
		VarianceMin: minutes * varianceFraction,
		ComputedAt:  now,
	}
}
