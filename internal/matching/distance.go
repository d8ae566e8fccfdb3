package matching

import "math"

const (
	earthRadiusMiles = 3958.8
	earthRadiusKm    = 6371.0
)

// Distance returns the haversine great-circle distance between a and b.
// Callers validate coordinate ranges; NaN input yields NaN.
func Distance(a, b GeoPoint, unit DistanceUnit) float64 {
	radius := earthRadiusMiles
	if unit == Kilometers {
		radius = earthRadiusKm
	}
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLng := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return radius * c
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
