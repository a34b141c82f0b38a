// Package geo provides great-circle distance math for proximity alerting.
package geo

import "math"

// EarthRadiusMiles is the mean radius of the Earth in miles.
const EarthRadiusMiles = 3959.0

// Distance returns the great-circle distance in miles between two
// coordinates using the haversine formula. It is pure and symmetric, and
// returns 0 (within floating-point epsilon) for coincident points.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMiles * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
