package geo

import "math"

const earthRadiusM = 6371000.0

// Point is a bare coordinate pair; route points carry timestamps on top of it.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// HaversineM returns the great-circle distance in meters between two
// coordinates. Non-finite inputs yield 0 so bad GPS fixes never poison
// cumulative totals.
func HaversineM(lat1, lng1, lat2, lng2 float64) float64 {
	if !finite(lat1, lng1, lat2, lng2) {
		return 0
	}

	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// RouteDistanceM sums pairwise haversine distance over consecutive points.
func RouteDistanceM(points []Point) float64 {
	if len(points) < 2 {
		return 0
	}
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += HaversineM(points[i-1].Lat, points[i-1].Lng, points[i].Lat, points[i].Lng)
	}
	return total
}

// PaceMinPerKm returns minutes per kilometer, 0 when either input is
// zero, negative, or non-finite.
func PaceMinPerKm(distanceM, durationS float64) float64 {
	if !finite(distanceM, durationS) || distanceM <= 0 || durationS <= 0 {
		return 0
	}
	return (durationS / 60) / (distanceM / 1000)
}

// SpeedKmPerHour returns average speed, 0 under the same conditions as pace.
func SpeedKmPerHour(distanceM, durationS float64) float64 {
	if !finite(distanceM, durationS) || distanceM <= 0 || durationS <= 0 {
		return 0
	}
	return (distanceM / 1000) / (durationS / 3600)
}

// Calories estimates energy burned from distance with a linear
// weight-scaled model. perKgKm is kcal burned per kg of body weight per
// kilometer. This is an estimate, not a physiological measurement.
func Calories(distanceM, weightKg, perKgKm float64) int {
	if !finite(distanceM, weightKg, perKgKm) || distanceM <= 0 || weightKg <= 0 || perKgKm <= 0 {
		return 0
	}
	return int(math.Round((distanceM / 1000) * weightKg * perKgKm))
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
