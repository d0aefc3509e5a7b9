package transform

import "math"

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two coordinates in
// kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// SpeedUnit is a supported speed unit for conversions.
type SpeedUnit string

const (
	UnitKmh SpeedUnit = "km/h"
	UnitMph SpeedUnit = "mph"
	UnitMs  SpeedUnit = "m/s"
)

// kilometers per hour per one of each unit
var kmhPerUnit = map[SpeedUnit]float64{
	UnitKmh: 1,
	UnitMph: 1.609344,
	UnitMs:  3.6,
}

// ConvertSpeed converts a speed value between units. Unknown units convert
// as km/h.
func ConvertSpeed(value float64, from, to SpeedUnit) float64 {
	f, ok := kmhPerUnit[from]
	if !ok {
		f = 1
	}
	t, ok := kmhPerUnit[to]
	if !ok {
		t = 1
	}
	return value * f / t
}
