// Authwatch - Authentication Threat Detection and Alerting
// Copyright 2026 Authwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/authwatch/authwatch

// Package geo provides great-circle distance math for the detection rules.
package geo

import "math"

// earthRadiusKm is the mean Earth radius used by the Haversine formula.
const earthRadiusKm = 6371.0

// CoordinateEpsilon is the threshold for considering coordinates as effectively
// zero. A coordinate is treated as "unknown" (sentinel value 0,0) if both
// latitude and longitude are within this epsilon of zero. 1e-7 degrees is about
// 1.1cm at the equator, well below any meaningful coordinate difference, while
// avoiding direct IEEE 754 equality comparison.
const CoordinateEpsilon = 1e-7

// Coordinate is a WGS84 latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsUnknown reports whether the coordinate is the (0,0) "no data" sentinel.
func (c Coordinate) IsUnknown() bool {
	return math.Abs(c.Lat) < CoordinateEpsilon && math.Abs(c.Lon) < CoordinateEpsilon
}

// HasValidCoordinates is the inverse of IsUnknown for readability at call sites.
func HasValidCoordinates(lat, lon float64) bool {
	return !Coordinate{Lat: lat, Lon: lon}.IsUnknown()
}

// DistanceKm returns the Haversine great-circle distance between two points
// in kilometers. Pure and total: callers must guard against unknown
// coordinates before calling.
func DistanceKm(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180.0
	lon1 := a.Lon * math.Pi / 180.0
	lat2 := b.Lat * math.Pi / 180.0
	lon2 := b.Lon * math.Pi / 180.0

	dLat := lat2 - lat1
	dLon := lon2 - lon1

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// RoundTo2Decimals rounds a float64 to 2 decimal places for evidence payloads.
func RoundTo2Decimals(f float64) float64 {
	return math.Round(f*100) / 100
}
