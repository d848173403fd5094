package main

import (
	"fmt"
	"strings"
)

// MaidenheadToLatLon converts a Maidenhead locator to latitude and
// longitude. Supports 4 or 6 character precision and returns the center
// point of the grid square.
func MaidenheadToLatLon(locator string) (lat, lon float64, err error) {
	locator = strings.ToUpper(locator)

	if len(locator) != 4 && len(locator) != 6 {
		return 0, 0, fmt.Errorf("invalid Maidenhead locator length: %d (must be 4 or 6)", len(locator))
	}
	if locator[0] < 'A' || locator[0] > 'R' || locator[1] < 'A' || locator[1] > 'R' {
		return 0, 0, fmt.Errorf("invalid field characters (must be A-R)")
	}
	if locator[2] < '0' || locator[2] > '9' || locator[3] < '0' || locator[3] > '9' {
		return 0, 0, fmt.Errorf("invalid square characters (must be 0-9)")
	}
	if len(locator) == 6 {
		if locator[4] < 'A' || locator[4] > 'X' || locator[5] < 'A' || locator[5] > 'X' {
			return 0, 0, fmt.Errorf("invalid subsquare characters (must be A-X)")
		}
	}

	// Field: 20° longitude x 10° latitude.
	lon = float64(locator[0]-'A') * 20.0
	lat = float64(locator[1]-'A') * 10.0

	// Square: 2° longitude x 1° latitude.
	lon += float64(locator[2]-'0') * 2.0
	lat += float64(locator[3]-'0') * 1.0

	if len(locator) == 6 {
		// Subsquare: 5' longitude x 2.5' latitude.
		lon += float64(locator[4]-'A') * (2.0 / 24.0)
		lat += float64(locator[5]-'A') * (1.0 / 24.0)
		lon += 2.0 / 48.0
		lat += 1.0 / 48.0
	} else {
		lon += 1.0
		lat += 0.5
	}

	return lat - 90.0, lon - 180.0, nil
}

// LatLonToGrid converts latitude and longitude to a 6-character Maidenhead
// locator. Lets an operator configure coordinates instead of a grid square.
func LatLonToGrid(lat, lon float64) string {
	if lat < -90 {
		lat = -90
	}
	if lat > 90 {
		lat = 90
	}
	for lon < -180 {
		lon += 360
	}
	for lon >= 180 {
		lon -= 360
	}

	adjLat := lat + 90.0
	adjLon := lon + 180.0
	if adjLat >= 180 {
		adjLat = 179.99999
	}
	if adjLon >= 360 {
		adjLon = 359.99999
	}

	field0 := byte(adjLon / 20.0)
	field1 := byte(adjLat / 10.0)
	square0 := byte(adjLon/2.0) % 10
	square1 := byte(adjLat) % 10
	sub0 := byte((adjLon - float64(int(adjLon/2.0))*2.0) * 12.0)
	sub1 := byte((adjLat - float64(int(adjLat))) * 24.0)
	if sub0 > 23 {
		sub0 = 23
	}
	if sub1 > 23 {
		sub1 = 23
	}

	return string([]byte{
		'A' + field0,
		'A' + field1,
		'0' + square0,
		'0' + square1,
		'a' + sub0,
		'a' + sub1,
	})
}
