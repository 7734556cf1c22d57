package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Location is a latitude/longitude pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

var errNoCoordinates = errors.New("no coordinates")

// UnmarshalJSON accepts {"lat","lng"}, {"latitude","longitude"} and
// [lat, lng], since mobile and web clients disagree on the shape.
func (l *Location) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("coordinate array must have 2 elements, got %d", len(pair))
		}
		l.Lat, l.Lng = pair[0], pair[1]
		return nil
	}

	var aux struct {
		Lat       *float64 `json:"lat"`
		Lng       *float64 `json:"lng"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("parsing coordinates: %w", err)
	}
	switch {
	case aux.Lat != nil && aux.Lng != nil:
		l.Lat, l.Lng = *aux.Lat, *aux.Lng
	case aux.Latitude != nil && aux.Longitude != nil:
		l.Lat, l.Lng = *aux.Latitude, *aux.Longitude
	default:
		return errNoCoordinates
	}
	return nil
}
