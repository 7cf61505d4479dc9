package maps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"
)

// ErrNoAddress is returned when the Geocoding API has no result for a point.
var ErrNoAddress = errors.New("no address for location")

// Address is a simplified reverse-geocoding result.
type Address struct {
	FormattedAddress string   `json:"formattedAddress"`
	PlaceID          string   `json:"placeId,omitempty"`
	Types            []string `json:"types,omitempty"`
}

// GeocodeService handles interactions with the Google Geocoding API.
type GeocodeService struct {
	client   *maps.Client
	language string
}

// NewGeocodeService creates a GeocodeService with the given API key.
// Extra client options (e.g. maps.WithBaseURL) are passed to the maps client.
func NewGeocodeService(apiKey, language string, opts ...maps.ClientOption) (*GeocodeService, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GeocodeService{client: client, language: language}, nil
}

// ReverseGeocode returns the best address for the coordinates.
func (s *GeocodeService) ReverseGeocode(ctx context.Context, lat, lng float64) (Address, error) {
	r := &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: lat, Lng: lng},
		Language: s.language,
	}

	results, err := s.client.ReverseGeocode(ctx, r)
	if err != nil {
		return Address{}, fmt.Errorf("geocoding api error: %w", err)
	}
	if len(results) == 0 {
		return Address{}, ErrNoAddress
	}

	best := results[0]
	return Address{
		FormattedAddress: best.FormattedAddress,
		PlaceID:          best.PlaceID,
		Types:            best.Types,
	}, nil
}
