package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"reliefline/internal/domain"
)

const DefaultEndpoint = "https://maps.googleapis.com/maps/api/geocode/json"

// GoogleGeocoder calls the Google Geocoding HTTP API.
type GoogleGeocoder struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewGoogleGeocoder(endpoint, apiKey string, timeout time.Duration) *GoogleGeocoder {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &GoogleGeocoder{Endpoint: endpoint, APIKey: apiKey, Client: &http.Client{Timeout: timeout}}
}

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

func (g *GoogleGeocoder) Geocode(ctx context.Context, address string) (Response, error) {
	u, err := url.Parse(g.Endpoint)
	if err != nil {
		return Response{}, fmt.Errorf("geocoder endpoint: %w", err)
	}
	q := u.Query()
	q.Set("address", address)
	q.Set("key", g.APIKey)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, err
	}
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("geocoder http status %d", resp.StatusCode)
	}
	var body googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Response{}, fmt.Errorf("decode geocoder response: %w", err)
	}
	out := Response{Status: body.Status, Detail: body.ErrorMessage}
	for _, r := range body.Results {
		out.Candidates = append(out.Candidates, domain.Coordinates{
			Latitude:  r.Geometry.Location.Lat,
			Longitude: r.Geometry.Location.Lng,
		})
	}
	return out, nil
}
