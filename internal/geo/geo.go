// Package geo turns free-text locations or device coordinates into a
// latitude/longitude pair through a geocoding provider.
package geo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reliefline/internal/domain"
)

type Kind string

const (
	MissingLocation  Kind = "missing_location"
	NoMatch          Kind = "no_match"
	ProviderRejected Kind = "provider_rejected"
	Unreachable      Kind = "unreachable"
)

// Reasons carried by ProviderRejected failures.
const (
	ReasonQuota  = "quota"
	ReasonDenied = "denied"
)

// Provider status codes, as returned by the Google Geocoding API.
const (
	StatusOK             = "OK"
	StatusZeroResults    = "ZERO_RESULTS"
	StatusOverQueryLimit = "OVER_QUERY_LIMIT"
	StatusRequestDenied  = "REQUEST_DENIED"
)

// Error is a structured resolution failure.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := "Could not determine coordinates for the provided location."
	if e.Message != "" {
		msg += " " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a resolution failure of kind k.
func IsKind(err error, k Kind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == k
}

// Response is what a geocoding provider answered for one address.
type Response struct {
	Status     string
	Candidates []domain.Coordinates
	Detail     string
}

// Geocoder looks up an address. An error return means no usable answer came
// back from the provider at all.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Response, error)
}

// Input carries either text, coordinates, or both. Coordinates win.
type Input struct {
	Text   string
	Coords *domain.Coordinates
}

// Resolver is stateless and safe for concurrent use.
type Resolver struct {
	Geocoder Geocoder
}

func (r Resolver) Resolve(ctx context.Context, in Input) (domain.Coordinates, error) {
	if in.Coords != nil {
		c := *in.Coords
		if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
			return domain.Coordinates{}, &Error{Kind: MissingLocation, Message: fmt.Sprintf("Coordinates (%g, %g) are out of range.", c.Latitude, c.Longitude)}
		}
		return c, nil
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return domain.Coordinates{}, &Error{Kind: MissingLocation, Message: "Please enter a location or use your current location."}
	}
	if r.Geocoder == nil {
		return domain.Coordinates{}, &Error{Kind: Unreachable, Message: "No geocoding provider is configured."}
	}
	resp, err := r.Geocoder.Geocode(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Coordinates{}, ctx.Err()
		}
		return domain.Coordinates{}, &Error{Kind: Unreachable, Message: "The geocoding service could not be reached.", Err: err}
	}
	switch resp.Status {
	case StatusOK:
		if len(resp.Candidates) > 0 {
			return resp.Candidates[0], nil
		}
		return domain.Coordinates{}, noMatch()
	case StatusZeroResults:
		return domain.Coordinates{}, noMatch()
	case StatusOverQueryLimit:
		return domain.Coordinates{}, &Error{Kind: ProviderRejected, Reason: ReasonQuota,
			Message: "API query limit exceeded. Please try again later or check your Google Maps API key settings."}
	case StatusRequestDenied:
		return domain.Coordinates{}, &Error{Kind: ProviderRejected, Reason: ReasonDenied,
			Message: "Geocoding API access denied. Check your API key and project settings."}
	default:
		msg := fmt.Sprintf("The geocoding provider answered %s.", resp.Status)
		if resp.Detail != "" {
			msg += " " + resp.Detail
		}
		return domain.Coordinates{}, &Error{Kind: ProviderRejected, Reason: resp.Status, Message: msg}
	}
}

func noMatch() error {
	return &Error{Kind: NoMatch, Message: `Try being more general (e.g., "Secunderabad" instead of a specific building name) or check for typos.`}
}
