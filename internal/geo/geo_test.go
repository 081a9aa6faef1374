package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliefline/internal/domain"
)

type stubGeocoder struct {
	resp  Response
	err   error
	calls int
}

func (s *stubGeocoder) Geocode(ctx context.Context, address string) (Response, error) {
	s.calls++
	return s.resp, s.err
}

func TestResolveExplicitCoordinatesUnchanged(t *testing.T) {
	stub := &stubGeocoder{}
	r := Resolver{Geocoder: stub}
	in := domain.Coordinates{Latitude: -33.8688, Longitude: 151.2093}
	got, err := r.Resolve(context.Background(), Input{Text: "ignored", Coords: &in})
	require.NoError(t, err)
	assert.Equal(t, in, got)
	assert.Zero(t, stub.calls)
}

func TestResolveOutOfRangeCoordinates(t *testing.T) {
	_, err := Resolver{}.Resolve(context.Background(), Input{Coords: &domain.Coordinates{Latitude: 91}})
	assert.True(t, IsKind(err, MissingLocation))
}

func TestResolveMissingLocation(t *testing.T) {
	for _, text := range []string{"", "   "} {
		_, err := Resolver{Geocoder: &stubGeocoder{}}.Resolve(context.Background(), Input{Text: text})
		assert.True(t, IsKind(err, MissingLocation), "text %q", text)
	}
}

func TestResolveStatusMapping(t *testing.T) {
	secunderabad := domain.Coordinates{Latitude: 17.4399, Longitude: 78.4983}
	cases := []struct {
		name   string
		resp   Response
		err    error
		kind   Kind
		reason string
	}{
		{name: "zero results", resp: Response{Status: StatusZeroResults}, kind: NoMatch},
		{name: "ok but empty", resp: Response{Status: StatusOK}, kind: NoMatch},
		{name: "quota", resp: Response{Status: StatusOverQueryLimit}, kind: ProviderRejected, reason: ReasonQuota},
		{name: "denied", resp: Response{Status: StatusRequestDenied}, kind: ProviderRejected, reason: ReasonDenied},
		{name: "other status", resp: Response{Status: "INVALID_REQUEST"}, kind: ProviderRejected, reason: "INVALID_REQUEST"},
		{name: "transport", err: errors.New("dial tcp: refused"), kind: Unreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolver{Geocoder: &stubGeocoder{resp: tc.resp, err: tc.err}}.Resolve(context.Background(), Input{Text: "Xyzzy123"})
			var ge *Error
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, tc.kind, ge.Kind)
			assert.Equal(t, tc.reason, ge.Reason)
		})
	}

	got, err := Resolver{Geocoder: &stubGeocoder{resp: Response{Status: StatusOK, Candidates: []domain.Coordinates{secunderabad, {}}}}}.
		Resolve(context.Background(), Input{Text: "Secunderabad"})
	require.NoError(t, err)
	assert.Equal(t, secunderabad, got)
}

func TestNoMatchSuggestsBroadening(t *testing.T) {
	_, err := Resolver{Geocoder: &stubGeocoder{resp: Response{Status: StatusZeroResults}}}.Resolve(context.Background(), Input{Text: "Xyzzy123"})
	assert.Contains(t, err.Error(), "Try being more general")
}

func TestGoogleGeocoder(t *testing.T) {
	var gotAddress, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAddress = r.URL.Query().Get("address")
		gotKey = r.URL.Query().Get("key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","results":[{"geometry":{"location":{"lat":17.4399,"lng":78.4983}}}]}`))
	}))
	defer srv.Close()

	g := NewGoogleGeocoder(srv.URL, "secret", time.Second)
	resp, err := g.Geocode(context.Background(), "Secunderabad, Hyderabad")
	require.NoError(t, err)
	assert.Equal(t, "Secunderabad, Hyderabad", gotAddress)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, StatusOK, resp.Status)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, 78.4983, resp.Candidates[0].Longitude)
}

func TestGoogleGeocoderFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("address") {
		case "denied":
			_, _ = w.Write([]byte(`{"status":"REQUEST_DENIED","error_message":"bad key","results":[]}`))
		case "garbage":
			_, _ = w.Write([]byte(`<html>`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	r := Resolver{Geocoder: NewGoogleGeocoder(srv.URL, "k", time.Second)}

	_, err := r.Resolve(context.Background(), Input{Text: "denied"})
	assert.True(t, IsKind(err, ProviderRejected))

	_, err = r.Resolve(context.Background(), Input{Text: "garbage"})
	assert.True(t, IsKind(err, Unreachable))

	_, err = r.Resolve(context.Background(), Input{Text: "boom"})
	assert.True(t, IsKind(err, Unreachable))

	srv.Close()
	_, err = r.Resolve(context.Background(), Input{Text: "anything"})
	assert.True(t, IsKind(err, Unreachable))
}
