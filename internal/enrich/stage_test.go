package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scannerops/callwatch/internal/calls"
	"github.com/scannerops/callwatch/pkg/logger"
)

type fakeLookup struct {
	facility *Facility
	err      error
}

func (f *fakeLookup) NearestFacility(ctx context.Context, lat, lon float64) (*Facility, error) {
	return f.facility, f.err
}

func coordCall() *calls.CallRecord {
	lat, lon := 40.1, -75.2
	return &calls.CallRecord{ID: "call-1", Transcript: "test", Lat: &lat, Lon: &lon}
}

func TestEnrichComputesETA(t *testing.T) {
	stage := NewStage(&fakeLookup{facility: &Facility{Name: "County General", DistanceMiles: 5}}, 30, logger.NewNop())

	result := stage.Enrich(context.Background(), coordCall())
	if result == nil {
		t.Fatalf("expected enrichment result")
	}
	if result.FacilityName != "County General" {
		t.Fatalf("unexpected facility: %q", result.FacilityName)
	}
	// 5 miles at 30 mph is 10 minutes.
	if result.ETAMinutes != 10 {
		t.Fatalf("expected ETA 10 minutes, got %d", result.ETAMinutes)
	}
}

func TestEnrichWithoutCoordinates(t *testing.T) {
	stage := NewStage(&fakeLookup{facility: &Facility{Name: "County General"}}, 30, logger.NewNop())

	call := &calls.CallRecord{ID: "call-1", Transcript: "test"}
	if result := stage.Enrich(context.Background(), call); result != nil {
		t.Fatalf("call without coordinates must not enrich, got %+v", result)
	}
}

func TestEnrichLookupFailureIsSilent(t *testing.T) {
	stage := NewStage(&fakeLookup{err: errors.New("geo down")}, 30, logger.NewNop())

	if result := stage.Enrich(context.Background(), coordCall()); result != nil {
		t.Fatalf("lookup failure must degrade to nil, got %+v", result)
	}
}

func TestClientNearestFacility(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nearest" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Facility{Name: "County General", DistanceMiles: 3.2})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second, logger.NewNop())
	facility, err := client.NearestFacility(context.Background(), 40.1, -75.2)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if facility.Name != "County General" || facility.DistanceMiles != 3.2 {
		t.Fatalf("unexpected facility: %+v", facility)
	}
}

func TestClientUnconfigured(t *testing.T) {
	client := NewClient("", 5*time.Second, logger.NewNop())
	if _, err := client.NearestFacility(context.Background(), 40.1, -75.2); err == nil {
		t.Fatalf("unconfigured client must fail fast")
	}
}
