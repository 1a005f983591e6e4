package enrich

import (
	"context"
	"math"

	"github.com/scannerops/callwatch/internal/calls"
	"github.com/scannerops/callwatch/pkg/logger"
)

// Result is the best-effort contextual data attached to a notification.
type Result struct {
	FacilityName  string  `json:"facility_name"`
	DistanceMiles float64 `json:"distance_miles"`
	ETAMinutes    int     `json:"eta_minutes"`
}

// FacilityLookup is the geo collaborator boundary.
type FacilityLookup interface {
	NearestFacility(ctx context.Context, lat, lon float64) (*Facility, error)
}

// Stage adds nearest-facility context to calls that carry coordinates.
// Strictly best-effort: any failure yields a nil result, never an error
// that could block the notification.
type Stage struct {
	lookup      FacilityLookup
	avgSpeedMPH float64
	logger      *logger.Logger
}

// NewStage creates an enrichment stage. avgSpeedMPH is the assumed transit
// speed used to estimate ETA from distance.
func NewStage(lookup FacilityLookup, avgSpeedMPH float64, log *logger.Logger) *Stage {
	return &Stage{
		lookup:      lookup,
		avgSpeedMPH: avgSpeedMPH,
		logger:      log.Named("enrichment"),
	}
}

// Enrich returns contextual data for the call, or nil when the call has no
// coordinates or the geo collaborator is unavailable.
func (s *Stage) Enrich(ctx context.Context, call *calls.CallRecord) *Result {
	if s == nil || s.lookup == nil || !call.HasCoordinates() {
		return nil
	}

	facility, err := s.lookup.NearestFacility(ctx, *call.Lat, *call.Lon)
	if err != nil {
		s.logger.Debug("Enrichment unavailable, proceeding without it",
			logger.String("call_id", call.ID),
			logger.Error(err),
		)
		return nil
	}

	result := &Result{
		FacilityName:  facility.Name,
		DistanceMiles: facility.DistanceMiles,
	}
	if s.avgSpeedMPH > 0 {
		result.ETAMinutes = int(math.Round(facility.DistanceMiles / s.avgSpeedMPH * 60))
	}
	return result
}
