package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scannerops/callwatch/pkg/logger"
)

// Facility is the geo collaborator's answer for a coordinate pair.
type Facility struct {
	Name          string  `json:"name"`
	DistanceMiles float64 `json:"distance_miles"`
}

// Client fetches nearest-facility data from the geo collaborator.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *logger.Logger
}

// NewClient creates a geo client. baseURL may be empty, in which case every
// lookup fails fast and enrichment degrades to nothing.
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		logger:     log.Named("geo-client"),
	}
}

// NearestFacility queries the geo collaborator for the closest facility to
// the given coordinates.
func (c *Client) NearestFacility(ctx context.Context, lat, lon float64) (*Facility, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("geo collaborator not configured")
	}

	url := fmt.Sprintf("%s/nearest?lat=%f&lon=%f", c.baseURL, lat, lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var facility Facility
	if err := json.Unmarshal(body, &facility); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if facility.Name == "" {
		return nil, fmt.Errorf("geo collaborator returned no facility")
	}

	c.logger.Debug("Nearest facility resolved",
		logger.String("facility", facility.Name),
		logger.Float64("distance_miles", facility.DistanceMiles),
	)
	return &facility, nil
}
