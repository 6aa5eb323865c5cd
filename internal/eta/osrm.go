package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient asks an OSRM server for the driving duration between two points.
type OSRMClient struct {
	Endpoint string
	Profile  string // defaults to "driving"
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}
	// OSRM wants lon,lat pairs
	u := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("eta.OSRMClient.EstimateSeconds: %w", err)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("eta.OSRMClient.EstimateSeconds: %w: %v", models.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("eta.OSRMClient.EstimateSeconds: %w: status %d", models.ErrUnavailable, resp.StatusCode)
	}

	var route osrmRoute
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&route); err != nil {
		return 0, fmt.Errorf("eta.OSRMClient.EstimateSeconds: decode: %w", err)
	}
	if route.Code != "Ok" || len(route.Routes) == 0 {
		return 0, fmt.Errorf("eta.OSRMClient.EstimateSeconds: %w: no route (%s)", models.ErrNotFound, route.Code)
	}
	return route.Routes[0].Duration, nil
}
