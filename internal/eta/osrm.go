package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// defaultProfiles maps delivery methods to OSRM routing profiles. Methods
// missing here route as "driving".
var defaultProfiles = map[models.Method]string{
	models.MethodTwoWheeler: "driving",
	models.MethodCar:        "driving",
	models.MethodCargo:      "driving",
}

// OSRMClient asks an OSRM server for road travel times.
type OSRMClient struct {
	Endpoint string
	HTTP     *http.Client
	Profiles map[models.Method]string
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		HTTP:     &http.Client{Timeout: 2 * time.Second},
		Profiles: defaultProfiles,
	}
}

type osrmRoute struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

func (o *OSRMClient) profile(method models.Method) string {
	if p, ok := o.Profiles[method]; ok && p != "" {
		return p
	}
	return "driving"
}

// EstimateSeconds returns the fastest route duration for method.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, method models.Method, from, to models.Coord) (float64, error) {
	u := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false&alternatives=false",
		o.Endpoint, url.PathEscape(o.profile(method)), from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm: %w", err)
	}
	defer resp.Body.Close()

	var out osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm: decode %s response: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK || out.Code != "Ok" {
		return 0, fmt.Errorf("osrm: %s %s: %s", resp.Status, out.Code, out.Message)
	}
	if len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm: no route")
	}
	return out.Routes[0].Duration, nil
}
