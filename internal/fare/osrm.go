package fare

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// OSRMEstimator quotes from the road distance an OSRM server reports, falling
// back to the flat tariff applied to routed kilometers.
type OSRMEstimator struct {
	Endpoint string
	Tariff   Tariff
	Client   *http.Client
}

func NewOSRMEstimator(endpoint string, tariff Tariff) *OSRMEstimator {
	return &OSRMEstimator{Endpoint: endpoint, Tariff: tariff, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (o *OSRMEstimator) Estimate(from, to models.Coord) (float64, error) {
	// /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	resp, err := o.Client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	km := out.Routes[0].Distance / 1000
	fare := o.Tariff.BaseFare + km*o.Tariff.PerKM
	if fare < o.Tariff.MinimumFare {
		fare = o.Tariff.MinimumFare
	}
	return fare, nil
}
