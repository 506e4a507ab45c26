package weather

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/vai-sonic/pkg/gateway/tools/safety"
)

const (
	defaultGeocodeBaseURL = "https://geocoding-api.open-meteo.com"
	defaultForecastURL    = "https://api.weather.gov"
	defaultUserAgent      = "vai-sonic (weather tool)"

	maxPeriods = 2
)

type Period struct {
	Name             string
	Temperature      int
	TemperatureUnit  string
	WindSpeed        string
	WindDirection    string
	ShortForecast    string
	DetailedForecast string
}

type Report struct {
	Location  string
	Latitude  float64
	Longitude float64
	Periods   []Period
}

// Summary renders the report as plain sentences suitable for speech.
func (r Report) Summary() string {
	if len(r.Periods) == 0 {
		return fmt.Sprintf("No forecast is available for %s.", r.Location)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Weather for %s.", r.Location)
	for _, p := range r.Periods {
		fmt.Fprintf(&b, " %s: %s, %d degrees %s", p.Name, p.ShortForecast, p.Temperature, p.TemperatureUnit)
		if p.WindSpeed != "" {
			fmt.Fprintf(&b, ", wind %s %s", p.WindSpeed, p.WindDirection)
		}
		b.WriteString(".")
	}
	return b.String()
}

// Client resolves a place name with the Open-Meteo geocoder and reads the
// National Weather Service forecast for its coordinates.
type Client struct {
	geocodeBaseURL  string
	forecastBaseURL string
	userAgent       string
	httpClient      *http.Client
}

func NewClient(geocodeBaseURL, forecastBaseURL string, httpClient *http.Client) *Client {
	if strings.TrimSpace(geocodeBaseURL) == "" {
		geocodeBaseURL = defaultGeocodeBaseURL
	}
	if strings.TrimSpace(forecastBaseURL) == "" {
		forecastBaseURL = defaultForecastURL
	}
	if httpClient == nil {
		httpClient = safety.NewHTTPClient(nil)
	}
	return &Client{
		geocodeBaseURL:  strings.TrimRight(geocodeBaseURL, "/"),
		forecastBaseURL: strings.TrimRight(forecastBaseURL, "/"),
		userAgent:       defaultUserAgent,
		httpClient:      httpClient,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.httpClient != nil
}

func (c *Client) Forecast(ctx context.Context, location string) (Report, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return Report{}, fmt.Errorf("location is required")
	}
	place, err := c.geocode(ctx, location)
	if err != nil {
		return Report{}, err
	}
	forecastURL, err := c.forecastURL(ctx, place.Latitude, place.Longitude)
	if err != nil {
		return Report{}, err
	}
	periods, err := c.periods(ctx, forecastURL)
	if err != nil {
		return Report{}, err
	}
	place.Periods = periods
	return place, nil
}

func (c *Client) geocode(ctx context.Context, location string) (Report, error) {
	name, region, _ := strings.Cut(location, ",")
	name = strings.TrimSpace(name)
	region = strings.ToLower(strings.TrimSpace(region))

	q := url.Values{}
	q.Set("name", name)
	q.Set("count", "10")
	q.Set("language", "en")
	q.Set("format", "json")
	q.Set("countryCode", "US")

	var decoded struct {
		Results []struct {
			Name      string  `json:"name"`
			Admin1    string  `json:"admin1"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := c.getJSON(ctx, c.geocodeBaseURL+"/v1/search?"+q.Encode(), &decoded); err != nil {
		return Report{}, fmt.Errorf("geocode %q: %w", location, err)
	}
	if len(decoded.Results) == 0 {
		return Report{}, fmt.Errorf("no US location found for %q", location)
	}
	best := decoded.Results[0]
	if region != "" {
		for _, r := range decoded.Results {
			admin := strings.ToLower(r.Admin1)
			if admin == region || stateAbbreviations[region] == admin {
				best = r
				break
			}
		}
	}
	label := best.Name
	if best.Admin1 != "" {
		label += ", " + best.Admin1
	}
	return Report{Location: label, Latitude: best.Latitude, Longitude: best.Longitude}, nil
}

func (c *Client) forecastURL(ctx context.Context, lat, lon float64) (string, error) {
	var decoded struct {
		Properties struct {
			Forecast string `json:"forecast"`
		} `json:"properties"`
	}
	endpoint := fmt.Sprintf("%s/points/%.4f,%.4f", c.forecastBaseURL, lat, lon)
	if err := c.getJSON(ctx, endpoint, &decoded); err != nil {
		return "", fmt.Errorf("forecast grid lookup: %w", err)
	}
	if strings.TrimSpace(decoded.Properties.Forecast) == "" {
		return "", fmt.Errorf("forecast grid lookup returned no forecast url")
	}
	return decoded.Properties.Forecast, nil
}

func (c *Client) periods(ctx context.Context, forecastURL string) ([]Period, error) {
	var decoded struct {
		Properties struct {
			Periods []struct {
				Name             string `json:"name"`
				Temperature      int    `json:"temperature"`
				TemperatureUnit  string `json:"temperatureUnit"`
				WindSpeed        string `json:"windSpeed"`
				WindDirection    string `json:"windDirection"`
				ShortForecast    string `json:"shortForecast"`
				DetailedForecast string `json:"detailedForecast"`
			} `json:"periods"`
		} `json:"properties"`
	}
	if err := c.getJSON(ctx, forecastURL, &decoded); err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}
	out := make([]Period, 0, maxPeriods)
	for _, p := range decoded.Properties.Periods {
		if len(out) == maxPeriods {
			break
		}
		out = append(out, Period{
			Name:             p.Name,
			Temperature:      p.Temperature,
			TemperatureUnit:  p.TemperatureUnit,
			WindSpeed:        p.WindSpeed,
			WindDirection:    p.WindDirection,
			ShortForecast:    p.ShortForecast,
			DetailedForecast: p.DetailedForecast,
		})
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, safety.ErrorBody(resp))
	}
	if err := safety.DecodeJSONBodyLimited(resp, 0, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var stateAbbreviations = map[string]string{
	"al": "alabama", "ak": "alaska", "az": "arizona", "ar": "arkansas", "ca": "california",
	"co": "colorado", "ct": "connecticut", "de": "delaware", "fl": "florida", "ga": "georgia",
	"hi": "hawaii", "id": "idaho", "il": "illinois", "in": "indiana", "ia": "iowa",
	"ks": "kansas", "ky": "kentucky", "la": "louisiana", "me": "maine", "md": "maryland",
	"ma": "massachusetts", "mi": "michigan", "mn": "minnesota", "ms": "mississippi", "mo": "missouri",
	"mt": "montana", "ne": "nebraska", "nv": "nevada", "nh": "new hampshire", "nj": "new jersey",
	"nm": "new mexico", "ny": "new york", "nc": "north carolina", "nd": "north dakota", "oh": "ohio",
	"ok": "oklahoma", "or": "oregon", "pa": "pennsylvania", "ri": "rhode island", "sc": "south carolina",
	"sd": "south dakota", "tn": "tennessee", "tx": "texas", "ut": "utah", "vt": "vermont",
	"va": "virginia", "wa": "washington", "wv": "west virginia", "wi": "wisconsin", "wy": "wyoming",
	"dc": "district of columbia",
}
