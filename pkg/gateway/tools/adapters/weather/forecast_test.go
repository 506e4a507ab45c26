package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newWeatherServer(t *testing.T) *httptest.Server {
	t.Helper()
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/search":
			if got := r.URL.Query().Get("name"); got != "Portland" {
				t.Errorf("name=%q", got)
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			_, _ = w.Write([]byte(`{"results":[
				{"name":"Portland","admin1":"Oregon","latitude":45.5152,"longitude":-122.6784},
				{"name":"Portland","admin1":"Maine","latitude":43.6591,"longitude":-70.2568}]}`))
		case strings.HasPrefix(r.URL.Path, "/points/"):
			if r.Header.Get("User-Agent") == "" {
				t.Errorf("missing User-Agent")
			}
			if r.URL.Path != "/points/43.6591,-70.2568" {
				t.Errorf("points path=%q", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/geo+json")
			_, _ = w.Write([]byte(`{"properties":{"forecast":"` + ts.URL + `/gridpoints/GYX/1,2/forecast"}}`))
		case r.URL.Path == "/gridpoints/GYX/1,2/forecast":
			w.Header().Set("Content-Type", "application/geo+json")
			_, _ = w.Write([]byte(`{"properties":{"periods":[
				{"name":"Tonight","temperature":41,"temperatureUnit":"F","windSpeed":"5 mph","windDirection":"NW","shortForecast":"Clear"},
				{"name":"Tuesday","temperature":58,"temperatureUnit":"F","windSpeed":"10 mph","windDirection":"W","shortForecast":"Sunny"},
				{"name":"Tuesday Night","temperature":39,"temperatureUnit":"F","shortForecast":"Cloudy"}]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	return ts
}

func TestClientForecast_Success(t *testing.T) {
	ts := newWeatherServer(t)
	defer ts.Close()

	c := NewClient(ts.URL, ts.URL, ts.Client())
	report, err := c.Forecast(context.Background(), "Portland, ME")
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if report.Location != "Portland, Maine" {
		t.Fatalf("location=%q", report.Location)
	}
	if len(report.Periods) != 2 {
		t.Fatalf("periods=%d, want 2", len(report.Periods))
	}
	summary := report.Summary()
	if !strings.Contains(summary, "Tonight: Clear, 41 degrees F, wind 5 mph NW.") {
		t.Fatalf("summary=%q", summary)
	}
	if strings.Contains(summary, "Tuesday Night") {
		t.Fatalf("summary kept a third period: %q", summary)
	}
}

func TestClientForecast_NoGeocodeResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"generationtime_ms":0.1}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, ts.URL, ts.Client())
	if _, err := c.Forecast(context.Background(), "Atlantis"); err == nil || !strings.Contains(err.Error(), "no US location") {
		t.Fatalf("err=%v", err)
	}
}

func TestClientForecast_Non200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, ts.URL, ts.Client())
	_, err := c.Forecast(context.Background(), "Seattle")
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("err=%v", err)
	}
}

func TestClientForecast_EmptyLocation(t *testing.T) {
	c := NewClient("", "", nil)
	if _, err := c.Forecast(context.Background(), "  "); err == nil {
		t.Fatal("expected error")
	}
}

func TestClientForecast_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, ts.URL, ts.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Forecast(ctx, "Seattle"); err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestReportSummary_NoPeriods(t *testing.T) {
	r := Report{Location: "Nowhere"}
	if got := r.Summary(); got != "No forecast is available for Nowhere." {
		t.Fatalf("summary=%q", got)
	}
}
