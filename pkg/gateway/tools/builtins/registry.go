package builtins

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-sonic/pkg/gateway/tools/adapters/vision"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/adapters/weather"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
)

const DefaultScreenshotTimeout = 30 * time.Second

type WeatherClient interface {
	Forecast(ctx context.Context, location string) (weather.Report, error)
}

type SearchClient interface {
	Search(ctx context.Context, query string) (string, error)
}

// Deps are the backends behind the built-in tools. A nil backend leaves its
// tool out of the catalog, except numberRace which needs none.
type Deps struct {
	Weather           WeatherClient
	Search            SearchClient
	Vision            vision.Describer
	ScreenshotTimeout time.Duration
	NewID             func() string
}

func NewRegistry(deps Deps) *servertools.Registry {
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.ScreenshotTimeout <= 0 {
		deps.ScreenshotTimeout = DefaultScreenshotTimeout
	}
	executors := []servertools.Executor{NewNumberRace()}
	if deps.Weather != nil {
		executors = append(executors, NewGetWeather(deps.Weather))
	}
	if deps.Search != nil {
		executors = append(executors, NewAgentSearch(deps.Search))
	}
	if deps.Vision != nil {
		executors = append(executors, NewImageAnalyzer(deps.Vision, deps.ScreenshotTimeout, deps.NewID))
	}
	return servertools.NewRegistry(executors...)
}
