package builtins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
)

var getWeatherSpec = servertools.MustSpec(mcp.NewTool(servertools.ToolGetWeather,
	mcp.WithDescription("Get current weather for a given location"),
	mcp.WithString("location",
		mcp.Required(),
		mcp.Description("Name of the city (e.g. Seattle, WA)"),
	),
))

type GetWeather struct {
	client WeatherClient
}

func NewGetWeather(client WeatherClient) *GetWeather {
	return &GetWeather{client: client}
}

func (g *GetWeather) Name() string        { return servertools.ToolGetWeather }
func (g *GetWeather) Async() bool         { return false }
func (g *GetWeather) Spec() protocol.Tool { return getWeatherSpec }

func (g *GetWeather) Validate(call servertools.Call) error {
	if call.String("location") == "" {
		return errors.New("Please provide a location for the weather lookup.")
	}
	return nil
}

func (g *GetWeather) Execute(ctx context.Context, call servertools.Call) (map[string]any, error) {
	location := call.String("location")
	report, err := g.client.Forecast(ctx, location)
	if err != nil {
		slog.Default().Warn("weather lookup failed", "location", location, "err", err)
		return nil, fmt.Errorf("Error getting weather for %s.", location)
	}
	return map[string]any{
		"result":   report.Summary(),
		"location": report.Location,
	}, nil
}
