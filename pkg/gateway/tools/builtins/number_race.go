package builtins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
)

var numberRaceSpec = servertools.MustSpec(mcp.NewTool(servertools.ToolNumberRace,
	mcp.WithDescription("A number, an integer to start a number race! I will wait for that many seconds."),
	mcp.WithNumber("number",
		mcp.Required(),
		mcp.Description("The integer number of seconds to wait."),
	),
))

// NumberRace waits the requested number of seconds before answering.
type NumberRace struct {
	unit time.Duration
}

func NewNumberRace() *NumberRace {
	return &NumberRace{unit: time.Second}
}

func (n *NumberRace) Name() string        { return servertools.ToolNumberRace }
func (n *NumberRace) Async() bool         { return false }
func (n *NumberRace) Spec() protocol.Tool { return numberRaceSpec }

func (n *NumberRace) Validate(call servertools.Call) error {
	_, err := raceSeconds(call)
	return err
}

func (n *NumberRace) Execute(ctx context.Context, call servertools.Call) (map[string]any, error) {
	seconds, err := raceSeconds(call)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(time.Duration(seconds) * n.unit)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("The number race for %d seconds was interrupted.", seconds)
	case <-timer.C:
	}
	return map[string]any{"result": fmt.Sprintf("I am done waiting for %d seconds.", seconds)}, nil
}

func raceSeconds(call servertools.Call) (int, error) {
	raw, ok := call.Args["number"]
	if !ok || raw == nil {
		return 0, errors.New("No number was provided for the race.")
	}
	seconds, ok := servertools.IntArg(call.Args, "number")
	if !ok || seconds < 0 {
		return 0, fmt.Errorf("The input '%v' is not a valid integer for the number race.", raw)
	}
	return seconds, nil
}
