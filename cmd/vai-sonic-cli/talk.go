package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-sonic/pkg/gateway/config"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/playback"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/session"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/adapters/a2a"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/adapters/weather"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/builtins"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
	"github.com/vango-go/vai-sonic/pkg/gateway/upstream"
)

type talkOptions struct {
	ffmpeg       string
	voice        string
	systemPrompt string
	speculative  bool
	noMic        bool
}

// talkDeps are the process-facing pieces of a conversation.
type talkDeps struct {
	loadConfig func() (config.Config, error)
	newDialer  func(context.Context, config.Config) (upstream.Dialer, error)
	newTools   func(config.Config, *slog.Logger) (*servertools.Registry, error)
	newDevice  func() playback.Device
	openMic    func() (io.ReadCloser, error)
}

func newTalkCmd(root *rootOptions) *cobra.Command {
	opts := &talkOptions{}
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Start a spoken conversation",
		Long: `Streams the microphone to the speech model and plays its replies.
Typed lines are sent as text turns. Commands: /interrupt clears playback,
/quit ends the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := root.logger(cmd.ErrOrStderr())
			deps := talkDeps{
				loadConfig: config.LoadFromEnv,
				newDialer: func(ctx context.Context, cfg config.Config) (upstream.Dialer, error) {
					f := upstream.Factory{Region: cfg.AWSRegion, ModelID: cfg.ModelID, URL: cfg.UpstreamURL, WriteTimeout: cfg.LiveWSWriteTimeout}
					return f.New(ctx, cfg.Upstream)
				},
				newTools: terminalTools,
				newDevice: func() playback.Device {
					return playback.NewFFplayDevice(root.player, root.volume)
				},
				openMic: func() (io.ReadCloser, error) {
					if opts.noMic {
						return io.NopCloser(strings.NewReader("")), nil
					}
					return newFFmpegMic(opts.ffmpeg)
				},
			}
			return runTalk(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), logger, opts, deps)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.ffmpeg, "ffmpeg", "ffmpeg", "path to the ffmpeg binary used for mic capture")
	flags.StringVar(&opts.voice, "voice", "", "voice id (defaults to SONIC_VOICE)")
	flags.StringVar(&opts.systemPrompt, "system-prompt", "", "system prompt (defaults to SONIC_SYSTEM_PROMPT)")
	flags.BoolVar(&opts.speculative, "speculative", false, "also print speculative assistant text")
	flags.BoolVar(&opts.noMic, "no-mic", false, "type instead of speaking")
	return cmd
}

// terminalTools registers the tools a terminal can serve. The image
// analyzer needs a client that can capture screenshots, so it is left out.
func terminalTools(cfg config.Config, logger *slog.Logger) (*servertools.Registry, error) {
	deps := builtins.Deps{
		Weather: weather.NewClient(cfg.GeocodeBaseURL, cfg.WeatherBaseURL, nil),
	}
	if strings.TrimSpace(cfg.A2AURL) != "" {
		search, err := a2a.NewClient(cfg.A2AURL, cfg.ToolTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("build search agent client: %w", err)
		}
		deps.Search = search
	}
	return builtins.NewRegistry(deps), nil
}

func runTalk(ctx context.Context, in io.Reader, out io.Writer, logger *slog.Logger, opts *talkOptions, deps talkDeps) error {
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.voice != "" {
		cfg.Voice = opts.voice
	}
	if opts.systemPrompt != "" {
		cfg.SystemPrompt = opts.systemPrompt
	}

	dialer, err := deps.newDialer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build %s upstream: %w", cfg.Upstream, err)
	}
	tools, err := deps.newTools(cfg, logger)
	if err != nil {
		return err
	}

	preroll := -1
	if cfg.PrerollDuration > 0 {
		preroll = cfg.PrerollSamples(cfg.OutputSampleRateHz)
	}
	renderer := playback.NewRenderer(deps.newDevice(), playback.RendererConfig{
		SampleRateHz:   cfg.OutputSampleRateHz,
		BlockPeriod:    cfg.PlaybackBlock,
		PrerollSamples: preroll,
	}, logger)
	sink := newTerminalSink(out, opts.speculative)

	sess, err := session.New(session.Dependencies{
		Dialer:   dialer,
		Renderer: renderer,
		Sink:     sink,
		Tools:    tools,
		ToolConfig: servertools.DispatcherConfig{
			Timeout:         cfg.ToolTimeout,
			CacheTTL:        cfg.ToolCacheTTL,
			CacheMaxEntries: cfg.ToolCacheMaxEntries,
		},
		Config: session.Config{
			Voice:              cfg.Voice,
			SystemPrompt:       cfg.SystemPrompt,
			OutputSampleRateHz: cfg.OutputSampleRateHz,
			Inference: protocol.InferenceConfiguration{
				MaxTokens:   cfg.MaxTokens,
				TopP:        cfg.TopP,
				Temperature: cfg.Temperature,
			},
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	mic, err := deps.openMic()
	if err != nil {
		return err
	}
	defer mic.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	dimColor.Fprintf(out, "connected as %s (voice %s). Speak, or type; /interrupt, /quit.\n", sess.ID(), sess.Voice())

	go func() {
		if _, err := pumpMic(mic, sess); err != nil {
			logger.Warn("mic capture stopped", "err", err)
		}
	}()
	go readCommands(in, sess, renderer, sink)

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		sess.Stop()
		return <-runErr
	}
}

type commandTarget interface {
	SendText(text string) bool
	Stop()
}

// readCommands handles typed input until /quit or the reader ends.
func readCommands(in io.Reader, sess commandTarget, renderer *playback.Renderer, sink *terminalSink) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			sess.Stop()
			return
		case "/interrupt":
			renderer.BargeIn()
			sink.BargeIn()
		default:
			if !sess.SendText(line) {
				sink.Warning("not_ready", "the session is not ready for text yet")
			}
		}
	}
}
