package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/vango-go/vai-sonic/pkg/gateway/config"
	"github.com/vango-go/vai-sonic/pkg/gateway/handlers"
	"github.com/vango-go/vai-sonic/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-sonic/pkg/gateway/mw"
	"github.com/vango-go/vai-sonic/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/adapters/a2a"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/adapters/vision"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/adapters/weather"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/builtins"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/safety"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
	"github.com/vango-go/vai-sonic/pkg/gateway/upstream"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	engine *gin.Engine

	dialer       upstream.Dialer
	tools        *servertools.Registry
	httpClient   *http.Client
	limiter      *ratelimit.Limiter
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
	sweeper      *cron.Cron
}

// Option overrides a backend New would otherwise build from config.
type Option func(*options)

type options struct {
	dialer upstream.Dialer
	tools  *servertools.Registry
}

// WithDialer replaces the speech model upstream.
func WithDialer(d upstream.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTools replaces the built-in tool registry.
func WithTools(r *servertools.Registry) Option {
	return func(o *options) { o.tools = r }
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := safety.NewHTTPClient(&http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.ToolTimeout,
	})

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		engine:     gin.New(),
		dialer:     o.dialer,
		tools:      o.tools,
		httpClient: httpClient,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			MaxConcurrentRequests:   cfg.LimitMaxConcurrentRequests,
			MaxConcurrentWSSessions: cfg.LiveMaxSessionsPerPrincipal,
		}),
		lifecycle:    lifecycle.New(time.Now()),
		liveSessions: sessions.NewTracker(),
	}

	if s.dialer == nil {
		factory := upstream.Factory{
			Region:       cfg.AWSRegion,
			ModelID:      cfg.ModelID,
			URL:          cfg.UpstreamURL,
			WriteTimeout: cfg.LiveWSWriteTimeout,
		}
		d, err := factory.New(ctx, cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("build %s upstream: %w", cfg.Upstream, err)
		}
		s.dialer = d
	}
	if s.tools == nil {
		reg, err := s.buildTools(ctx)
		if err != nil {
			return nil, err
		}
		s.tools = reg
	}

	s.routes()
	return s, nil
}

func (s *Server) buildTools(ctx context.Context) (*servertools.Registry, error) {
	deps := builtins.Deps{
		Weather:           weather.NewClient(s.cfg.GeocodeBaseURL, s.cfg.WeatherBaseURL, s.httpClient),
		ScreenshotTimeout: s.cfg.ScreenshotTimeout,
	}

	if strings.TrimSpace(s.cfg.A2AURL) != "" {
		search, err := a2a.NewClient(s.cfg.A2AURL, s.cfg.ToolTimeout, s.logger)
		if err != nil {
			return nil, fmt.Errorf("build search agent client: %w", err)
		}
		deps.Search = search
	}

	if strings.TrimSpace(s.cfg.GeminiAPIKey) != "" {
		describer, err := vision.NewGeminiDescriber(ctx, s.cfg.GeminiAPIKey, s.cfg.VisionModel, "")
		if err != nil {
			return nil, fmt.Errorf("build vision describer: %w", err)
		}
		deps.Vision = describer
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		deps.Vision = vision.NewBedrockDescriber(bedrockruntime.NewFromConfig(awsCfg), s.cfg.VisionModel)
	}

	reg := builtins.NewRegistry(deps)
	s.logger.Info("tools registered", "tools", reg.Names())
	return reg, nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", gin.WrapH(handlers.HealthHandler{}))
	s.engine.GET("/readyz", gin.WrapH(handlers.ReadyHandler{
		Config:       s.cfg,
		Dialer:       s.dialer,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
		Tools:        s.tools.Names(),
	}))

	s.engine.Any("/v1/live", gin.WrapH(handlers.LiveHandler{
		Config:       s.cfg,
		Dialer:       s.dialer,
		Tools:        s.tools,
		Logger:       s.logger,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
	}))
	s.engine.GET("/v1/sessions", handlers.ListSessions(s.liveSessions))

	s.engine.NoRoute(gin.WrapH(handlers.NotFoundHandler{}))
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.engine
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// StartMaintenance schedules the periodic tool-result sweep.
func (s *Server) StartMaintenance() error {
	if s.sweeper != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.ToolSweepSchedule, func() { s.SweepToolResults(time.Now()) }); err != nil {
		return fmt.Errorf("schedule tool sweep: %w", err)
	}
	c.Start()
	s.sweeper = c
	return nil
}

// StopMaintenance stops the sweep and waits for a running one to finish.
func (s *Server) StopMaintenance() {
	if s.sweeper == nil {
		return
	}
	<-s.sweeper.Stop().Done()
	s.sweeper = nil
}

// SweepToolResults drops expired tool results across live sessions.
func (s *Server) SweepToolResults(now time.Time) int {
	removed := s.liveSessions.SweepAll(now)
	if removed > 0 {
		s.logger.Debug("swept tool results", "removed", removed, "live_sessions", s.liveSessions.Count())
	}
	return removed
}

func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) WarnLiveSessionsDraining() int {
	return s.liveSessions.WarnAll("draining", "The gateway is restarting. Please reconnect shortly.")
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.liveSessions.CancelAll()
}
