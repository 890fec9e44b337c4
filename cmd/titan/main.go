// Package main provides the entry point for the Titan acquisition service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titan-scrape/titan/internal/captcha"
	"github.com/titan-scrape/titan/internal/config"
	"github.com/titan-scrape/titan/internal/handlers"
	"github.com/titan-scrape/titan/internal/jobs"
	"github.com/titan-scrape/titan/internal/middleware"
	"github.com/titan-scrape/titan/internal/orchestrator"
	"github.com/titan-scrape/titan/internal/rotator"
	"github.com/titan-scrape/titan/internal/sessionstore"
	"github.com/titan-scrape/titan/internal/stats"
	"github.com/titan-scrape/titan/internal/swarm"
	"github.com/titan-scrape/titan/internal/taskqueue"
	"github.com/titan-scrape/titan/internal/telemetry"
	"github.com/titan-scrape/titan/internal/tier"
	"github.com/titan-scrape/titan/internal/titan"
	"github.com/titan-scrape/titan/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Titan %s\n", version.Full())
		return
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	cfg.Validate()
	printBanner()

	rot := rotator.New(cfg.AllProxies(), rotatorConfig(cfg), log.Logger)
	sessions := sessionstore.New(sessionBackend(cfg))
	domains := stats.NewManager()
	recorder := telemetry.NewRecorder()
	telemetry.SetBuildInfo(version.Full(), version.GoVersion())

	memCollectorStop := make(chan struct{})
	go telemetry.StartMemoryCollector(15*time.Second, memCollectorStop)

	drivers, pools := buildTierRegistry(cfg, domains)

	var tasks *taskqueue.Queue
	if cfg.TaskQueueDSN != "" {
		var err error
		tasks, err = taskqueue.Open(cfg.TaskQueueDSN, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to task queue")
		}
	} else {
		log.Warn().Msg("TITAN_TASKQUEUE_DSN not set - manual CAPTCHA-solve escalation is disabled")
	}

	orch := orchestrator.New(orchestratorConfig(cfg), drivers, rot, sessions, tasks, domains, recorder, log.Logger)
	jobMgr := jobs.NewManager(orch)
	swarmEngine := swarm.NewEngine(orch, swarm.Config{Concurrency: cfg.SwarmConcurrency}, log.Logger)

	go jobSweepLoop(jobMgr, 10*time.Minute)

	handler := handlers.New(jobMgr, swarmEngine, tasks, sessions, domains, recorder, cfg)

	var finalHandler http.Handler = handler

	// Apply middleware in reverse order - last applied runs first.
	// 1. Recovery (outermost - catches panics from everything)
	// 2. Logging
	// 3. Rate limiting (if enabled)
	// 4. API key authentication (scrape/job/internal routes, if enabled)
	// 5. Resolver JWT authentication is applied per-route inside Router()
	// 6. Security headers
	// 7. CORS (handles preflight)

	finalHandler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})(finalHandler)

	finalHandler = middleware.SecurityHeaders(finalHandler)

	if cfg.APIKeyEnabled {
		log.Info().Msg("API key authentication enabled")
		finalHandler = middleware.APIKey(cfg)(finalHandler)
	}

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		finalHandler = rateLimiter.Handler()(finalHandler)
	}

	finalHandler = middleware.Logging(finalHandler)
	finalHandler = middleware.Recovery(finalHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       cfg.MaxTimeout + 10*time.Second,
		WriteTimeout:      cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Bool("task_queue_enabled", tasks != nil).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("Titan is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	close(memCollectorStop)
	if rateLimiter != nil {
		rateLimiter.Close()
	}
	for _, err := range drivers.CleanupAll() {
		log.Error().Err(err).Msg("Tier driver cleanup error")
	}
	for _, p := range pools {
		if err := p.Close(); err != nil {
			log.Error().Err(err).Msg("Browser pool close error")
		}
	}
	if tasks != nil {
		if err := tasks.Close(); err != nil {
			log.Error().Err(err).Msg("Task queue close error")
		}
	}

	log.Info().Msg("Shutdown complete")
}

// rotatorConfig translates the closed env-var schema into the Proxy
// Rotator's Config, falling back to its own defaults for anything the
// operator left unset.
func rotatorConfig(cfg *config.Config) rotator.Config {
	rc := rotator.DefaultConfig()
	switch cfg.RotatorStrategy {
	case "round_robin", "round-robin":
		rc.Strategy = rotator.StrategyRoundRobin
	case "random":
		rc.Strategy = rotator.StrategyRandom
	case "sticky_session", "sticky-session", "":
		rc.Strategy = rotator.StrategyStickySession
	default:
		log.Warn().Str("strategy", cfg.RotatorStrategy).Msg("Unknown rotator strategy, defaulting to sticky_session")
	}
	return rc
}

// orchestratorConfig translates env-var config into the Tier
// Orchestrator's Config.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	if cfg.OrchestratorDeadline > 0 {
		oc.OverallDeadline = cfg.OrchestratorDeadline
	}
	if cfg.OrchestratorMaxPerTier > 0 {
		oc.MaxPerTier = cfg.OrchestratorMaxPerTier
	}
	oc.RotatorStrategy = rotatorConfig(cfg).Strategy
	return oc
}

// sessionBackend picks the Session Store backend: Redis when an operator
// points TITAN_SESSION_STORE_REDIS_URL at a cluster, the in-process
// memory backend otherwise. Memory is fine for a single instance; Redis
// is required once more than one Titan process needs to share clearance
// sessions.
func sessionBackend(cfg *config.Config) sessionstore.Backend {
	if cfg.SessionStoreRedisURL == "" {
		return sessionstore.NewMemoryBackend()
	}
	opts, err := redis.ParseURL(cfg.SessionStoreRedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid TITAN_SESSION_STORE_REDIS_URL")
	}
	log.Info().Str("addr", opts.Addr).Msg("Session Store backed by Redis")
	return sessionstore.NewRedisBackend(redis.NewClient(opts))
}

// buildTierRegistry wires all five tier drivers and returns the browser
// pools backing T3-T5 so main can close them on shutdown. T3 and T4 each
// get their own pool since T4's stealth profile ("hardened") launches
// Chrome with different AV-evasion flags than T3's ("standard"); T5
// reuses T4's hardened pool since it shares the same fingerprint needs
// plus a CAPTCHA solver chain bolted on.
func buildTierRegistry(cfg *config.Config, domains *stats.Manager) (*tier.Registry, []*tier.BrowserPool) {
	registry := tier.NewRegistry()

	registry.Register(titan.T1ImpersonatingClient, tier.NewImpersonatingDriver(tier.DefaultImpersonatingConfig(), log.Logger))
	registry.Register(titan.T2LightweightBrowser, tier.NewLightweightBrowserDriver(version.UserAgent, log.Logger))

	standardPool, err := tier.NewBrowserPool(tier.DefaultBrowserPoolConfig("standard"), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize T3 browser pool")
	}
	registry.Register(titan.T3StealthCDPBrowser, tier.NewStealthCDPDriver(standardPool, log.Logger))

	hardenedPool, err := tier.NewBrowserPool(tier.DefaultBrowserPoolConfig("hardened"), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize T4/T5 browser pool")
	}
	registry.Register(titan.T4StealthAVEvasion, tier.NewHardenedStealthDriver(hardenedPool, log.Logger))
	registry.Register(titan.T5FullBrowserCaptchaSolver, tier.NewFullAutomatedDriver(hardenedPool, captchaSolverChain(cfg), version.UserAgent, domains, log.Logger))

	return registry, []*tier.BrowserPool{standardPool, hardenedPool}
}

// captchaSolverChain builds T5's external-fallback chain from whichever
// provider API keys are configured. A chain with zero providers and
// fallback disabled still works - it just always reports ShouldFallback
// as false, leaving T5 to rely on native Turnstile solving alone.
func captchaSolverChain(cfg *config.Config) *captcha.SolverChain {
	var providers []captcha.CaptchaSolver
	switch cfg.CaptchaPrimaryProvider {
	case "capsolver":
		if cfg.CaptchaCapSolverAPIKey != "" {
			providers = append(providers, captcha.NewCapSolverSolver(captcha.CapSolverConfig{
				APIKey: cfg.CaptchaCapSolverAPIKey, Timeout: cfg.CaptchaSolverTimeout,
			}))
		}
		if cfg.Captcha2CaptchaAPIKey != "" {
			providers = append(providers, captcha.NewTwoCaptchaSolver(captcha.TwoCaptchaConfig{
				APIKey: cfg.Captcha2CaptchaAPIKey, Timeout: cfg.CaptchaSolverTimeout,
			}))
		}
	default:
		if cfg.Captcha2CaptchaAPIKey != "" {
			providers = append(providers, captcha.NewTwoCaptchaSolver(captcha.TwoCaptchaConfig{
				APIKey: cfg.Captcha2CaptchaAPIKey, Timeout: cfg.CaptchaSolverTimeout,
			}))
		}
		if cfg.CaptchaCapSolverAPIKey != "" {
			providers = append(providers, captcha.NewCapSolverSolver(captcha.CapSolverConfig{
				APIKey: cfg.CaptchaCapSolverAPIKey, Timeout: cfg.CaptchaSolverTimeout,
			}))
		}
	}

	return captcha.NewSolverChain(captcha.SolverChainConfig{
		NativeAttempts:  cfg.CaptchaNativeAttempts,
		Providers:       providers,
		Metrics:         captcha.NewMetrics(),
		FallbackEnabled: cfg.CaptchaFallbackEnabled,
	})
}

// jobSweepLoop periodically evicts jobs older than maxAge from the
// in-memory job manager, the same bounded-retention discipline the
// reference service applies to its session map.
func jobSweepLoop(mgr *jobs.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if n := mgr.Sweep(2 * time.Hour); n > 0 {
			log.Debug().Int("count", n).Msg("Swept stale jobs")
		}
	}
}

// setupLogging configures zerolog's output format ("json" writes JSON
// lines, anything else uses the console writer) and its log level.
func setupLogging(level, format string) {
	if format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _____ _  _
|_   _|(_) |_ __ _ _ __
  | |  | | __/ _' | '_ \
  | |  | | || (_| | | | |
  |_|  |_|\__\__,_|_| |_|
                    Acquisition Engine
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting Titan")
}
