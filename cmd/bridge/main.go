package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"mt5-bridge/config"
	"mt5-bridge/internal/aipool"
	"mt5-bridge/internal/aiworker"
	"mt5-bridge/internal/auth"
	"mt5-bridge/internal/broker"
	"mt5-bridge/internal/circuit"
	"mt5-bridge/internal/events"
	"mt5-bridge/internal/logger"
	"mt5-bridge/internal/market"
	"mt5-bridge/internal/metrics"
	"mt5-bridge/internal/model"
	"mt5-bridge/internal/orchestrator"
	"mt5-bridge/internal/ratelimit"
	"mt5-bridge/internal/risk"
	"mt5-bridge/internal/wire"
)

const wsPath = "/mt5"

func main() {
	// ---- Load config from env ----
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[bridge] config: %v\n", err)
		os.Exit(1)
	}

	log, logCloser := logger.Setup(logger.Options{
		Service:    "mt5-bridge",
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()

	if err := run(cfg, log); err != nil {
		log.Error("bridge exited with error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	log.Info("bridge stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var err error

	// ---- Setup metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.Infra.MetricsAddr, health, reg, log)
	metricsSrv.Start()

	// ---- Event bus & sinks ----
	bus := events.NewBus(1024, 5*time.Second, log)
	bus.OnDrop = func(sink string) { prom.EventDropsTotal.WithLabelValues(sink).Inc() }
	bus.OnError = func(sink string) { prom.EventErrorsTotal.WithLabelValues(sink).Inc() }
	bus.Attach(events.NewLogSink(log))

	var redisClient *goredis.Client
	var redisSink *events.RedisSink
	if cfg.Infra.RedisAddr != "" {
		redisClient, err = events.NewRedisClient(ctx, events.RedisConfig{
			Addr:     cfg.Infra.RedisAddr,
			Password: cfg.Infra.RedisPassword,
		})
		if err != nil {
			log.Warn("redis unavailable; continuing without redis sink and quotes", "addr", cfg.Infra.RedisAddr, "error", err)
		}
		if redisClient != nil {
			cb := circuit.New(5, 30*time.Second)
			cb.OnStateChange = func(from, to circuit.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == circuit.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
				log.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
			}
			redisSink = events.NewRedisSink(redisClient, cb, 0, log)
			redisSink.OnBuffer = func() { prom.RedisBufferedEvents.Inc() }
			redisSink.OnFlush = func(n int) { log.Info("replayed buffered events", "count", n) }
			bus.Attach(redisSink)
		}
	}

	var journal *events.JournalSink
	if cfg.Infra.SQLitePath != "" {
		journal, err = events.OpenJournal(cfg.Infra.SQLitePath, log)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		bus.Attach(journal)
	}
	if cfg.Infra.WebhookURL != "" {
		bus.Attach(events.NewWebhookSink(cfg.Infra.WebhookURL, cfg.Infra.WebhookEvents...))
	}

	// ---- AI worker pool ----
	pool := aipool.New(poolConfig(cfg), launcher(cfg, log), aipool.Hooks{
		OnResult: prom.ObserveAI,
		OnBreakerChange: func(worker int, from, to circuit.State) {
			prom.ObserveBreaker(worker, int(to), to == circuit.StateOpen)
		},
		OnAliveChange: func(alive int) { prom.AIWorkersAlive.Set(float64(alive)) },
	}, log)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start ai pool: %w", err)
	}

	// ---- Admission gate ----
	limiter := ratelimit.New(ratelimit.Config{
		Enabled:         cfg.RateLimit.Enabled,
		OrdersPerMinute: cfg.RateLimit.OrdersPerMinute,
		BurstSize:       int(cfg.RateLimit.BurstSize),
		IdleTTL:         cfg.RateLimit.IdleTTL,
		SweepInterval:   cfg.RateLimit.SweepInterval,
	}, log)
	limiter.OnDecision = func(_, _ string, allowed bool) { prom.ObserveAdmission(allowed) }

	// ---- Market context ----
	storeOpts := []market.Option{}
	if redisClient != nil {
		storeOpts = append(storeOpts, market.WithQuotes(market.NewRedisQuotes(redisClient)))
	}
	store := market.NewStore(log, storeOpts...)

	// ---- Front-end channel ----
	listener, err := listen(cfg.Broker)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Broker.Addr(), err)
	}
	authn := auth.NewKeyAuthenticator(cfg.Broker.APIKeys, cfg.Broker.TOTPSecret, cfg.Broker.AuthTTL, log)
	channel := broker.New(broker.Config{
		ReconnectMax:      cfg.Broker.ReconnectMax,
		BackoffBase:       cfg.Broker.BackoffBase,
		BackoffMax:        cfg.Broker.BackoffMax,
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Broker.HeartbeatTimeout,
		ExecTimeout:       cfg.Broker.ExecTimeout,
		SendTimeout:       cfg.Broker.SendTimeout,
		AuthTimeout:       cfg.Broker.AuthTimeout,
	}, listener, authn, broker.Hooks{
		OnStateChange: func(from, to broker.State) {
			prom.BrokerState.Set(float64(to))
			if to == broker.StateConnected {
				prom.BrokerSessions.Inc()
			}
			health.SetBroker(to.String(), to == broker.StateConnected)
		},
		OnFrame:      func(direction, frameType string) { prom.BrokerFramesTotal.WithLabelValues(direction, frameType).Inc() },
		OnUnknownAck: prom.BrokerUnknownAcks.Inc,
	}, log)

	// ---- Orchestrator ----
	orch := orchestrator.New(orchestrator.Config{
		TotalDeadline:     cfg.Pipeline.TotalDeadline,
		AdmissionFraction: cfg.Pipeline.AdmissionFraction,
		EnrichmentTimeout: cfg.Pipeline.EnrichmentTimeout,
		AIQuickTimeout:    cfg.AI.TimeoutQuick,
		AIDeepTimeout:     cfg.AI.TimeoutDeep,
		ExecTimeout:       cfg.Broker.ExecTimeout,
		MaxTokens:         cfg.AI.MaxTokens,
		Temperature:       cfg.AI.Temperature,
		MaxInFlight:       int64(cfg.Pipeline.MaxInFlight),
		AllowFallback:     cfg.Pipeline.AllowFallback,
	}, orchestrator.Deps{
		Admitter: limiter,
		Market:   store,
		AI:       pool,
		Risk: risk.New(risk.Limits{
			MinConfidence: cfg.Risk.MinConfidence,
			MaxLot:        cfg.Risk.MaxLot,
			LotStep:       cfg.Risk.LotStep,
			BlockWeekend:  cfg.Risk.BlockWeekend,
		}),
		Executor: channel,
		Events:   bus,
	}, orchestrator.Hooks{
		OnStage: func(stage orchestrator.Stage, d time.Duration) {
			prom.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
		},
		OnOutcome: func(code model.ErrorCode, _ string, d time.Duration) {
			prom.ObserveOutcome(string(code), d)
		},
		OnInFlight: func(n int) { prom.PipelinesInFlight.Set(float64(n)) },
	}, log)
	channel.SetHandler(orch)

	// ---- Start background loops ----
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		var rp, sp metrics.Pinger
		if redisSink != nil {
			rp = redisSink
		}
		if journal != nil {
			sp = journal
		}
		health.RunLivenessChecker(gctx, rp, sp, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				health.SetWorkers(pool.AliveCount(), len(pool.Stats()))
				prom.RateLimitBuckets.Set(float64(limiter.Len()))
				for _, s := range bus.ChannelStats() {
					if s.Cap > 0 && float64(s.Len)/float64(s.Cap) > 0.8 {
						log.Warn("event sink backlog", "sink", s.Sink, "len", s.Len, "cap", s.Cap)
					}
				}
			}
		}
	})
	health.SetWorkers(pool.AliveCount(), len(pool.Stats()))
	channel.Start(gctx)

	log.Info("bridge ready",
		"transport", cfg.Broker.Transport,
		"addr", channel.Addr(),
		"workers", pool.AliveCount(),
		"metrics", cfg.Infra.MetricsAddr,
	)

	<-gctx.Done()
	log.Info("shutting down")

	// ---- Graceful shutdown: refuse new signals, drain in-flight pipelines, then sinks ----
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.TotalDeadline+5*time.Second)
	defer cancel()

	channel.Stop(shutdownCtx)
	pool.Stop()
	if err := bus.Close(shutdownCtx); err != nil {
		log.Warn("closing event sinks", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	metricsSrv.Stop(shutdownCtx)
	return g.Wait()
}

func poolConfig(cfg *config.Config) aipool.Config {
	pc := aipool.Config{
		ModelPaths:       cfg.AI.ModelPaths,
		ModelGlob:        cfg.AI.ModelGlob,
		PoolSize:         cfg.AI.PoolSize,
		StartupTimeout:   cfg.AI.StartupTimeout,
		DefaultTimeout:   cfg.AI.TimeoutQuick,
		BreakerThreshold: cfg.AI.BreakerThreshold,
		BreakerTimeout:   cfg.AI.BreakerTimeout,
		StopGrace:        cfg.AI.StopGrace,
	}
	// The rules engine needs no model file.
	if cfg.AI.WorkerEngine == "rules" {
		pc.Models = []string{"rules"}
	}
	return pc
}

// launcher picks how workers run: the rules engine in-process, anything else
// as aiworker child processes.
func launcher(cfg *config.Config, log *slog.Logger) aipool.Launcher {
	if cfg.AI.WorkerEngine == "rules" {
		return &aipool.PipeLauncher{
			NewEngine: func(int, string) aiworker.Engine { return aiworker.NewRuleEngine() },
			Log:       log,
		}
	}
	return &aipool.ExecLauncher{
		Bin: cfg.AI.WorkerBin,
		Args: func(modelPath string) []string {
			return []string{
				"-model", modelPath,
				"-engine", cfg.AI.WorkerEngine,
				"-llama-server", cfg.AI.LlamaServer,
				"-llama-cli", cfg.AI.LlamaCLI,
				"-log-level", cfg.Log.Level,
			}
		},
		Log: log,
	}
}

func listen(bc config.BrokerConfig) (wire.Listener, error) {
	if bc.Transport == "ws" {
		return wire.ListenWS(bc.Addr(), wsPath)
	}
	return wire.ListenTCP(bc.Addr())
}
