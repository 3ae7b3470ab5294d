// Command clawswarm runs the queue dispatcher, routing and team chain
// executor, swarm engine, and memory context composer described in
// SPEC_FULL.md as a single long-running daemon, plus the optional
// observability and channel-adapter collaborators: the sqlite history
// index, the websocket event stream, the cron-driven swarm scheduler,
// and the Telegram channel.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/clawswarm/orchestrator/internal/bus"
	"github.com/clawswarm/orchestrator/internal/chain"
	"github.com/clawswarm/orchestrator/internal/channels"
	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/events"
	"github.com/clawswarm/orchestrator/internal/eventstream"
	"github.com/clawswarm/orchestrator/internal/history"
	"github.com/clawswarm/orchestrator/internal/orchestrator"
	"github.com/clawswarm/orchestrator/internal/otel"
	"github.com/clawswarm/orchestrator/internal/queue"
	"github.com/clawswarm/orchestrator/internal/scheduler"
	"github.com/clawswarm/orchestrator/internal/swarm"
	"github.com/clawswarm/orchestrator/internal/telemetry"
	"github.com/clawswarm/orchestrator/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                  Run the dispatcher daemon (blocks until signaled)
  %s -doctor          Validate config.yaml and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLAWSWARM_HOME             Workspace directory (default: ~/.clawswarm)
  CLAWSWARM_LOG_LEVEL        debug|info|warn|error (default: info)
  CLAWSWARM_QUEUE_ROOT       Queue root directory, relative to CLAWSWARM_HOME
  CLAWSWARM_POLL_INTERVAL_MS Dispatcher poll interval in milliseconds
  TELEGRAM_TOKEN             Telegram bot token (enables the telegram channel)
`)
}

func main() {
	loadDotEnv(".env")

	doctor := flag.Bool("doctor", false, "validate config.yaml and exit")
	flag.Usage = printUsage
	flag.Parse()

	quietLogs := isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawswarm: load config: %v\n", err)
		os.Exit(1)
	}

	if *doctor {
		if cfg.NeedsGenesis {
			fmt.Println("clawswarm: no config.yaml found; one will be created with defaults on next run")
		} else {
			fmt.Println("clawswarm: config.yaml OK")
		}
		return
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawswarm: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(ctx, &cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	eventBus := bus.New()

	sink, err := events.NewSink(cfg.PathUnder("events"), eventBus, logger)
	if err != nil {
		return fmt.Errorf("init event sink: %w", err)
	}
	defer sink.Close()

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	invoker := newRoutingInvoker(logger)

	var stop []func()
	defer func() {
		for i := len(stop) - 1; i >= 0; i-- {
			stop[i]()
		}
	}()

	var histStore *history.Store
	if cfg.History.Enabled {
		histPath := cfg.History.Path
		if !filepath.IsAbs(histPath) {
			histPath = cfg.PathUnder(histPath)
		}
		store, err := history.Open(histPath)
		if err != nil {
			logger.Error("history store disabled: failed to open", "error", err)
		} else {
			histStore = store
			stop = append(stop, func() { store.Close() })
		}
	}

	chainOpts := []chain.Option{chain.WithSink(sink), chain.WithMetrics(metrics), chain.WithLogger(logger)}
	swarmOpts := []swarm.Option{swarm.WithSink(sink), swarm.WithMetrics(metrics), swarm.WithLogger(logger)}
	if histStore != nil {
		chainOpts = append(chainOpts, chain.WithHistory(histStore))
		swarmOpts = append(swarmOpts, swarm.WithHistory(histStore))
	}

	chainExecutor := chain.New(cfg, invoker, chainOpts...)
	swarmEngine := swarm.New(cfg, invoker, swarmOpts...)

	engine := orchestrator.New(orchestrator.Deps{
		Config:  cfg,
		Invoker: invoker,
		Chain:   chainExecutor,
		Swarm:   swarmEngine,
		Sink:    sink,
		Metrics: metrics,
		Logger:  logger,
	})

	dispatcher := queue.New(queue.Config{
		IncomingDir:       cfg.QueueDir("incoming"),
		ProcessingDir:     cfg.QueueDir("processing"),
		OutgoingDir:       cfg.QueueDir("outgoing"),
		DeadletterDir:     cfg.QueueDir("deadletter"),
		PollInterval:      time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		QuarantineRetries: cfg.Queue.QuarantineRetries,
		Resolver:          engine,
		Handler:           engine,
		Logger:            logger,
		Sink:              sink,
		Metrics:           metrics,
	})

	if len(cfg.Swarms) > 0 {
		sched, err := scheduler.New(scheduler.Config{Workspace: cfg, Logger: logger})
		if err != nil {
			logger.Error("scheduler disabled: invalid schedule", "error", err)
		} else {
			sched.Start(ctx)
			stop = append(stop, sched.Stop)
		}
	}

	if cfg.EventStream.Enabled {
		streamSrv := eventstream.New(eventBus, logger)
		httpSrv := &http.Server{Addr: cfg.EventStream.BindAddr, Handler: streamSrv.Handler()}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("event stream server failed", "error", err)
			}
		}()
		stop = append(stop, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			cfg.QueueDir("incoming"),
			cfg.QueueDir("outgoing"),
			logger,
		)
		chCtx, chCancel := context.WithCancel(ctx)
		go func() {
			if err := tg.Start(chCtx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
		stop = append(stop, chCancel)
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config hot-reload disabled: failed to start watcher", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				if filepath.Base(ev.Path) != "config.yaml" {
					continue
				}
				if err := cfg.Reload(); err != nil {
					logger.Error("config reload failed, keeping previous agents/teams/swarms", "error", err)
					continue
				}
				logger.Info("config.yaml reloaded", "op", ev.Op.String())
			}
		}()
	}

	logger.Info("clawswarm starting", "version", Version, "home", cfg.HomeDir)
	return dispatcher.Run(ctx)
}

// routingInvoker dispatches to DockerInvoker for agents configured with
// sandbox: docker, and HostInvoker otherwise.
type routingInvoker struct {
	host   worker.Invoker
	docker worker.Invoker
	logger *slog.Logger
}

func newRoutingInvoker(logger *slog.Logger) *routingInvoker {
	ri := &routingInvoker{host: worker.NewHostInvoker(), logger: logger}
	if d, err := worker.NewDockerInvoker(); err == nil {
		ri.docker = d
	} else {
		logger.Warn("docker sandbox unavailable, falling back to host invocation for docker-sandboxed agents", "error", err)
	}
	return ri
}

func (r *routingInvoker) Invoke(ctx context.Context, req worker.Request) (worker.Result, error) {
	if req.Agent.Sandbox == config.SandboxDocker && r.docker != nil {
		return r.docker.Invoke(ctx, req)
	}
	return r.host.Invoke(ctx, req)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
}
