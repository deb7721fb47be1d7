package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentmarket/config"
	"agentmarket/core/payment"
	"agentmarket/observability/logging"
	telemetry "agentmarket/observability/otel"
	"agentmarket/services/marketd"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred shutdowns complete before
// the process exits.
func run() int {
	configFile := flag.String("config", "./marketsim.toml", "Path to the configuration file")
	agents := flag.Int("agents", 5, "Number of buyer and seller agents")
	rounds := flag.Int("rounds", 20, "Number of trading rounds")
	seed := flag.Int64("seed", 1, "Seed for the deterministic simulation")
	metricsAddr := flag.String("metrics", "", "Listen address for the Prometheus endpoint; the process keeps serving after the run when set")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Printf("load config: %v", err)
		return 1
	}
	logOpts := logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}
	if cfg.LogFile == "" {
		logOpts.Writer = os.Stderr
	}
	logger := logging.SetupWithOptions("marketsim", cfg.Environment, logOpts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
			SampleRatio: cfg.Telemetry.SampleRatio,

			Modules:       marketd.Modules(),
			PausedModules: cfg.PausedModules,
			FeeRateBps:    cfg.Escrow.FeeRateBps,
			Storage:       cfg.Storage.Backend,
		})
		if err != nil {
			logger.Error("init telemetry", slog.Any("error", err))
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()
	}

	var server *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	clock := &simClock{now: time.Unix(1_700_000_000, 0).UTC(), step: 30 * time.Second}
	gw := payment.NewMemoryGateway()
	gw.SetNowFunc(clock.Now)
	svc, err := marketd.New(cfg, marketd.WithGateway(gw), marketd.WithLogger(logger), marketd.WithClock(clock.Now))
	if err != nil {
		logger.Error("build market", slog.Any("error", err))
		return 1
	}
	defer svc.Close()

	rep, err := simulate(ctx, svc, gw, simOptions{agents: *agents, rounds: *rounds, seed: *seed})
	if err != nil {
		logger.Error("simulation failed", slog.Any("error", err))
		return 1
	}
	rep.render(os.Stdout)

	if server != nil {
		logger.Info("serving metrics until interrupted", slog.String("addr", *metricsAddr))
		<-ctx.Done()
	}
	return 0
}
