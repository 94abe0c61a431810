package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/beeper/asmux/internal/api"
	"github.com/beeper/asmux/internal/config"
	"github.com/beeper/asmux/internal/coordinator"
	"github.com/beeper/asmux/internal/database"
	"github.com/beeper/asmux/internal/delivery"
	"github.com/beeper/asmux/internal/directory"
	"github.com/beeper/asmux/internal/events"
	"github.com/beeper/asmux/internal/infra"
	"github.com/beeper/asmux/internal/metrics"
	"github.com/beeper/asmux/internal/queue"
	"github.com/beeper/asmux/internal/router"
	"github.com/beeper/asmux/internal/status"
	"github.com/beeper/asmux/internal/syncproxy"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", "config.yaml", "path to the config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := database.Connect(ctx, cfg.Database.URI)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	redisClient, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	dir := directory.New(store, redisClient)
	reporter := status.NewReporter(
		cfg.Mux.RemoteStatusEndpoint,
		cfg.Mux.BridgeStatusEndpoint,
		cfg.Mux.MessageSendCheckpointEndpoint,
	)
	syncProxy := syncproxy.NewClient(
		cfg.Mux.SyncProxy.URL,
		cfg.Mux.SyncProxy.Token,
		cfg.Mux.SyncProxy.OwnAddress,
		cfg.Mux.HSToken,
		cfg.MXIDPrefix(),
		cfg.MXIDSuffix(),
	)

	reportExpired := func(az *database.AppService, expired []events.Event) {
		metrics.ExpiredPDUs.WithLabelValues(az.Owner, az.Prefix).Add(float64(len(expired)))
		reporter.ReportExpiredPDU(context.Background(), az, expired)
	}
	queues := queue.NewManager(redisClient, cfg.MXIDSuffix(), reportExpired)

	coord := coordinator.New(redisClient, cfg.Server.Name)
	wsDeliverer := delivery.NewWebsocket(
		queues,
		reporter,
		syncProxy,
		coord,
		dir,
		delivery.NewPusher(),
		cfg.Mux.UnreachableExemptPrefixes,
	)
	coord.OnCloseRequest(wsDeliverer.CloseReplaced)
	httpDeliverer := delivery.NewHTTP(cfg.MXIDSuffix())

	rtr := router.New(dir, wsDeliverer, httpDeliverer, cfg.MXIDPrefix(), cfg.MXIDSuffix())
	server := api.NewServer(cfg, dir, rtr, wsDeliverer)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		dir.RunInvalidationListener(groupCtx)
		return nil
	})
	group.Go(func() error {
		coord.Run(groupCtx)
		return nil
	})
	group.Go(server.Start)
	group.Go(func() error {
		<-groupCtx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		wsDeliverer.Stop(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
