package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/gameserver/internal/config"
	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/gamequeue"
	"github.com/antigravity-dev/gameserver/internal/lock"
	"github.com/antigravity-dev/gameserver/internal/metrics"
	"github.com/antigravity-dev/gameserver/internal/push"
	"github.com/antigravity-dev/gameserver/internal/service/buff"
	"github.com/antigravity-dev/gameserver/internal/service/building"
	"github.com/antigravity-dev/gameserver/internal/service/item"
	"github.com/antigravity-dev/gameserver/internal/service/mission"
	"github.com/antigravity-dev/gameserver/internal/service/research"
	"github.com/antigravity-dev/gameserver/internal/service/resource"
	"github.com/antigravity-dev/gameserver/internal/service/unit"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/sync"
	"github.com/antigravity-dev/gameserver/internal/types"
	"github.com/antigravity-dev/gameserver/internal/worker"

	apiserver "github.com/antigravity-dev/gameserver/internal/api"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gameserver",
	Short: "gameserver runs the persistent strategy-game backend core",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", "gameserver.toml", "path to config file")
	serveCmd.Flags().Bool("dev", false, "use text log format (default is JSON)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the API dispatcher, task worker, and sync workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dev, _ := cmd.Flags().GetBool("dev")
		return serve(configPath, dev)
	},
}

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func serve(configPath string, dev bool) error {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgMgr, err := config.LoadManager(configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "config", configPath, "error", err)
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := cfgMgr.Get()

	logger := configureLogger(cfg.General.LogLevel, dev)
	slog.SetDefault(logger)
	logger.Info("gameserver starting", "config", configPath)

	st, err := storage.Open(cfg.Persistence.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	cache := gamecache.New()
	queue := gamequeue.New(cfg.Queue.MetadataTTL.Duration, cfg.Queue.MaxAttempts)
	locks := lock.New(lock.DefaultTimeout)
	mr := metrics.New()
	pushCh := push.New(cfg.Push.PingInterval.Duration, cfg.Push.WriteTimeout.Duration, mr, logger.With("component", "push"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks, err := st.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted tasks: %w", err)
	}
	queue.Restore(tasks)
	logger.Info("restored persisted tasks", "count", len(tasks))

	// The Task Worker's finish handlers are bound once at startup: Finish
	// only replays a task's own saved metadata and never consults the live
	// Config Catalog, unlike the per-command API services built in
	// internal/api.services.
	resSvc := resource.New(cache, st, logger.With("component", "resource"))
	buffSvc := buff.New(cfg, cache, st, logger.With("component", "buff"))
	itemSvc := item.New(cfg, cache, st, queue, locks, resSvc, logger.With("component", "item"))
	missionSvc := mission.New(cfg, cache, st, locks, resSvc, itemSvc, logger.With("component", "mission"))
	buildingSvc := building.New(cfg, cache, st, queue, locks, resSvc, buffSvc, missionSvc, logger.With("component", "building"))
	unitSvc := unit.New(cfg, cache, st, queue, locks, resSvc, buffSvc, missionSvc, logger.With("component", "unit"))
	researchSvc := research.New(cfg, cache, st, queue, locks, resSvc, buffSvc, missionSvc, logger.With("component", "research"))

	taskWorker := worker.New(cfgMgr, queue, locks, pushCh, mr, logger.With("component", "worker"))
	taskWorker.Register(types.TaskBuilding, "building_finished", buildingSvc.Finish)
	taskWorker.Register(types.TaskUnit, "unit_finished", unitSvc.Finish)
	taskWorker.Register(types.TaskResearch, "research_finished", researchSvc.Finish)
	// Item tasks (speedups, chests) resolve synchronously in
	// item.Service.Use and never enter the queue, so there is no mission
	// or item Finish handler to register here.

	go taskWorker.Run(ctx)

	syncWorkers := []*sync.Worker{
		sync.New("resource", cfg.Sync.Resource.Duration, cache, st, mr, logger.With("component", "sync.resource"), sync.ResourceFlush(cache, st)),
		sync.New("building", cfg.Sync.Building.Duration, cache, st, mr, logger.With("component", "sync.building"), sync.BuildingFlush(cache, st)),
		sync.New("unit", cfg.Sync.Unit.Duration, cache, st, mr, logger.With("component", "sync.unit"), sync.UnitFlush(cache, st)),
		sync.New("research", cfg.Sync.Research.Duration, cache, st, mr, logger.With("component", "sync.research"), sync.ResearchFlush(cache, st)),
		sync.New("item", cfg.Sync.Item.Duration, cache, st, mr, logger.With("component", "sync.item"), sync.ItemFlush(cache, st)),
		sync.New("mission", cfg.Sync.Mission.Duration, cache, st, mr, logger.With("component", "sync.mission"), sync.MissionFlush(cache, st)),
		sync.New("buff", cfg.Sync.Buff.Duration, cache, st, mr, logger.With("component", "sync.buff"), sync.BuffFlush(cache, st)),
		sync.New("shop", cfg.Sync.Shop.Duration, cache, st, mr, logger.With("component", "sync.shop"), sync.ShopFlush(cache, st)),
	}
	for _, w := range syncWorkers {
		go w.Run(ctx)
	}

	apiSrv := apiserver.NewServer(cfgMgr, cache, st, queue, locks, pushCh, taskWorker, mr, logger.With("component", "api"))

	errc := make(chan error, 1)
	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			errc <- err
		}
	}()

	logger.Info("gameserver running", "command_bind", cfg.API.Bind, "push_bind", cfg.Push.Bind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case err := <-errc:
			logger.Error("api server error", "error", err)
			cancel()
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				if err := cfgMgr.Reload(configPath); err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logger.Info("config reloaded", "version", cfgMgr.Version())
			default:
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
				time.Sleep(200 * time.Millisecond) // let in-flight ticks observe ctx.Done before Close
				logger.Info("gameserver stopped")
				return nil
			}
		}
	}
}
