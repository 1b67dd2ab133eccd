package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"kiln/internal/build"
	"kiln/internal/cancel"
	"kiln/internal/compile"
	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/device"
	"kiln/internal/ledger"
	"kiln/internal/locks"
	"kiln/internal/logging"
	"kiln/internal/pkgcache"
	"kiln/internal/pkgpipe"
	"kiln/internal/request"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file path")
		devMode    = flag.Bool("dev", false, "development mode (separate state dir and port)")
	)
	flag.Parse()

	if *devMode {
		_ = os.Setenv(config.EnvDevMode, "1")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFanout(os.Stdout, filepath.Join(cfg.LogDir(), "kilnd.log"), cfg.Logging.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	ctx, cancelCtx := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelCtx()

	store, err := pkgcache.NewStore(cfg.CacheDir())
	if err != nil {
		logger.Error("open package cache", logging.Error(err))
		os.Exit(1)
	}
	ledgerStore, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		logger.Error("open firmware ledger", logging.Error(err))
		os.Exit(1)
	}
	defer ledgerStore.Close()

	pool := compile.NewPool(cfg.Compile.Jobs, logger)
	defer pool.Close()

	devices := device.NewCoordinator(cfg, logger)
	hotplug := device.NewNetlinkMonitor(logger, nil)
	if err := hotplug.Start(ctx); err != nil {
		logger.Warn("hotplug monitor unavailable", logging.Error(err))
	}
	defer hotplug.Stop()

	dispatcher := request.NewDispatcher(request.Deps{
		Config:   cfg,
		Logger:   logger,
		Locks:    locks.NewManager(),
		Cancels:  cancel.NewRegistry(cfg.CancelDir()),
		Pipeline: pkgpipe.New(cfg, store, logger),
		Builder:  build.NewBuilder(cfg, pool, logger),
		Store:    store,
		Devices:  devices,
		Uploader: device.NewUploader(logger),
		Ledger:   ledgerStore,
	})

	d, err := daemon.New(cfg, dispatcher, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		os.Exit(1)
	}
	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited", logging.Error(err))
		os.Exit(1)
	}
}
