// Package main is the gateway binary's entry point: C10 (worker-process
// pool) + C11 (reverse proxy) + C12 (rate-limit registry) in one process,
// per SPEC_FULL.md's module layout — the gateway binary owns the workers
// it proxies to directly, with no manager HTTP hop (see DESIGN.md's
// architecture note). Modeled on the teacher's cmd/server/main.go
// init/flag/dispatch shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kestrelai/studiobridge/internal/config"
	"github.com/kestrelai/studiobridge/internal/gateway"
	"github.com/kestrelai/studiobridge/internal/logging"
	"github.com/kestrelai/studiobridge/internal/ratelimit"
	"github.com/kestrelai/studiobridge/internal/util"
	"github.com/kestrelai/studiobridge/internal/watcher"
	"github.com/kestrelai/studiobridge/internal/workerpool"
	"github.com/kestrelai/studiobridge/internal/workers"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var (
		configPath    string
		dataDir       string
		workerBinary  string
		port          int
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	flag.StringVar(&dataDir, "data-dir", "data", "Directory holding workers.json and auth profiles")
	flag.StringVar(&workerBinary, "worker-binary", "", "Path to the worker executable; defaults to the sibling 'worker' binary")
	flag.IntVar(&port, "port", 8080, "Port the reverse proxy listens on")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("gateway: failed to load config: %v", err)
	}
	if err := logging.ConfigureLogOutput(cfg.LogToFile); err != nil {
		log.Fatalf("gateway: failed to configure logging: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if workerBinary == "" {
		workerBinary = "./worker"
		if exe, errExe := os.Executable(); errExe == nil {
			workerBinary = filepath.Join(filepath.Dir(exe), "worker")
		}
	}

	store := workers.NewStore(dataDir)
	rl, err := ratelimit.Open(dataDir + "/ratelimit.db")
	if err != nil {
		log.WithError(err).Warn("gateway: failed to open rate-limit registry on disk, falling back to in-memory")
		rl = ratelimit.New()
	}
	defer rl.Close()

	cmd := workerpool.WorkerCommand{
		Executable: workerBinary,
		StreamPort: 0,
	}
	pool := workerpool.NewPool(store, cmd, rl)
	pool.LoadFromConfig()
	pool.StartAll()
	defer pool.StopAll()

	gw := gateway.NewGateway(pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloadPool := watcher.Debounce(500*time.Millisecond, func() {
		log.Info("gateway: auth profile change detected, reloading worker pool")
		pool.LoadFromConfig()
	})
	_ = os.MkdirAll(store.ActiveProfilesDir(), 0o755)
	fw, err := watcher.New(configPath, store.ActiveProfilesDir(),
		func(newCfg *config.Config) { util.SetLogLevel(newCfg) },
		func(path string, op fsnotify.Op) { reloadPool() },
	)
	if err != nil {
		log.WithError(err).Warn("gateway: failed to start config/profile watcher")
	} else if err := fw.Start(ctx); err != nil {
		log.WithError(err).Warn("gateway: failed to start config/profile watcher")
	} else {
		defer fw.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	gw.RegisterRoutes(r)

	addr := fmt.Sprintf(":%d", port)
	log.Infof("gateway: listening on %s", addr)
	go func() {
		if err := r.Run(addr); err != nil {
			log.WithError(err).Error("gateway: HTTP server stopped")
		}
	}()

	waitForShutdown()
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("gateway: shutdown signal received")
	time.Sleep(200 * time.Millisecond)
}
