// Package main is the worker binary's entry point: one browser-backed
// chat session behind an OpenAI-shaped HTTP API, fed by an embedded MITM
// sniffer. Modeled on the teacher's cmd/server/main.go init/flag/dispatch
// shape, generalized to this repo's single-process worker topology.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kestrelai/studiobridge/internal/api"
	"github.com/kestrelai/studiobridge/internal/browserlauncher"
	"github.com/kestrelai/studiobridge/internal/cancelregistry"
	"github.com/kestrelai/studiobridge/internal/certauthority"
	"github.com/kestrelai/studiobridge/internal/config"
	"github.com/kestrelai/studiobridge/internal/logging"
	"github.com/kestrelai/studiobridge/internal/media"
	"github.com/kestrelai/studiobridge/internal/mitm"
	"github.com/kestrelai/studiobridge/internal/pipeline"
	"github.com/kestrelai/studiobridge/internal/queueworker"
	"github.com/kestrelai/studiobridge/internal/studio"
	"github.com/kestrelai/studiobridge/internal/upstream"
	"github.com/kestrelai/studiobridge/internal/workers"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var (
		headless         bool
		debug            bool
		virtualDisplay   bool
		serverPort       int
		camoufoxDebugPort int
		streamPort       int
		activeAuthJSON   string
		camoufoxProxy    string
		helper           bool
		configPath       string
		studioWebAuth    bool
	)

	flag.BoolVar(&headless, "headless", false, "Run the browser headless")
	flag.BoolVar(&debug, "debug", false, "Run with a visible debug window")
	flag.BoolVar(&virtualDisplay, "virtual-display", false, "Run under a virtual display (Xvfb-equivalent)")
	flag.IntVar(&serverPort, "server-port", 8000, "Port the OpenAI-shaped HTTP API listens on")
	flag.IntVar(&camoufoxDebugPort, "camoufox-debug-port", 0, "Browser remote-debugging port")
	flag.IntVar(&streamPort, "stream-port", 0, "MITM side-channel port (0 disables the side channel, forcing DOM-scrape mode)")
	flag.StringVar(&activeAuthJSON, "active-auth-json", "", "Path to this worker's active auth profile")
	flag.StringVar(&camoufoxProxy, "internal-camoufox-proxy", "", "Optional upstream proxy for the browser's own traffic")
	flag.BoolVar(&helper, "helper", false, "Run as a helper worker (no direct client traffic)")
	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	flag.BoolVar(&studioWebAuth, "studio-web-auth", false, "Open the login page for one-time cookie capture, then exit")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("worker: failed to load config: %v", err)
	}
	if err := logging.ConfigureLogOutput(cfg.LogToFile); err != nil {
		log.Fatalf("worker: failed to configure logging: %v", err)
	}
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	cfg.Port = serverPort
	cfg.MITMPort = streamPort

	if studioWebAuth {
		runStudioWebAuth(cfg, activeAuthJSON)
		return
	}

	scriptInjectionEnabled := os.Getenv("ENABLE_SCRIPT_INJECTION") == "true"
	log.WithFields(log.Fields{
		"headless": headless, "debug": debug, "virtual_display": virtualDisplay,
		"script_injection": scriptInjectionEnabled, "helper": helper,
	}).Info("worker: starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := studio.NewDriver(studio.DriverOptions{
		RemoteDebugPort: camoufoxDebugPort,
		AuthProfilePath: activeAuthJSON,
		Headless:        headless,
		ProxyURL:        camoufoxProxy,
	})
	if err != nil {
		log.Fatalf("worker: failed to attach browser driver: %v", err)
	}
	session := studio.NewSession(driver, studio.DefaultSelectors(), snapshotDir(cfg))

	paramCache := studio.NewParamCache()

	registry, err := cancelregistry.Open(cancelRegistryPath(cfg))
	if err != nil {
		log.WithError(err).Warn("worker: failed to open cancel registry on disk, falling back to in-memory")
		registry = cancelregistry.New()
	}
	defer registry.Close()

	var sideChannel pipeline.SideChannel
	if cfg.MITMPort != 0 {
		sc := mitm.NewSideChannel()
		sideChannel = sc
		if err := startMITM(ctx, cfg, sc); err != nil {
			log.Fatalf("worker: failed to start MITM proxy: %v", err)
		}
	} else {
		sideChannel = mitm.NewSideChannel()
		log.Info("worker: stream-port is 0; side channel disabled, response mode is DOM-scrape")
	}

	wc := pipeline.NewWorkerContext(cfg, session, paramCache, registry, sideChannel)
	queue := queueworker.NewQueue()
	worker := queueworker.NewWorker(wc, queue)
	go worker.Run(ctx)

	stopSkip := make(chan struct{})
	go session.ContinuouslyHandleSkipButton(ctx, stopSkip, func(string) error { return nil })
	defer close(stopSkip)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	api.NewServer(wc, queue).RegisterRoutes(r)
	media.NewHandler(wc, queue).RegisterRoutes(r)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Infof("worker: listening on %s", addr)

	go func() {
		if err := r.Run(addr); err != nil {
			log.WithError(err).Error("worker: HTTP server stopped")
		}
	}()

	waitForShutdown(cancel)
}

// runStudioWebAuth implements the one-time cookie-capture flow: open the
// login page in the operator's own browser and wait for them to sign in.
// Actually harvesting the resulting cookies into an auth profile at
// profilePath is the one piece this repo leaves to a concrete PageDriver
// (see studio.NewDriver's scope note) — this command opens the page and
// tells the operator what to do next rather than silently doing nothing.
func runStudioWebAuth(cfg *config.Config, profilePath string) {
	loginURL := cfg.StudioAuthURL
	if loginURL == "" {
		loginURL = config.DefaultStudioAuthURL
	}
	if existing, err := workers.LoadProfile(profilePath); err == nil {
		if existing.Expired() {
			log.Warnf("worker: existing profile at %s has an expired token, re-auth required", profilePath)
		} else {
			log.Infof("worker: existing profile at %s found (saved %s), re-authenticating will overwrite it", profilePath, existing.SavedAt.Format(time.RFC3339))
		}
	}
	if err := browserlauncher.OpenURL(loginURL); err != nil {
		log.WithError(err).Fatalf("worker: failed to open login page %s", loginURL)
	}
	log.Infof("worker: opened %s — sign in, then save the session cookies to %s", loginURL, profilePath)
}

func snapshotDir(cfg *config.Config) string {
	dir := cfg.CertDir
	if dir == "" {
		dir = "."
	}
	return dir + "/snapshots"
}

func cancelRegistryPath(cfg *config.Config) string {
	dir := cfg.AuthDir
	if dir == "" {
		dir = "."
	}
	return dir + "/cancel_registry.db"
}

func startMITM(ctx context.Context, cfg *config.Config, sc *mitm.SideChannel) error {
	authority, err := certauthority.Load(cfg.CertDir)
	if err != nil {
		return fmt.Errorf("cert authority: %w", err)
	}
	dialer := upstream.NewDialer(cfg.ProxyURL)
	proxy := mitm.NewProxy(authority, dialer, cfg.TargetDomains, sc)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.MITMPort)
	go func() {
		if err := proxy.ListenAndServe(ctx, addr); err != nil {
			log.WithError(err).Error("worker: MITM proxy stopped")
		}
	}()
	return nil
}

func waitForShutdown(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("worker: shutdown signal received")
	cancel()
	time.Sleep(200 * time.Millisecond)
}
