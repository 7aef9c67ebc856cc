package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"askplexi/internal/ask"
	"askplexi/internal/browser"
	"askplexi/internal/config"
	"askplexi/internal/httpapi"
	mcpserver "askplexi/internal/mcp"
	"askplexi/internal/recorder"
	"askplexi/internal/session"
)

// shutdownGrace bounds how long an orderly stop may take, including the
// in-flight browser interaction.
const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the askplexi config file (defaults to $ASKPLEXI_CONFIG or config.yaml)")
	addr := flag.String("addr", "", "Optional HTTP listen address override (falls back to config)")
	mcpPort := flag.Int("mcp-port", 0, "Optional MCP SSE port override (enables the MCP surface)")
	loginMode := flag.Bool("login", false, "Open a visible browser for manual sign-in instead of serving")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	if *configPath == "" {
		*configPath = os.Getenv("ASKPLEXI_CONFIG")
	}
	if *configPath == "" {
		*configPath = "config.yaml"
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}
	if *mcpPort != 0 {
		cfg.MCP.Enable = true
		cfg.MCP.SSEPort = *mcpPort
	}

	if *loginMode {
		if err := runLogin(ctx, cfg); err != nil {
			log.Fatalf("manual sign-in failed: %v", err)
		}
		return
	}

	// Mirror logs into the configured file; stderr stays live for the journal.
	if cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(io.MultiWriter(os.Stderr, logFile))
			defer logFile.Close()
		} else {
			log.Printf("could not open log file %s: %v", cfg.Server.LogFile, err)
		}
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
	log.Printf("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	store := session.NewFileStore(cfg.Sessions.StorePath)
	sessions := session.NewManager(store)

	var rec *recorder.Recorder
	if cfg.Transcripts.Enable {
		r, err := recorder.New(cfg.Transcripts.Dir)
		if err == nil {
			err = r.Open()
		}
		if err != nil {
			log.Printf("transcripts disabled: %v", err)
		} else {
			rec = r
			defer rec.Close()
		}
	}

	adapter := browser.New(cfg)
	engine := ask.NewEngine(&cfg, sessions, adapter, rec)

	// The worker gets its own context so a delivery signal does not abandon
	// the question currently driving the page; Shutdown below ends it.
	engine.Start(context.Background())
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := engine.Shutdown(stopCtx); err != nil {
			log.Printf("browser close: %v", err)
		}
	}()

	sdStatus("warming up browser")
	go func() {
		engine.Warmup(ctx)
		sdStatus(statusLine(engine.State()))
	}()

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           httpapi.NewRouter(cfg.Server.Name, engine, sessions),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() { httpErr <- srv.ListenAndServe() }()

	var mcpErr chan error
	if cfg.MCP.Enable {
		mcpErr = make(chan error, 1)
		mcpSrv := mcpserver.NewServer(cfg, engine, sessions)
		go func() { mcpErr <- mcpSrv.StartSSE(ctx, cfg.MCP.SSEPort) }()
	}

	log.Printf("%s %s listening on http://%s", cfg.Server.Name, cfg.Server.Version, cfg.Server.ListenAddr)
	notifyReady()
	go watchdog(ctx)

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		return fmt.Errorf("http server: %w", err)
	case err := <-mcpErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp sse server: %w", err)
		}
	}

	log.Printf("shutting down...")
	sdStatus("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := <-httpErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// notifyReady announces readiness to systemd. Outside a unit with
// NOTIFY_SOCKET this does nothing.
func notifyReady() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("sd_notify: %v", err)
	}
}

func sdStatus(status string) {
	_, _ = daemon.SdNotify(false, "STATUS="+status)
}

// watchdog pings systemd at half the unit's WatchdogSec interval.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func statusLine(state ask.State) string {
	switch state {
	case ask.StateLoginRequired:
		return "waiting for manual sign-in (run with -login)"
	case ask.StateReady:
		return "browser ready, answering questions"
	default:
		return string(state)
	}
}
