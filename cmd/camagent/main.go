package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camcloud-dev/camagent/cmd/camagent/app"
	"github.com/camcloud-dev/camagent/internal"
	"github.com/camcloud-dev/camagent/pkg/logging"
)

const (
	gracefulShutdownWait = 2 * time.Second
)

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	cfg, err := app.LoadConfig(os.Args, cwd)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err.Error())
		return 1
	}
	if cfg.Version {
		internal.PrintVersion()
		return 0
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Bad config: %s\n", err.Error())
		return 1
	}

	if err := logging.InitSlog(cfg.LogLevel, cfg.LogFormat); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error initializing logging: %s\n", err.Error())
		return 1
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	startIssue := make(chan struct{}, 1)
	stopAgent := make(chan struct{}, 1)

	go func() {
		select {
		case <-startIssue:
		case <-stopSignal:
		}
		stopAgent <- struct{}{}
	}()

	agent, err := app.NewAgent(cfg)
	if err != nil {
		slog.Error("agent setup failed", "err", err)
		return 1
	}
	agent.Start()

	var srv *http.Server
	if cfg.OpsPort > 0 {
		server := app.SetupServer(agent, cfg)
		srv = &http.Server{
			Addr:    fmt.Sprintf("localhost:%d", cfg.OpsPort),
			Handler: server.Router,
		}
		go func() {
			slog.Info("ops endpoint listening", "addr", srv.Addr)
			err := srv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				slog.Error("ops endpoint failed", "err", err)
				exitCode = 1
				startIssue <- struct{}{}
			}
		}()
	}

	<-stopAgent // Wait here for stop signal
	slog.Info("agent to be stopped")

	if srv != nil {
		timeoutCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(timeoutCtx); err != nil {
			slog.Error("ops endpoint shutdown failed", "err", err)
		}
		cancelTimeout()
	}
	agent.Stop()
	slog.Info("agent stopped")
	time.Sleep(gracefulShutdownWait)
	return exitCode
}
