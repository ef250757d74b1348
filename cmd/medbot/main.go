package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medbot/internal/app"
	"medbot/internal/config"
)

func main() {
	var (
		cfgPath string
		envFile string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.StringVar(&envFile, "env", ".env", "dotenv file with secrets (skipped when missing)")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Println("fatal env:", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(context.Background()); err != nil {
		fmt.Println("fatal start:", err)
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		cancel()
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Println("fatal:", err)
		}
		os.Exit(1)
	}
}
