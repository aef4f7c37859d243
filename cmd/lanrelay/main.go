package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lanrelay/internal/app"
	"lanrelay/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

// run is separate from main so startup failures surface as errors.
func run(args []string) error {
	fs := flag.NewFlagSet("lanrelay", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(config.EnvConfigFile), "path to a JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// file > environment > defaults
	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		log.Printf("[APP] Ignoring config file: %v", err)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	log.Printf("[APP] Signal received, shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
