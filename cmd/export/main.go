// cmd/export/main.go
package main

import (
	"chatrelay/config"
	"chatrelay/services"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/peterbourgon/ff/v3/ffyaml"
)

type exportConfig struct {
	store        config.Config
	conversation string
	format       string
	output       string
	retries      int
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newCommand().ParseAndRun(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func newCommand() *ffcli.Command {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	_ = fs.String("config", "", "yaml config file (optional)")

	cfg := &exportConfig{}
	fs.StringVar(&cfg.store.StoreBackend, "backend", "sqlite", "store backend (sqlite, postgres, redis, dynamodb)")
	fs.StringVar(&cfg.store.SQLitePath, "sqlite-path", "instance/site.db", "sqlite database file")
	fs.StringVar(&cfg.store.DatabaseURL, "database-url", "", "postgres connection string")
	fs.StringVar(&cfg.store.RedisURL, "redis-url", "redis://localhost:6379/0", "redis url")
	fs.StringVar(&cfg.store.DynamoDBEndpoint, "dynamodb-endpoint", "", "dynamodb endpoint, e.g. http://localhost:8000 (optional)")
	fs.StringVar(&cfg.store.DynamoDBRegion, "dynamodb-region", "us-east-1", "dynamodb region")
	fs.StringVar(&cfg.store.DynamoDBTable, "dynamodb-table", "Turns", "dynamodb table")
	fs.StringVar(&cfg.conversation, "conversation", "default", "conversation id to export")
	fs.StringVar(&cfg.format, "format", "json", "output format (json, yaml)")
	fs.StringVar(&cfg.output, "output", "", "output file, stdout if empty")
	fs.IntVar(&cfg.retries, "retries", 3, "attempts to open the store")

	return &ffcli.Command{
		Name:       "export",
		ShortUsage: "export [flags]",
		ShortHelp:  "write a conversation history as json or yaml",
		FlagSet:    fs,
		Options: []ff.Option{
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ffyaml.Parser),
			ff.WithEnvVarPrefix("CHATRELAY"),
		},
		Exec: func(ctx context.Context, args []string) error {
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg *exportConfig) error {
	store, err := openWithRetry(ctx, &cfg.store, cfg.retries)
	if err != nil {
		return err
	}
	defer store.Close()

	var w io.Writer = os.Stdout
	if cfg.output != "" {
		f, err := os.Create(cfg.output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", cfg.output, err)
		}
		defer f.Close()
		w = f
	}

	n, err := services.NewExporter(store).Export(ctx, cfg.conversation, cfg.format, w)
	if err != nil {
		return err
	}
	if cfg.output != "" {
		log.Printf("Wrote %d turns to %s", n, cfg.output)
	}
	return nil
}

func openWithRetry(ctx context.Context, cfg *config.Config, attempts int) (services.TurnStore, error) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		var store services.TurnStore
		store, err = services.OpenStore(ctx, cfg)
		if err == nil {
			return store, nil
		}
		log.Printf("Attempt %d: failed to open %s store: %v", i+1, cfg.StoreBackend, err)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("failed to open store after %d attempts: %w", attempts, err)
}
