// Command extractor reads the Terraforms collection into a local store and
// publishes it to an object store.
//
// Usage:
//
//	extractor [command] [-config file] [-output dir]
//
// Commands: extract (default), publish, export, literals, status, subgraph.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/terraforms-extractor/internal/config"
	"github.com/Sternrassler/terraforms-extractor/pkg/cache"
	"github.com/Sternrassler/terraforms-extractor/pkg/logging"
	"github.com/Sternrassler/terraforms-extractor/pkg/metrics"
	"github.com/Sternrassler/terraforms-extractor/pkg/rpc"
	"github.com/Sternrassler/terraforms-extractor/pkg/terraforms"
)

// Exit codes.
const (
	exitOK          = 0
	exitFatal       = 1
	exitUsage       = 2
	exitFailedItems = 3
)

const (
	defaultCommand   = "extract"
	shutdownDeadline = 5 * time.Second
)

var commands = map[string]func(context.Context, *env) int{
	"extract":  runExtract,
	"publish":  runPublish,
	"export":   runExport,
	"literals": runLiterals,
	"status":   runStatus,
	"subgraph": runSubgraph,
}

// env carries what every command needs.
type env struct {
	cfg    *config.Config
	stdout io.Writer
	out    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	name := defaultCommand
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		usage(stderr)
		return exitUsage
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr); fs.PrintDefaults() }
	configPath := fs.String("config", getEnv("CONFIG_FILE", ""), "path to YAML config file")
	outputDir := fs.String("output", "", "store directory (overrides store.dir)")
	outFile := fs.String("out", "", "output file for the literals command")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitFatal
	}
	if *outputDir != "" {
		cfg.Store.Dir = *outputDir
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = stderr
	logging.Setup(logCfg)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitFatal
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("Serving metrics")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return cmd(ctx, &env{cfg: cfg, stdout: stdout, out: *outFile})
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: extractor [command] [flags]

Commands:
  extract   fetch pending records into the store (default)
  publish   upload stored records and render data to the object store
  export    regenerate CSV and JSON views from the store
  literals  write SupplementalDataItem literals from the store
  status    show resume state and reconciliation without fetching records
  subgraph  list stored records the subgraph has no supplemental data for

Flags:`)
}

// newContract builds the rpc client, the optional Redis cache and the
// contract adapter. The returned cleanup closes all of them.
func newContract(ctx context.Context, cfg *config.Config) (*terraforms.Contract, func(), error) {
	rpcCfg := cfg.RPCClientConfig()
	cleanup := func() {}

	if cfg.Cache.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.Addr,
			DB:   cfg.Cache.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Cache.Addr, err)
		}
		log.Info().Str("addr", cfg.Cache.Addr).Msg("Connected to Redis")
		rpcCfg.Cache = cache.NewManager(redisClient, cfg.Cache.TTL)
		cleanup = func() { redisClient.Close() }
	}

	client, err := rpc.New(rpcCfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create rpc client: %w", err)
	}

	contract, err := terraforms.New(client, cfg.TerraformsConfig())
	if err != nil {
		client.Close()
		cleanup()
		return nil, nil, err
	}

	return contract, func() {
		client.Close()
		cleanup()
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
