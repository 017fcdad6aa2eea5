package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/pinax-network/substreams-sink-sheets/internal/sinker"
	"github.com/pinax-network/substreams-sink-sheets/pkg/changes"
	"github.com/pinax-network/substreams-sink-sheets/pkg/columns"
	"github.com/pinax-network/substreams-sink-sheets/pkg/config"
	"github.com/pinax-network/substreams-sink-sheets/pkg/cursor"
	"github.com/pinax-network/substreams-sink-sheets/pkg/deadletter"
	"github.com/pinax-network/substreams-sink-sheets/pkg/feed"
	"github.com/pinax-network/substreams-sink-sheets/pkg/logger"
	"github.com/pinax-network/substreams-sink-sheets/pkg/manifest"
	"github.com/pinax-network/substreams-sink-sheets/pkg/retry"
	"github.com/pinax-network/substreams-sink-sheets/pkg/server"
	"github.com/pinax-network/substreams-sink-sheets/pkg/sheets"
	"github.com/pinax-network/substreams-sink-sheets/pkg/sink"
)

const usage = `usage:
  sheetsink run [flags] <manifest> <spreadsheet-id>
  sheetsink list [flags] <manifest>
  sheetsink create [flags]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, os.Args[2:])
	case "list":
		err = listCmd(ctx, os.Args[2:])
	case "create":
		err = createCmd(ctx, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags registers the flags shared by every command and returns a
// loader applying explicitly set flags over the loaded configuration.
func commonFlags(fs *flag.FlagSet) func() (*config.AppConfig, error) {
	configPath := fs.String("config", "", "configuration file (yaml, json or toml)")
	fs.String("service-account-file", "", "Google service account JSON file path or URL")
	fs.String("access-token", "", "Google OAuth access token")
	fs.String("refresh-token", "", "Google OAuth refresh token")
	fs.String("client-id", "", "Google OAuth client id")
	fs.String("client-secret", "", "Google OAuth client secret")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (json or console)")

	return func() (*config.AppConfig, error) {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		var applyErr error
		fs.Visit(func(f *flag.Flag) {
			if err := apply(cfg, f.Name, f.Value.String()); err != nil && applyErr == nil {
				applyErr = fmt.Errorf("--%s: %w", f.Name, err)
			}
		})
		return cfg, applyErr
	}
}

func apply(cfg *config.AppConfig, name, value string) error {
	var err error
	switch name {
	case "service-account-file":
		cfg.Sheets.ServiceAccountFile = value
	case "access-token":
		cfg.Sheets.AccessToken = value
	case "refresh-token":
		cfg.Sheets.RefreshToken = value
	case "client-id":
		cfg.Sheets.ClientID = value
	case "client-secret":
		cfg.Sheets.ClientSecret = value
	case "log-level":
		cfg.LogLevel = value
	case "log-format":
		cfg.LogFormat = value
	case "output-module":
		cfg.Sink.OutputModule = value
	case "start-block":
		cfg.Sink.StartBlock, err = strconv.ParseUint(value, 10, 64)
	case "stop-block":
		cfg.Sink.StopBlock, err = strconv.ParseUint(value, 10, 64)
	case "columns":
		cfg.Sink.Columns = columns.Parse(value)
	case "add-header-row":
		cfg.Sink.AddHeaderRow, err = strconv.ParseBool(value)
	case "header-policy":
		cfg.Sink.HeaderPolicy = value
	case "range":
		cfg.Sink.Range = value
	case "flush-interval":
		cfg.Sink.FlushInterval, err = time.ParseDuration(value)
	case "failure-policy":
		cfg.Sink.FailurePolicy = value
	case "operations":
		cfg.Sink.Operations = columns.Parse(value)
	case "delay-before-start":
		cfg.Sink.DelayBeforeStart, err = time.ParseDuration(value)
	case "feed-brokers":
		cfg.Feed.Brokers = columns.Parse(value)
	case "feed-topic":
		cfg.Feed.Topic = value
	case "substreams-api-token":
		cfg.Feed.APIToken = value
	case "substreams-api-token-envvar":
		cfg.Feed.APITokenEnv = value
		if cfg.Feed.APIToken == "" {
			cfg.Feed.APIToken = os.Getenv(value)
		}
	case "cursor-backend":
		cfg.Cursor.Backend = value
	case "cursor-path":
		cfg.Cursor.Path = value
	case "metrics-addr":
		cfg.Metrics.Addr = value
	case "title":
		cfg.Sheets.Title = value
	}
	return err
}

func newLogger(cfg *config.AppConfig) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: cfg.ServiceName,
	})
}

func newSheetsClient(ctx context.Context, cfg *config.AppConfig) (*sheets.Client, error) {
	if err := cfg.ValidateCredentials(); err != nil {
		return nil, err
	}
	creds := sheets.Credentials{
		ServiceAccountFile: cfg.Sheets.ServiceAccountFile,
		AccessToken:        cfg.Sheets.AccessToken,
		RefreshToken:       cfg.Sheets.RefreshToken,
		ClientID:           cfg.Sheets.ClientID,
		ClientSecret:       cfg.Sheets.ClientSecret,
	}
	opts, err := creds.ClientOptions(ctx)
	if err != nil {
		return nil, err
	}
	return sheets.NewClient(ctx, opts...)
}

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	load := commonFlags(fs)
	fs.String("output-module", "", "name of the output module (default db_out)")
	fs.String("start-block", "", "start block (inclusive)")
	fs.String("stop-block", "", "stop block (exclusive)")
	fs.String("columns", "", "comma separated columns, empty to infer from the first row")
	fs.String("add-header-row", "", "write the columns as the sheet's first row")
	fs.String("header-policy", "", "when to write the header row: start or end")
	fs.String("range", "", "target range (default Sheet1)")
	fs.String("flush-interval", "", "minimum interval between appends (default 1s)")
	fs.String("failure-policy", "", "failed append policy: drop or requeue")
	fs.String("operations", "", "comma separated operations to keep (default CREATE)")
	fs.String("delay-before-start", "", "wait before starting the run")
	fs.String("feed-brokers", "", "comma separated Kafka brokers of the feed")
	fs.String("feed-topic", "", "Kafka topic of the feed")
	fs.String("substreams-api-token", "", "feed API token")
	fs.String("substreams-api-token-envvar", "", "environment variable holding the feed API token")
	fs.String("cursor-backend", "", "cursor store: file, redis, mongo or memory")
	fs.String("cursor-path", "", "cursor directory for the file backend")
	fs.String("metrics-addr", "", "address of the health and metrics server, empty to disable")
	_ = fs.Parse(args)

	if fs.NArg() != 2 {
		return errors.New("run requires <manifest> and <spreadsheet-id>")
	}
	manifestRef, spreadsheetID := fs.Arg(0), fs.Arg(1)
	if spreadsheetID == "" {
		return errors.New("[spreadsheet-id] is required")
	}

	cfg, err := load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateRun(); err != nil {
		return err
	}

	l, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer l.Sync()

	ops := make([]changes.Operation, 0, len(cfg.Sink.Operations))
	for _, name := range cfg.Sink.Operations {
		op, ok := changes.ParseOperation(name)
		if !ok {
			return fmt.Errorf("unknown operation %q", name)
		}
		ops = append(ops, op)
	}
	failurePolicy, err := sink.ParseFailurePolicy(cfg.Sink.FailurePolicy)
	if err != nil {
		return err
	}

	registry, err := manifest.Load(ctx, manifestRef)
	if err != nil {
		return err
	}

	client, err := newSheetsClient(ctx, cfg)
	if err != nil {
		return err
	}

	cursors, closeCursors, err := cursor.Open(ctx, cursor.Config{
		Backend:   cfg.Cursor.Backend,
		Path:      cfg.Cursor.Path,
		RedisAddr: cfg.Cursor.RedisAddr,
		RedisDB:   cfg.Cursor.RedisDB,
		MongoURI:  cfg.Cursor.MongoURI,
		MongoDB:   cfg.Cursor.MongoDatabase,
		Key:       cfg.CursorKey(spreadsheetID),
	})
	if err != nil {
		return err
	}
	defer closeCursors()

	var dlq deadletter.Publisher
	if len(cfg.DeadLetter.Brokers) > 0 && cfg.DeadLetter.Topic != "" {
		publisher := deadletter.NewKafkaPublisher(deadletter.Config{Brokers: cfg.DeadLetter.Brokers, Topic: cfg.DeadLetter.Topic})
		defer publisher.Close()
		dlq = publisher
	}

	source := feed.NewKafkaSource(feed.Config{
		Brokers:   cfg.Feed.Brokers,
		Topic:     cfg.Feed.Topic,
		Partition: cfg.Feed.Partition,
		Username:  cfg.Feed.Username,
		Password:  cfg.Feed.APIToken,
	})

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Sink.MaxAttempts
	policy.Classifier = sheets.IsRetryable

	svc := sinker.NewService(l, sinker.Deps{
		Source:     source,
		Registry:   registry,
		Store:      client.Spreadsheet(spreadsheetID),
		Cursors:    cursors,
		DeadLetter: dlq,
	}, sinker.Options{
		OutputModule:  cfg.Sink.OutputModule,
		StartBlock:    cfg.Sink.StartBlock,
		StopBlock:     cfg.Sink.StopBlock,
		Columns:       cfg.Sink.Columns,
		AddHeaderRow:  cfg.Sink.AddHeaderRow,
		HeaderPolicy:  sinker.HeaderPolicy(cfg.Sink.HeaderPolicy),
		Range:         cfg.Sink.Range,
		EnsureSheet:   cfg.Sink.EnsureSheet,
		FlushInterval: cfg.Sink.FlushInterval,
		FailurePolicy: failurePolicy,
		Retry:         policy,
		Operations:    ops,
	})

	if cfg.Metrics.Addr != "" {
		obsServer := server.New(cfg.Metrics.Addr, l, svc.Ready)
		go func() {
			if err := obsServer.Start(); err != nil {
				l.Error("observability server failed", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obsServer.Shutdown(shutdownCtx)
		}()
	}

	if d := cfg.Sink.DelayBeforeStart; d > 0 {
		l.Info("delaying start", zap.Duration("delay", d))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil
		}
	}

	l.Info("sink starting",
		zap.String("run_id", svc.RunID()),
		zap.String("manifest", manifestRef),
		zap.String("spreadsheet_id", spreadsheetID),
		zap.String("url", sheets.SpreadsheetURL(spreadsheetID)))

	if err := svc.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			l.Info("sink stopped")
			return nil
		}
		return err
	}
	l.Info("sink finished")
	return nil
}

func listCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("list requires <manifest>")
	}

	registry, err := manifest.Load(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	names, err := sinker.List(ctx, registry)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(names)
}

func createCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	load := commonFlags(fs)
	fs.String("title", "", "spreadsheet title (default substreams-sink-sheets)")
	_ = fs.Parse(args)

	cfg, err := load()
	if err != nil {
		return err
	}
	client, err := newSheetsClient(ctx, cfg)
	if err != nil {
		return err
	}
	created, err := sinker.Create(ctx, client, cfg.Sheets.Title)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(created)
}
