package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hostsync/internal/config"
	"hostsync/internal/database"
	"hostsync/internal/events"
	"hostsync/internal/export"
	"hostsync/internal/lock"
	"hostsync/internal/logging"
	"hostsync/internal/models"
	"hostsync/internal/service"

	"github.com/rs/zerolog"
)

const usage = `Usage: syncctl <command> [flags]

Commands:
  sync      run an incremental sync now
  backfill  scan a historical date window
  export    write an xlsx report of runs and items
  sweep     force-fail runs that died without finalizing
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "sync":
		err = runSync(os.Args[2:], service.ModeIncremental)
	case "backfill":
		err = runSync(os.Args[2:], service.ModeBackfill)
	case "export":
		err = runExport(os.Args[2:])
	case "sweep":
		err = runSweep(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(1)
	}
}

func runSync(args []string, mode string) error {
	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "path to config.yaml")
	account := fs.String("account", "", "sync only this account")
	since := fs.String("since", "", "window start, YYYY-MM-DD (backfill)")
	before := fs.String("before", "", "window end, YYYY-MM-DD (backfill)")
	uids := fs.String("uids", "", "comma-separated message UIDs to reprocess")
	maxMessages := fs.Int("max-messages", 0, "cap on messages per run")
	dryRun := fs.Bool("dry-run", false, "run the pipeline without writing reservations")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := service.Options{
		Mode:        mode,
		Account:     *account,
		MaxMessages: *maxMessages,
		DryRun:      *dryRun,
		Trigger:     models.TriggerManual,
	}
	if *since != "" {
		t, err := time.Parse("2006-01-02", *since)
		if err != nil {
			return fmt.Errorf("invalid -since: %w", err)
		}
		opts.Since = t
	}
	if *before != "" {
		t, err := time.Parse("2006-01-02", *before)
		if err != nil {
			return fmt.Errorf("invalid -before: %w", err)
		}
		opts.Before = t
	}
	if *uids != "" {
		for _, raw := range strings.Split(*uids, ",") {
			uid, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
			if err != nil {
				return fmt.Errorf("invalid -uids entry %q: %w", raw, err)
			}
			opts.UIDs = append(opts.UIDs, uint32(uid))
		}
	}

	cfg, logger, cleanup, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	redisClient := lock.NewRedisClient(cfg.Redis)
	defer redisClient.Close()
	if err := lock.Ping(ctx, redisClient); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	locker := lock.NewLocker(redisClient, cfg.Sync.LockTTL)
	svc := service.New(cfg, db, locker, events.NewEventBus(), logger)

	result, err := svc.Run(ctx, opts)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "path to config.yaml")
	from := fs.String("from", "", "range start, YYYY-MM-DD (default 30 days ago)")
	to := fs.String("to", "", "range end, YYYY-MM-DD (default now)")
	out := fs.String("out", "", "output file (default under exports path)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	start := time.Now().AddDate(0, 0, -30)
	end := time.Now()
	if *from != "" {
		t, err := time.Parse("2006-01-02", *from)
		if err != nil {
			return fmt.Errorf("invalid -from: %w", err)
		}
		start = t
	}
	if *to != "" {
		t, err := time.Parse("2006-01-02", *to)
		if err != nil {
			return fmt.Errorf("invalid -to: %w", err)
		}
		end = t
	}

	cfg, _, cleanup, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	path := *out
	if path == "" {
		dir := cfg.Exports.Path
		if dir == "" {
			dir = "."
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		path = filepath.Join(dir, fmt.Sprintf("sync_report_%s.xlsx", time.Now().Format("20060102_150405")))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := export.New(db).WriteWorkbook(context.Background(), f, start, end); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, cleanup, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	swept, err := db.SweepStaleRuns(context.Background(), models.StaleRunAge)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"swept": len(swept), "runs": swept})
}

func bootstrap(configPath string) (*config.Config, zerolog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	cleanup := func() {
		if closer != nil {
			_ = closer.Close()
		}
	}
	return cfg, baseLogger.With().Str("component", "syncctl").Logger(), cleanup, nil
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
