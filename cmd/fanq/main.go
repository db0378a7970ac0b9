package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/msetz/fanq/internal/api"
	"github.com/msetz/fanq/internal/config"
	"github.com/msetz/fanq/internal/dispatch"
	"github.com/msetz/fanq/internal/events"
	"github.com/msetz/fanq/internal/lock"
	"github.com/msetz/fanq/internal/log"
	"github.com/msetz/fanq/internal/manifest"
	"github.com/msetz/fanq/internal/phred"
	"github.com/msetz/fanq/internal/queue"
	"github.com/msetz/fanq/internal/report"
	"github.com/msetz/fanq/internal/storage"
	"github.com/msetz/fanq/internal/tui/watch"
)

const version = "0.1.0"

const defaultConfigPath = "./config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runRun(args))
	case "worker":
		os.Exit(runWorker(args))
	case "status":
		os.Exit(runStatus(args))
	case "watch":
		os.Exit(runWatch(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("fanq version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`fanq - parallel batch dispatcher for FASTQ quality processing

Usage:
  fanq <command> [flags]

Commands:
  run       Dispatch one worker process per input file and wait for all
  worker    Built-in worker: per-position average phred scores as CSV
  status    Summarize the most recent (or a given) run
  watch     Live TUI following a run via the status API
  config    Config integrity: 'config check' and 'config lock'
  version   Show version information
  help      Show this help message

Run 'fanq <command> -h' for command-specific flags.
`)
}

// loadConfig loads the config file, falling back to built-in defaults when
// no --config was given and ./config.yaml does not exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); err != nil {
			return config.Defaults(), nil
		}
	}
	return config.Load(path)
}

// resolveWorkerCommand falls back to re-invoking this binary's worker
// subcommand when no external worker is configured.
func resolveWorkerCommand(cfg *config.Config) ([]string, error) {
	if len(cfg.Worker.Command) > 0 {
		return cfg.Worker.Command, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable for built-in worker: %w", err)
	}
	return []string{self, "worker"}, nil
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "Path to config file")
	jobs := fs.Int("jobs", 0, "Max concurrent workers (0 = config value or CPU count)")
	outDir := fs.String("output", "", "Output directory (overrides config)")
	_ = fs.Parse(args)

	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	cfg, err := loadConfig(*cfgPath, explicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jobs > 0 {
		cfg.Dispatch.MaxWorkers = *jobs
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pidLock, err := lock.Acquire(cfg.State.LockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()

	// Positional args override the config's input sources entirely.
	var entries []manifest.Entry
	if cli := fs.Args(); len(cli) > 0 {
		entries, err = manifest.Resolve(cli, "", cfg.Output.Dir)
	} else {
		entries, err = manifest.Resolve(cfg.Inputs.Paths, cfg.Inputs.ListFile, cfg.Output.Dir)
	}
	if err != nil {
		if errors.Is(err, manifest.ErrNoInputs) {
			fmt.Fprintln(os.Stderr, "Error: no input files; pass FASTQ paths or set inputs in config")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}

	workerCmd, err := resolveWorkerCommand(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	q := queue.New(db)
	if n, err := q.RecoverOrphans(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	} else if n > 0 {
		logger.Warn("recovered orphaned jobs from previous run", "count", n)
	}

	runID, err := q.CreateRun(ctx, workerCmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	for _, e := range entries {
		if _, err := q.Enqueue(ctx, queue.EnqueueRequest{
			RunID:      runID,
			InputPath:  e.InputPath,
			OutputPath: e.OutputPath,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	runLogger := log.WithRun(runID)
	runLogger.Info("run created", "inputs", len(entries))

	hub := events.NewHub(256)

	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
		}, q, runID, hub, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("status API failed", "error", err)
			}
		}()
	}

	d, err := dispatch.New(q, hub, dispatch.Options{
		WorkerCommand: workerCmd,
		MaxWorkers:    cfg.EffectiveMaxWorkers(),
		Timeout:       cfg.Worker.Timeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	summary, err := d.Run(ctx, runID)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Print(summary.Render())
	return summary.ExitCode()
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	chunks := fs.Int("chunks", runtime.NumCPU(), "Number of chunks to split each file's records into")
	combine := fs.Bool("combine", false, "Process each file in a single chunk")
	outPath := fs.String("o", "", "CSV output file (default stdout)")
	_ = fs.Parse(args)

	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one FASTQ file is required")
		return 1
	}

	n := *chunks
	if *combine {
		n = 1
	}

	for _, file := range files {
		scores, err := phred.ProcessFile(file, n)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}

		out := os.Stdout
		if *outPath != "" {
			target := *outPath
			if len(files) > 1 {
				// Per-file output names when one -o serves many inputs.
				target = filepath.Join(filepath.Dir(*outPath),
					filepath.Base(file)+"."+filepath.Base(*outPath))
			}
			f, err := os.Create(target)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			out = f
		}

		werr := phred.WriteCSV(out, scores)
		if out != os.Stdout {
			if cerr := out.Close(); werr == nil {
				werr = cerr
			}
		}
		if werr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", werr)
			return 1
		}
	}
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "Path to config file")
	runID := fs.String("run", "", "Run ID (default: most recent run)")
	asJSON := fs.Bool("json", false, "Emit the summary as JSON")
	_ = fs.Parse(args)

	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	cfg, err := loadConfig(*cfgPath, explicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	q := queue.New(db)
	id := *runID
	if id == "" {
		id, err = q.LatestRunID(ctx)
		if errors.Is(err, queue.ErrRunNotFound) {
			fmt.Fprintln(os.Stderr, "No runs recorded yet")
			return 1
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	jobsList, err := q.JobsForRun(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	runSummary, err := q.Summary(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	summary := report.Build(id, jobsList, runSummary.CreatedAt, runElapsed(runSummary.CreatedAt, jobsList))

	if *asJSON {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		fmt.Print(summary.Render())
	}
	return summary.ExitCode()
}

// runElapsed measures run duration up to the last job completion, or zero
// when nothing has finished.
func runElapsed(createdAt time.Time, jobs []*queue.Job) time.Duration {
	var last time.Time
	for _, j := range jobs {
		if j.CompletedAt != nil && j.CompletedAt.After(last) {
			last = *j.CompletedAt
		}
	}
	if last.IsZero() || createdAt.IsZero() {
		return 0
	}
	return last.Sub(createdAt)
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "Status API base URL")
	apiKey := fs.String("key", "", "API bearer token")
	_ = fs.Parse(args)

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fanq config <check|lock> [--config FILE]")
		return 1
	}

	action := args[0]
	fs := flag.NewFlagSet("config "+action, flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "Path to config file")
	_ = fs.Parse(args[1:])

	switch action {
	case "check":
		if _, err := config.Load(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "Config check failed: %v\n", err)
			return 1
		}
		if err := config.Check(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "Config check failed: %v\n", err)
			return 1
		}
		fmt.Println("Config OK")
		return 0
	case "lock":
		checksumPath, err := config.Lock(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config lock failed: %v\n", err)
			return 1
		}
		fmt.Printf("Wrote %s\n", checksumPath)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}
