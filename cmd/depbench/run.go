package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	progress "gopkg.in/cheggaaa/pb.v1"

	"github.com/weiihann/depbench/batch"
	"github.com/weiihann/depbench/config"
	"github.com/weiihann/depbench/harness"
	"github.com/weiihann/depbench/journal"
	"github.com/weiihann/depbench/projectlist"
	"github.com/weiihann/depbench/record"
	"github.com/weiihann/depbench/vcs"
)

// recommendedTimeout is the lowest timeout that yields useful numbers.
const recommendedTimeout = 300

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		timeout     int
		configPath  string
		listPath    string
		journalPath string
		showBar     bool
	)

	cmd := &cobra.Command{
		Use:   "run <language> <row-range> [tool-filter]",
		Short: "Benchmark a range of projects",
		Long: `Run every dependency extractor, or only the one named by tool-filter,
on rows <row-range> ("N" or "N-M") of the project list for <language>.
The filter may also be "clone" to only fetch repositories or "loc" to only
count lines of code.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runOptions{
				lang:        args[0],
				rng:         args[1],
				configPath:  configPath,
				listPath:    listPath,
				journalPath: journalPath,
				progress:    showBar,
				timeout:     -1,
			}
			if len(args) == 3 {
				opts.filter = args[2]
			}
			if cmd.Flags().Changed("timeout") {
				opts.timeout = timeout
			}

			return runBatch(cmd.Context(), logger, cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&timeout, "timeout", "t", 0,
		"Maximum duration of a single tool process in seconds (0 = no limit)")
	flags.StringVar(&configPath, "config", "depbench.toml",
		"Path to a TOML or YAML config file")
	flags.StringVar(&listPath, "list", "",
		"Project list CSV (default: <lists_dir>/<language> project list final.csv)")
	flags.StringVar(&journalPath, "journal", "",
		"SQLite invocation journal (overrides journal.path)")
	flags.BoolVar(&showBar, "progress", false,
		"Show a progress bar on stderr")

	return cmd
}

type runOptions struct {
	lang        string
	rng         string
	filter      string
	configPath  string
	listPath    string
	journalPath string
	progress    bool
	// timeout is -1 when the config value applies.
	timeout int
}

func runBatch(ctx context.Context, logger *slog.Logger, stdout io.Writer, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lang, err := harness.ParseLanguage(opts.lang)
	if err != nil {
		return err
	}

	rng, err := projectlist.ParseRange(opts.rng)
	if err != nil {
		return err
	}

	filter, err := batch.ParseFilter(opts.filter)
	if err != nil {
		return err
	}

	timeout := cfg.Tools.TimeoutSeconds
	if opts.timeout >= 0 {
		timeout = opts.timeout
	}
	if err := config.ValidateTimeout(timeout); err != nil {
		return err
	}

	run := batch.NewRun(lang, rng, filter, time.Now())

	logger, closeLog := openRunLog(logger, cfg.Resolve(cfg.Paths.LogsDir), run.Timestamp)
	defer closeLog()

	logger = logger.With(slog.String("run", run.ID))

	if timeout > 0 && timeout < recommendedTimeout {
		logger.WarnContext(ctx, "unrecommended timeout value, too low to get useful information",
			slog.Int("timeout_s", timeout),
		)
	}

	logger.InfoContext(ctx, "working on project range",
		slog.String("language", string(lang)),
		slog.String("range", rng.String()),
		slog.String("filter", filter.String()),
		slog.Int("timeout_s", timeout),
	)

	listPath := opts.listPath
	if listPath == "" {
		listPath = projectlist.DefaultPath(cfg.Resolve(cfg.Paths.ListsDir), lang)
	}

	projects, skipped, err := projectlist.ReadFile(listPath, lang, rng)
	if err != nil {
		return fmt.Errorf("can not find project list for %s: %w", lang, err)
	}

	for _, s := range skipped {
		logger.WarnContext(ctx, "skipping malformed project row",
			slog.Int("row", s.Row),
			slog.String("reason", s.Reason),
		)
	}

	outPath := filepath.Join(cfg.Resolve(cfg.Paths.RecordsDir),
		record.FileName(run.Timestamp, string(lang), rng.From, rng.To))

	writer, err := record.Create(outPath, harness.KnownTools())
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	driver := &batch.Driver{
		Layout: cfg.Layout(),
		Runner: harness.NewInvoker(
			time.Duration(timeout)*time.Second,
			cfg.ProcessSampler(logger),
			stdout,
			logger,
		),
		Counter:    cfg.Counter(),
		Repos:      vcs.NewEnsurer(cfg.Cloner(stdout), cfg.Clone.Retries, cfg.CloneCooldown(), logger),
		Records:    writer,
		LoCTimeout: cfg.LoCTimeout(),
		Logger:     logger,
	}

	journalPath := opts.journalPath
	if journalPath == "" {
		journalPath = cfg.Journal.Path
	}

	var store *journal.Store

	if journalPath != "" {
		store, err = openJournal(ctx, journalPath, run)
		if err != nil {
			return err
		}
		defer store.Close()

		driver.Journal = store.ForRun(run.ID)
	}

	if opts.progress {
		bar := newProgressBar(len(projects))
		defer bar.Finish()

		driver.OnProgress = func(p batch.Progress) {
			bar.Set(p.Done).Postfix(" [" + p.Project + " " + p.State.String() + "] ")
		}
	}

	sum, runErr := driver.Run(ctx, run, projects)

	if store != nil {
		status := journal.RunCompleted
		if sum.Interrupted {
			status = journal.RunInterrupted
		}

		if err := store.FinishRun(context.WithoutCancel(ctx), run.ID, status, time.Now()); err != nil {
			logger.WarnContext(ctx, "failed to finish journal run", slog.String("error", err.Error()))
		}
	}

	if runErr != nil {
		return fmt.Errorf("batch interrupted, partial results in %s: %w", writer.PendingPath(), runErr)
	}

	if sum.Committed {
		logger.InfoContext(ctx, "results written", slog.String("path", writer.Path()))
	}

	return nil
}

// openRunLog tees logs into <dir>/<timestamp>.log. If the file cannot be
// created, logging stays on the base logger.
func openRunLog(base *slog.Logger, dir, timestamp string) (*slog.Logger, func()) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		base.Warn("cannot create logs dir", slog.String("error", err.Error()))

		return base, func() {}
	}

	f, err := os.OpenFile(filepath.Join(dir, timestamp+".log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		base.Warn("cannot open log file", slog.String("error", err.Error()))

		return base, func() {}
	}

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, f), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	return logger, func() { f.Close() }
}

func openJournal(ctx context.Context, path string, run batch.Run) (*journal.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	store, err := journal.New(path)
	if err != nil {
		return nil, err
	}

	err = store.BeginRun(ctx, journal.RunInfo{
		ID:        run.ID,
		Timestamp: run.Timestamp,
		Language:  string(run.Lang),
		From:      run.Range.From,
		To:        run.Range.To,
		Filter:    string(run.Filter),
		StartedAt: run.StartedAt,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return store, nil
}

func newProgressBar(total int) *progress.ProgressBar {
	bar := progress.New(total)
	bar.Callback = func(msg string) {
		os.Stderr.WriteString("\033[2K\r" + msg)
	}
	bar.NotPrint = true
	bar.ShowPercent = false
	bar.ShowSpeed = false
	bar.SetMaxWidth(80).Start()

	return bar
}
