package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/inference-cli/internal/cache"
	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
	"github.com/ggonzalez94/inference-cli/internal/history"
	"github.com/ggonzalez94/inference-cli/internal/httpx"
	"github.com/ggonzalez94/inference-cli/internal/id"
	"github.com/ggonzalez94/inference-cli/internal/inference"
	"github.com/ggonzalez94/inference-cli/internal/lifecycle"
	"github.com/ggonzalez94/inference-cli/internal/out"
	"github.com/ggonzalez94/inference-cli/internal/prompts"
	"github.com/ggonzalez94/inference-cli/internal/retry"
	"github.com/ggonzalez94/inference-cli/internal/wallet"
	"github.com/ggonzalez94/inference-cli/internal/walletrun"
)

const (
	hintAddWallet    = "infer wallets add <address>"
	hintSelectWallet = "pass --wallet <address|ordinal> or --all-wallets"
	hintPrompts      = "--prompts <file>"
)

type runArgs struct {
	wallets        []string
	allWallets     bool
	promptsPath    string
	concurrency    string
	maxParallel    int
	maxPolls       int
	pollInterval   string
	unboundedPolls bool
	quiet          bool
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var args runArgs
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate, report and settle every prompt for the selected wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.applyRunArgs(cmd, args); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.executeRun(ctx, trimRootPath(cmd.CommandPath()), args)
		},
	}
	cmd.Flags().StringArrayVar(&args.wallets, "wallet", nil, "Wallet address or ordinal to run (repeatable, comma-separated)")
	cmd.Flags().BoolVar(&args.allWallets, "all-wallets", false, "Run every stored wallet")
	cmd.Flags().StringVar(&args.promptsPath, "prompts", "", "Prompt file (JSON array or YAML list)")
	cmd.Flags().StringVar(&args.concurrency, "concurrency", "", "Wallet scheduling per prompt: parallel or sequential")
	cmd.Flags().IntVar(&args.maxParallel, "max-parallel", 0, "Cap on wallets running at once (0 = no cap)")
	cmd.Flags().IntVar(&args.maxPolls, "max-polls", 0, "Settlement status requests per unit")
	cmd.Flags().StringVar(&args.pollInterval, "poll-interval", "", "Delay before each settlement status request")
	cmd.Flags().BoolVar(&args.unboundedPolls, "unbounded-polls", false, "Poll settlement until it confirms or the run is interrupted")
	cmd.Flags().BoolVar(&args.quiet, "quiet", false, "Suppress progress lines on stderr")
	return cmd
}

func (s *runtimeState) applyRunArgs(cmd *cobra.Command, args runArgs) error {
	flags := cmd.Flags()
	if flags.Changed("prompts") {
		s.settings.PromptsPath = args.promptsPath
	}
	if flags.Changed("concurrency") {
		s.settings.Concurrency.Mode = args.concurrency
	}
	if flags.Changed("max-parallel") {
		s.settings.Concurrency.MaxParallel = args.maxParallel
	}
	if flags.Changed("max-polls") {
		s.settings.Settlement.MaxAttempts = args.maxPolls
	}
	if flags.Changed("poll-interval") {
		d, err := time.ParseDuration(args.pollInterval)
		if err != nil {
			return clierr.Wrap(clierr.CodeUsage, "parse --poll-interval", err)
		}
		s.settings.Settlement.Interval = d
	}
	if args.unboundedPolls {
		s.settings.Settlement.Unbounded = true
	}
	if err := s.settings.Validate(); err != nil {
		return clierr.Wrap(clierr.CodeUsage, "invalid run options", err)
	}
	return nil
}

func (s *runtimeState) executeRun(ctx context.Context, commandPath string, args runArgs) error {
	store := wallet.NewEnvStore(s.settings.WalletsEnvFile)
	selected, err := selectWallets(store, args)
	if err != nil {
		return err
	}
	promptList, err := prompts.Load(s.settings.PromptsPath)
	if err != nil {
		if cErr, ok := clierr.As(err); ok && cErr.Hint == "" {
			cErr.WithHint(hintPrompts)
		}
		return err
	}

	pipeline, err := s.buildPipeline()
	if err != nil {
		return err
	}

	var console *out.Console
	if !args.quiet {
		console = out.NewConsole(s.runner.stderr)
	}
	started := s.runner.now()
	runID := id.New(started)
	s.lastRunID = runID
	log := s.logger.With("run_id", runID)
	log.Info("run started", "wallets", len(selected), "prompts", len(promptList), "mode", s.settings.Concurrency.Mode)

	runner := walletrun.New(pipeline, walletrun.Options{
		Mode:          s.settings.Concurrency.Mode,
		MaxParallel:   s.settings.Concurrency.MaxParallel,
		RatePerSecond: s.settings.Concurrency.RatePerSecond,
		Burst:         s.settings.Concurrency.Burst,
		OnPrompt:      console.Prompt,
	}, log)
	report := runner.Run(ctx, promptList, selected)
	finished := s.runner.now()

	record := history.Run{
		RunID:       runID,
		Status:      history.StatusFor(report),
		StartedAt:   started.UTC().Format(time.RFC3339),
		FinishedAt:  finished.UTC().Format(time.RFC3339),
		Wallets:     walletAddresses(selected),
		PromptCount: len(promptList),
		Mode:        s.settings.Concurrency.Mode,
		Report:      report,
	}
	var warnings []string
	if err := s.saveRun(record); err != nil {
		log.Warn("run not saved to history", "error", err)
		warnings = append(warnings, "run history not saved: "+err.Error())
	}
	log.Info("run finished",
		"status", record.Status,
		"succeeded", report.Totals.Succeeded,
		"timed_out", report.Totals.TimedOut,
		"failed", report.Totals.Failed,
		"skipped", report.Totals.Skipped,
		"elapsed", finished.Sub(started).Round(time.Millisecond))
	console.Summary(report, runID)

	s.lastPartial = record.Status != history.StatusCompleted
	return s.emitSuccess(commandPath, record, warnings)
}

func (s *runtimeState) saveRun(record history.Run) error {
	store, err := s.openHistory()
	if err != nil {
		return err
	}
	return store.Save(record)
}

// selectWallets resolves the run's wallets. An empty store or an empty
// selection stops the run before any network call.
func selectWallets(store wallet.Store, args runArgs) ([]wallet.Identity, error) {
	all, err := store.List()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, clierr.New(clierr.CodeConfig, "no wallets stored").WithHint(hintAddWallet)
	}
	if args.allWallets {
		return all, nil
	}
	selectors := splitCSV(args.wallets...)
	if len(selectors) == 0 {
		return nil, clierr.New(clierr.CodeConfig, "no wallets selected").WithHint(hintSelectWallet)
	}
	selected, err := wallet.Select(all, selectors)
	if err != nil {
		if cErr, ok := clierr.As(err); ok {
			cErr.WithHint(hintAddWallet)
		}
		return nil, err
	}
	return selected, nil
}

// buildPipeline wires one unit of work from settings. Generation and report
// requests are never retried at the transport level; the lifecycle owns
// generation retries and a report is sent at most once. Status polls use
// the configured retries, zero by default.
func (s *runtimeState) buildPipeline() (*lifecycle.Pipeline, error) {
	st := s.settings
	base := httpx.New(st.Timeout, st.Retries)
	single := base.WithRetries(0)

	var generator inference.TextGenerator = inference.NewGenerator(single, st.Endpoints.Generate, s.logger)
	if st.Breaker.Enabled {
		generator = inference.NewBreakerGenerator(generator, st.Breaker.MaxFailures, st.Breaker.Timeout, s.logger)
	}
	reporter := inference.NewReporter(single, st.Endpoints.Report, st.AgentID, st.ReportSource, s.logger)
	poller := inference.NewPoller(base, st.Endpoints.Inference, inference.PollOptions{
		MaxAttempts:     st.Settlement.MaxAttempts,
		Interval:        st.Settlement.Interval,
		Unbounded:       st.Settlement.Unbounded,
		ContinueOnError: st.Settlement.ContinueOnError,
	}, s.logger)

	opts := lifecycle.Options{
		Generation: retry.Policy{
			MaxAttempts: st.Generation.Attempts,
			Delay:       st.Generation.Delay,
			Jitter:      st.Generation.Jitter,
		},
		ReportOnHit: st.Cache.ReportOnHit,
	}
	if st.Cache.Enabled {
		cacheOpts := []cache.Option{
			cache.WithSingleFlight(st.Cache.SingleFlight),
			cache.WithLogger(s.logger),
		}
		if st.Cache.Persist {
			store, err := s.openResponseStore()
			if err != nil {
				return nil, err
			}
			cacheOpts = append(cacheOpts, cache.WithStore(store))
		}
		opts.Cache = cache.NewResponses(cacheOpts...)
	}
	if st.TelemetryEnabled {
		opts.Telemetry = inference.NewTelemetry(single, st.Endpoints.TTFT, st.DeploymentID, s.logger)
	}
	return lifecycle.New(generator, reporter, poller, opts, s.logger), nil
}

func walletAddresses(ids []wallet.Identity) []string {
	out := make([]string, 0, len(ids))
	for _, w := range ids {
		out = append(out, w.Address)
	}
	return out
}
