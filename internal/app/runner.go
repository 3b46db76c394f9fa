package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/inference-cli/internal/cache"
	"github.com/ggonzalez94/inference-cli/internal/config"
	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
	"github.com/ggonzalez94/inference-cli/internal/history"
	"github.com/ggonzalez94/inference-cli/internal/id"
	"github.com/ggonzalez94/inference-cli/internal/logger"
	"github.com/ggonzalez94/inference-cli/internal/model"
	"github.com/ggonzalez94/inference-cli/internal/out"
	"github.com/ggonzalez94/inference-cli/internal/schema"
	"github.com/ggonzalez94/inference-cli/internal/tracer"
	"github.com/ggonzalez94/inference-cli/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	logger   *slog.Logger
	root     *cobra.Command

	history   *history.Store
	responses *cache.Store
	closers   []func() error

	lastCommand string
	lastRunID   string
	lastPartial bool
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: logger.Discard()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Drive streamed inference, usage reporting and settlement across wallets",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			s.lastCommand = trimRootPath(cmd.CommandPath())

			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			return s.setupObservability(cmd.Context())
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	config.BindFlags(cmd.PersistentFlags(), &s.flags)

	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(s.newWalletsCommand())
	cmd.AddCommand(s.newPromptsCommand())
	cmd.AddCommand(s.newRunsCommand())
	cmd.AddCommand(s.newCacheCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newVersionCommand())

	return cmd
}

// setupObservability wires the logger and tracer. Logs sent to stderr follow
// the runner's stderr writer so embedding callers can capture them.
func (s *runtimeState) setupObservability(ctx context.Context) error {
	logCfg := s.settings.Log
	if strings.EqualFold(logCfg.Output, "stderr") || logCfg.Output == "" {
		s.logger = logger.NewWriter(s.runner.stderr, logCfg)
	} else {
		l, closeLog, err := logger.New(logCfg)
		if err != nil {
			return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
		}
		s.logger = l
		s.closers = append(s.closers, closeLog)
	}
	s.logger = s.logger.With("command", s.lastCommand)

	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := tracer.Setup(ctx, s.settings.Trace)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "configure tracing", err)
	}
	s.closers = append(s.closers, func() error { return shutdown(context.Background()) })
	return nil
}

func (s *runtimeState) newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if long {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.VersionInfo{
					Name:      version.CLIName,
					Version:   version.CLIVersion,
					Commit:    version.Commit,
					BuildDate: version.BuildDate,
				}, nil)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
			return err
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
}

func (s *runtimeState) openHistory() (*history.Store, error) {
	if s.history != nil {
		return s.history, nil
	}
	store, err := history.OpenStore(s.settings.HistoryPath, s.settings.HistoryLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open run history", err)
	}
	s.history = store
	s.closers = append(s.closers, store.Close)
	return store, nil
}

func (s *runtimeState) openResponseStore() (*cache.Store, error) {
	if s.responses != nil {
		return s.responses, nil
	}
	store, err := cache.Open(s.settings.Cache.Path, s.settings.Cache.LockPath, s.settings.Cache.TTL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open response cache", err)
	}
	s.responses = store
	s.closers = append(s.closers, store.Close)
	return store, nil
}

func (s *runtimeState) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(s.runner.now()),
			RunID:     s.lastRunID,
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Partial:   s.lastPartial,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	message := err.Error()
	hint := ""
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		hint = cErr.Hint
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = out.ModeJSON
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    clierr.ExitCode(err),
			Type:    clierr.TypeName(err),
			Message: message,
			Hint:    hint,
		},
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(s.runner.now()),
			RunID:     s.lastRunID,
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Partial:   s.lastPartial,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func newRequestID(now time.Time) string {
	return id.New(now)
}

// splitCSV expands comma-separated values from repeated flags. Values keep
// their case; wallet addresses are compared exactly.
func splitCSV(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if norm := strings.TrimSpace(part); norm != "" {
				out = append(out, norm)
			}
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
