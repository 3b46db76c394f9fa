package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
	"github.com/ggonzalez94/inference-cli/internal/history"
	"github.com/ggonzalez94/inference-cli/internal/model"
	"github.com/ggonzalez94/inference-cli/internal/prompts"
	"github.com/ggonzalez94/inference-cli/internal/wallet"
)

func (s *runtimeState) newWalletsCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallets", Short: "Manage stored wallet identities"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored wallets in ordinal order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := wallet.NewEnvStore(s.settings.WalletsEnvFile).List()
			if err != nil {
				return err
			}
			items := make([]model.WalletInfo, 0, len(ids))
			for _, w := range ids {
				items = append(items, walletInfo(w))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil)
		},
	}
	add := &cobra.Command{
		Use:   "add <address>",
		Short: "Append a wallet under the next free ordinal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := wallet.NewEnvStore(s.settings.WalletsEnvFile)
			w, err := store.Append(args[0])
			if err != nil {
				return err
			}
			s.logger.Info("wallet stored", "key", w.Key(), "path", store.Path())
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), walletInfo(w), nil)
		},
	}
	root.AddCommand(list)
	root.AddCommand(add)
	return root
}

func walletInfo(w wallet.Identity) model.WalletInfo {
	return model.WalletInfo{Ordinal: w.Ordinal, Key: w.Key(), Address: w.Address}
}

func (s *runtimeState) newPromptsCommand() *cobra.Command {
	root := &cobra.Command{Use: "prompts", Short: "Inspect the prompt file"}
	var path string
	list := &cobra.Command{
		Use:   "list",
		Short: "List prompts in run order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(path) == "" {
				path = s.settings.PromptsPath
			}
			loaded, err := prompts.Load(path)
			if err != nil {
				if cErr, ok := clierr.As(err); ok && cErr.Hint == "" {
					cErr.WithHint(hintPrompts)
				}
				return err
			}
			items := make([]model.PromptInfo, 0, len(loaded))
			for i, p := range loaded {
				items = append(items, model.PromptInfo{Index: i, Text: p})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil)
		},
	}
	list.Flags().StringVar(&path, "prompts", "", "Prompt file (JSON array or YAML list)")
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newRunsCommand() *cobra.Command {
	root := &cobra.Command{Use: "runs", Short: "Inspect saved runs"}

	var limit int
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch history.Status(status) {
			case "", history.StatusCompleted, history.StatusPartial, history.StatusCancelled:
			default:
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown run status %q", status))
			}
			store, err := s.openHistory()
			if err != nil {
				return err
			}
			runs, err := store.List(status, limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list runs", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), runs, nil)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum runs to return")
	list.Flags().StringVar(&status, "status", "", "Filter by status: completed, partial, cancelled")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one saved run with per-prompt outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.openHistory()
			if err != nil {
				return err
			}
			run, err := store.Get(args[0])
			if err != nil {
				return err
			}
			s.lastRunID = run.RunID
			s.lastPartial = run.Status != history.StatusCompleted
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), run, nil)
		},
	}

	root.AddCommand(list)
	root.AddCommand(show)
	return root
}

func (s *runtimeState) newCacheCommand() *cobra.Command {
	root := &cobra.Command{Use: "cache", Short: "Inspect the persistent response cache"}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show persistent cache entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := s.openResponseStore()
			if err != nil {
				return err
			}
			st, err := store.Stats()
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "read cache stats", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.CacheInfo{
				Path:    s.settings.Cache.Path,
				Entries: st.Entries,
				Expired: st.Expired,
				Bytes:   st.Bytes,
			}, nil)
		},
	}
	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached responses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := s.openResponseStore()
			if err != nil {
				return err
			}
			removed, err := store.Clear(expiredOnly)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "clear cache", err)
			}
			s.logger.Info("cache cleared", "removed", removed, "expired_only", expiredOnly)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.CacheInfo{
				Path:    s.settings.Cache.Path,
				Removed: removed,
			}, nil)
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "Only delete expired entries")
	root.AddCommand(stats)
	root.AddCommand(clearCmd)
	return root
}
