// Package walletrun fans prompts out across wallets. Prompts run one after
// another; the wallets for a prompt run under a barrier.
package walletrun

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ggonzalez94/inference-cli/internal/lifecycle"
	"github.com/ggonzalez94/inference-cli/internal/wallet"
)

const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// Unit runs one (wallet, prompt) lifecycle.
type Unit interface {
	Run(ctx context.Context, wallet, prompt string) lifecycle.Outcome
}

type Options struct {
	Mode          string
	MaxParallel   int
	RatePerSecond float64
	Burst         int
	// OnPrompt is called after each prompt's barrier, in prompt order.
	OnPrompt func(PromptReport)
}

type PromptReport struct {
	Index      int                 `json:"index"`
	Prompt     string              `json:"prompt"`
	Outcomes   []lifecycle.Outcome `json:"outcomes"`
	Succeeded  []string            `json:"succeeded"`
	TimedOut   []string            `json:"timed_out"`
	Failed     []string            `json:"failed"`
	Skipped    []string            `json:"skipped"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

type Totals struct {
	Units     int `json:"units"`
	Succeeded int `json:"succeeded"`
	TimedOut  int `json:"timed_out"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type Report struct {
	Prompts   []PromptReport `json:"prompts"`
	Totals    Totals         `json:"totals"`
	Cancelled bool           `json:"cancelled"`
}

type Runner struct {
	unit    Unit
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func New(unit Unit, opts Options, logger *slog.Logger) *Runner {
	if opts.Mode == "" {
		opts.Mode = ModeParallel
	}
	r := &Runner{unit: unit, opts: opts, logger: logger, now: time.Now}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return r
}

// Run processes prompts in order. No prompt starts until every wallet has
// finished the previous one. A cancelled ctx stops before the next prompt.
func (r *Runner) Run(ctx context.Context, prompts []string, wallets []wallet.Identity) Report {
	var report Report
	for i, prompt := range prompts {
		if ctx.Err() != nil {
			report.Cancelled = true
			r.logger.Warn("run cancelled", "remaining_prompts", len(prompts)-i)
			break
		}
		pr := r.runPrompt(ctx, i, prompt, wallets)
		report.Prompts = append(report.Prompts, pr)
		report.Totals.add(pr)
		if r.opts.OnPrompt != nil {
			r.opts.OnPrompt(pr)
		}
	}
	return report
}

func (r *Runner) runPrompt(ctx context.Context, index int, prompt string, wallets []wallet.Identity) PromptReport {
	pr := PromptReport{Index: index, Prompt: prompt, StartedAt: r.now()}
	outcomes := make([]lifecycle.Outcome, len(wallets))

	var g errgroup.Group
	switch {
	case r.opts.Mode == ModeSequential:
		g.SetLimit(1)
	case r.opts.MaxParallel > 0:
		g.SetLimit(r.opts.MaxParallel)
	}
	for j, w := range wallets {
		g.Go(func() error {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					outcomes[j] = lifecycle.Outcome{
						Kind:   lifecycle.KindFailure,
						Wallet: w.Address,
						Prompt: prompt,
						Stage:  "schedule",
						Reason: err.Error(),
					}
					return nil
				}
			}
			outcomes[j] = r.unit.Run(ctx, w.Address, prompt)
			return nil
		})
	}
	// Units never return an error; failures are recorded in outcomes.
	g.Wait()

	pr.FinishedAt = r.now()
	pr.Outcomes = outcomes
	pr.partition()
	r.logger.Info("prompt finished",
		"prompt_index", index,
		"succeeded", len(pr.Succeeded),
		"timed_out", len(pr.TimedOut),
		"failed", len(pr.Failed),
		"skipped", len(pr.Skipped),
		"elapsed", pr.FinishedAt.Sub(pr.StartedAt).Round(time.Millisecond).String(),
	)
	return pr
}

func (pr *PromptReport) partition() {
	pr.Succeeded, pr.TimedOut, pr.Failed, pr.Skipped = []string{}, []string{}, []string{}, []string{}
	for _, out := range pr.Outcomes {
		switch out.Kind {
		case lifecycle.KindSuccess:
			pr.Succeeded = append(pr.Succeeded, out.Wallet)
		case lifecycle.KindTimeout:
			pr.TimedOut = append(pr.TimedOut, out.Wallet)
		case lifecycle.KindSkipped:
			pr.Skipped = append(pr.Skipped, out.Wallet)
		default:
			pr.Failed = append(pr.Failed, out.Wallet)
		}
	}
}

func (t *Totals) add(pr PromptReport) {
	t.Units += len(pr.Outcomes)
	t.Succeeded += len(pr.Succeeded)
	t.TimedOut += len(pr.TimedOut)
	t.Failed += len(pr.Failed)
	t.Skipped += len(pr.Skipped)
}
