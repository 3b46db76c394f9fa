// Package lifecycle runs one (wallet, prompt) unit of work: generate, report
// usage, then poll for settlement.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ggonzalez94/inference-cli/internal/cache"
	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
	"github.com/ggonzalez94/inference-cli/internal/inference"
	"github.com/ggonzalez94/inference-cli/internal/retry"
	"github.com/ggonzalez94/inference-cli/internal/tracer"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindTimeout Kind = "timeout"
	KindFailure Kind = "failure"
	KindSkipped Kind = "skipped"
)

const (
	StageGenerate = "generate"
	StageReport   = "report"
	StageSettle   = "settle"
)

// Outcome is the result of one unit of work. Timeout is a soft outcome,
// distinct from Failure.
type Outcome struct {
	Kind               Kind   `json:"kind"`
	Wallet             string `json:"wallet"`
	Prompt             string `json:"prompt"`
	Status             string `json:"status,omitempty"`
	TxHash             string `json:"tx_hash,omitempty"`
	Reason             string `json:"reason,omitempty"`
	Stage              string `json:"stage,omitempty"`
	CorrelationID      string `json:"correlation_id,omitempty"`
	LatencyMS          int64  `json:"latency_ms"`
	CacheHit           bool   `json:"cache_hit"`
	GenerationAttempts int    `json:"generation_attempts,omitempty"`
	PollAttempts       int    `json:"poll_attempts,omitempty"`
}

type Reporter interface {
	Report(ctx context.Context, wallet, prompt, response string) (inference.Receipt, error)
}

type Settler interface {
	Poll(ctx context.Context, correlationID string) (inference.Settlement, error)
}

type TTFTRecorder interface {
	RecordTTFT(ctx context.Context, ttft time.Duration)
}

type Options struct {
	// Generation bounds attempts at producing a non-empty response.
	Generation retry.Policy
	// Cache is nil when response caching is disabled.
	Cache *cache.Responses
	// ReportOnHit reports usage for every wallet even when the response
	// came from the cache. When false a hit ends the unit as skipped.
	ReportOnHit bool
	// Telemetry receives time-to-first-token for fresh generations. Optional.
	Telemetry TTFTRecorder
}

func DefaultOptions() Options {
	return Options{
		Generation:  retry.Policy{MaxAttempts: 3, Delay: 2 * time.Second, Jitter: 250 * time.Millisecond},
		ReportOnHit: true,
	}
}

var errEmptyGeneration = clierr.New(clierr.CodeUnavailable, "generation stream produced no text")

type Pipeline struct {
	generator inference.TextGenerator
	reporter  Reporter
	settler   Settler
	opts      Options
	logger    *slog.Logger
}

func New(generator inference.TextGenerator, reporter Reporter, settler Settler, opts Options, logger *slog.Logger) *Pipeline {
	if opts.Generation.MaxAttempts <= 0 {
		opts.Generation.MaxAttempts = DefaultOptions().Generation.MaxAttempts
	}
	return &Pipeline{
		generator: generator,
		reporter:  reporter,
		settler:   settler,
		opts:      opts,
		logger:    logger,
	}
}

// Run never returns an error; every failure is folded into the Outcome so
// one unit cannot stop its siblings.
func (p *Pipeline) Run(ctx context.Context, wallet, prompt string) Outcome {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.unit", tracer.StringAttr("wallet", wallet))
	out := p.run(ctx, wallet, prompt)
	span.SetAttributes(tracer.StringAttr("kind", string(out.Kind)), tracer.StringAttr("stage", out.Stage))
	if out.Kind == KindFailure {
		tracer.End(span, errors.New(out.Reason))
	} else {
		tracer.End(span, nil)
	}
	return out
}

func (p *Pipeline) run(ctx context.Context, wallet, prompt string) Outcome {
	log := p.logger.With("wallet", wallet, "prompt", label(prompt))
	out := Outcome{Wallet: wallet, Prompt: prompt}

	entry, hit, attempts, err := p.generate(ctx, wallet, prompt, log)
	out.CacheHit = hit
	out.GenerationAttempts = attempts
	if err != nil {
		log.Warn("generation abandoned", "stage", StageGenerate, "attempts", attempts, "error", err)
		return fail(out, StageGenerate, err)
	}
	out.LatencyMS = entry.LatencyMS
	if hit && !p.opts.ReportOnHit {
		log.Info("cache hit, usage report skipped")
		out.Kind = KindSkipped
		return out
	}

	receipt, err := p.reporter.Report(ctx, wallet, prompt, entry.Text)
	if err != nil {
		log.Error("usage report failed", "stage", StageReport, "error", err)
		return fail(out, StageReport, err)
	}
	out.CorrelationID = receipt.CorrelationID

	settlement, err := p.settler.Poll(ctx, receipt.CorrelationID)
	out.PollAttempts = settlement.Attempts
	out.Status = settlement.Status
	switch {
	case errors.Is(err, inference.ErrSettlementTimeout):
		log.Warn("settlement not confirmed", "stage", StageSettle, "polls", settlement.Attempts, "status", settlement.Status)
		out.Kind = KindTimeout
		out.Reason = err.Error()
		return out
	case err != nil:
		log.Error("settlement polling failed", "stage", StageSettle, "polls", settlement.Attempts, "error", err)
		return fail(out, StageSettle, err)
	}

	out.Kind = KindSuccess
	out.TxHash = settlement.TxHash
	log.Info("settled", "status", settlement.Status, "tx_hash", settlement.TxHash, "polls", settlement.Attempts)
	return out
}

// generate returns the response text for prompt, from the cache when
// possible. attempts counts generation calls made by this unit.
func (p *Pipeline) generate(ctx context.Context, wallet, prompt string, log *slog.Logger) (cache.Entry, bool, int, error) {
	attempts := 0
	fill := func(ctx context.Context) (cache.Entry, error) {
		var gen inference.Generation
		n, err := retry.Do(ctx, p.opts.Generation, func(ctx context.Context, attempt int) error {
			g, err := p.generator.Generate(ctx, wallet, prompt)
			if err == nil && g.Text == "" {
				err = errEmptyGeneration
			}
			if err != nil {
				log.Warn("generation attempt failed", "stage", StageGenerate, "attempt", attempt, "error", err)
				return err
			}
			if len(g.ParseErrors) > 0 {
				log.Debug("stream had malformed frames", "count", len(g.ParseErrors))
			}
			gen = g
			return nil
		})
		attempts = n
		if err != nil {
			return cache.Entry{}, err
		}
		if p.opts.Telemetry != nil && gen.TTFT > 0 {
			p.opts.Telemetry.RecordTTFT(ctx, gen.TTFT)
		}
		return cache.Entry{Text: gen.Text, LatencyMS: gen.Latency.Milliseconds()}, nil
	}

	if p.opts.Cache == nil {
		entry, err := fill(ctx)
		return entry, false, attempts, err
	}
	entry, hit, err := p.opts.Cache.GetOrFill(ctx, prompt, fill)
	return entry, hit, attempts, err
}

func fail(out Outcome, stage string, err error) Outcome {
	out.Kind = KindFailure
	out.Stage = stage
	out.Reason = err.Error()
	return out
}

func label(prompt string) string {
	const limit = 48
	r := []rune(prompt)
	if len(r) <= limit {
		return prompt
	}
	return string(r[:limit]) + "..."
}
