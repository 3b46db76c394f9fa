// Package inference talks to the remote generation, usage-report, settlement
// and telemetry endpoints.
package inference

import (
	"context"
	"io"
	"log/slog"
	"time"

	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
	"github.com/ggonzalez94/inference-cli/internal/httpx"
	"github.com/ggonzalez94/inference-cli/internal/stream"
	"github.com/ggonzalez94/inference-cli/internal/tracer"
)

// Generation is the result of one streamed generation call.
type Generation struct {
	Text        string
	Latency     time.Duration
	TTFT        time.Duration
	Frames      int
	ParseErrors []stream.ParseError
}

// TextGenerator produces the full text for a prompt on behalf of a wallet.
type TextGenerator interface {
	Generate(ctx context.Context, wallet, prompt string) (Generation, error)
}

type generateRequest struct {
	WalletAddress string `json:"wallet_address"`
	Message       string `json:"message"`
	Stream        bool   `json:"stream"`
}

type Generator struct {
	client   *httpx.Client
	endpoint string
	logger   *slog.Logger
	now      func() time.Time
}

func NewGenerator(client *httpx.Client, endpoint string, logger *slog.Logger) *Generator {
	return &Generator{client: client, endpoint: endpoint, logger: logger, now: time.Now}
}

// Generate streams one response. On a transport failure no partial text is
// returned.
func (g *Generator) Generate(ctx context.Context, wallet, prompt string) (Generation, error) {
	ctx, span := tracer.StartSpan(ctx, "inference.generate", tracer.StringAttr("wallet", wallet))
	gen, err := g.generate(ctx, wallet, prompt)
	if err == nil {
		span.SetAttributes(tracer.IntAttr("frames", gen.Frames), tracer.IntAttr("parse_errors", len(gen.ParseErrors)))
	}
	tracer.End(span, err)
	return gen, err
}

func (g *Generator) generate(ctx context.Context, wallet, prompt string) (Generation, error) {
	start := g.now()
	body, err := g.client.OpenStream(ctx, g.endpoint, generateRequest{
		WalletAddress: wallet,
		Message:       prompt,
		Stream:        true,
	})
	if err != nil {
		return Generation{}, err
	}
	defer body.Close()

	asm := stream.New(
		stream.WithClock(g.now),
		stream.WithParseErrorHook(func(pe stream.ParseError) {
			g.logger.Debug("skipping malformed stream frame", "wallet", wallet, "line", pe.Line, "error", pe.Err)
		}),
	)
	if _, err := io.Copy(asm, body); err != nil {
		if ctx.Err() != nil {
			return Generation{}, clierr.Wrap(clierr.CodeUnavailable, "generation cancelled", ctx.Err())
		}
		return Generation{}, clierr.Wrap(clierr.CodeUnavailable, "read generation stream", err)
	}
	text := asm.Finish()
	end := g.now()

	gen := Generation{
		Text:        text,
		Latency:     end.Sub(start),
		Frames:      asm.Frames(),
		ParseErrors: asm.ParseErrors(),
	}
	if first := asm.FirstDeltaAt(); !first.IsZero() {
		gen.TTFT = first.Sub(start)
	}
	return gen, nil
}
