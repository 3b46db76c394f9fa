package inference

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
)

// BreakerGenerator fails fast once the generation endpoint has failed
// MaxFailures times in a row. Cancellation never trips it.
type BreakerGenerator struct {
	inner   TextGenerator
	breaker *gobreaker.CircuitBreaker[Generation]
}

func NewBreakerGenerator(inner TextGenerator, maxFailures uint32, timeout time.Duration, logger *slog.Logger) *BreakerGenerator {
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	cb := gobreaker.NewCircuitBreaker[Generation](gobreaker.Settings{
		Name:        "generate",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerGenerator{inner: inner, breaker: cb}
}

func (b *BreakerGenerator) Generate(ctx context.Context, wallet, prompt string) (Generation, error) {
	gen, err := b.breaker.Execute(func() (Generation, error) {
		return b.inner.Generate(ctx, wallet, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Generation{}, clierr.Wrap(clierr.CodeUnavailable, "generation circuit open", err)
	}
	return gen, err
}

func (b *BreakerGenerator) State() gobreaker.State {
	return b.breaker.State()
}

var _ TextGenerator = (*BreakerGenerator)(nil)
var _ TextGenerator = (*Generator)(nil)
