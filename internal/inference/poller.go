package inference

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
	"github.com/ggonzalez94/inference-cli/internal/httpx"
	"github.com/ggonzalez94/inference-cli/internal/retry"
	"github.com/ggonzalez94/inference-cli/internal/tracer"
)

const StatusPending = "pending"

// ErrSettlementTimeout is returned when the polling budget runs out before a
// terminal status. It is a soft outcome, not a failure.
var ErrSettlementTimeout = clierr.New(clierr.CodeSettlementTimeout, "settlement not confirmed within polling budget")

// Settlement is the last observed settlement state.
type Settlement struct {
	Status   string
	TxHash   string
	Attempts int
}

// Terminal reports a confirmed settlement: any non-pending status paired with
// a transaction hash.
func (s Settlement) Terminal() bool {
	return s.Status != StatusPending && s.TxHash != ""
}

// PollOptions bounds the status loop. MaxAttempts counts polls. With the
// default client each poll is a single GET; a client built with transport
// retries may send more than one request per poll.
type PollOptions struct {
	MaxAttempts     int
	Interval        time.Duration
	Unbounded       bool
	ContinueOnError bool
}

func DefaultPollOptions() PollOptions {
	return PollOptions{MaxAttempts: 10, Interval: 2 * time.Second}
}

type statusResponse struct {
	Data struct {
		Status string `json:"status"`
		TxHash string `json:"tx_hash"`
	} `json:"data"`
}

type Poller struct {
	client          *httpx.Client
	endpoint        string
	policy          retry.Policy
	continueOnError bool
	logger          *slog.Logger
}

func NewPoller(client *httpx.Client, endpoint string, opts PollOptions, logger *slog.Logger) *Poller {
	policy := retry.Policy{MaxAttempts: opts.MaxAttempts, Delay: opts.Interval}
	if opts.Unbounded {
		policy.MaxAttempts = 0
	} else if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPollOptions().MaxAttempts
	}
	return &Poller{
		client:          client,
		endpoint:        endpoint,
		policy:          policy,
		continueOnError: opts.ContinueOnError,
		logger:          logger,
	}
}

// Poll waits the interval before every status request and stops at the first
// terminal state. When the budget runs out it returns the last state together
// with ErrSettlementTimeout. Unbounded pollers stop only on success, a
// transport error or ctx cancellation.
func (p *Poller) Poll(ctx context.Context, correlationID string) (Settlement, error) {
	ctx, span := tracer.StartSpan(ctx, "inference.settle", tracer.StringAttr("correlation_id", correlationID))
	s, err := p.poll(ctx, correlationID)
	span.SetAttributes(tracer.IntAttr("attempts", s.Attempts), tracer.StringAttr("status", s.Status))
	if err == ErrSettlementTimeout {
		tracer.End(span, nil)
	} else {
		tracer.End(span, err)
	}
	return s, err
}

func (p *Poller) poll(ctx context.Context, correlationID string) (Settlement, error) {
	var s Settlement
	if strings.TrimSpace(correlationID) == "" {
		return s, clierr.New(clierr.CodeReport, "missing correlation id")
	}
	target, err := p.statusURL(correlationID)
	if err != nil {
		return s, err
	}

	for attempt := 1; p.policy.Allows(attempt); attempt++ {
		if err := retry.Sleep(ctx, p.policy.Backoff()); err != nil {
			return s, clierr.Wrap(clierr.CodeUnavailable, "settlement polling cancelled", err)
		}
		s.Attempts = attempt

		var resp statusResponse
		if _, err := p.client.GetJSON(ctx, target, &resp); err != nil {
			if p.continueOnError && ctx.Err() == nil {
				p.logger.Warn("settlement poll failed, continuing", "correlation_id", correlationID, "attempt", attempt, "error", err)
				continue
			}
			return s, err
		}
		s.Status = strings.TrimSpace(resp.Data.Status)
		s.TxHash = NormalizeTxHash(resp.Data.TxHash)
		p.logger.Debug("settlement polled", "correlation_id", correlationID, "attempt", attempt, "status", s.Status)
		if s.Terminal() {
			return s, nil
		}
	}
	return s, ErrSettlementTimeout
}

func (p *Poller) statusURL(correlationID string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("invalid inference endpoint %q", p.endpoint), err)
	}
	q := u.Query()
	q.Set("id", correlationID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NormalizeTxHash lowercases 32-byte hex hashes into canonical 0x form. Any
// other value is returned trimmed but otherwise untouched.
func NormalizeTxHash(v string) string {
	v = strings.TrimSpace(v)
	candidate := v
	if !strings.HasPrefix(candidate, "0x") && !strings.HasPrefix(candidate, "0X") {
		candidate = "0x" + candidate
	}
	b, err := hexutil.Decode(candidate)
	if err != nil || len(b) != common.HashLength {
		return v
	}
	return common.BytesToHash(b).Hex()
}
