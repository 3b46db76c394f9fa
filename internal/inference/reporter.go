package inference

import (
	"context"
	"log/slog"
	"strings"

	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
	"github.com/ggonzalez94/inference-cli/internal/httpx"
	"github.com/ggonzalez94/inference-cli/internal/tracer"
)

// Receipt is the usage-report acknowledgement. CorrelationID keys the
// settlement lookup.
type Receipt struct {
	Message       string
	CorrelationID string
}

type reportRequest struct {
	WalletAddress   string          `json:"wallet_address"`
	AgentID         string          `json:"agent_id"`
	RequestText     string          `json:"request_text"`
	ResponseText    string          `json:"response_text"`
	RequestMetadata requestMetadata `json:"request_metadata"`
}

type requestMetadata struct {
	Source string `json:"source"`
}

type reportResponse struct {
	Message       string `json:"message"`
	InteractionID string `json:"interaction_id"`
}

type Reporter struct {
	client   *httpx.Client
	endpoint string
	agentID  string
	source   string
	logger   *slog.Logger
}

func NewReporter(client *httpx.Client, endpoint, agentID, source string, logger *slog.Logger) *Reporter {
	return &Reporter{client: client, endpoint: endpoint, agentID: agentID, source: source, logger: logger}
}

// Report submits one request/response pair. Every failure, including a
// missing interaction id, is a CodeReport error.
func (r *Reporter) Report(ctx context.Context, wallet, prompt, response string) (Receipt, error) {
	ctx, span := tracer.StartSpan(ctx, "inference.report", tracer.StringAttr("wallet", wallet))
	receipt, err := r.report(ctx, wallet, prompt, response)
	if err == nil {
		span.SetAttributes(tracer.StringAttr("correlation_id", receipt.CorrelationID))
	}
	tracer.End(span, err)
	return receipt, err
}

func (r *Reporter) report(ctx context.Context, wallet, prompt, response string) (Receipt, error) {
	if response == "" {
		return Receipt{}, clierr.New(clierr.CodeReport, "refusing to report an empty response")
	}
	var resp reportResponse
	_, err := r.client.PostJSON(ctx, r.endpoint, reportRequest{
		WalletAddress:   wallet,
		AgentID:         r.agentID,
		RequestText:     prompt,
		ResponseText:    response,
		RequestMetadata: requestMetadata{Source: r.source},
	}, &resp)
	if err != nil {
		return Receipt{}, clierr.Wrap(clierr.CodeReport, "report usage", err)
	}
	id := strings.TrimSpace(resp.InteractionID)
	if id == "" {
		return Receipt{}, clierr.New(clierr.CodeReport, "usage report returned no interaction_id")
	}
	r.logger.Debug("usage reported", "wallet", wallet, "interaction_id", id, "message", resp.Message)
	return Receipt{Message: resp.Message, CorrelationID: id}, nil
}
