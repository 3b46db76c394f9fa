package inference

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggonzalez94/inference-cli/internal/httpx"
)

type ttftRequest struct {
	DeploymentID     string `json:"deployment_id"`
	TimeToFirstToken int64  `json:"time_to_first_token"`
}

// Telemetry posts time-to-first-token samples. Failures are logged and
// otherwise ignored.
type Telemetry struct {
	client       *httpx.Client
	endpoint     string
	deploymentID string
	logger       *slog.Logger
}

func NewTelemetry(client *httpx.Client, endpoint, deploymentID string, logger *slog.Logger) *Telemetry {
	return &Telemetry{client: client, endpoint: endpoint, deploymentID: deploymentID, logger: logger}
}

func (t *Telemetry) RecordTTFT(ctx context.Context, ttft time.Duration) {
	if t == nil {
		return
	}
	_, err := t.client.PostJSON(ctx, t.endpoint, ttftRequest{
		DeploymentID:     t.deploymentID,
		TimeToFirstToken: ttft.Milliseconds(),
	}, nil)
	if err != nil {
		t.logger.Warn("ttft telemetry failed", "error", err)
	}
}
