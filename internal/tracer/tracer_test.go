package tracer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ggonzalez94/inference-cli/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := setup(config.TraceSettings{Enabled: false}, &buf)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := StartSpan(context.Background(), "lifecycle.unit")
	End(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("noop provider should not export, got %q", buf.String())
	}
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := setup(config.TraceSettings{Enabled: true, Exporter: "stdout"}, &buf)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := StartSpan(context.Background(), "inference.report", StringAttr("wallet", "0xabc"), IntAttr("attempt", 1))
	End(span, errors.New("report failed"))
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "inference.report") {
		t.Fatalf("expected exported span, got %q", buf.String())
	}
}

func TestSetupUnknownExporter(t *testing.T) {
	if _, err := setup(config.TraceSettings{Enabled: true, Exporter: "jaeger"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected unsupported exporter error")
	}
}
