package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/inference-cli/internal/config"
	"github.com/ggonzalez94/inference-cli/internal/lifecycle"
	"github.com/ggonzalez94/inference-cli/internal/model"
	"github.com/ggonzalez94/inference-cli/internal/walletrun"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    []map[string]any{{"a": 1, "b": 2}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: ModeJSON, SelectFields: []string{"a"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["a"].(float64) != 1 {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["b"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderSelectNestedPath(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    walletrun.Report{Totals: walletrun.Totals{Units: 4, Failed: 1}},
	}
	settings := config.Settings{OutputMode: ModeJSON, SelectFields: []string{"totals.failed"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if out["totals.failed"].(float64) != 1 || len(out) != 1 {
		t.Fatalf("unexpected projection: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    []map[string]any{{"name": "x", "score": 42, "tags": []string{"a"}}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: ModePlain, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	for _, want := range []string{"name=x", "score=42", `tags=["a"]`} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in plain output: %s", want, got)
		}
	}
}

func TestRenderJSONEnvelope(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Error:   &model.ErrorBody{Code: 3, Type: "config_error", Message: "no wallets"},
		Meta:    model.EnvelopeMeta{Command: "run"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: ModeJSON}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out model.Envelope
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if out.Success || out.Error == nil || out.Error.Code != 3 || out.Meta.Command != "run" {
		t.Fatalf("unexpected envelope: %s", buf.String())
	}
}

func TestRenderJSONKeepsHintReadable(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Error:   &model.ErrorBody{Code: 3, Type: "config_error", Message: "no wallets", Hint: "pass --wallet <address|ordinal>"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: ModeJSON}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "pass --wallet <address|ordinal>") {
		t.Fatalf("expected unescaped hint, got %s", buf.String())
	}
}

func TestConsolePromptAndSummary(t *testing.T) {
	var buf bytes.Buffer
	console := NewConsole(&buf)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pr := walletrun.PromptReport{
		Index:  0,
		Prompt: "What is\nthe weather?",
		Outcomes: []lifecycle.Outcome{
			{Kind: lifecycle.KindSuccess, Wallet: "0x1111111111111111111111111111111111111111", Status: "confirmed", TxHash: "0xabc"},
			{Kind: lifecycle.KindTimeout, Wallet: "0x2222", PollAttempts: 3},
			{Kind: lifecycle.KindFailure, Wallet: "0x3333", Stage: lifecycle.StageReport, Reason: "report rejected"},
		},
		Succeeded:  []string{"0x1111111111111111111111111111111111111111"},
		TimedOut:   []string{"0x2222"},
		Failed:     []string{"0x3333"},
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
	}
	console.Prompt(pr)
	console.Summary(walletrun.Report{Prompts: []walletrun.PromptReport{pr}, Totals: walletrun.Totals{Units: 3, Succeeded: 1, TimedOut: 1, Failed: 1}}, "01RUN")

	got := buf.String()
	for _, want := range []string{
		"prompt 1: What is the weather?",
		"0x1111...1111 confirmed 0xabc",
		"still pending after 3 polls",
		"report: report rejected",
		"1 settled, 1 pending, 1 failed, 0 skipped in 2s",
		"3 units: 1 settled",
		"run 01RUN",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in console output:\n%s", want, got)
		}
	}
}

func TestConsoleNilIsQuiet(t *testing.T) {
	var console *Console
	console.Prompt(walletrun.PromptReport{})
	console.Summary(walletrun.Report{}, "")
}
