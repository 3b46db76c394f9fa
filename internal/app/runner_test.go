package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggonzalez94/inference-cli/internal/history"
	"github.com/ggonzalez94/inference-cli/internal/model"
)

const txHash = "0xABCDEF0000000000000000000000000000000000000000000000000000000001"

// fakeBackend serves the generation stream, usage report and settlement
// status endpoints.
type fakeBackend struct {
	server      *httptest.Server
	generations atomic.Int32
	reports     atomic.Int32
	polls       atomic.Int32
	// statusFailures makes the next n status requests answer 503.
	statusFailures atomic.Int32

	mu      sync.Mutex
	wallets []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/main", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			WalletAddress string `json:"wallet_address"`
			Message       string `json:"message"`
			Stream        bool   `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.generations.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\ndata: [DONE]\n\n")
	})
	mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			WalletAddress string `json:"wallet_address"`
			ResponseText  string `json:"response_text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		n := b.reports.Add(1)
		b.mu.Lock()
		b.wallets = append(b.wallets, body.WalletAddress)
		b.mu.Unlock()
		if body.ResponseText != "Hello" {
			http.Error(w, "unexpected response text", http.StatusBadRequest)
			return
		}
		_, _ = fmt.Fprintf(w, `{"message":"recorded","interaction_id":"corr-%d"}`, n)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		b.polls.Add(1)
		if r.URL.Query().Get("id") == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if b.statusFailures.Add(-1) >= 0 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprintf(w, `{"data":{"status":"confirmed","tx_hash":%q}}`, txHash)
	})
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

// setupRunEnv isolates config, cache and history under a temp dir and points
// every endpoint at the fake backend.
func setupRunEnv(t *testing.T, backend *fakeBackend, wallets []string, prompts []string) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	t.Setenv("INFER_LOG_LEVEL", "error")
	t.Setenv("INFER_POLL_INTERVAL", "1ms")
	t.Setenv("INFER_MAX_POLLS", "3")

	envFile := filepath.Join(tmp, ".env")
	var lines []string
	for i, w := range wallets {
		lines = append(lines, fmt.Sprintf("WALLET_ADDRESS_%d=%s", i+1, w))
	}
	if err := os.WriteFile(envFile, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("INFER_ENV_FILE", envFile)

	promptsFile := filepath.Join(tmp, "payloads.json")
	buf, _ := json.Marshal(prompts)
	if err := os.WriteFile(promptsFile, buf, 0o600); err != nil {
		t.Fatalf("write prompts file: %v", err)
	}
	t.Setenv("INFER_PROMPTS", promptsFile)

	if backend != nil {
		t.Setenv("INFER_GENERATE_URL", backend.server.URL+"/main")
		t.Setenv("INFER_REPORT_URL", backend.server.URL+"/report")
		t.Setenv("INFER_INFERENCE_URL", backend.server.URL+"/status")
	}
	return tmp
}

func runCLI(t *testing.T, args ...string) (int, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run(args)
	return code, &stdout, &stderr
}

type runEnvelope struct {
	Success bool        `json:"success"`
	Data    history.Run `json:"data"`
	Meta    struct {
		RunID   string `json:"run_id"`
		Partial bool   `json:"partial"`
	} `json:"meta"`
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("infer runs show"); got != "runs show" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestSplitCSV(t *testing.T) {
	items := splitCSV("0xAbC, 2 ,", "0xdef")
	if len(items) != 3 || items[0] != "0xAbC" || items[1] != "2" || items[2] != "0xdef" {
		t.Fatalf("unexpected split: %#v", items)
	}
}

func TestRunEndToEnd(t *testing.T) {
	backend := newFakeBackend(t)
	setupRunEnv(t, backend, []string{"0xw1", "0xw2"}, []string{"A", "B"})

	code, stdout, stderr := runCLI(t, "run", "--all-wallets")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var env runEnvelope
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		t.Fatalf("decode run envelope: %v output=%s", err, stdout.String())
	}
	if !env.Success || env.Meta.Partial {
		t.Fatalf("expected complete successful run, got %+v", env)
	}
	if env.Meta.RunID == "" || env.Meta.RunID != env.Data.RunID {
		t.Fatalf("expected run id in meta, got %q vs %q", env.Meta.RunID, env.Data.RunID)
	}
	report := env.Data.Report
	if report.Totals.Units != 4 || report.Totals.Succeeded != 4 {
		t.Fatalf("unexpected totals: %+v", report.Totals)
	}
	if len(report.Prompts) != 2 || report.Prompts[0].Prompt != "A" || report.Prompts[1].Prompt != "B" {
		t.Fatalf("unexpected prompt order: %+v", report.Prompts)
	}
	for _, pr := range report.Prompts {
		if len(pr.Outcomes) != 2 || pr.Outcomes[0].Wallet != "0xw1" || pr.Outcomes[1].Wallet != "0xw2" {
			t.Fatalf("expected outcomes in wallet order, got %+v", pr.Outcomes)
		}
		if pr.Outcomes[0].TxHash != strings.ToLower(txHash) {
			t.Fatalf("expected normalized tx hash, got %s", pr.Outcomes[0].TxHash)
		}
	}
	// One generation per distinct prompt; every wallet still reports.
	if got := backend.generations.Load(); got != 2 {
		t.Fatalf("expected 2 generations with the shared cache, got %d", got)
	}
	if got := backend.reports.Load(); got != 4 {
		t.Fatalf("expected 4 usage reports, got %d", got)
	}
	if !strings.Contains(stderr.String(), "prompt 1: A") || !strings.Contains(stderr.String(), "4 units: 4 settled") {
		t.Fatalf("expected progress lines on stderr, got %s", stderr.String())
	}

	code, stdout, stderr = runCLI(t, "runs", "show", env.Data.RunID, "--results-only")
	if code != 0 {
		t.Fatalf("runs show exit %d stderr=%s", code, stderr.String())
	}
	var saved history.Run
	if err := json.Unmarshal(stdout.Bytes(), &saved); err != nil {
		t.Fatalf("decode saved run: %v", err)
	}
	if saved.Status != history.StatusCompleted || saved.Report.Totals.Succeeded != 4 {
		t.Fatalf("unexpected saved run %+v", saved)
	}
}

func TestRunPollSendsOneRequestPerAttempt(t *testing.T) {
	backend := newFakeBackend(t)
	backend.statusFailures.Store(1)
	setupRunEnv(t, backend, []string{"0xw1"}, []string{"A"})

	code, stdout, stderr := runCLI(t, "run", "--all-wallets", "--quiet")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var env runEnvelope
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		t.Fatalf("decode run envelope: %v output=%s", err, stdout.String())
	}
	if env.Data.Report.Totals.Failed != 1 {
		t.Fatalf("expected settle failure, got %+v", env.Data.Report.Totals)
	}
	if got := env.Data.Report.Prompts[0].Outcomes[0]; got.Stage != "settle" || got.PollAttempts != 1 {
		t.Fatalf("unexpected outcome %+v", got)
	}
	if got := backend.polls.Load(); got != 1 {
		t.Fatalf("expected one status request for one poll, got %d", got)
	}
}

func TestRunNoCacheGeneratesPerWallet(t *testing.T) {
	backend := newFakeBackend(t)
	setupRunEnv(t, backend, []string{"0xw1", "0xw2"}, []string{"A"})

	code, _, stderr := runCLI(t, "run", "--wallet", "0xw1", "--wallet", "2", "--no-cache", "--concurrency", "sequential", "--quiet")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if got := backend.generations.Load(); got != 2 {
		t.Fatalf("expected one generation per wallet without cache, got %d", got)
	}
	if strings.Contains(stderr.String(), "prompt 1") {
		t.Fatalf("--quiet should suppress progress, got %s", stderr.String())
	}
}

func TestRunWithoutWalletsIsConfigError(t *testing.T) {
	setupRunEnv(t, nil, nil, []string{"A"})

	code, stdout, stderr := runCLI(t, "run", "--all-wallets", "--results-only")
	if code != 3 {
		t.Fatalf("expected exit 3, got %d stderr=%s", code, stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected empty stdout, got %s", stdout.String())
	}
	var env model.Envelope
	if err := json.Unmarshal(stderr.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v output=%s", err, stderr.String())
	}
	if env.Success || env.Error == nil || env.Error.Type != "config_error" {
		t.Fatalf("unexpected error envelope %+v", env)
	}
	if env.Error.Hint != hintAddWallet {
		t.Fatalf("expected add-wallet hint, got %q", env.Error.Hint)
	}
}

func decodeErrorEnvelope(t *testing.T, raw []byte) model.Envelope {
	t.Helper()
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode error envelope: %v output=%s", err, raw)
	}
	if env.Success || env.Error == nil {
		t.Fatalf("expected error envelope, got %s", raw)
	}
	return env
}

func TestRunWithoutSelectionIsConfigError(t *testing.T) {
	setupRunEnv(t, nil, []string{"0xw1"}, []string{"A"})

	code, _, stderr := runCLI(t, "run")
	if code != 3 {
		t.Fatalf("expected exit 3, got %d stderr=%s", code, stderr.String())
	}
	if env := decodeErrorEnvelope(t, stderr.Bytes()); env.Error.Hint != hintSelectWallet {
		t.Fatalf("expected selection hint, got %q", env.Error.Hint)
	}
}

func TestRunMissingPromptsIsConfigError(t *testing.T) {
	setupRunEnv(t, nil, []string{"0xw1"}, []string{"A"})

	code, _, stderr := runCLI(t, "run", "--all-wallets", "--prompts", filepath.Join(t.TempDir(), "missing.json"))
	if code != 3 {
		t.Fatalf("expected exit 3, got %d stderr=%s", code, stderr.String())
	}
	env := decodeErrorEnvelope(t, stderr.Bytes())
	if env.Error.Type != "config_error" || env.Error.Hint != hintPrompts {
		t.Fatalf("expected prompts hint, got %+v", env.Error)
	}
	if !strings.Contains(stderr.String(), "<file>") {
		t.Fatalf("expected unescaped hint on stderr, got %s", stderr.String())
	}
}

func TestRunRejectsBadConcurrency(t *testing.T) {
	setupRunEnv(t, nil, []string{"0xw1"}, []string{"A"})

	code, _, stderr := runCLI(t, "run", "--all-wallets", "--concurrency", "chaotic")
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestWalletsAddAndList(t *testing.T) {
	setupRunEnv(t, nil, []string{"0xw1"}, []string{"A"})

	code, stdout, stderr := runCLI(t, "wallets", "add", "0xw2", "--results-only")
	if code != 0 {
		t.Fatalf("wallets add exit %d stderr=%s", code, stderr.String())
	}
	var added model.WalletInfo
	if err := json.Unmarshal(stdout.Bytes(), &added); err != nil {
		t.Fatalf("decode added wallet: %v", err)
	}
	if added.Ordinal != 2 || added.Key != "WALLET_ADDRESS_2" {
		t.Fatalf("unexpected added wallet %+v", added)
	}

	code, _, _ = runCLI(t, "wallets", "add", "0xw2")
	if code != 2 {
		t.Fatalf("expected duplicate wallet to be a usage error, got %d", code)
	}

	code, stdout, _ = runCLI(t, "wallets", "list", "--results-only")
	if code != 0 {
		t.Fatalf("wallets list exit %d", code)
	}
	var listed []model.WalletInfo
	if err := json.Unmarshal(stdout.Bytes(), &listed); err != nil {
		t.Fatalf("decode wallets: %v", err)
	}
	if len(listed) != 2 || listed[0].Address != "0xw1" || listed[1].Address != "0xw2" {
		t.Fatalf("unexpected wallets %+v", listed)
	}
}

func TestPromptsListPlain(t *testing.T) {
	setupRunEnv(t, nil, nil, []string{"first", "second"})

	code, stdout, stderr := runCLI(t, "prompts", "list", "--plain", "--results-only")
	if code != 0 {
		t.Fatalf("prompts list exit %d stderr=%s", code, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 || lines[0] != "index=0 text=first" || lines[1] != "index=1 text=second" {
		t.Fatalf("unexpected plain prompts %q", stdout.String())
	}
}

func TestRunsListRejectsUnknownStatus(t *testing.T) {
	setupRunEnv(t, nil, nil, []string{"A"})

	code, _, _ := runCLI(t, "runs", "list", "--status", "exploded")
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}

func TestRunsShowMissing(t *testing.T) {
	setupRunEnv(t, nil, nil, []string{"A"})

	code, _, stderr := runCLI(t, "runs", "show", "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	setupRunEnv(t, nil, nil, []string{"A"})

	code, stdout, stderr := runCLI(t, "cache", "stats", "--results-only")
	if code != 0 {
		t.Fatalf("cache stats exit %d stderr=%s", code, stderr.String())
	}
	var info model.CacheInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("decode cache info: %v", err)
	}
	if info.Entries != 0 || info.Path == "" {
		t.Fatalf("unexpected cache info %+v", info)
	}

	code, _, stderr = runCLI(t, "cache", "clear", "--expired")
	if code != 0 {
		t.Fatalf("cache clear exit %d stderr=%s", code, stderr.String())
	}
}

func TestPersistentCacheSurvivesRuns(t *testing.T) {
	backend := newFakeBackend(t)
	setupRunEnv(t, backend, []string{"0xw1"}, []string{"A"})
	t.Setenv("INFER_CACHE_PERSIST", "true")

	for i := 0; i < 2; i++ {
		if code, _, stderr := runCLI(t, "run", "--all-wallets", "--quiet"); code != 0 {
			t.Fatalf("run %d exit %d stderr=%s", i, code, stderr.String())
		}
	}
	if got := backend.generations.Load(); got != 1 {
		t.Fatalf("expected the second run to reuse the persisted response, got %d generations", got)
	}
	if got := backend.reports.Load(); got != 2 {
		t.Fatalf("expected a report per run, got %d", got)
	}

	code, stdout, _ := runCLI(t, "cache", "stats", "--results-only")
	if code != 0 {
		t.Fatalf("cache stats exit %d", code)
	}
	var info model.CacheInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("decode cache info: %v", err)
	}
	if info.Entries != 1 {
		t.Fatalf("expected one persisted entry, got %+v", info)
	}
}

func TestVersionLong(t *testing.T) {
	setupRunEnv(t, nil, nil, []string{"A"})
	code, stdout, _ := runCLI(t, "version", "--long", "--results-only")
	if code != 0 {
		t.Fatalf("version exit %d", code)
	}
	var info model.VersionInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if info.Name != "infer" || info.Version == "" {
		t.Fatalf("unexpected version %+v", info)
	}
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	setupRunEnv(t, nil, nil, []string{"A"})
	code, _, stderr := runCLI(t, "explode")
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, stderr.String())
	}
	var env map[string]any
	if err := json.Unmarshal(stderr.Bytes(), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v output=%s", err, stderr.String())
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
}

func TestSchemaDescribesRunCommand(t *testing.T) {
	setupRunEnv(t, nil, nil, []string{"A"})

	code, stdout, stderr := runCLI(t, "schema", "run", "--results-only")
	if code != 0 {
		t.Fatalf("schema exit %d stderr=%s", code, stderr.String())
	}
	var data struct {
		Path  string `json:"path"`
		Flags []struct {
			Name string `json:"name"`
		} `json:"flags"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &data); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if data.Path != "infer run" {
		t.Fatalf("unexpected schema path %q", data.Path)
	}
	found := false
	for _, f := range data.Flags {
		if f.Name == "all-wallets" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected --all-wallets in schema flags: %s", stdout.String())
	}
}
