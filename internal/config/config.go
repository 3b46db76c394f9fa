package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DefaultGenerateURL  = "https://deployment-hlsy5tjcguvea2aqgplixjjg.stag-vxzy.zettablock.com/main"
	DefaultReportURL    = "https://quests-usage-dev.prod.zettablock.com/api/report_usage"
	DefaultInferenceURL = "https://neo-dev.prod.zettablock.com/v1/inference"
	DefaultTTFTURL      = "https://quests-usage-dev.prod.zettablock.com/api/ttft"
	DefaultAgentID      = "deployment_HlsY5TJcguvEA2aqgPliXJjg"
	DefaultReportSource = "api_test"

	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

type GlobalFlags struct {
	ConfigPath  string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Timeout     string
	Retries     int
	NoCache     bool
	EnvFile     string
	LogLevel    string
	Trace       bool
}

// BindFlags registers the persistent flags shared by every command.
func BindFlags(fs *pflag.FlagSet, flags *GlobalFlags) {
	fs.StringVar(&flags.ConfigPath, "config", "", "Path to config file")
	fs.BoolVar(&flags.JSON, "json", false, "Output JSON (default)")
	fs.BoolVar(&flags.Plain, "plain", false, "Output plain text")
	fs.StringVar(&flags.Select, "select", "", "Comma-separated fields to keep in data")
	fs.BoolVar(&flags.ResultsOnly, "results-only", false, "Print data without the envelope")
	fs.StringVar(&flags.Timeout, "timeout", "", "Per-request timeout (e.g. 30s)")
	fs.IntVar(&flags.Retries, "retries", -1, "Extra transport retries per settlement poll (each one is another status request)")
	fs.BoolVar(&flags.NoCache, "no-cache", false, "Disable the response cache")
	fs.StringVar(&flags.EnvFile, "env-file", "", "Wallet .env file")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&flags.Trace, "trace", false, "Export spans to stderr")
}

type Endpoints struct {
	Generate  string
	Report    string
	Inference string
	TTFT      string
}

type GenerationSettings struct {
	Attempts int
	Delay    time.Duration
	Jitter   time.Duration
}

type SettlementSettings struct {
	MaxAttempts     int
	Interval        time.Duration
	Unbounded       bool
	ContinueOnError bool
}

type CacheSettings struct {
	Enabled      bool
	SingleFlight bool
	ReportOnHit  bool
	Persist      bool
	TTL          time.Duration
	Path         string
	LockPath     string
}

type ConcurrencySettings struct {
	Mode          string
	MaxParallel   int
	RatePerSecond float64
	Burst         int
}

type BreakerSettings struct {
	Enabled     bool
	MaxFailures uint32
	Timeout     time.Duration
}

type LogSettings struct {
	Level  string
	Format string
	Output string
}

type TraceSettings struct {
	Enabled  bool
	Exporter string
}

type Settings struct {
	OutputMode       string
	SelectFields     []string
	ResultsOnly      bool
	Timeout          time.Duration
	Retries          int
	Endpoints        Endpoints
	AgentID          string
	DeploymentID     string
	ReportSource     string
	Generation       GenerationSettings
	Settlement       SettlementSettings
	Cache            CacheSettings
	Concurrency      ConcurrencySettings
	Breaker          BreakerSettings
	TelemetryEnabled bool
	WalletsEnvFile   string
	PromptsPath      string
	HistoryPath      string
	HistoryLockPath  string
	Log              LogSettings
	Trace            TraceSettings
}

type fileConfig struct {
	Output       string `yaml:"output"`
	Timeout      string `yaml:"timeout"`
	Retries      *int   `yaml:"retries"`
	AgentID      string `yaml:"agent_id"`
	DeploymentID string `yaml:"deployment_id"`
	ReportSource string `yaml:"report_source"`
	Endpoints    struct {
		Generate  string `yaml:"generate"`
		Report    string `yaml:"report"`
		Inference string `yaml:"inference"`
		TTFT      string `yaml:"ttft"`
	} `yaml:"endpoints"`
	Generation struct {
		Attempts *int   `yaml:"attempts"`
		Delay    string `yaml:"delay"`
		Jitter   string `yaml:"jitter"`
	} `yaml:"generation"`
	Settlement struct {
		MaxAttempts     *int   `yaml:"max_attempts"`
		Interval        string `yaml:"interval"`
		Unbounded       *bool  `yaml:"unbounded"`
		ContinueOnError *bool  `yaml:"continue_on_error"`
	} `yaml:"settlement"`
	Cache struct {
		Enabled      *bool  `yaml:"enabled"`
		SingleFlight *bool  `yaml:"single_flight"`
		ReportOnHit  *bool  `yaml:"report_on_hit"`
		Persist      *bool  `yaml:"persist"`
		TTL          string `yaml:"ttl"`
		Path         string `yaml:"path"`
		LockPath     string `yaml:"lock_path"`
	} `yaml:"cache"`
	Concurrency struct {
		Mode          string   `yaml:"mode"`
		MaxParallel   *int     `yaml:"max_parallel"`
		RatePerSecond *float64 `yaml:"rate_per_second"`
		Burst         *int     `yaml:"burst"`
	} `yaml:"concurrency"`
	Breaker struct {
		Enabled     *bool   `yaml:"enabled"`
		MaxFailures *uint32 `yaml:"max_failures"`
		Timeout     string  `yaml:"timeout"`
	} `yaml:"breaker"`
	Telemetry struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"telemetry"`
	Wallets struct {
		EnvFile string `yaml:"env_file"`
	} `yaml:"wallets"`
	Prompts struct {
		Path string `yaml:"path"`
	} `yaml:"prompts"`
	History struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"history"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
	Trace struct {
		Enabled  *bool  `yaml:"enabled"`
		Exporter string `yaml:"exporter"`
	} `yaml:"trace"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate checks invariants that hold after every layer has been applied.
// Callers that mutate settings after Load (command flags) call it again.
func (s *Settings) Validate() error {
	if s.OutputMode != "json" && s.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
	if s.Generation.Attempts < 1 {
		return fmt.Errorf("generation.attempts must be at least 1")
	}
	if s.Generation.Delay < 0 || s.Generation.Jitter < 0 {
		return fmt.Errorf("generation delay and jitter must not be negative")
	}
	if s.Settlement.Interval < 0 {
		return fmt.Errorf("settlement.interval must not be negative")
	}
	if !s.Settlement.Unbounded && s.Settlement.MaxAttempts < 1 {
		return fmt.Errorf("settlement.max_attempts must be at least 1 unless settlement.unbounded is set")
	}
	switch s.Concurrency.Mode {
	case ModeParallel, ModeSequential:
	default:
		return fmt.Errorf("concurrency.mode must be %s or %s", ModeParallel, ModeSequential)
	}
	if s.Concurrency.MaxParallel < 0 {
		return fmt.Errorf("concurrency.max_parallel must not be negative")
	}
	if s.Concurrency.RatePerSecond < 0 {
		return fmt.Errorf("concurrency.rate_per_second must not be negative")
	}
	if s.Concurrency.RatePerSecond > 0 && s.Concurrency.Burst < 1 {
		s.Concurrency.Burst = 1
	}
	if strings.TrimSpace(s.Endpoints.Generate) == "" || strings.TrimSpace(s.Endpoints.Report) == "" || strings.TrimSpace(s.Endpoints.Inference) == "" {
		return fmt.Errorf("generate, report and inference endpoints are required")
	}
	if s.TelemetryEnabled && strings.TrimSpace(s.Endpoints.TTFT) == "" {
		return fmt.Errorf("telemetry.enabled requires endpoints.ttft")
	}
	return nil
}

func defaultSettings() (Settings, error) {
	dir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode: "json",
		Timeout:    30 * time.Second,
		Retries:    0,
		Endpoints: Endpoints{
			Generate:  DefaultGenerateURL,
			Report:    DefaultReportURL,
			Inference: DefaultInferenceURL,
			TTFT:      DefaultTTFTURL,
		},
		AgentID:      DefaultAgentID,
		DeploymentID: DefaultAgentID,
		ReportSource: DefaultReportSource,
		Generation: GenerationSettings{
			Attempts: 3,
			Delay:    2 * time.Second,
			Jitter:   250 * time.Millisecond,
		},
		Settlement: SettlementSettings{
			MaxAttempts: 10,
			Interval:    2 * time.Second,
		},
		Cache: CacheSettings{
			Enabled:      true,
			SingleFlight: true,
			ReportOnHit:  true,
			TTL:          24 * time.Hour,
			Path:         filepath.Join(dir, "responses.db"),
			LockPath:     filepath.Join(dir, "responses.lock"),
		},
		Concurrency: ConcurrencySettings{Mode: ModeParallel},
		Breaker: BreakerSettings{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		WalletsEnvFile:  ".env",
		PromptsPath:     "payloads.json",
		HistoryPath:     filepath.Join(dir, "runs.db"),
		HistoryLockPath: filepath.Join(dir, "runs.lock"),
		Log:             LogSettings{Level: "info", Format: "text", Output: "stderr"},
		Trace:           TraceSettings{Exporter: "stdout"},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "infer", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "infer"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(cfg.Timeout, "timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	setString(cfg.AgentID, &settings.AgentID)
	setString(cfg.DeploymentID, &settings.DeploymentID)
	setString(cfg.ReportSource, &settings.ReportSource)
	setString(cfg.Endpoints.Generate, &settings.Endpoints.Generate)
	setString(cfg.Endpoints.Report, &settings.Endpoints.Report)
	setString(cfg.Endpoints.Inference, &settings.Endpoints.Inference)
	setString(cfg.Endpoints.TTFT, &settings.Endpoints.TTFT)

	if cfg.Generation.Attempts != nil {
		settings.Generation.Attempts = *cfg.Generation.Attempts
	}
	if err := setDuration(cfg.Generation.Delay, "generation.delay", &settings.Generation.Delay); err != nil {
		return err
	}
	if err := setDuration(cfg.Generation.Jitter, "generation.jitter", &settings.Generation.Jitter); err != nil {
		return err
	}

	if cfg.Settlement.MaxAttempts != nil {
		settings.Settlement.MaxAttempts = *cfg.Settlement.MaxAttempts
	}
	if err := setDuration(cfg.Settlement.Interval, "settlement.interval", &settings.Settlement.Interval); err != nil {
		return err
	}
	setBool(cfg.Settlement.Unbounded, &settings.Settlement.Unbounded)
	setBool(cfg.Settlement.ContinueOnError, &settings.Settlement.ContinueOnError)

	setBool(cfg.Cache.Enabled, &settings.Cache.Enabled)
	setBool(cfg.Cache.SingleFlight, &settings.Cache.SingleFlight)
	setBool(cfg.Cache.ReportOnHit, &settings.Cache.ReportOnHit)
	setBool(cfg.Cache.Persist, &settings.Cache.Persist)
	if err := setDuration(cfg.Cache.TTL, "cache.ttl", &settings.Cache.TTL); err != nil {
		return err
	}
	setString(cfg.Cache.Path, &settings.Cache.Path)
	setString(cfg.Cache.LockPath, &settings.Cache.LockPath)

	if cfg.Concurrency.Mode != "" {
		settings.Concurrency.Mode = strings.ToLower(cfg.Concurrency.Mode)
	}
	if cfg.Concurrency.MaxParallel != nil {
		settings.Concurrency.MaxParallel = *cfg.Concurrency.MaxParallel
	}
	if cfg.Concurrency.RatePerSecond != nil {
		settings.Concurrency.RatePerSecond = *cfg.Concurrency.RatePerSecond
	}
	if cfg.Concurrency.Burst != nil {
		settings.Concurrency.Burst = *cfg.Concurrency.Burst
	}

	setBool(cfg.Breaker.Enabled, &settings.Breaker.Enabled)
	if cfg.Breaker.MaxFailures != nil {
		settings.Breaker.MaxFailures = *cfg.Breaker.MaxFailures
	}
	if err := setDuration(cfg.Breaker.Timeout, "breaker.timeout", &settings.Breaker.Timeout); err != nil {
		return err
	}

	setBool(cfg.Telemetry.Enabled, &settings.TelemetryEnabled)
	setString(cfg.Wallets.EnvFile, &settings.WalletsEnvFile)
	setString(cfg.Prompts.Path, &settings.PromptsPath)
	setString(cfg.History.Path, &settings.HistoryPath)
	setString(cfg.History.LockPath, &settings.HistoryLockPath)
	setString(cfg.Log.Level, &settings.Log.Level)
	setString(cfg.Log.Format, &settings.Log.Format)
	setString(cfg.Log.Output, &settings.Log.Output)
	setBool(cfg.Trace.Enabled, &settings.Trace.Enabled)
	setString(cfg.Trace.Exporter, &settings.Trace.Exporter)

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("INFER_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("INFER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("INFER_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	setString(os.Getenv("INFER_GENERATE_URL"), &settings.Endpoints.Generate)
	setString(os.Getenv("INFER_REPORT_URL"), &settings.Endpoints.Report)
	setString(os.Getenv("INFER_INFERENCE_URL"), &settings.Endpoints.Inference)
	setString(os.Getenv("INFER_TTFT_URL"), &settings.Endpoints.TTFT)
	setString(os.Getenv("INFER_AGENT_ID"), &settings.AgentID)
	setString(os.Getenv("INFER_DEPLOYMENT_ID"), &settings.DeploymentID)
	if v := os.Getenv("INFER_MAX_POLLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Settlement.MaxAttempts = n
		}
	}
	if v := os.Getenv("INFER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Settlement.Interval = d
		}
	}
	if v := os.Getenv("INFER_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Cache.Enabled = !b
		}
	}
	if v := os.Getenv("INFER_CACHE_PERSIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Cache.Persist = b
		}
	}
	setString(os.Getenv("INFER_CACHE_PATH"), &settings.Cache.Path)
	setString(os.Getenv("INFER_CACHE_LOCK_PATH"), &settings.Cache.LockPath)
	if v := os.Getenv("INFER_CONCURRENCY"); v != "" {
		settings.Concurrency.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("INFER_TELEMETRY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.TelemetryEnabled = b
		}
	}
	setString(os.Getenv("INFER_ENV_FILE"), &settings.WalletsEnvFile)
	setString(os.Getenv("INFER_PROMPTS"), &settings.PromptsPath)
	setString(os.Getenv("INFER_HISTORY_PATH"), &settings.HistoryPath)
	setString(os.Getenv("INFER_HISTORY_LOCK_PATH"), &settings.HistoryLockPath)
	setString(os.Getenv("INFER_LOG_LEVEL"), &settings.Log.Level)
	setString(os.Getenv("INFER_LOG_FORMAT"), &settings.Log.Format)
	if v := os.Getenv("INFER_TRACE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Trace.Enabled = b
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			if f := strings.TrimSpace(part); f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.Cache.Enabled = false
	}
	setString(flags.EnvFile, &settings.WalletsEnvFile)
	setString(flags.LogLevel, &settings.Log.Level)
	if flags.Trace {
		settings.Trace.Enabled = true
	}
	return nil
}

func setString(v string, dst *string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setBool(v *bool, dst *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(v, key string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	*dst = d
	return nil
}
