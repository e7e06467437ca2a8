// Package config holds the harness settings. Defaults come from MCPPROBE_*
// environment variables, flags override them, and an optional YAML file is
// overlaid before the flags are applied again so explicit flags win.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Group names understood by the runner, in execution order.
var KnownGroups = []string{"basic", "errors", "edge", "concurrency", "schema", "lifecycle", "soak"}

// DefaultGroups excludes soak, which is enabled separately.
var DefaultGroups = []string{"basic", "errors", "edge", "concurrency", "schema", "lifecycle"}

// TargetConfig describes the process under test.
type TargetConfig struct {
	Command      string        `yaml:"command"`
	Mode         string        `yaml:"mode"`
	ConfigPath   string        `yaml:"config_path"`
	Args         []string      `yaml:"args"`
	Env          []string      `yaml:"env"`
	Dir          string        `yaml:"dir"`
	StartupDelay time.Duration `yaml:"startup_delay"`
}

// Argv returns the target arguments: [--config path] [mode] [args...].
func (t TargetConfig) Argv() []string {
	var argv []string
	if t.ConfigPath != "" {
		argv = append(argv, "--config", t.ConfigPath)
	}
	if t.Mode != "" {
		argv = append(argv, t.Mode)
	}
	return append(argv, t.Args...)
}

// Timeouts bound every wait in a run.
type Timeouts struct {
	Default     time.Duration `yaml:"default"`
	Malformed   time.Duration `yaml:"malformed"`
	Long        time.Duration `yaml:"long"`
	Concurrency time.Duration `yaml:"concurrency"`
	Stop        time.Duration `yaml:"stop"`
}

// ConcurrencyConfig drives the concurrency group.
type ConcurrencyConfig struct {
	Requests  int     `yaml:"requests"`
	Threshold float64 `yaml:"threshold"`
}

// SoakConfig drives the paced sustained-load group.
type SoakConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Duration  time.Duration `yaml:"duration"`
	Rate      float64       `yaml:"rate"`
	Threshold float64       `yaml:"threshold"`
}

// HarnessConfig configures `mcpprobe run`.
type HarnessConfig struct {
	ConfigFile      string            `yaml:"-"`
	LogLevel        string            `yaml:"log_level"`
	Target          TargetConfig      `yaml:"target"`
	Framing         string            `yaml:"framing"`
	ProtocolVersion string            `yaml:"protocol_version"`
	Timeouts        Timeouts          `yaml:"timeouts"`
	Concurrency     ConcurrencyConfig `yaml:"concurrency"`
	Soak            SoakConfig        `yaml:"soak"`
	Groups          []string          `yaml:"groups"`
	StatusAddr      string            `yaml:"status_addr"`
	CORSOrigins     []string          `yaml:"cors_origins"`
	RedisURL        string            `yaml:"redis_url"`
	RunLabel        string            `yaml:"run_label"`
	SampleMemory    bool              `yaml:"sample_memory"`
	SampleInterval  time.Duration     `yaml:"sample_interval"`
	MaxFrame        int               `yaml:"max_frame"`
	NoColor         bool              `yaml:"no_color"`
}

// BindFlags populates defaults from the environment and binds flags on fs.
func (c *HarnessConfig) BindFlags(fs *flag.FlagSet) {
	c.ConfigFile = getEnv("CONFIG_FILE", DefaultConfigPath("mcpprobe.yaml"))
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	c.Target.Command = getEnv("TARGET_COMMAND", "./target/release/contextd")
	c.Target.Mode = getEnv("TARGET_MODE", "mcp")
	c.Target.ConfigPath = getEnv("TARGET_CONFIG", "")
	c.Target.Args = splitComma(getEnv("TARGET_ARGS", ""))
	c.Target.Env = splitComma(getEnv("TARGET_ENV", ""))
	c.Target.Dir = getEnv("TARGET_DIR", "")
	c.Target.StartupDelay = getEnvDuration("STARTUP_DELAY", 0)

	c.Framing = getEnv("FRAMING", "line")
	c.ProtocolVersion = getEnv("PROTOCOL_VERSION", "")

	c.Timeouts.Default = getEnvDuration("TIMEOUT", 5*time.Second)
	c.Timeouts.Malformed = getEnvDuration("MALFORMED_TIMEOUT", 2*time.Second)
	c.Timeouts.Long = getEnvDuration("LONG_TIMEOUT", 10*time.Second)
	c.Timeouts.Concurrency = getEnvDuration("CONCURRENCY_TIMEOUT", 10*time.Second)
	c.Timeouts.Stop = getEnvDuration("STOP_GRACE", 5*time.Second)

	c.Concurrency.Requests = getEnvInt("CONCURRENCY", 10)
	c.Concurrency.Threshold = getEnvFloat("CONCURRENCY_THRESHOLD", 0.8)

	c.Soak.Enabled = getEnvBool("SOAK", false)
	c.Soak.Duration = getEnvDuration("SOAK_DURATION", 30*time.Second)
	c.Soak.Rate = getEnvFloat("SOAK_RATE", 10)
	c.Soak.Threshold = getEnvFloat("SOAK_THRESHOLD", 0.9)

	c.Groups = splitComma(getEnv("GROUPS", strings.Join(DefaultGroups, ",")))
	c.StatusAddr = getEnv("STATUS_ADDR", "")
	c.CORSOrigins = splitComma(getEnv("CORS_ORIGINS", ""))
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RunLabel = getEnv("RUN_LABEL", "")
	c.SampleMemory = getEnvBool("SAMPLE_MEMORY", false)
	c.SampleInterval = getEnvDuration("SAMPLE_INTERVAL", 500*time.Millisecond)
	c.MaxFrame = getEnvInt("MAX_FRAME", 16<<20)
	c.NoColor = getEnvBool("NO_COLOR", false)

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "harness config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.Target.Command, "command", c.Target.Command, "target executable")
	fs.StringVar(&c.Target.Mode, "mode", c.Target.Mode, "target mode argument (empty to omit)")
	fs.StringVar(&c.Target.ConfigPath, "target-config", c.Target.ConfigPath, "config path passed to the target as --config")
	fs.Var(newCSVValue(&c.Target.Args), "target-args", "comma separated extra target arguments")
	fs.Var(newCSVValue(&c.Target.Env), "target-env", "comma separated KEY=VALUE pairs for the target")
	fs.StringVar(&c.Target.Dir, "target-dir", c.Target.Dir, "target working directory")
	fs.DurationVar(&c.Target.StartupDelay, "startup-delay", c.Target.StartupDelay, "wait after launching the target")
	fs.StringVar(&c.Framing, "framing", c.Framing, "wire framing (line or header)")
	fs.StringVar(&c.ProtocolVersion, "protocol-version", c.ProtocolVersion, "protocol version offered in initialize (latest when empty)")
	fs.DurationVar(&c.Timeouts.Default, "timeout", c.Timeouts.Default, "per-request timeout")
	fs.DurationVar(&c.Timeouts.Malformed, "malformed-timeout", c.Timeouts.Malformed, "window for a reply to malformed input")
	fs.DurationVar(&c.Timeouts.Long, "long-timeout", c.Timeouts.Long, "timeout for oversized requests")
	fs.DurationVar(&c.Timeouts.Concurrency, "concurrency-timeout", c.Timeouts.Concurrency, "collection window for the concurrency group")
	fs.DurationVar(&c.Timeouts.Stop, "stop-grace", c.Timeouts.Stop, "grace period between SIGTERM and SIGKILL")
	fs.IntVar(&c.Concurrency.Requests, "concurrency", c.Concurrency.Requests, "number of back-to-back requests")
	fs.Float64Var(&c.Concurrency.Threshold, "concurrency-threshold", c.Concurrency.Threshold, "fraction of concurrent requests that must succeed")
	fs.BoolVar(&c.Soak.Enabled, "soak", c.Soak.Enabled, "run the sustained-load group")
	fs.DurationVar(&c.Soak.Duration, "soak-duration", c.Soak.Duration, "sustained-load duration")
	fs.Float64Var(&c.Soak.Rate, "soak-rate", c.Soak.Rate, "sustained-load requests per second")
	fs.Float64Var(&c.Soak.Threshold, "soak-threshold", c.Soak.Threshold, "sustained-load success ratio")
	fs.Var(newCSVValue(&c.Groups), "groups", "comma separated groups to run")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "status and metrics listen address (disabled when empty)")
	fs.Var(newCSVValue(&c.CORSOrigins), "cors-origins", "comma separated origins allowed on the status API")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "redis URL for run history (disabled when empty)")
	fs.StringVar(&c.RunLabel, "label", c.RunLabel, "free-form label stored with the run")
	fs.BoolVar(&c.SampleMemory, "sample-memory", c.SampleMemory, "sample target RSS during the run")
	fs.DurationVar(&c.SampleInterval, "sample-interval", c.SampleInterval, "RSS sampling interval")
	fs.IntVar(&c.MaxFrame, "max-frame", c.MaxFrame, "largest accepted inbound frame in bytes")
	fs.BoolVar(&c.NoColor, "no-color", c.NoColor, "disable colored output")
}

// LoadFile overlays the config with a YAML file. Fields absent from the file
// keep their current values.
func (c *HarnessConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate rejects settings the runner cannot honor.
func (c *HarnessConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.Framing) {
	case "line", "header", "newline", "ndjson", "content-length", "lsp":
	default:
		errs = append(errs, fmt.Errorf("unknown framing %q", c.Framing))
	}
	if c.Target.Command == "" {
		errs = append(errs, errors.New("target command is required"))
	}
	for name, d := range map[string]time.Duration{
		"timeout":             c.Timeouts.Default,
		"malformed-timeout":   c.Timeouts.Malformed,
		"long-timeout":        c.Timeouts.Long,
		"concurrency-timeout": c.Timeouts.Concurrency,
		"stop-grace":          c.Timeouts.Stop,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Concurrency.Requests <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	if !validRatio(c.Concurrency.Threshold) {
		errs = append(errs, fmt.Errorf("concurrency-threshold %v outside (0,1]", c.Concurrency.Threshold))
	}
	if c.Soak.Enabled {
		if c.Soak.Duration <= 0 || c.Soak.Rate <= 0 {
			errs = append(errs, errors.New("soak duration and rate must be positive"))
		}
		if !validRatio(c.Soak.Threshold) {
			errs = append(errs, fmt.Errorf("soak-threshold %v outside (0,1]", c.Soak.Threshold))
		}
	}
	for _, g := range c.Groups {
		if !slices.Contains(KnownGroups, g) {
			errs = append(errs, fmt.Errorf("unknown group %q", g))
		}
	}
	if c.MaxFrame <= 0 {
		errs = append(errs, errors.New("max-frame must be positive"))
	}
	return errors.Join(errs...)
}

// EnabledGroups returns the configured groups in execution order, adding
// soak when it is enabled.
func (c *HarnessConfig) EnabledGroups() []string {
	var out []string
	for _, g := range KnownGroups {
		if slices.Contains(c.Groups, g) || (g == "soak" && c.Soak.Enabled) {
			out = append(out, g)
		}
	}
	return out
}

func validRatio(v float64) bool { return v > 0 && v <= 1 }

type loader interface {
	BindFlags(*flag.FlagSet)
	LoadFile(string) error
	configFile() string
}

// Load binds flags on fs, parses args, overlays the config file when it
// exists and re-applies args so flags take precedence over the file.
func Load(fs *flag.FlagSet, cfg loader, args []string) error {
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if path := cfg.configFile(); path != "" {
		if err := cfg.LoadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		if err := fs.Parse(args); err != nil {
			return err
		}
	}
	return nil
}

func (c *HarnessConfig) configFile() string { return c.ConfigFile }
