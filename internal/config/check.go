package config

import (
	"errors"
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CheckConfig configures the `mcpprobe check` preflight.
type CheckConfig struct {
	ConfigFile string        `yaml:"-"`
	LogLevel   string        `yaml:"log_level"`
	Target     TargetConfig  `yaml:"target"`
	Timeout    time.Duration `yaml:"timeout"`
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// BindFlags populates defaults from the environment and binds flags on fs.
func (c *CheckConfig) BindFlags(fs *flag.FlagSet) {
	c.ConfigFile = getEnv("CONFIG_FILE", DefaultConfigPath("mcpprobe.yaml"))
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.Target.Command = getEnv("TARGET_COMMAND", "./target/release/contextd")
	c.Target.Mode = getEnv("TARGET_MODE", "mcp")
	c.Target.ConfigPath = getEnv("TARGET_CONFIG", "")
	c.Target.Args = splitComma(getEnv("TARGET_ARGS", ""))
	c.Target.Env = splitComma(getEnv("TARGET_ENV", ""))
	c.Timeout = getEnvDuration("CHECK_TIMEOUT", 5*time.Second)
	c.Attempts = getEnvInt("CHECK_ATTEMPTS", 3)
	c.Backoff = getEnvDuration("CHECK_BACKOFF", time.Second)
	c.MaxBackoff = getEnvDuration("CHECK_MAX_BACKOFF", 10*time.Second)

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "harness config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.Target.Command, "command", c.Target.Command, "target executable")
	fs.StringVar(&c.Target.Mode, "mode", c.Target.Mode, "target mode argument (empty to omit)")
	fs.StringVar(&c.Target.ConfigPath, "target-config", c.Target.ConfigPath, "config path passed to the target as --config")
	fs.Var(newCSVValue(&c.Target.Args), "target-args", "comma separated extra target arguments")
	fs.Var(newCSVValue(&c.Target.Env), "target-env", "comma separated KEY=VALUE pairs for the target")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "timeout for one start, initialize and tools/list attempt")
	fs.IntVar(&c.Attempts, "attempts", c.Attempts, "attempts before giving up")
	fs.DurationVar(&c.Backoff, "backoff", c.Backoff, "base delay between attempts")
	fs.DurationVar(&c.MaxBackoff, "max-backoff", c.MaxBackoff, "cap on the delay between attempts")
}

// LoadFile overlays the config with a YAML file. The harness file is shared,
// so keys that only `run` understands are ignored.
func (c *CheckConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func (c *CheckConfig) configFile() string { return c.ConfigFile }

// Validate rejects unusable settings.
func (c *CheckConfig) Validate() error {
	var errs []error
	if c.Target.Command == "" {
		errs = append(errs, errors.New("target command is required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.Attempts <= 0 {
		errs = append(errs, errors.New("attempts must be positive"))
	}
	return errors.Join(errs...)
}
