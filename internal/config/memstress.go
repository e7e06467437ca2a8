package config

import (
	"errors"
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MemStressConfig configures `mcpprobe memstress`.
type MemStressConfig struct {
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	Command        string        `yaml:"command"`
	DaemonMode     string        `yaml:"daemon_mode"`
	QueryMode      string        `yaml:"query_mode"`
	QueryText      string        `yaml:"query_text"`
	Files          int           `yaml:"files"`
	FilesPerDir    int           `yaml:"files_per_dir"`
	Queries        int           `yaml:"queries"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	QueryEvery     int           `yaml:"query_sample_every"`
	StartupDelay   time.Duration `yaml:"startup_delay"`
	IndexWindow    time.Duration `yaml:"index_window"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	Settle         time.Duration `yaml:"settle"`
	PeakLimitMB    float64       `yaml:"peak_limit_mb"`
	GrowthLimitMB  float64       `yaml:"growth_limit_mb"`
	ModerateMB     float64       `yaml:"moderate_growth_mb"`
	Port           int           `yaml:"port"`
	WorkDir        string        `yaml:"work_dir"`
	Keep           bool          `yaml:"keep"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	NoColor        bool          `yaml:"no_color"`
}

// BindFlags populates defaults from the environment and binds flags on fs.
func (c *MemStressConfig) BindFlags(fs *flag.FlagSet) {
	c.ConfigFile = getEnv("MEMSTRESS_CONFIG_FILE", DefaultConfigPath("memstress.yaml"))
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.Command = getEnv("TARGET_COMMAND", "./target/release/contextd")
	c.DaemonMode = getEnv("MEMSTRESS_DAEMON_MODE", "daemon")
	c.QueryMode = getEnv("MEMSTRESS_QUERY_MODE", "query")
	c.QueryText = getEnv("MEMSTRESS_QUERY", "test function class")
	c.Files = getEnvInt("MEMSTRESS_FILES", 10000)
	c.FilesPerDir = getEnvInt("MEMSTRESS_FILES_PER_DIR", 100)
	c.Queries = getEnvInt("MEMSTRESS_QUERIES", 1000)
	c.QueryTimeout = getEnvDuration("MEMSTRESS_QUERY_TIMEOUT", 5*time.Second)
	c.QueryEvery = getEnvInt("MEMSTRESS_QUERY_SAMPLE_EVERY", 100)
	c.StartupDelay = getEnvDuration("MEMSTRESS_STARTUP_DELAY", 3*time.Second)
	c.IndexWindow = getEnvDuration("MEMSTRESS_INDEX_WINDOW", 30*time.Second)
	c.SampleInterval = getEnvDuration("MEMSTRESS_SAMPLE_INTERVAL", 500*time.Millisecond)
	c.Settle = getEnvDuration("MEMSTRESS_SETTLE", 10*time.Second)
	c.PeakLimitMB = getEnvFloat("MEMSTRESS_PEAK_LIMIT_MB", 500)
	c.GrowthLimitMB = getEnvFloat("MEMSTRESS_GROWTH_LIMIT_MB", 50)
	c.ModerateMB = getEnvFloat("MEMSTRESS_MODERATE_GROWTH_MB", 10)
	c.Port = getEnvInt("MEMSTRESS_PORT", 15030)
	c.WorkDir = getEnv("MEMSTRESS_WORK_DIR", "")
	c.Keep = getEnvBool("MEMSTRESS_KEEP", false)
	c.StopGrace = getEnvDuration("STOP_GRACE", 5*time.Second)
	c.NoColor = getEnvBool("NO_COLOR", false)

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "memstress config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.Command, "command", c.Command, "target executable")
	fs.StringVar(&c.DaemonMode, "daemon-mode", c.DaemonMode, "mode argument that runs the indexing daemon")
	fs.StringVar(&c.QueryMode, "query-mode", c.QueryMode, "mode argument for one-shot queries")
	fs.StringVar(&c.QueryText, "query", c.QueryText, "query text")
	fs.IntVar(&c.Files, "files", c.Files, "number of files to generate")
	fs.IntVar(&c.FilesPerDir, "files-per-dir", c.FilesPerDir, "files per category directory")
	fs.IntVar(&c.Queries, "queries", c.Queries, "number of query subprocesses")
	fs.DurationVar(&c.QueryTimeout, "query-timeout", c.QueryTimeout, "timeout for one query subprocess")
	fs.IntVar(&c.QueryEvery, "query-sample-every", c.QueryEvery, "sample RSS every N queries")
	fs.DurationVar(&c.StartupDelay, "startup-delay", c.StartupDelay, "wait after launching the daemon")
	fs.DurationVar(&c.IndexWindow, "index-window", c.IndexWindow, "how long to sample during indexing")
	fs.DurationVar(&c.SampleInterval, "sample-interval", c.SampleInterval, "RSS sampling interval during indexing")
	fs.DurationVar(&c.Settle, "settle", c.Settle, "wait between indexing and queries")
	fs.Float64Var(&c.PeakLimitMB, "peak-limit-mb", c.PeakLimitMB, "maximum acceptable peak RSS in MB")
	fs.Float64Var(&c.GrowthLimitMB, "growth-limit-mb", c.GrowthLimitMB, "maximum acceptable RSS growth across queries in MB")
	fs.Float64Var(&c.ModerateMB, "moderate-growth-mb", c.ModerateMB, "growth above which a warning is logged")
	fs.IntVar(&c.Port, "port", c.Port, "port written into the daemon config")
	fs.StringVar(&c.WorkDir, "work-dir", c.WorkDir, "directory for generated data (temporary when empty)")
	fs.BoolVar(&c.Keep, "keep", c.Keep, "keep generated data")
	fs.DurationVar(&c.StopGrace, "stop-grace", c.StopGrace, "grace period between SIGTERM and SIGKILL")
	fs.BoolVar(&c.NoColor, "no-color", c.NoColor, "disable colored output")
}

// LoadFile overlays the config with a YAML file.
func (c *MemStressConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func (c *MemStressConfig) configFile() string { return c.ConfigFile }

// Validate rejects settings the memory stress run cannot honor.
func (c *MemStressConfig) Validate() error {
	var errs []error
	if c.Command == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if c.Files <= 0 || c.FilesPerDir <= 0 {
		errs = append(errs, errors.New("files and files-per-dir must be positive"))
	}
	if c.Queries < 0 || c.QueryEvery <= 0 {
		errs = append(errs, errors.New("queries must be >= 0 and query-sample-every positive"))
	}
	if c.SampleInterval <= 0 || c.IndexWindow < 0 {
		errs = append(errs, errors.New("sample-interval must be positive"))
	}
	if c.PeakLimitMB <= 0 || c.GrowthLimitMB <= 0 {
		errs = append(errs, errors.New("memory limits must be positive"))
	}
	return errors.Join(errs...)
}
