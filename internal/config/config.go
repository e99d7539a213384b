package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	DB      DBConfig      `yaml:"db"`
	Log     LogConfig     `yaml:"log"`
	Project ProjectConfig `yaml:"project"`
	MCP     MCPConfig     `yaml:"mcp"`
}

type ServerConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	PingPeriod time.Duration `yaml:"ping_period"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type ProjectConfig struct {
	// SuspendGrace is how long an empty project stays live.
	SuspendGrace time.Duration `yaml:"suspend_grace"`
	// SaveInterval is how often every live project is saved.
	SaveInterval time.Duration `yaml:"save_interval"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			PingPeriod: 30 * time.Second,
		},
		DB: DBConfig{
			Path: "ospy.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Project: ProjectConfig{
			SuspendGrace: 5 * time.Second,
			SaveInterval: 5 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file
// (--config or OSPY_CONFIG_PATH), OSPY_* environment variables and finally
// command-line flags. It returns pflag.ErrHelp when help was requested.
func Load(args []string) (Config, error) {
	cfg := Default()

	flagSet := pflag.NewFlagSet("ospy", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML config file")
	host := flagSet.String("host", cfg.Server.Host, "address to listen on")
	port := flagSet.Int("port", cfg.Server.Port, "port to listen on")
	pingPeriod := flagSet.Duration("ping-period", cfg.Server.PingPeriod, "interval between keepalive pings")
	dbPath := flagSet.String("db", cfg.DB.Path, "SQLite database path")
	logLevel := flagSet.String("log-level", cfg.Log.Level, "log level: debug, info, warn or error")
	logPath := flagSet.String("log-path", cfg.Log.Path, "write logs to this file instead of stdout")
	suspendGrace := flagSet.Duration("suspend-grace", cfg.Project.SuspendGrace, "how long an empty project stays live")
	saveInterval := flagSet.Duration("save-interval", cfg.Project.SaveInterval, "interval between periodic saves")
	mcpEnabled := flagSet.Bool("mcp", cfg.MCP.Enabled, "serve the MCP inspection endpoint at /mcp")

	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("OSPY_CONFIG_PATH")
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if flagSet.Changed("host") {
		cfg.Server.Host = *host
	}
	if flagSet.Changed("port") {
		cfg.Server.Port = *port
	}
	if flagSet.Changed("ping-period") {
		cfg.Server.PingPeriod = *pingPeriod
	}
	if flagSet.Changed("db") {
		cfg.DB.Path = *dbPath
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flagSet.Changed("log-path") {
		cfg.Log.Path = *logPath
	}
	if flagSet.Changed("suspend-grace") {
		cfg.Project.SuspendGrace = *suspendGrace
	}
	if flagSet.Changed("save-interval") {
		cfg.Project.SaveInterval = *saveInterval
	}
	if flagSet.Changed("mcp") {
		cfg.MCP.Enabled = *mcpEnabled
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.PingPeriod <= 0 {
		errs = append(errs, errors.New("server.ping_period must be positive"))
	}
	if c.Project.SuspendGrace <= 0 {
		errs = append(errs, errors.New("project.suspend_grace must be positive"))
	}
	if c.Project.SaveInterval <= 0 {
		errs = append(errs, errors.New("project.save_interval must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("OSPY_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("OSPY_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid OSPY_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if err := durationEnv("OSPY_SERVER_PING_PERIOD", &cfg.Server.PingPeriod); err != nil {
		return err
	}
	if dbPath := os.Getenv("OSPY_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("OSPY_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if logPath := os.Getenv("OSPY_LOG_PATH"); logPath != "" {
		cfg.Log.Path = logPath
	}
	if err := durationEnv("OSPY_PROJECT_SUSPEND_GRACE", &cfg.Project.SuspendGrace); err != nil {
		return err
	}
	if err := durationEnv("OSPY_PROJECT_SAVE_INTERVAL", &cfg.Project.SaveInterval); err != nil {
		return err
	}
	if enabled := os.Getenv("OSPY_MCP_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid OSPY_MCP_ENABLED: %w", err)
		}
		cfg.MCP.Enabled = v
	}
	return nil
}

func durationEnv(name string, target *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = d
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
