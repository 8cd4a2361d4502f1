package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/MuchTitan/go-log-notifier/internal/engine"
	"github.com/MuchTitan/go-log-notifier/internal/output"
	outputcounter "github.com/MuchTitan/go-log-notifier/internal/output/counter"
	outputgelf "github.com/MuchTitan/go-log-notifier/internal/output/gelf"
	outputsplunk "github.com/MuchTitan/go-log-notifier/internal/output/splunk"
	outputstdout "github.com/MuchTitan/go-log-notifier/internal/output/stdout"
	outputwebhook "github.com/MuchTitan/go-log-notifier/internal/output/webhook"
	"github.com/MuchTitan/go-log-notifier/internal/tail"
	"github.com/sirupsen/logrus"

	"gopkg.in/yaml.v3"
)

// ConfigError is returned for any configuration problem that prevents startup.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config represents the complete configuration
type Config struct {
	System     SystemConfig     `yaml:"System"`
	WebhookURL string           `yaml:"webhook_url"`
	Files      []FileConfig     `yaml:"files"`
	Outputs    []map[string]any `yaml:"Outputs"`
}

// SystemConfig holds system-wide configuration
type SystemConfig struct {
	LogLevel     string `yaml:"logLevel"`
	LogFile      string `yaml:"logFile"`
	PollInterval string `yaml:"pollInterval"`
	DrainTimeout string `yaml:"drainTimeout"`
	MaxFailures  int    `yaml:"maxFailures"`

	pollInterval time.Duration
	drainTimeout time.Duration
}

type FileConfig struct {
	Filename string   `yaml:"filename"`
	Regex    string   `yaml:"regex"`
	Tag      string   `yaml:"tag"`
	Exclude  []string `yaml:"exclude"`
}

func (c *SystemConfig) GetLogLevel() logrus.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "TRACE":
		return logrus.TraceLevel
	case "DEBUG":
		return logrus.DebugLevel
	case "WARNING", "WARN":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		// Default LogLevel Info
		return logrus.InfoLevel
	}
}

func (c *SystemConfig) GetPollInterval() time.Duration {
	if c.pollInterval == 0 {
		return tail.DefaultPollInterval
	}
	return c.pollInterval
}

func (c *SystemConfig) GetDrainTimeout() time.Duration {
	if c.drainTimeout == 0 {
		return engine.DefaultDrainTimeout
	}
	return c.drainTimeout
}

func (c *SystemConfig) GetMaxFailures() int {
	if c.MaxFailures <= 0 {
		return tail.DefaultMaxFailures
	}
	return c.MaxFailures
}

// WatchSpecs converts the files section into watch specifications.
func (c *Config) WatchSpecs() []internal.WatchSpec {
	specs := make([]internal.WatchSpec, 0, len(c.Files))
	for _, f := range c.Files {
		specs = append(specs, internal.WatchSpec{
			Path:    f.Filename,
			Pattern: f.Regex,
			Tag:     f.Tag,
			Exclude: f.Exclude,
		})
	}
	return specs
}

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	// Replace environment variables
	expandedData := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("failed to parse config: %w", err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	return &cfg, nil
}

// Validate checks the parts of the configuration that do not need any
// output to be initialised. Regular expressions are not checked here.
func (c *Config) Validate() error {
	if len(c.Files) == 0 {
		return errors.New("no files configured")
	}

	for i, f := range c.Files {
		if strings.TrimSpace(f.Filename) == "" {
			return fmt.Errorf("files[%d]: filename is empty", i)
		}
		if f.Regex == "" {
			return fmt.Errorf("files[%d] (%s): regex is empty", i, f.Filename)
		}
	}

	if c.WebhookURL == "" && len(c.Outputs) == 0 {
		return errors.New("no webhook_url and no Outputs configured")
	}

	var err error
	if c.System.pollInterval, err = parseDuration(c.System.PollInterval); err != nil {
		return fmt.Errorf("pollInterval: %w", err)
	}
	if c.System.drainTimeout, err = parseDuration(c.System.DrainTimeout); err != nil {
		return fmt.Errorf("drainTimeout: %w", err)
	}

	return nil
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", value)
	}
	return d, nil
}

// PluginEngine is the engine together with the configuration and outputs it
// was built from.
type PluginEngine struct {
	*engine.Engine
	Config     *Config
	Dispatcher *output.Dispatcher
	logFile    *os.File
}

// NewPluginEngine loads the configuration at configPath, sets up logging and
// builds an engine with every configured watch and output registered.
func NewPluginEngine(configPath string) (*PluginEngine, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}

	pe := &PluginEngine{Config: cfg}

	// Setup logging
	if pe.logFile, err = setupLogging(cfg.System); err != nil {
		return nil, &ConfigError{Path: configPath, Err: fmt.Errorf("failed to setup logging: %w", err)}
	}

	outputs, err := initializeOutputs(cfg)
	if err != nil {
		pe.closeLogFile()
		return nil, &ConfigError{Path: configPath, Err: err}
	}
	pe.Dispatcher = output.NewDispatcher(outputs...)

	hostname, err := os.Hostname()
	if err != nil {
		logrus.WithError(err).Warn("could not determine hostname")
	}

	pe.Engine = engine.NewEngine(pe.Dispatcher,
		engine.WithPollInterval(cfg.System.GetPollInterval()),
		engine.WithDrainTimeout(cfg.System.GetDrainTimeout()),
		engine.WithMaxFailures(cfg.System.GetMaxFailures()),
		engine.WithHost(hostname),
	)
	for _, spec := range cfg.WatchSpecs() {
		pe.RegisterWatch(spec)
	}

	return pe, nil
}

// Stop shuts the engine down and closes the log file.
func (pe *PluginEngine) Stop() error {
	err := pe.Engine.Stop()
	pe.closeLogFile()
	return err
}

func (pe *PluginEngine) closeLogFile() {
	if pe.logFile == nil {
		return
	}
	logrus.SetOutput(os.Stderr)
	pe.logFile.Close()
	pe.logFile = nil
}

func setupLogging(system SystemConfig) (*os.File, error) {
	writer := internal.NewMultiWriter(os.Stderr)

	var file *os.File
	if system.LogFile != "" {
		var err error
		file, err = os.OpenFile(system.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer.AddWriter(file)
	}

	// Set log level based on config
	logrus.SetLevel(system.GetLogLevel())
	logrus.SetOutput(writer)
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	return file, nil
}

func initializeOutputs(cfg *Config) ([]output.Plugin, error) {
	configs := make([]map[string]any, 0, len(cfg.Outputs)+1)
	if cfg.WebhookURL != "" {
		configs = append(configs, map[string]any{
			"Type":   "webhook",
			"URL":    cfg.WebhookURL,
			"Format": outputwebhook.FormatDiscord,
		})
	}
	configs = append(configs, cfg.Outputs...)

	outputs := make([]output.Plugin, 0, len(configs))
	for i, outputConfig := range configs {
		out, err := initializeOutput(outputConfig)
		if err != nil {
			for _, initialized := range outputs {
				initialized.Exit()
			}
			return nil, fmt.Errorf("failed to initialize output %d: %w", i, err)
		}
		outputs = append(outputs, out)
	}

	return outputs, nil
}

func initializeOutput(config map[string]any) (output.Plugin, error) {
	outputType, ok := config["Type"].(string)
	if !ok {
		return nil, errors.New("output has no Type")
	}

	var outputObject output.Plugin

	switch strings.ToLower(outputType) {
	case "webhook":
		outputObject = &outputwebhook.Webhook{}
	case "stdout":
		outputObject = &outputstdout.Stdout{}
	case "splunk":
		outputObject = &outputsplunk.Splunk{}
	case "counter":
		outputObject = &outputcounter.Counter{}
	case "gelf":
		outputObject = &outputgelf.GELF{}
	default:
		return nil, fmt.Errorf("unknown output type: %s", outputType)
	}

	if err := outputObject.Init(config); err != nil {
		return nil, err
	}

	return outputObject, nil
}
