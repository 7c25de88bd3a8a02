package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/keystorm-copilot/internal/completion"
	"github.com/dshills/keystorm-copilot/internal/integration/process"
	"github.com/dshills/keystorm-copilot/internal/logging"
	"github.com/dshills/keystorm-copilot/internal/protocol"
	"github.com/dshills/keystorm-copilot/internal/transport"
)

// Duration is a time.Duration written as a Go duration string ("300ms").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config is the complete bridge configuration.
type Config struct {
	Agent      AgentConfig      `toml:"agent" yaml:"agent"`
	Completion CompletionConfig `toml:"completion" yaml:"completion"`
	Editor     EditorConfig     `toml:"editor" yaml:"editor"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`
}

// AgentConfig describes how to run the agent process.
type AgentConfig struct {
	// Command is the executable, for example "node".
	Command string `toml:"command" yaml:"command"`

	// Args follow Command, for example the agent script and "--stdio".
	Args []string `toml:"args" yaml:"args"`

	// Env extends the inherited environment.
	Env map[string]string `toml:"env" yaml:"env"`

	// WorkDir is the agent's working directory.
	WorkDir string `toml:"workdir" yaml:"workdir"`

	// RequestTimeout resolves requests that get no response. Zero disables.
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout"`

	// ShutdownGrace is the wait between shutdown stages.
	ShutdownGrace Duration `toml:"shutdown_grace" yaml:"shutdown_grace"`
}

// CompletionConfig tunes the completion sessions.
type CompletionConfig struct {
	Debounce        Duration `toml:"debounce" yaml:"debounce"`
	CycleWrap       bool     `toml:"cycle_wrap" yaml:"cycle_wrap"`
	Telemetry       bool     `toml:"telemetry" yaml:"telemetry"`
	MaxStaleRetries int      `toml:"max_stale_retries" yaml:"max_stale_retries"`
	ShownTTL        Duration `toml:"shown_ttl" yaml:"shown_ttl"`
}

// EditorConfig identifies the editor to the agent.
type EditorConfig struct {
	Name          string `toml:"name" yaml:"name"`
	Version       string `toml:"version" yaml:"version"`
	PluginName    string `toml:"plugin_name" yaml:"plugin_name"`
	PluginVersion string `toml:"plugin_version" yaml:"plugin_version"`
}

// LoggingConfig selects the log level and handler format.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	opts := completion.DefaultOptions()
	return &Config{
		Agent: AgentConfig{
			Command:        "copilot-language-server",
			Args:           []string{"--stdio"},
			RequestTimeout: Duration(30 * time.Second),
			ShutdownGrace:  Duration(2 * time.Second),
		},
		Completion: CompletionConfig{
			Debounce:        Duration(opts.Debounce),
			CycleWrap:       opts.CycleWrap,
			Telemetry:       opts.Telemetry,
			MaxStaleRetries: opts.MaxStaleRetries,
			ShownTTL:        Duration(opts.ShownTTL),
		},
		Editor: EditorConfig{
			Name:          "keystorm",
			Version:       "dev",
			PluginName:    "keystorm-copilot",
			PluginVersion: "dev",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatText),
		},
	}
}

// Validate checks the configuration and clamps values that have a floor.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(c.Agent.Command) == "" {
		errs = append(errs, &ValidationError{Path: "agent.command", Message: "must not be empty"})
	}
	for path, d := range map[string]Duration{
		"agent.request_timeout": c.Agent.RequestTimeout,
		"agent.shutdown_grace":  c.Agent.ShutdownGrace,
		"completion.debounce":   c.Completion.Debounce,
		"completion.shown_ttl":  c.Completion.ShownTTL,
	} {
		if d < 0 {
			errs = append(errs, &ValidationError{Path: path, Message: "must not be negative", Value: d.String()})
		}
	}
	if c.Completion.MaxStaleRetries < 0 {
		errs = append(errs, &ValidationError{Path: "completion.max_stale_retries", Message: "must not be negative", Value: c.Completion.MaxStaleRetries})
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, &ValidationError{Path: "logging.level", Message: err.Error(), Value: c.Logging.Level})
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, &ValidationError{Path: "logging.format", Message: err.Error(), Value: c.Logging.Format})
	}

	if len(errs) > 0 {
		errs.sort()
		return errs
	}

	if c.Completion.Debounce.Std() < completion.MinDebounce {
		c.Completion.Debounce = Duration(completion.MinDebounce)
	}
	return nil
}

// Command returns the agent process description.
func (c *Config) Command() process.Command {
	return process.Command{
		Path: c.Agent.Command,
		Args: append([]string(nil), c.Agent.Args...),
		Dir:  c.Agent.WorkDir,
		Env:  c.Agent.Env,
	}
}

// TransportOptions returns the transport options the agent section implies.
func (c *Config) TransportOptions() []transport.Option {
	return []transport.Option{
		transport.WithRequestTimeout(c.Agent.RequestTimeout.Std()),
		transport.WithShutdownGrace(c.Agent.ShutdownGrace.Std()),
	}
}

// CompletionOptions converts the completion section.
func (c *Config) CompletionOptions() completion.Options {
	return completion.Options{
		Debounce:        c.Completion.Debounce.Std(),
		CycleWrap:       c.Completion.CycleWrap,
		Telemetry:       c.Completion.Telemetry,
		MaxStaleRetries: c.Completion.MaxStaleRetries,
		ShownTTL:        c.Completion.ShownTTL.Std(),
	}.Normalize()
}

// EditorInfo returns the setEditorInfo payload.
func (c *Config) EditorInfo() protocol.EditorInfoParams {
	return protocol.EditorInfoParams{
		EditorInfo:       protocol.NameVersion{Name: c.Editor.Name, Version: c.Editor.Version},
		EditorPluginInfo: protocol.NameVersion{Name: c.Editor.PluginName, Version: c.Editor.PluginVersion},
	}
}

// LoggingOptions converts the logging section. Call after Validate.
func (c *Config) LoggingOptions() logging.Options {
	level, _ := logging.ParseLevel(c.Logging.Level)
	format, _ := logging.ParseFormat(c.Logging.Format)
	return logging.Options{Level: level, Format: format}
}
