package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KEYSTORM_COPILOT_"

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

type envSetter func(c *Config, value string) error

// envMapping maps the variable name after EnvPrefix to its setter.
var envMapping = map[string]envSetter{
	"AGENT_COMMAND":         func(c *Config, v string) error { c.Agent.Command = v; return nil },
	"AGENT_ARGS":            func(c *Config, v string) error { c.Agent.Args = strings.Fields(v); return nil },
	"AGENT_WORKDIR":         func(c *Config, v string) error { c.Agent.WorkDir = v; return nil },
	"AGENT_REQUEST_TIMEOUT": durationSetter(func(c *Config) *Duration { return &c.Agent.RequestTimeout }),
	"AGENT_SHUTDOWN_GRACE":  durationSetter(func(c *Config) *Duration { return &c.Agent.ShutdownGrace }),

	"COMPLETION_DEBOUNCE":          durationSetter(func(c *Config) *Duration { return &c.Completion.Debounce }),
	"COMPLETION_CYCLE_WRAP":        boolSetter(func(c *Config) *bool { return &c.Completion.CycleWrap }),
	"COMPLETION_TELEMETRY":         boolSetter(func(c *Config) *bool { return &c.Completion.Telemetry }),
	"COMPLETION_MAX_STALE_RETRIES": intSetter(func(c *Config) *int { return &c.Completion.MaxStaleRetries }),
	"COMPLETION_SHOWN_TTL":         durationSetter(func(c *Config) *Duration { return &c.Completion.ShownTTL }),

	"EDITOR_NAME":           func(c *Config, v string) error { c.Editor.Name = v; return nil },
	"EDITOR_VERSION":        func(c *Config, v string) error { c.Editor.Version = v; return nil },
	"EDITOR_PLUGIN_NAME":    func(c *Config, v string) error { c.Editor.PluginName = v; return nil },
	"EDITOR_PLUGIN_VERSION": func(c *Config, v string) error { c.Editor.PluginVersion = v; return nil },

	"LOG_LEVEL":  func(c *Config, v string) error { c.Logging.Level = v; return nil },
	"LOG_FORMAT": func(c *Config, v string) error { c.Logging.Format = v; return nil },
}

// ApplyEnv overrides settings from KEYSTORM_COPILOT_* variables read
// through lookup. An empty value is a valid value, not unset.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	var errs ValidationErrors
	for name, set := range envMapping {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(c, v); err != nil {
			errs = append(errs, &ValidationError{Path: EnvPrefix + name, Message: err.Error(), Value: v})
		}
	}
	if len(errs) > 0 {
		errs.sort()
		return errs
	}
	return nil
}

func durationSetter(field func(*Config) *Duration) envSetter {
	return func(c *Config, v string) error {
		return field(c).UnmarshalText([]byte(v))
	}
}

func intSetter(field func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

// parseBool accepts the spellings shells and dotfiles commonly use.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}
