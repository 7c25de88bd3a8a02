// Package config loads the bridge configuration.
//
// Configuration is resolved in layers, higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  3. Environment Variables   │  ← KEYSTORM_COPILOT_*
//	├─────────────────────────────┤
//	│  2. Config File             │  ← copilot.toml or copilot.yaml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Default()
//	└─────────────────────────────┘
//
// # Basic Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//
// # Live Reload
//
// A Watcher re-reads the file when it changes and hands the new
// configuration to a callback, typically pushing the completion section
// into a running completion manager:
//
//	w, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    manager.SetOptions(cfg.CompletionOptions())
//	})
package config
