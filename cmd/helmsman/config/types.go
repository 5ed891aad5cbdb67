// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the helmsman CLI configuration from
// ~/.helmsman/helmsman.yaml, creating a default file on first run.
package config

// HelmsmanConfig is the CLI configuration file shape.
type HelmsmanConfig struct {
	// Server is the copilot service base URL.
	Server ServerConfig `yaml:"server"`

	// Chat holds defaults for the interactive chat command.
	Chat ChatConfig `yaml:"chat"`

	// LogDir enables CLI file logging when set.
	LogDir string `yaml:"log_dir"`
}

// ServerConfig points the CLI at a copilot service.
type ServerConfig struct {
	URL string `yaml:"url"`
}

// ChatConfig holds per-turn defaults the chat command sends with every
// submission unless overridden by flags.
type ChatConfig struct {
	AccountKind     string `yaml:"account_kind"`
	DisplayCurrency string `yaml:"display_currency"`
	RedactValues    bool   `yaml:"redact_values"`
}

// DefaultConfig returns the config written on first run.
func DefaultConfig() HelmsmanConfig {
	return HelmsmanConfig{
		Server: ServerConfig{URL: "http://localhost:12300"},
		Chat: ChatConfig{
			AccountKind:     "all",
			DisplayCurrency: "GBP",
		},
	}
}
