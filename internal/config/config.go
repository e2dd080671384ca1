// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config provides capmesh configuration loaded from environment
// variables and roster files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/creachadair/capmesh"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const logPrefix = "config:LoadConfig"

// Config holds the settings of a capmesh node.
type Config struct {
	// NATS server to join. If empty, the node uses a local TCP listener.
	NATSURL string `envconfig:"NATS_URL"`

	// Address of the local service.
	Peer    string `envconfig:"PEER"`
	Service string `envconfig:"SERVICE" default:"main"`

	// Deadline for invocations sent and accepted.
	InvocationTimeout time.Duration `envconfig:"INVOCATION_TIMEOUT" default:"30s"`

	// Optional YAML file mapping peers to their advertised capabilities.
	RosterFile string `envconfig:"ROSTER_FILE"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables with the prefix
// CAPMESH_ (for example, CAPMESH_PEER).
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("capmesh", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// Validate checks the settings required to run a node.
func (c *Config) Validate() error {
	if c.Peer == "" {
		return fmt.Errorf("%s - CAPMESH_PEER is required", logPrefix)
	}
	if c.Service == "" {
		return fmt.Errorf("%s - CAPMESH_SERVICE must not be empty", logPrefix)
	}
	if c.InvocationTimeout <= 0 {
		return fmt.Errorf("%s - CAPMESH_INVOCATION_TIMEOUT must be positive", logPrefix)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%s - CAPMESH_LOG_LEVEL: %w", logPrefix, err)
	}
	return nil
}

// Address returns the address of the local service.
func (c *Config) Address() capmesh.Address {
	return capmesh.Address{Peer: c.Peer, Service: c.Service}
}

// ParseLevel parses the name of a log level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger constructs a text logger writing to w at the named level. An
// unknown level is treated as "info".
func NewLogger(w io.Writer, level string) *slog.Logger {
	lvl, _ := ParseLevel(level)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// rosterFile is the format of a YAML roster file:
//
//	peers:
//	  alice:
//	    - org.capmesh.Player
//	  bob:
//	    - org.capmesh.Battery
type rosterFile struct {
	Peers map[string][]string `yaml:"peers"`
}

// ParseRoster parses a roster from YAML data. Unknown fields are rejected.
func ParseRoster(data []byte) (capmesh.StaticRoster, error) {
	const logPrefix = "config:ParseRoster"
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%s - roster data is empty", logPrefix)
	}

	var rf rosterFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("%s - failed to parse roster: %w", logPrefix, err)
	}

	out := make(capmesh.StaticRoster, len(rf.Peers))
	for peer, caps := range rf.Peers {
		if peer == "" {
			return nil, fmt.Errorf("%s - empty peer ID", logPrefix)
		}
		for _, id := range caps {
			if id == "" {
				return nil, fmt.Errorf("%s - peer %q: empty capability ID", logPrefix, peer)
			}
		}
		out[peer] = slices.Compact(slices.Sorted(slices.Values(caps)))
	}
	return out, nil
}

// LoadRoster reads a roster from the YAML file at path.
func LoadRoster(path string) (capmesh.StaticRoster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config:LoadRoster - %w", err)
	}
	return ParseRoster(data)
}

// Roster returns the roster named by c.RosterFile, or nil if none is set.
func (c *Config) Roster() (capmesh.StaticRoster, error) {
	if c.RosterFile == "" {
		return nil, nil
	}
	r, err := LoadRoster(c.RosterFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s - CAPMESH_ROSTER_FILE %q does not exist", logPrefix, c.RosterFile)
	}
	return r, err
}
