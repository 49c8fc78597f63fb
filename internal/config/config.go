// Package config builds the system's single immutable configuration
// value from environment variables using plain envOrDefault-style
// helpers rather than a reflection-based binding library.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentserver/sandboxd/internal/catalog"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

// VolumeMapping is one shared-volume host/container path pair.
type VolumeMapping struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
}

// Config is the system's single immutable configuration value.
type Config struct {
	ServerURL      string
	APIKey         string
	SessionTimeout time.Duration
	MaxSessions    int
	CleanupInterval time.Duration
	DefaultFlavor  catalog.Flavor

	SandboxStartTimeout time.Duration
	DefaultExecTimeout  time.Duration

	MaxTotalMemoryMiB int // 0 means unset/unlimited

	VolumeMappings []VolumeMapping

	OrphanCleanupInterval time.Duration

	// ShutdownConcurrency bounds the fan-out used to stop sessions on
	// Facade.stop(). Not part of the spec's environment table; it is an
	// ambient operational knob with a fixed sane default.
	ShutdownConcurrency int
}

const (
	envServerURL        = "SANDBOX_SERVER_URL"
	envAPIKey           = "SANDBOX_API_KEY"
	envSessionTimeout   = "SESSION_TIMEOUT"
	envMaxSessions      = "MAX_SESSIONS"
	envCleanupInterval  = "CLEANUP_INTERVAL"
	envDefaultFlavor    = "DEFAULT_FLAVOR"
	envStartTimeout     = "SANDBOX_START_TIMEOUT"
	envExecTimeout      = "DEFAULT_EXECUTION_TIMEOUT"
	envMaxTotalMemory   = "MAX_TOTAL_MEMORY_MIB"
	envVolumeMappings   = "SHARED_VOLUME_MAPPINGS"
	envOrphanInterval   = "ORPHAN_CLEANUP_INTERVAL"
)

// FromEnv reads every configuration value from the environment,
// applying defaults and validating as it goes. It aggregates every
// invalid field into one ConfigurationError so a caller sees the whole
// picture at once, rather than stopping at the first bad field.
func FromEnv(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = noopGetenv
	}
	var problems []string

	cfg := Config{
		ServerURL:           envOrDefault(getenv, envServerURL, "http://127.0.0.1:5555"),
		APIKey:              getenv(envAPIKey),
		ShutdownConcurrency: 8,
	}

	cfg.SessionTimeout = parseSecondsOrDefault(getenv, envSessionTimeout, 1800, &problems)
	cfg.MaxSessions = parseIntOrDefault(getenv, envMaxSessions, 10, &problems)
	cfg.CleanupInterval = parseSecondsOrDefault(getenv, envCleanupInterval, 60, &problems)
	cfg.SandboxStartTimeout = parseSecondsOrDefault(getenv, envStartTimeout, 180, &problems)
	cfg.DefaultExecTimeout = parseSecondsOrDefault(getenv, envExecTimeout, 300, &problems)
	cfg.OrphanCleanupInterval = parseSecondsOrDefault(getenv, envOrphanInterval, 600, &problems)

	if v := getenv(envMaxTotalMemory); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			problems = append(problems, fmt.Sprintf("%s: invalid integer %q", envMaxTotalMemory, v))
		} else {
			cfg.MaxTotalMemoryMiB = n
		}
	}

	flavor, err := catalog.ParseFlavor(strings.ToLower(getenv(envDefaultFlavor)), catalog.FlavorSmall)
	if err != nil {
		problems = append(problems, fmt.Sprintf("%s: %v", envDefaultFlavor, err))
	}
	cfg.DefaultFlavor = flavor

	mappings, err := ParseVolumeMappings(getenv(envVolumeMappings))
	if err != nil {
		problems = append(problems, fmt.Sprintf("%s: %v", envVolumeMappings, err))
	}
	cfg.VolumeMappings = mappings

	if cfg.MaxSessions <= 0 {
		problems = append(problems, fmt.Sprintf("%s: must be positive, got %d", envMaxSessions, cfg.MaxSessions))
	}
	if cfg.ServerURL == "" {
		problems = append(problems, fmt.Sprintf("%s: must not be empty", envServerURL))
	}

	if len(problems) > 0 {
		return Config{}, configError(problems)
	}
	return cfg, nil
}

func noopGetenv(string) string { return "" }

func envOrDefault(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntOrDefault(getenv func(string) string, key string, def int, problems *[]string) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func parseSecondsOrDefault(getenv func(string) string, key string, defSeconds int, problems *[]string) time.Duration {
	n := parseIntOrDefault(getenv, key, defSeconds, problems)
	if n < 0 {
		*problems = append(*problems, fmt.Sprintf("%s: must not be negative, got %d", key, n))
		n = defSeconds
	}
	return time.Duration(n) * time.Second
}

// ParseVolumeMappings accepts either a JSON array of {host_path,
// container_path} objects or a comma-separated list of "host:container"
// entries. Input starting with "[" is parsed as JSON (and is an error if
// that fails); anything else is parsed as the comma-separated list.
func ParseVolumeMappings(raw string) ([]VolumeMapping, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	if strings.HasPrefix(raw, "[") {
		var mappings []VolumeMapping
		if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
			return nil, fmt.Errorf("parse JSON volume mappings: %w", err)
		}
		for _, m := range mappings {
			if m.HostPath == "" || m.ContainerPath == "" {
				return nil, fmt.Errorf("volume mapping entries require host_path and container_path")
			}
		}
		return mappings, nil
	}

	var mappings []VolumeMapping
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("entry %q is not of the form host:container", entry)
		}
		mappings = append(mappings, VolumeMapping{HostPath: parts[0], ContainerPath: parts[1]})
	}
	return mappings, nil
}

func configError(problems []string) error {
	agg := &aggregateConfigError{problems: problems}
	e := sandboxerr.Configuration("%s", agg.Error())
	e.Cause = agg
	return e
}

// aggregateConfigError renders every invalid field, separated by "; ";
// configError wraps it into a *sandboxerr.Error so callers outside this
// package never need to know about it directly.
type aggregateConfigError struct {
	problems []string
}

func (e *aggregateConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.problems, "; "))
}
