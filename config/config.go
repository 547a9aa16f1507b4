// Package config loads the optional YAML configuration file that tunes
// registry capacity, converter budgets, persistence, and tracking.
// Discovery is first-match: an explicit path, then toolbridge.yaml in the
// working directory, then ~/.toolbridge/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/toolbridge/persist"
	"github.com/petal-labs/toolbridge/registry"
	"github.com/petal-labs/toolbridge/track"
)

const (
	projectConfigName = "toolbridge.yaml"
	homeConfigName    = "config.yaml"
)

// File is the declarative configuration shape for toolbridge.yaml.
// Zero values select the package defaults.
type File struct {
	Registry    RegistrySection    `yaml:"registry,omitempty"`
	Converter   ConverterSection   `yaml:"converter,omitempty"`
	Persistence PersistenceSection `yaml:"persistence,omitempty"`
	Tracking    TrackingSection    `yaml:"tracking,omitempty"`
}

// RegistrySection tunes the schema registry.
type RegistrySection struct {
	MaxEntries    int `yaml:"max_entries,omitempty"`
	MaxTotalBytes int `yaml:"max_total_bytes,omitempty"`
	SoftBudgetMS  int `yaml:"soft_budget_ms,omitempty"`
}

// ConverterSection tunes the format converter.
type ConverterSection struct {
	BudgetMS int `yaml:"budget_ms,omitempty"`
}

// PersistenceSection selects and tunes the session state store.
type PersistenceSection struct {
	// Backend is one of "memory", "file", "sqlite". Empty means memory.
	Backend string `yaml:"backend,omitempty"`
	// Path is the file-store path or SQLite DSN, depending on Backend.
	Path string `yaml:"path,omitempty"`
	// SweepSchedule is a five-field UTC cron expression for expiry sweeps.
	SweepSchedule string `yaml:"sweep_schedule,omitempty"`
	// RetentionHours bounds how long saved states and backups live.
	RetentionHours int `yaml:"retention_hours,omitempty"`
}

// TrackingSection tunes the metrics tracker.
type TrackingSection struct {
	WindowSize       int `yaml:"window_size,omitempty"`
	StaleThresholdMS int `yaml:"stale_threshold_ms,omitempty"`
}

// Backend names accepted in PersistenceSection.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// RegistryLimits converts the registry section into registry.Limits.
func (f File) RegistryLimits() registry.Limits {
	return registry.Limits{
		MaxEntries:    f.Registry.MaxEntries,
		MaxTotalBytes: f.Registry.MaxTotalBytes,
		SoftBudget:    time.Duration(f.Registry.SoftBudgetMS) * time.Millisecond,
	}
}

// Retention returns the persistence retention window.
func (f File) Retention() time.Duration {
	if f.Persistence.RetentionHours <= 0 {
		return persist.DefaultSweepMaxAge
	}
	return time.Duration(f.Persistence.RetentionHours) * time.Hour
}

// SweepSchedule returns the configured cron expression or the default.
func (f File) SweepSchedule() string {
	if strings.TrimSpace(f.Persistence.SweepSchedule) == "" {
		return persist.DefaultSweepSchedule
	}
	return f.Persistence.SweepSchedule
}

// WindowSize returns the tracking window size or the default.
func (f File) WindowSize() int {
	if f.Tracking.WindowSize <= 0 {
		return track.DefaultWindowSize
	}
	return f.Tracking.WindowSize
}

// Validate rejects values that cannot be defaulted away.
func (f File) Validate() error {
	switch f.Persistence.Backend {
	case "", BackendMemory, BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("config: unknown persistence backend %q", f.Persistence.Backend)
	}
	if f.Registry.MaxEntries < 0 || f.Registry.MaxTotalBytes < 0 {
		return errors.New("config: registry limits must not be negative")
	}
	if f.Persistence.RetentionHours < 0 {
		return errors.New("config: retention_hours must not be negative")
	}
	return nil
}

// DiscoverPath resolves the config location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".toolbridge", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and validates one config file.
func Load(path string) (File, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return File{}, errors.New("config: path is required")
	}

	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(clean)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", clean, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", clean, err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Discover loads the first config file found, or returns the zero File
// when none exists.
func Discover(explicitPath string) (File, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return File{}, err
	}
	if !found {
		return File{}, nil
	}
	return Load(path)
}
