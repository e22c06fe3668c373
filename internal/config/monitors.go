package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/capturenode/internal/capture"
	"github.com/smazurov/capturenode/internal/ffmpeg"
)

// ErrMonitorNotFound is returned for IDs missing from the monitors file.
var ErrMonitorNotFound = errors.New("monitor not found")

// MonitorConfig is one [monitors.<id>] table.
type MonitorConfig struct {
	Path          string            `toml:"path" json:"path"`
	SecondPath    string            `toml:"second_path,omitempty" json:"second_path,omitempty"`
	Method        string            `toml:"method,omitempty" json:"method,omitempty"`
	Options       string            `toml:"options,omitempty" json:"options,omitempty"`
	Width         int               `toml:"width,omitempty" json:"width,omitempty"`
	Height        int               `toml:"height,omitempty" json:"height,omitempty"`
	Colours       string            `toml:"colours,omitempty" json:"colours,omitempty"`
	HWAccelName   string            `toml:"hwaccel_name,omitempty" json:"hwaccel_name,omitempty"`
	HWAccelDevice string            `toml:"hwaccel_device,omitempty" json:"hwaccel_device,omitempty"`
	FastDecoders  map[string]string `toml:"fast_decoders,omitempty" json:"fast_decoders,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `toml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the monitor should be started.
func (m MonitorConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Capture converts the definition into a session config.
func (m MonitorConfig) Capture() (capture.Config, error) {
	colours, err := capture.ParseColourMode(m.Colours)
	if err != nil {
		return capture.Config{}, err
	}
	cfg := capture.Config{
		Path:          m.Path,
		SecondPath:    m.SecondPath,
		Method:        ffmpeg.Method(m.Method),
		Options:       m.Options,
		Width:         m.Width,
		Height:        m.Height,
		Colours:       colours,
		HWAccelName:   m.HWAccelName,
		HWAccelDevice: m.HWAccelDevice,
		FastDecoders:  maps.Clone(m.FastDecoders),
	}
	if err := cfg.Validate(); err != nil {
		return capture.Config{}, err
	}
	return cfg, nil
}

func (m MonitorConfig) equal(o MonitorConfig) bool {
	return m.Path == o.Path &&
		m.SecondPath == o.SecondPath &&
		m.Method == o.Method &&
		m.Options == o.Options &&
		m.Width == o.Width &&
		m.Height == o.Height &&
		m.Colours == o.Colours &&
		m.HWAccelName == o.HWAccelName &&
		m.HWAccelDevice == o.HWAccelDevice &&
		maps.Equal(m.FastDecoders, o.FastDecoders) &&
		m.IsEnabled() == o.IsEnabled()
}

// MonitorsConfig represents the complete monitors file.
type MonitorsConfig struct {
	Version  int                      `toml:"version" json:"version"`
	Monitors map[string]MonitorConfig `toml:"monitors" json:"monitors"`
}

// LoadMonitors reads a monitors file. A missing file yields an empty config.
func LoadMonitors(path string) (MonitorsConfig, error) {
	cfg := MonitorsConfig{Version: 1, Monitors: make(map[string]MonitorConfig)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read monitors config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse monitors config: %w", err)
	}
	if cfg.Monitors == nil {
		cfg.Monitors = make(map[string]MonitorConfig)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	for id, m := range cfg.Monitors {
		if m.Path == "" {
			return cfg, fmt.Errorf("monitor %s: path is required", id)
		}
	}
	return cfg, nil
}

// EnabledIDs returns the IDs of enabled monitors, sorted.
func (c MonitorsConfig) EnabledIDs() []string {
	ids := make([]string, 0, len(c.Monitors))
	for id, m := range c.Monitors {
		if m.IsEnabled() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// MonitorsDiff lists how enabled monitors changed between two configs.
type MonitorsDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether nothing changed.
func (d MonitorsDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffMonitors compares the enabled monitors of two configs. A monitor that
// became disabled counts as removed.
func DiffMonitors(old, updated MonitorsConfig) MonitorsDiff {
	var d MonitorsDiff
	for _, id := range updated.EnabledIDs() {
		prev, ok := old.Monitors[id]
		switch {
		case !ok || !prev.IsEnabled():
			d.Added = append(d.Added, id)
		case !prev.equal(updated.Monitors[id]):
			d.Changed = append(d.Changed, id)
		}
	}
	for _, id := range old.EnabledIDs() {
		if m, ok := updated.Monitors[id]; !ok || !m.IsEnabled() {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}

// MonitorStore holds the current monitor definitions of a file.
type MonitorStore struct {
	path   string
	mu     sync.RWMutex
	config MonitorsConfig
}

// NewMonitorStore creates a store for path. Call Load before use.
func NewMonitorStore(path string) *MonitorStore {
	if path == "" {
		path = "monitors.toml"
	}
	return &MonitorStore{
		path:   path,
		config: MonitorsConfig{Version: 1, Monitors: make(map[string]MonitorConfig)},
	}
}

// Path returns the file backing the store.
func (s *MonitorStore) Path() string { return s.path }

// Load reads the file into the store.
func (s *MonitorStore) Load() error {
	cfg, err := LoadMonitors(s.path)
	if err != nil {
		return err
	}
	s.Replace(cfg)
	return nil
}

// Replace swaps in cfg and returns how it differs from the previous config.
func (s *MonitorStore) Replace(cfg MonitorsConfig) MonitorsDiff {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := DiffMonitors(s.config, cfg)
	s.config = cfg
	return d
}

// Save writes the store back to its file.
func (s *MonitorStore) Save() error {
	s.mu.RLock()
	data, err := toml.Marshal(s.config)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal monitors config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write monitors config: %w", err)
	}
	return nil
}

// Get returns the definition of a monitor.
func (s *MonitorStore) Get(id string) (MonitorConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.config.Monitors[id]
	return m, ok
}

// EnabledIDs returns the IDs of enabled monitors, sorted.
func (s *MonitorStore) EnabledIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.EnabledIDs()
}

// Snapshot returns a copy of the current config.
func (s *MonitorStore) Snapshot() MonitorsConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MonitorsConfig{Version: s.config.Version, Monitors: maps.Clone(s.config.Monitors)}
}

// Capture resolves the session config of a monitor.
func (s *MonitorStore) Capture(id string) (capture.Config, error) {
	m, ok := s.Get(id)
	if !ok {
		return capture.Config{}, fmt.Errorf("%w: %s", ErrMonitorNotFound, id)
	}
	cfg, err := m.Capture()
	if err != nil {
		return capture.Config{}, fmt.Errorf("monitor %s: %w", id, err)
	}
	return cfg, nil
}

// SetEnabled enables or disables a monitor and saves the file.
func (s *MonitorStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	m, ok := s.config.Monitors[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMonitorNotFound, id)
	}
	m.Enabled = &enabled
	s.config.Monitors[id] = m
	s.mu.Unlock()
	return s.Save()
}
