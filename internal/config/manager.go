package config

import (
	"fmt"
	"sync"
)

// ConfigManager provides thread-safe access to the live Config Catalog.
type ConfigManager interface {
	Get() *Config
	Set(cfg *Config)
	Reload(path string) error
	Version() uint64
}

// RWMutexManager provides thread-safe read-heavy config access using RWMutex.
// Every Set/Reload bumps version, so callers that log or surface a hot-reload
// (the SIGHUP handler in cmd/gameserver, for instance) can report which
// catalog generation a request was served against.
type RWMutexManager struct {
	mu      sync.RWMutex
	cfg     *Config
	version uint64
}

// NewManager constructs a manager with an initial config at version 1.
func NewManager(initial *Config) *RWMutexManager {
	return &RWMutexManager{cfg: initial.Clone(), version: 1}
}

// Get returns a cloned config snapshot under a shared lock.
//
// Returning a clone prevents shared mutable state from leaking across readers.
func (m *RWMutexManager) Get() *Config {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// Set updates the current config pointer under an exclusive lock.
func (m *RWMutexManager) Set(cfg *Config) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.Clone()
	m.version++
}

// Reload loads config from path and atomically swaps it into place.
func (m *RWMutexManager) Reload(path string) error {
	if m == nil {
		return fmt.Errorf("config manager is nil")
	}
	if path == "" {
		return fmt.Errorf("config reload path is required")
	}

	loaded, err := Load(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = loaded.Clone()
	m.version++
	return nil
}

// Version reports the current catalog generation, starting at 1 and
// incrementing on every Set or successful Reload.
func (m *RWMutexManager) Version() uint64 {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

var _ ConfigManager = (*RWMutexManager)(nil)
