package config

import (
	"sync"
)

// ConfigManager provides thread-safe access to the application configuration
type ConfigManager struct {
	mu     sync.RWMutex
	config Config
}

// NewConfigManager creates a new configuration manager with the provided initial config
func NewConfigManager(initialConfig Config) *ConfigManager {
	return &ConfigManager{
		config: initialConfig,
	}
}

// GetConfig returns a copy of the current configuration
func (cm *ConfigManager) GetConfig() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cfg := cm.config
	cfg.ButtonMap = make(map[string]string, len(cm.config.ButtonMap))
	for k, v := range cm.config.ButtonMap {
		cfg.ButtonMap[k] = v
	}
	return cfg
}

// UpdateConfig updates the configuration with a new version
func (cm *ConfigManager) UpdateConfig(newConfig Config) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.config = newConfig
}

// SetArduino replaces the serial port settings.
func (cm *ConfigManager) SetArduino(port string, baud int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.config.ArduinoCOMPort = port
	cm.config.ArduinoBaudRate = baud
}

// PathForButton returns the stream path mapped to a hardware button
func (cm *ConfigManager) PathForButton(button string) (string, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	path, ok := cm.config.ButtonMap[button]
	return path, ok
}
