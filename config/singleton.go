package config

import "sync"

var (
	_instance   ConfigManager
	_instanceMu sync.Mutex
)

// GetInstance returns the process wide configuration manager, creating it on
// first use. Only the process entry point should reach for it; libraries take
// a ConfigManager explicitly.
func GetInstance() ConfigManager {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()

	if _instance == nil {
		_instance = NewConfigManager()
	}
	return _instance
}

// SetInstanceForTesting replaces the process wide manager.
func SetInstanceForTesting(cm ConfigManager) {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	_instance = cm
}

// ResetInstance closes and drops the process wide manager.
func ResetInstance() {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()

	if _instance != nil {
		_ = _instance.Close()
	}
	_instance = nil
}
