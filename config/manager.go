package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var _decodeHook = viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
	mapstructure.TextUnmarshallerHookFunc(),
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
))

// ConfigManager interface for configuration management
type ConfigManager interface {
	LoadConfig(configName string, config Config) error
	GetConfig(configName string) (Config, error)
	AddChangeListener(listener ConfigChangeListener)
	RemoveChangeListener(listener ConfigChangeListener)
	NotifyConfigChanged(configName string, newConfig, oldConfig Config)
	SetBasePath(path string)
	SetEnvironment(env string)
	Close() error
}

// ValidatorFunc configuration validation function
type ValidatorFunc func(Config) error

// HookFunc configuration change hook function, a non-nil error rejects the reload
type HookFunc func(oldVal, newVal Config) error

// ErrorHandler receives failures of the background reload path.
type ErrorHandler func(configName string, err error)

// configManager implementation of ConfigManager interface
type configManager struct {
	mu         sync.RWMutex
	configs    map[string]Config
	watchers   map[string]*fsnotify.Watcher
	validators map[string]ValidatorFunc
	hooks      map[string][]HookFunc
	basePath   string
	env        string

	listenerMu sync.RWMutex
	listeners  []ConfigChangeListener

	onError ErrorHandler
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() ConfigManager {
	return newConfigManager()
}

func newConfigManager() *configManager {
	return &configManager{
		configs:    make(map[string]Config),
		watchers:   make(map[string]*fsnotify.Watcher),
		validators: make(map[string]ValidatorFunc),
		hooks:      make(map[string][]HookFunc),
		basePath:   "./configs",
		env:        "development",
		onError: func(configName string, err error) {
			// log depends on config, stderr is the only sink available here
			fmt.Fprintf(os.Stderr, "config %s: %v\n", configName, err)
		},
	}
}

// RegisterValidator registers a validator on managers that support it.
func RegisterValidator(cm ConfigManager, configName string, validator ValidatorFunc) bool {
	m, ok := cm.(*configManager)
	if ok {
		m.RegisterValidator(configName, validator)
	}
	return ok
}

// RegisterHook registers a reload hook on managers that support it.
func RegisterHook(cm ConfigManager, configName string, hook HookFunc) bool {
	m, ok := cm.(*configManager)
	if ok {
		m.RegisterHook(configName, hook)
	}
	return ok
}

// SetErrorHandler replaces the reporter used by the background reload path.
func SetErrorHandler(cm ConfigManager, handler ErrorHandler) bool {
	m, ok := cm.(*configManager)
	if ok && handler != nil {
		m.mu.Lock()
		m.onError = handler
		m.mu.Unlock()
	}
	return ok
}

func (cm *configManager) newViper(configName string) *viper.Viper {
	v := viper.New()

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	// the environment overlay directory wins over the base directory
	v.AddConfigPath(fmt.Sprintf("%s/%s", cm.basePath, cm.env))
	v.AddConfigPath(cm.basePath)

	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return v
}

// LoadConfig loads configuration from file, validates it and starts watching it
func (cm *configManager) LoadConfig(configName string, config Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	v := cm.newViper(configName)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}

	if err := v.Unmarshal(config, _decodeHook); err != nil {
		return fmt.Errorf("unmarshal config failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("validate config failed: %w", err)
	}

	if validator, exists := cm.validators[configName]; exists {
		if err := validator(config); err != nil {
			return fmt.Errorf("validate config failed: %w", err)
		}
	}

	cm.configs[configName] = config

	if _, watching := cm.watchers[configName]; watching {
		return nil
	}
	if err := cm.watchConfigFile(configName, v); err != nil {
		return fmt.Errorf("watch config file failed: %w", err)
	}

	return nil
}

// GetConfig returns the most recently loaded configuration
func (cm *configManager) GetConfig(configName string) (Config, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[configName]
	if !exists {
		return nil, fmt.Errorf("config %s not found", configName)
	}

	return config, nil
}

// RegisterValidator registers configuration validator
func (cm *configManager) RegisterValidator(configName string, validator ValidatorFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[configName] = validator
}

// RegisterHook registers configuration change hook
func (cm *configManager) RegisterHook(configName string, hook HookFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hooks[configName] = append(cm.hooks[configName], hook)
}

func (cm *configManager) AddChangeListener(listener ConfigChangeListener) {
	if listener == nil {
		return
	}
	cm.listenerMu.Lock()
	defer cm.listenerMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

func (cm *configManager) RemoveChangeListener(listener ConfigChangeListener) {
	cm.listenerMu.Lock()
	defer cm.listenerMu.Unlock()

	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			return
		}
	}
}

// NotifyConfigChanged fans a change out to every registered listener.
// Listener errors are reported but never stop the fan-out.
func (cm *configManager) NotifyConfigChanged(configName string, newConfig, oldConfig Config) {
	cm.listenerMu.RLock()
	listeners := make([]ConfigChangeListener, len(cm.listeners))
	copy(listeners, cm.listeners)
	cm.listenerMu.RUnlock()

	for _, l := range listeners {
		if err := l.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
			cm.reportError(configName, fmt.Errorf("listener failed: %w", err))
		}
	}
}

// SetBasePath sets base path for configuration files
func (cm *configManager) SetBasePath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.basePath = path
}

// SetEnvironment sets environment for configuration
func (cm *configManager) SetEnvironment(env string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.env = env
}

func (cm *configManager) reportError(configName string, err error) {
	cm.mu.RLock()
	handler := cm.onError
	cm.mu.RUnlock()
	handler(configName, err)
}

// watchConfigFile watches configuration file for changes
func (cm *configManager) watchConfigFile(configName string, v *viper.Viper) error {
	configFile := v.ConfigFileUsed()
	if configFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	cm.watchers[configName] = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					cm.reloadConfig(configName)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cm.reportError(configName, fmt.Errorf("watcher error: %w", err))
			}
		}
	}()

	return watcher.Add(configFile)
}

// reloadConfig reloads configuration when file changes. Any failure keeps
// the previous configuration in place.
func (cm *configManager) reloadConfig(configName string) {
	oldConfig, newConfig, err := cm.swapConfig(configName)
	if err != nil {
		cm.reportError(configName, err)
		return
	}
	if newConfig == nil {
		return
	}

	cm.NotifyConfigChanged(configName, newConfig, oldConfig)
}

func (cm *configManager) swapConfig(configName string) (Config, Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	oldConfig, exists := cm.configs[configName]
	if !exists {
		return nil, nil, nil
	}

	// preserve the concrete type of the loaded configuration
	newConfig := reflect.New(reflect.TypeOf(oldConfig).Elem()).Interface().(Config)

	v := cm.newViper(configName)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("reload read failed: %w", err)
	}
	if err := v.Unmarshal(newConfig, _decodeHook); err != nil {
		return nil, nil, fmt.Errorf("reload unmarshal failed: %w", err)
	}
	if err := newConfig.Validate(); err != nil {
		return nil, nil, fmt.Errorf("reload validation failed: %w", err)
	}
	if validator, exists := cm.validators[configName]; exists {
		if err := validator(newConfig); err != nil {
			return nil, nil, fmt.Errorf("reload validation failed: %w", err)
		}
	}
	for _, hook := range cm.hooks[configName] {
		if err := hook(oldConfig, newConfig); err != nil {
			return nil, nil, fmt.Errorf("reload hook failed: %w", err)
		}
	}

	cm.configs[configName] = newConfig
	return oldConfig, newConfig, nil
}

// Close stops every file watcher
func (cm *configManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var firstErr error
	for name, watcher := range cm.watchers {
		if err := watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(cm.watchers, name)
	}

	return firstErr
}
