// Package plugin instantiates named backends (database engines) from the
// "plugin" configuration file and keeps them in sync with it.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lcx/worldcore/config"
	"github.com/lcx/worldcore/log"
)

// Type represents the category of a plugin.
type Type string

const (
	// DB is the type of db.Engine plugins.
	DB Type = "db"
)

const (
	// ConfigName is the configuration file of the plugins.
	ConfigName = "plugin"
	// DefaultInsName is the instance name used when a section has no tag.
	DefaultInsName = "default"
)

var (
	ErrFactoryNotFound  = errors.New("plugin factory not found")
	ErrInstanceNotFound = errors.New("plugin instance not found")
)

// PluginConfig is map[type][factory_suffix][key] = value. The factory is
// the part of the section name before the first "_", and the "tag" key
// names the instance:
//
//	db:
//	  mysql_login:
//	    tag: login
//	    datasource: "trinity:trinity@tcp(127.0.0.1:3306)/auth"
type PluginConfig map[string]map[string]map[string]any

func (c *PluginConfig) GetName() string {
	return ConfigName
}

func (c *PluginConfig) Validate() error {
	if c == nil || len(*c) == 0 {
		return fmt.Errorf("plugin config is empty")
	}
	for pluginType, factories := range *c {
		if len(factories) == 0 {
			return fmt.Errorf("plugin type %s has no factory config", pluginType)
		}
		for section, values := range factories {
			if values == nil {
				return fmt.Errorf("plugin %s/%s has no instance config", pluginType, section)
			}
		}
	}
	return nil
}

// Plugin is a live plugin instance.
type Plugin interface { //nolint:revive
	FactoryName() string
}

type instanceKey struct {
	ft, fn, pn string
}

func (k instanceKey) String() string {
	return k.ft + "/" + k.fn + "/" + k.pn
}

type pluginMgr struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[instanceKey]Plugin
	sections  map[instanceKey]map[string]any
}

var _pluginMgr = newPluginMgr()

func newPluginMgr() *pluginMgr {
	return &pluginMgr{
		factories: make(map[string]Factory),
		instances: make(map[instanceKey]Plugin),
		sections:  make(map[instanceKey]map[string]any),
	}
}

func factoryKey(ft Type, fn string) string {
	return fmt.Sprintf("%s_%s", ft, fn)
}

// RegisterPlugin registers a factory. Call it from an init function.
func RegisterPlugin(f Factory) {
	_pluginMgr.mu.Lock()
	defer _pluginMgr.mu.Unlock()
	_pluginMgr.factories[factoryKey(f.Type(), f.Name())] = f
}

// InitPlugins loads the plugin configuration from cm, sets up every instance
// and follows later changes of the file. Instances created before a failure
// are destroyed again.
func InitPlugins(cm config.ConfigManager) error {
	var cfg PluginConfig
	if err := cm.LoadConfig(ConfigName, &cfg); err != nil {
		return fmt.Errorf("load plugin config failed: %w", err)
	}

	if err := _pluginMgr.apply(&cfg); err != nil {
		return err
	}

	cm.AddChangeListener(_pluginMgr)
	return nil
}

// SetupPlugins sets up the instances of cfg without a config manager.
func SetupPlugins(cfg PluginConfig) error {
	return _pluginMgr.apply(&cfg)
}

type plannedInstance struct {
	key     instanceKey
	factory Factory
	section map[string]any
}

func (pm *pluginMgr) plan(cfg *PluginConfig) ([]plannedInstance, error) {
	var planned []plannedInstance
	seen := make(map[instanceKey]bool)
	for ft, sections := range *cfg {
		for section, values := range sections {
			fn := getFactoryName(section)
			f := pm.factories[factoryKey(Type(ft), fn)]
			if f == nil {
				return nil, fmt.Errorf("%w: %s/%s, available: %v", ErrFactoryNotFound, ft, fn, pm.listFactories(Type(ft)))
			}
			key := instanceKey{ft: ft, fn: fn, pn: getPluginNameFromCfg(values)}
			if seen[key] {
				return nil, fmt.Errorf("plugin instance %s configured twice", key)
			}
			seen[key] = true
			planned = append(planned, plannedInstance{key: key, factory: f, section: values})
		}
	}
	sort.Slice(planned, func(i, j int) bool {
		return planned[i].key.String() < planned[j].key.String()
	})
	return planned, nil
}

// apply moves the live instances to cfg: unchanged sections are kept,
// changed ones are reloaded in place or rebuilt, removed ones destroyed.
func (pm *pluginMgr) apply(cfg *PluginConfig) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	planned, err := pm.plan(cfg)
	if err != nil {
		return err
	}

	wanted := make(map[instanceKey]bool, len(planned))
	for _, p := range planned {
		wanted[p.key] = true
	}
	for key, ins := range pm.instances {
		if wanted[key] {
			continue
		}
		if f := pm.factories[factoryKey(Type(key.ft), key.fn)]; f != nil && !f.CanDelete(ins) {
			return fmt.Errorf("plugin %s is busy and cannot be removed", key)
		}
	}

	var created []plannedInstance
	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			c := created[i]
			if err := c.factory.Destroy(pm.instances[c.key]); err != nil {
				log.Error().Err(err).Str("plugin", c.key.String()).Msg("plugin rollback failed")
			}
			delete(pm.instances, c.key)
			delete(pm.sections, c.key)
		}
	}

	for _, p := range planned {
		if old, ok := pm.instances[p.key]; ok {
			if sameSection(pm.sections[p.key], p.section) {
				continue
			}
			err := p.factory.Reload(old, p.section)
			if err == nil {
				pm.sections[p.key] = p.section
				log.Info().Str("plugin", p.key.String()).Msg("plugin reloaded")
				continue
			}
			log.Warn().Err(err).Str("plugin", p.key.String()).Msg("plugin reload failed, recreating")
			if !p.factory.CanDelete(old) {
				rollback()
				return fmt.Errorf("plugin %s is busy and cannot be recreated", p.key)
			}
			if err := p.factory.Destroy(old); err != nil {
				log.Error().Err(err).Str("plugin", p.key.String()).Msg("plugin destroy failed")
			}
			delete(pm.instances, p.key)
		}

		log.Info().Str("plugin", p.key.String()).Msg("plugin setup begin")
		ins, err := p.factory.Setup(p.section)
		if err != nil {
			rollback()
			return fmt.Errorf("plugin %s setup failed: %w", p.key, err)
		}
		pm.instances[p.key] = ins
		pm.sections[p.key] = p.section
		created = append(created, p)
		log.Info().Str("plugin", p.key.String()).Msg("plugin setup success")
	}

	for key, ins := range pm.instances {
		if wanted[key] {
			continue
		}
		if f := pm.factories[factoryKey(Type(key.ft), key.fn)]; f != nil {
			if err := f.Destroy(ins); err != nil {
				log.Error().Err(err).Str("plugin", key.String()).Msg("plugin destroy failed")
			}
		}
		delete(pm.instances, key)
		delete(pm.sections, key)
		log.Info().Str("plugin", key.String()).Msg("plugin removed")
	}
	return nil
}

// OnConfigChanged applies a reloaded plugin configuration.
func (pm *pluginMgr) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != ConfigName {
		return nil
	}
	cfg, ok := newConfig.(*PluginConfig)
	if !ok {
		return fmt.Errorf("invalid config type: expected *PluginConfig, got %T", newConfig)
	}
	return pm.apply(cfg)
}

func sameSection(a, b map[string]any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func (pm *pluginMgr) listFactories(ft Type) []string {
	var names []string
	prefix := string(ft) + "_"
	for key := range pm.factories {
		if strings.HasPrefix(key, prefix) {
			names = append(names, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(names)
	return names
}

func getPluginNameFromCfg(c map[string]any) string {
	if tag, ok := c["tag"].(string); ok && tag != "" {
		return tag
	}
	return DefaultInsName
}

func getFactoryName(section string) string {
	return strings.Split(section, "_")[0]
}

// GetPlugin returns instance pn of factory fn of type ft.
func GetPlugin(ft Type, fn, pn string) (Plugin, error) {
	_pluginMgr.mu.RLock()
	defer _pluginMgr.mu.RUnlock()

	ins, ok := _pluginMgr.instances[instanceKey{ft: string(ft), fn: fn, pn: pn}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrInstanceNotFound, ft, fn, pn)
	}
	return ins, nil
}

// GetDefaultPlugin returns the untagged instance of a factory.
func GetDefaultPlugin(ft Type, fn string) (Plugin, error) {
	return GetPlugin(ft, fn, DefaultInsName)
}

// ListPlugins returns the instance names per "type/factory".
func ListPlugins() map[string][]string {
	_pluginMgr.mu.RLock()
	defer _pluginMgr.mu.RUnlock()

	result := make(map[string][]string)
	for key := range _pluginMgr.instances {
		k := key.ft + "/" + key.fn
		result[k] = append(result[k], key.pn)
	}
	for _, names := range result {
		sort.Strings(names)
	}
	return result
}

// DestroyAll destroys every instance, in reverse name order.
func DestroyAll() {
	_pluginMgr.mu.Lock()
	defer _pluginMgr.mu.Unlock()

	keys := make([]instanceKey, 0, len(_pluginMgr.instances))
	for key := range _pluginMgr.instances {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() > keys[j].String() })

	for _, key := range keys {
		if f := _pluginMgr.factories[factoryKey(Type(key.ft), key.fn)]; f != nil {
			if err := f.Destroy(_pluginMgr.instances[key]); err != nil {
				log.Error().Err(err).Str("plugin", key.String()).Msg("plugin destroy failed")
			}
		}
	}
	_pluginMgr.instances = make(map[instanceKey]Plugin)
	_pluginMgr.sections = make(map[instanceKey]map[string]any)
}
