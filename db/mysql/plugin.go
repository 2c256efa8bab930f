package mysql

import (
	"fmt"

	"github.com/lcx/worldcore/config"
	"github.com/lcx/worldcore/plugin"
)

var (
	// openEngineFn wraps Open to allow tests to substitute a fake engine.
	openEngineFn = func(cfg *Config) (plugin.Plugin, error) { return Open(cfg) }
)

func init() {
	plugin.RegisterPlugin(&factory{})
}

// factory implements the MySQL engine plugin factory.
type factory struct{}

func (f *factory) Type() plugin.Type {
	return plugin.DB
}

func (f *factory) Name() string {
	return "mysql"
}

// Setup opens an engine from its configuration section.
func (f *factory) Setup(v map[string]any) (plugin.Plugin, error) {
	cfg := &Config{}
	if err := config.Decode(v, cfg); err != nil {
		return nil, err
	}
	if cfg.DataSource == "" {
		return nil, fmt.Errorf("mysql %s: datasource is required", cfg.Tag)
	}
	return openEngineFn(cfg)
}

func (f *factory) Destroy(p plugin.Plugin) error {
	e, ok := p.(*Engine)
	if !ok {
		return nil
	}
	return e.Close()
}

// Reload applies idle and lifetime settings in place. Other changes need a
// new engine.
func (f *factory) Reload(p plugin.Plugin, v map[string]any) error {
	e, ok := p.(*Engine)
	if !ok {
		return fmt.Errorf("unexpected plugin %T", p)
	}
	cfg := &Config{}
	if err := config.Decode(v, cfg); err != nil {
		return err
	}
	return e.apply(cfg)
}

// CanDelete reports whether no connection is leased.
func (f *factory) CanDelete(p plugin.Plugin) bool {
	e, ok := p.(*Engine)
	if !ok {
		return true
	}
	return e.InUse() == 0
}
