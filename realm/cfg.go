package realm

import (
	"fmt"
	"time"
)

// RegistryConfigName is the configuration file of the realm registry.
const RegistryConfigName = "realm"

const (
	defaultService = "worldserver"
	defaultTTL     = 15 * time.Second
)

// RegistryCfg configures how the world server announces itself.
type RegistryCfg struct {
	// Enabled turns registration off for single node setups.
	Enabled bool `mapstructure:"enabled"`

	// Consul agent address, scheme optional.
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	Datacenter string `mapstructure:"datacenter"`

	Service   string   `mapstructure:"service"`
	RealmID   uint32   `mapstructure:"realmID"`
	RealmName string   `mapstructure:"realmName"`
	Tags      []string `mapstructure:"tags"`

	// AdvertiseIP is the address clients connect to, defaults to the bind ip.
	AdvertiseIP string `mapstructure:"advertiseIP"`

	// TTL of the health check. Heartbeats run at half of it.
	TTL time.Duration `mapstructure:"ttl"`
	// DeregisterAfter removes a realm whose check stayed critical that long.
	DeregisterAfter time.Duration `mapstructure:"deregisterAfter"`
}

func (c *RegistryCfg) GetName() string {
	return RegistryConfigName
}

func (c *RegistryCfg) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RealmID == 0 {
		return fmt.Errorf("realmID must be set")
	}
	if c.RealmName == "" {
		return fmt.Errorf("realmName must be set")
	}
	if c.TTL < 0 || c.DeregisterAfter < 0 {
		return fmt.Errorf("ttl and deregisterAfter cannot be negative")
	}
	return nil
}

func (c *RegistryCfg) service() string {
	if c.Service == "" {
		return defaultService
	}
	return c.Service
}

func (c *RegistryCfg) ttl() time.Duration {
	if c.TTL == 0 {
		return defaultTTL
	}
	return c.TTL
}
