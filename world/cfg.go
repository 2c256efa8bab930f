package world

import (
	"fmt"
	"time"

	worldnet "github.com/lcx/worldcore/net/world"
)

// WorldConfigName is the configuration file of the world server.
const WorldConfigName = "worldserver"

const (
	defaultLoginPool      = "login"
	defaultUpdateInterval = 50 * time.Millisecond
	defaultPacketsPerTick = 100
)

// WorldCfg configures the world tick and the client protocol.
type WorldCfg struct {
	// LoginPool names the database pool holding accounts and bans.
	LoginPool string `mapstructure:"loginPool"`

	UpdateInterval time.Duration `mapstructure:"updateInterval"`
	// MaxSessions caps authenticated sessions, 0 for no cap.
	MaxSessions int `mapstructure:"maxSessions"`
	// PacketsPerUpdate bounds the queued packets a session handles per tick.
	PacketsPerUpdate int `mapstructure:"packetsPerUpdate"`

	MaxOverspeedPings int      `mapstructure:"maxOverspeedPings"`
	PacketRate        int      `mapstructure:"packetRate"`
	PacketBurst       int      `mapstructure:"packetBurst"`
	AllowedBuilds     []uint32 `mapstructure:"allowedBuilds"`

	// MetricsAddr serves /metrics, empty disables it.
	MetricsAddr string `mapstructure:"metricsAddr"`
}

func (c *WorldCfg) GetName() string {
	return WorldConfigName
}

func (c *WorldCfg) Validate() error {
	if c.UpdateInterval < 0 {
		return fmt.Errorf("updateInterval cannot be negative")
	}
	if c.MaxSessions < 0 || c.PacketsPerUpdate < 0 {
		return fmt.Errorf("maxSessions and packetsPerUpdate cannot be negative")
	}
	if c.MaxOverspeedPings < 0 || c.PacketRate < 0 || c.PacketBurst < 0 {
		return fmt.Errorf("ping and packet limits cannot be negative")
	}
	return nil
}

func (c *WorldCfg) loginPool() string {
	if c.LoginPool == "" {
		return defaultLoginPool
	}
	return c.LoginPool
}

func (c *WorldCfg) updateInterval() time.Duration {
	if c.UpdateInterval == 0 {
		return defaultUpdateInterval
	}
	return c.UpdateInterval
}

func (c *WorldCfg) packetsPerUpdate() int {
	if c.PacketsPerUpdate == 0 {
		return defaultPacketsPerTick
	}
	return c.PacketsPerUpdate
}

// SocketOptions returns the protocol settings of world sockets.
func (c *WorldCfg) SocketOptions(sendQueueSize int) worldnet.Options {
	return worldnet.Options{
		SendQueueSize:     sendQueueSize,
		MaxOverspeedPings: c.MaxOverspeedPings,
		PacketRate:        c.PacketRate,
		PacketBurst:       c.PacketBurst,
		AllowedBuilds:     c.AllowedBuilds,
	}
}
