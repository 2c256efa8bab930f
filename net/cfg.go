package net

import (
	"fmt"
	"net"
	"time"
)

// NetworkConfigName is the configuration file of the network layer.
const NetworkConfigName = "network"

// NetworkCfg configures the listener and the network threads.
type NetworkCfg struct {
	BindIP  string `mapstructure:"bindIP"`
	Port    int    `mapstructure:"port"`
	Threads int    `mapstructure:"threads"`

	// AcceptRate limits accepted connections per second, 0 for no limit.
	// Hot reloadable.
	AcceptRate int `mapstructure:"acceptRate"`

	NoDelay bool `mapstructure:"noDelay"`
	// OS socket buffer sizes, 0 keeps the system default.
	ReadBufferSize  int `mapstructure:"readBufferSize"`
	WriteBufferSize int `mapstructure:"writeBufferSize"`

	// SendQueueSize bounds the buffers queued per socket.
	SendQueueSize int `mapstructure:"sendQueueSize"`

	TickInterval time.Duration `mapstructure:"tickInterval"`
	// JoinTimeout bounds how long StopNetwork waits for the threads.
	JoinTimeout time.Duration `mapstructure:"joinTimeout"`
}

func (c *NetworkCfg) GetName() string {
	return NetworkConfigName
}

func (c *NetworkCfg) Validate() error {
	if net.ParseIP(c.BindIP) == nil {
		return fmt.Errorf("bindIP %q is not an ip address", c.BindIP)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Threads <= 0 {
		return fmt.Errorf("threads must be positive")
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("acceptRate cannot be negative")
	}
	if c.SendQueueSize < 0 {
		return fmt.Errorf("sendQueueSize cannot be negative")
	}
	return nil
}

func (c *NetworkCfg) acceptorOptions() AcceptorOptions {
	return AcceptorOptions{
		NoDelay:         c.NoDelay,
		ReadBufferSize:  c.ReadBufferSize,
		WriteBufferSize: c.WriteBufferSize,
		AcceptRate:      c.AcceptRate,
	}
}
