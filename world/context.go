// Package world wires the world server: database pools, the session
// manager, the world tick and the socket dependencies.
package world

import (
	"fmt"

	"github.com/lcx/worldcore/db"
	"github.com/lcx/worldcore/log"
	worldnet "github.com/lcx/worldcore/net/world"
	"github.com/lcx/worldcore/plugin"
)

// EngineResolver returns the engine tagged tag.
type EngineResolver func(tag string) (db.Engine, error)

// PluginEngines resolves engines from the mysql plugin instances.
func PluginEngines(tag string) (db.Engine, error) {
	p, err := plugin.GetPlugin(plugin.DB, "mysql", tag)
	if err != nil {
		return nil, err
	}
	engine, ok := p.(db.Engine)
	if !ok {
		return nil, fmt.Errorf("plugin %s is %T, not a database engine", tag, p)
	}
	return engine, nil
}

// Context holds the services of one world server process.
type Context struct {
	Config   WorldCfg
	Pools    map[string]*db.WorkerPool
	Opcodes  *worldnet.OpcodeTable
	Sessions *SessionManager
	Updater  *Updater
}

// NewContext starts a worker pool per configured database and prepares the
// login statements.
func NewContext(cfg *WorldCfg, dbCfg *db.DatabaseCfg, engines EngineResolver) (*Context, error) {
	c := &Context{
		Config:  *cfg,
		Pools:   make(map[string]*db.WorkerPool, len(dbCfg.Pools)),
		Opcodes: worldnet.NewOpcodeTable(),
	}
	for name, pc := range dbCfg.Pools {
		tag := pc.Engine
		if tag == "" {
			tag = plugin.DefaultInsName
		}
		engine, err := engines(tag)
		if err != nil {
			c.closePools()
			return nil, fmt.Errorf("database pool %s: %w", name, err)
		}
		c.Pools[name] = db.NewWorkerPool(name, engine, db.WithPoolCfg(pc))
	}

	login, ok := c.Pools[cfg.loginPool()]
	if !ok {
		c.closePools()
		return nil, fmt.Errorf("login database pool %q not configured", cfg.loginPool())
	}
	worldnet.PrepareLoginStatements(login)

	c.Sessions = NewSessionManager(cfg.MaxSessions, cfg.packetsPerUpdate())
	c.Updater = NewUpdater(cfg.updateInterval(), c.Sessions)
	return c, nil
}

// LoginDB returns the pool of the login database.
func (c *Context) LoginDB() *db.WorkerPool {
	return c.Pools[c.Config.loginPool()]
}

// SocketDeps returns what world sockets need from the context.
func (c *Context) SocketDeps(sendQueueSize int) worldnet.Deps {
	return worldnet.Deps{
		LoginDB:  c.LoginDB(),
		Sessions: c.Sessions,
		Opcodes:  c.Opcodes,
		Options:  c.Config.SocketOptions(sendQueueSize),
	}
}

// Close stops the tick, kicks every session and closes the pools. Call it
// after the network is stopped.
func (c *Context) Close() {
	c.Updater.Stop()
	c.Sessions.KickAll()
	c.closePools()
	log.Category("world").Info().Msg("world context closed")
}

func (c *Context) closePools() {
	for _, p := range c.Pools {
		p.Close()
	}
}
